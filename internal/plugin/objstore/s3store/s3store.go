// Package s3store provides an S3-backed object store. Upload progress is
// observed through a counting reader wrapped around the request body, and
// download URLs are presigned GETs, optionally rewritten to an external
// endpoint when the service sits behind a gateway.
package s3store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/voxchat/chat-engine/internal/config"
	"github.com/voxchat/chat-engine/internal/registry/objstore"
)

func init() {
	objstore.Register(objstore.Plugin{
		Name:   "s3",
		Loader: load,
	})
}

func load(ctx context.Context) (objstore.ObjectStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3store: CHAT_ENGINE_S3_BUCKET is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}
	usePathStyle := cfg.S3UsePathStyle
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
	return &S3ObjectStore{
		client:           client,
		presigner:        s3.NewPresignClient(client),
		bucket:           cfg.S3Bucket,
		prefix:           strings.Trim(strings.TrimSpace(cfg.S3Prefix), "/"),
		externalEndpoint: strings.TrimSpace(cfg.S3ExternalEndpoint),
		urlExpiry:        cfg.DownloadURLExpiresIn,
	}, nil
}

type S3ObjectStore struct {
	client           *s3.Client
	presigner        *s3.PresignClient
	bucket           string
	prefix           string
	externalEndpoint string
	urlExpiry        time.Duration
}

// s3Key returns the actual S3 object key for a storage key, applying the
// prefix if set. The prefix is applied at access time and never persisted.
func (s *S3ObjectStore) s3Key(storageKey string) string {
	if s.prefix != "" {
		return s.prefix + "/" + storageKey
	}
	return storageKey
}

type s3Job struct {
	events chan objstore.Event
}

func (j *s3Job) Events() <-chan objstore.Event { return j.events }

// PutObject streams data to S3 in a single PutObject call. Progress events
// come from a counting reader around the body, so they reflect bytes the
// SDK has actually consumed.
func (s *S3ObjectStore) PutObject(ctx context.Context, key string, data io.Reader, meta objstore.Metadata) (objstore.Job, error) {
	if key == "" {
		return nil, fmt.Errorf("s3store: object key is required")
	}
	j := &s3Job{events: make(chan objstore.Event, 8)}
	counting := &countingReader{r: data, total: meta.Size, events: j.events}
	go func() {
		defer close(j.events)
		s3Key := s.s3Key(key)
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        &s.bucket,
			Key:           &s3Key,
			Body:          counting,
			ContentLength: aws.Int64(meta.Size),
			ContentType:   &meta.ContentType,
		}, func(o *s3.Options) {
			o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
		})
		if err != nil {
			j.events <- objstore.Event{Type: objstore.EventError, Err: fmt.Errorf("s3store: put object: %w", err)}
			return
		}
		j.events <- objstore.Event{
			Type:             objstore.EventDone,
			BytesTransferred: counting.n.Load(),
			BytesTotal:       meta.Size,
		}
	}()
	return j, nil
}

// ResolveDownloadURL presigns a GET for the object, rewriting the host to
// the external endpoint when one is configured.
func (s *S3ObjectStore) ResolveDownloadURL(ctx context.Context, key string) (string, error) {
	s3Key := s.s3Key(key)
	resp, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s3Key,
	}, s3.WithPresignExpires(s.urlExpiry))
	if err != nil {
		return "", fmt.Errorf("s3store: presign: %w", err)
	}
	if s.externalEndpoint == "" {
		return resp.URL, nil
	}
	parsed, err := url.Parse(resp.URL)
	if err != nil {
		return "", err
	}
	external, err := url.Parse(s.externalEndpoint)
	if err != nil {
		return "", fmt.Errorf("s3store: parse external endpoint: %w", err)
	}
	parsed.Scheme = external.Scheme
	parsed.Host = external.Host
	if strings.TrimSpace(external.Path) != "" && external.Path != "/" {
		parsed.Path = strings.TrimRight(external.Path, "/") + parsed.Path
	}
	return parsed.String(), nil
}

// countingReader emits a progress event for every read the SDK performs.
type countingReader struct {
	r      io.Reader
	total  int64
	n      atomic.Int64
	events chan<- objstore.Event
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		transferred := r.n.Add(int64(n))
		select {
		case r.events <- objstore.Event{
			Type:             objstore.EventProgress,
			BytesTransferred: transferred,
			BytesTotal:       r.total,
		}:
		default:
			// A slow consumer only loses intermediate progress, never the
			// terminal event, which is sent blocking.
		}
	}
	return n, err
}

var _ objstore.ObjectStore = (*S3ObjectStore)(nil)
