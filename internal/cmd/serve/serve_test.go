package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxchat/chat-engine/internal/config"
	"github.com/voxchat/chat-engine/internal/session"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Listener.Port = 0
	ctx := config.WithContext(context.Background(), &cfg)
	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path string, body io.Reader, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, fmt.Sprintf("http://127.0.0.1:%d%s", srv.Port, path), body)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("X-User-Name", "Ann")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func TestHealthAndReady(t *testing.T) {
	srv := startTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv := startTestServer(t)

	open := `{"conversation":{"id":"general","displayName":"general","visibility":"shared"}}`
	resp, body := doRequest(t, srv, http.MethodPost, "/v1/session", bytes.NewBufferString(open),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doRequest(t, srv, http.MethodPost, "/v1/session/messages", bytes.NewBufferString(`{"text":"hi"}`),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var view session.View
	require.Eventually(t, func() bool {
		resp, body = doRequest(t, srv, http.MethodGet, "/v1/session/view", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &view))
		return len(view.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "#general", view.Conversation)
	require.Equal(t, "hi", view.Messages[0].Content)
	require.Equal(t, "1 user", view.ParticipantLabel)

	// Filter by query, then clear it.
	resp, body = doRequest(t, srv, http.MethodGet, "/v1/session/view?query=zz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &view))
	require.Empty(t, view.Messages)

	resp, body = doRequest(t, srv, http.MethodGet, "/v1/session/view?query=", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &view))
	require.Len(t, view.Messages, 1)

	// Starred toggle round-trips.
	resp, body = doRequest(t, srv, http.MethodPost, "/v1/session/star", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"starred":true}`, string(body))

	resp, _ = doRequest(t, srv, http.MethodDelete, "/v1/session", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodGet, "/v1/session/view", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEmptyMessageRejectedOverHTTP(t *testing.T) {
	srv := startTestServer(t)

	open := `{"conversation":{"id":"general","displayName":"general"}}`
	resp, _ := doRequest(t, srv, http.MethodPost, "/v1/session", bytes.NewBufferString(open),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doRequest(t, srv, http.MethodPost, "/v1/session/messages", bytes.NewBufferString(`{"text":"   "}`),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "validation")
}

func TestMissingIdentityHeaderRejected(t *testing.T) {
	srv := startTestServer(t)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/v1/session/view", srv.Port), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadOverHTTP(t *testing.T) {
	srv := startTestServer(t)

	open := `{"conversation":{"id":"general","displayName":"general"}}`
	resp, _ := doRequest(t, srv, http.MethodPost, "/v1/session", bytes.NewBufferString(open),
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte("p"), 1024))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp, body := doRequest(t, srv, http.MethodPost, "/v1/session/uploads", &buf,
		map[string]string{"Content-Type": w.FormDataContentType()})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var view session.View
	require.Eventually(t, func() bool {
		resp, body = doRequest(t, srv, http.MethodGet, "/v1/session/view", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.Unmarshal(body, &view))
		return view.Upload.State == "committed" && len(view.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 100, view.Upload.PercentComplete)
	require.NotEmpty(t, view.Messages[0].MediaURL)

	resp, body = doRequest(t, srv, http.MethodPost, "/v1/session/uploads/ack", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "idle")
}
