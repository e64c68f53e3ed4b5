// Package sqlite provides a SQLite-backed transport using GORM. Records
// land in an append-only table whose rowid fixes arrival order, and
// subscriptions tail the table on a poll interval. It suits single-node
// deployments that want durability without running a separate server.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voxchat/chat-engine/internal/config"
	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
)

const defaultPollInterval = 250 * time.Millisecond

func init() {
	transport.Register(transport.Plugin{
		Name:   "sqlite",
		Loader: load,
	})
}

func load(ctx context.Context) (transport.Transport, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.SQLitePath == "" {
		return nil, fmt.Errorf("sqlite transport: CHAT_ENGINE_SQLITE_PATH is required")
	}
	interval := cfg.SQLitePollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return Open(cfg.SQLitePath, interval)
}

type record struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Partition string `gorm:"index;not null"`
	Timestamp int64  `gorm:"not null"`
	Payload   []byte `gorm:"not null"`
}

func (record) TableName() string { return "records" }

type keyedRecord struct {
	Path  string `gorm:"primaryKey"`
	Key   string `gorm:"primaryKey"`
	Value []byte `gorm:"not null"`
}

func (keyedRecord) TableName() string { return "keyed_records" }

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string, pollInterval time.Duration) (transport.Transport, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite transport: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&record{}, &keyedRecord{}); err != nil {
		return nil, fmt.Errorf("sqlite transport: migrate: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return &sqliteTransport{db: db, pollInterval: pollInterval}, nil
}

type sqliteTransport struct {
	db           *gorm.DB
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[*sqliteSubscription]struct{}
}

func (t *sqliteTransport) Append(ctx context.Context, partition string, msg model.Message) (model.Message, error) {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		row := tx.Model(&record{}).
			Where("partition = ?", partition).
			Select("COALESCE(MAX(timestamp), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}
		ts := time.Now().UnixMilli()
		if ts <= last {
			ts = last + 1
		}
		msg.Timestamp = ts
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return tx.Create(&record{Partition: partition, Timestamp: ts, Payload: payload}).Error
	})
	if err != nil {
		return model.Message{}, &transport.AppendError{Partition: partition, Cause: err}
	}
	return msg, nil
}

// SubscribeAppend reads the backlog in rowid order and then polls for
// rows past the last seen rowid. The poll goroutine is the only caller
// of onAppend, so delivery is serial.
func (t *sqliteTransport) SubscribeAppend(ctx context.Context, partition string, onAppend func(model.Message)) (transport.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("sqlite transport is closed")
	}
	if t.subs == nil {
		t.subs = map[*sqliteSubscription]struct{}{}
	}
	sub := &sqliteSubscription{t: t, done: make(chan struct{})}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.run(partition, onAppend)
	return sub, nil
}

type sqliteSubscription struct {
	t         *sqliteTransport
	done      chan struct{}
	closeOnce sync.Once
}

func (s *sqliteSubscription) run(partition string, onAppend func(model.Message)) {
	var lastID uint64
	deliver := func() bool {
		var rows []record
		err := s.t.db.
			Where("partition = ? AND id > ?", partition, lastID).
			Order("id ASC").
			Find(&rows).Error
		if err != nil {
			log.Warn("Tail query failed", "partition", partition, "error", err)
			return true
		}
		for _, row := range rows {
			lastID = row.ID
			var msg model.Message
			if err := json.Unmarshal(row.Payload, &msg); err != nil {
				log.Warn("Dropping undecodable record", "partition", partition, "error", err)
				continue
			}
			select {
			case <-s.done:
				return false
			default:
			}
			onAppend(msg)
		}
		return true
	}

	if !deliver() {
		return
	}
	ticker := time.NewTicker(s.t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !deliver() {
				return
			}
		}
	}
}

func (s *sqliteSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
	})
	return nil
}

func (t *sqliteTransport) ReadOnce(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	var rows []keyedRecord
	if err := t.db.WithContext(ctx).Where("path = ?", path).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.Key] = json.RawMessage(row.Value)
	}
	return out, nil
}

func (t *sqliteTransport) Upsert(ctx context.Context, path, key string, rec any) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&keyedRecord{Path: path, Key: key, Value: value}).Error
}

func (t *sqliteTransport) Remove(ctx context.Context, path, key string) error {
	return t.db.WithContext(ctx).
		Where("path = ? AND key = ?", path, key).
		Delete(&keyedRecord{}).Error
}

func (t *sqliteTransport) Close() error {
	t.mu.Lock()
	subs := make([]*sqliteSubscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.closed = true
	t.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ transport.Transport = (*sqliteTransport)(nil)
