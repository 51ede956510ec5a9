package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
)

// BatchWriter persists a batch of log rows.
type BatchWriter func(ctx context.Context, batch []models.SystemLog) error

// GormWriter inserts batches into system_logs.
func GormWriter(db *gorm.DB) BatchWriter {
	return func(ctx context.Context, batch []models.SystemLog) error {
		return db.WithContext(ctx).CreateInBatches(batch, defaultBatchSize).Error
	}
}

type dbSink struct {
	write     BatchWriter
	batchSize int
	mu        sync.Mutex
	buffer    []models.SystemLog
	ticker    *time.Ticker
	kick      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// DBHandler is an slog.Handler that batches ERROR+ records into system_logs.
// Records are flushed every interval, when the buffer fills, and on Stop.
// Every write happens on the flush loop, so none run after Stop returns.
type DBHandler struct {
	sink  *dbSink
	attrs []slog.Attr
	group string
}

func NewDBHandler(db *gorm.DB) *DBHandler {
	return NewBatchHandler(GormWriter(db), defaultBatchSize, defaultFlushInterval)
}

func NewBatchHandler(write BatchWriter, batchSize int, interval time.Duration) *DBHandler {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	sink := &dbSink{
		write:     write,
		batchSize: batchSize,
		buffer:    make([]models.SystemLog, 0, batchSize),
		ticker:    time.NewTicker(interval),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	sink.wg.Add(1)
	go sink.flushLoop()
	return &DBHandler{sink: sink}
}

func (s *dbSink) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.flush()
		case <-s.kick:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *dbSink) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make([]models.SystemLog, 0, s.batchSize)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.write(ctx, batch); err != nil {
		// ERROR would loop back into this handler.
		slog.Warn("failed to flush system logs", "error", err, "count", len(batch))
	}
}

// Stop flushes pending records and ends the background loop.
func (h *DBHandler) Stop() {
	h.sink.stopOnce.Do(func() {
		h.sink.ticker.Stop()
		close(h.sink.done)
	})
	h.sink.wg.Wait()
}

// Enabled only handles ERROR and above.
func (h *DBHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *DBHandler) Handle(_ context.Context, record slog.Record) error {
	entry := models.SystemLog{
		ID:        uuid.New(),
		Timestamp: record.Time.UTC(),
		Level:     record.Level.String(),
		Message:   record.Message,
	}

	extra := make(map[string]interface{})
	apply := func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		switch key {
		case "request_id":
			entry.RequestID = a.Value.String()
		case "user_id":
			s := a.Value.String()
			entry.UserID = &s
		case "ip":
			entry.IP = a.Value.String()
		case "action":
			entry.Action = a.Value.String()
		case "error":
			entry.Error = a.Value.String()
		default:
			extra[key] = a.Value.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		apply(a)
	}
	record.Attrs(apply)

	if len(extra) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			entry.Extra = datatypes.JSON(b)
		}
	}

	s := h.sink
	s.mu.Lock()
	s.buffer = append(s.buffer, entry)
	needFlush := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if needFlush {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &DBHandler{sink: h.sink, attrs: merged, group: h.group}
}

func (h *DBHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &DBHandler{sink: h.sink, attrs: h.attrs, group: group}
}
