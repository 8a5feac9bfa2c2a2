package db

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vtpl1/safetynet/models"
)

type Inserter interface {
	Insert(ctx context.Context, entry models.LogEntry) error
}

// HistoryWriter inserts log entries in the background. Write never blocks;
// entries are dropped when the queue is full.
type HistoryWriter struct {
	store   Inserter
	timeout time.Duration
	queue   chan models.LogEntry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewHistoryWriter(store Inserter, size int) *HistoryWriter {
	if size <= 0 {
		size = 256
	}
	w := &HistoryWriter{
		store:   store,
		timeout: 2 * time.Second,
		queue:   make(chan models.LogEntry, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *HistoryWriter) Write(entry models.LogEntry) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- entry:
		return nil
	default:
		log.Warn().Str("id", entry.ID).Msg("History queue full, entry not persisted")
		return ErrWriterFull
	}
}

// Close flushes queued entries and stops the writer
func (w *HistoryWriter) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *HistoryWriter) run() {
	defer close(w.done)
	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.store.Insert(ctx, entry); err != nil {
			log.Error().Err(err).Str("id", entry.ID).Msg("Failed to persist log entry")
		}
		cancel()
	}
}
