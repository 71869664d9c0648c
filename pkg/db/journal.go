package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/morezero/framebus/pkg/events"
)

const journalLogPrefix = "db:journal"

// Journal batching defaults.
const (
	DefaultJournalBuffer = 1024
	journalBatchSize     = 100
	journalFlushEvery    = time.Second
	journalFlushTimeout  = 5 * time.Second
)

// JournalWriter persists a batch of entries. *Repository implements it.
type JournalWriter interface {
	InsertEvents(ctx context.Context, entries []JournalEntry) (int64, error)
}

// Journal is an events.EventPublisher that records dispatch events in the
// background. PublishDispatch never blocks: when the buffer is full the
// event is dropped and counted.
type Journal struct {
	writer     JournalWriter
	entries    chan JournalEntry
	batchSize  int
	flushEvery time.Duration

	dropped atomic.Int64
	written atomic.Int64
}

// NewJournal creates a journal with a buffer of the given size.
func NewJournal(w JournalWriter, buffer int) *Journal {
	if buffer <= 0 {
		buffer = DefaultJournalBuffer
	}
	return &Journal{
		writer:     w,
		entries:    make(chan JournalEntry, buffer),
		batchSize:  journalBatchSize,
		flushEvery: journalFlushEvery,
	}
}

// PublishDispatch queues ev for the writer.
func (j *Journal) PublishDispatch(_ context.Context, ev *events.DispatchEvent) error {
	select {
	case j.entries <- EntryFromEvent(ev):
	default:
		if j.dropped.Add(1) == 1 {
			slog.Warn(fmt.Sprintf("%s - journal buffer full, dropping events", journalLogPrefix))
		}
	}
	return nil
}

// Dropped returns how many events were discarded because the buffer was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written returns how many entries the writer has accepted.
func (j *Journal) Written() int64 { return j.written.Load() }

// Run writes batches until ctx is cancelled, then flushes whatever is
// still buffered.
func (j *Journal) Run(ctx context.Context) {
	slog.Info(fmt.Sprintf("%s - Journal writer started", journalLogPrefix))
	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	batch := make([]JournalEntry, 0, j.batchSize)
	for {
		select {
		case e := <-j.entries:
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				batch = j.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = j.flush(ctx, batch)
		case <-ctx.Done():
			j.drain(batch)
			slog.Info(fmt.Sprintf("%s - Journal writer stopped (%d written, %d dropped)", journalLogPrefix, j.Written(), j.Dropped()))
			return
		}
	}
}

func (j *Journal) drain(batch []JournalEntry) {
	for {
		select {
		case e := <-j.entries:
			batch = append(batch, e)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), journalFlushTimeout)
			defer cancel()
			j.flush(ctx, batch)
			return
		}
	}
}

// flush writes batch and returns it emptied. A failed batch is logged and
// discarded.
func (j *Journal) flush(ctx context.Context, batch []JournalEntry) []JournalEntry {
	if len(batch) == 0 {
		return batch
	}
	n, err := j.writer.InsertEvents(ctx, batch)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to write %d entries: %v", journalLogPrefix, len(batch), err))
	} else {
		j.written.Add(n)
	}
	return batch[:0]
}
