package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"stormfell/gateway/internal/events"
	"stormfell/gateway/internal/logging"
	"stormfell/gateway/internal/wire"
)

// pendingSnapshotFile is the on-disk layout for queued-envelope persistence.
// The payload is snappy-compressed JSON so large backlogs stay cheap to write
// on every flush interval.
type pendingSnapshotFile struct {
	SavedAt time.Time                   `json:"saved_at"`
	Queues  map[string][]*wire.Envelope `json:"queues"`
}

// pendingSnapshotter persists the per-player pending queues so buffered events
// survive a gateway restart and can be replayed once the player reattaches a
// push stream.
type pendingSnapshotter struct {
	path     string
	interval time.Duration
	pending  *events.PendingQueue
	log      *logging.Logger
	now      func() time.Time

	writeMu sync.Mutex
	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newPendingSnapshotter(path string, interval time.Duration, pending *events.PendingQueue, logger *logging.Logger) (*pendingSnapshotter, error) {
	if path == "" || interval <= 0 || pending == nil {
		return nil, nil
	}
	if logger == nil {
		logger = logging.L()
	}
	s := &pendingSnapshotter{
		path:     path,
		interval: interval,
		pending:  pending,
		log:      logger.With(logging.String("component", "pending_snapshot")),
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.loop()
	return s, nil
}

// load restores any previously persisted queues into the live pending store.
// A missing file is a normal first start; a corrupt file fails construction.
func (s *pendingSnapshotter) load() error {
	compressed, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return err
	}
	var file pendingSnapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	s.pending.Restore(file.Queues)
	restored := 0
	for _, queue := range file.Queues {
		restored += len(queue)
	}
	if restored > 0 {
		s.log.Info("restored pending queues",
			logging.Int("players", len(file.Queues)),
			logging.Int("envelopes", restored),
		)
	}
	return nil
}

func (s *pendingSnapshotter) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// Flush immediately persists the current queues to disk. Callers from the
// persistence loop, housekeeping, and Close may overlap, so the file write is
// serialised.
func (s *pendingSnapshotter) Flush() error {
	if s == nil {
		return nil
	}
	file := pendingSnapshotFile{SavedAt: s.now().UTC(), Queues: s.pending.Snapshot()}
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return os.WriteFile(s.path, snappy.Encode(nil, data), 0o644)
}

// FlushContext flushes but stops waiting once the context expires. A write
// that outlives the deadline completes in the background; only the caller is
// released, which keeps slow disks from stalling session tasks.
func (s *pendingSnapshotter) FlushContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.Flush() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pendingSnapshotter) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist pending snapshot", logging.Error(err))
	}
}

// Close stops the persistence goroutine after a final flush.
func (s *pendingSnapshotter) Close() error {
	if s == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
