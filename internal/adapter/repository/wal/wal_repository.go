package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

const (
	segmentPrefix = "jobs-"
	segmentSuffix = ".wal"
	filePerm      = 0o644
)

// ErrFull is returned when writing would exceed the configured disk budget.
var ErrFull = errors.New("wal: disk budget exhausted")

// record is one line of a segment.
type record struct {
	TenantID   uuid.UUID `json:"tenantId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// WALRepository keeps provisioning jobs on local disk while the queue is
// unreachable. Every write is fsynced because a lost job leaves a tenant in
// PROVISIONING until the reconciler notices.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu          sync.Mutex
	segment     *os.File
	segmentSize int64
}

// NewWALRepository opens (or creates) the log under dir.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory %s: %w", dir, err)
	}

	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "wal"),
	}
	if err := w.openTail(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends job to the current segment.
func (w *WALRepository) Write(ctx context.Context, job domain.ProvisioningJob) error {
	data, err := json.Marshal(record{TenantID: job.TenantID, RecordedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode wal record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.segment == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	used, err := w.diskUsage()
	if err != nil {
		return fmt.Errorf("measure wal size: %w", err)
	}
	if used+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("%w (%d of %d bytes used)", ErrFull, used, w.maxTotalSize)
	}

	n, err := w.segment.Write(data)
	if err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	w.segmentSize += int64(n)
	if err := w.segment.Sync(); err != nil {
		return fmt.Errorf("sync wal segment: %w", err)
	}

	if w.segmentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("failed to rotate wal segment", "error", err)
		}
	}
	return nil
}

// Replay hands every recorded job to handler, oldest first. A tenant that
// appears several times is replayed once. Replay stops at the first handler
// error and leaves the segments in place.
func (w *WALRepository) Replay(ctx context.Context, handler func(job domain.ProvisioningJob) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeSegment()

	segments, err := w.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	w.logger.Info("replaying wal", "segments", len(segments))

	seen := make(map[uuid.UUID]struct{})
	replayed := 0
	for _, path := range segments {
		n, err := w.replaySegment(ctx, path, seen, handler)
		replayed += n
		if err != nil {
			return err
		}
	}

	w.logger.Info("wal replay completed", "jobs", replayed)
	return nil
}

func (w *WALRepository) replaySegment(ctx context.Context, path string, seen map[uuid.UUID]struct{}, handler func(domain.ProvisioningJob) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wal segment %s: %w", path, err)
	}
	defer f.Close()

	replayed := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.TenantID == uuid.Nil {
			w.logger.Warn("skipping corrupt wal record", "segment", filepath.Base(path))
			continue
		}
		if _, dup := seen[rec.TenantID]; dup {
			continue
		}
		if err := handler(domain.ProvisioningJob{TenantID: rec.TenantID}); err != nil {
			return replayed, fmt.Errorf("replay tenant %s: %w", rec.TenantID, err)
		}
		seen[rec.TenantID] = struct{}{}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, fmt.Errorf("read wal segment %s: %w", path, err)
	}
	return replayed, nil
}

// Truncate deletes every segment and starts a fresh one.
func (w *WALRepository) Truncate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closeSegment()

	segments, err := w.segments()
	if err != nil {
		return err
	}
	for _, path := range segments {
		if err := os.Remove(path); err != nil {
			w.logger.Error("failed to remove wal segment", "path", path, "error", err)
		}
	}
	return w.rotate()
}

// Close closes the current segment.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segment == nil {
		return nil
	}
	err := w.segment.Close()
	w.segment = nil
	return err
}

func (w *WALRepository) closeSegment() {
	if w.segment == nil {
		return
	}
	if err := w.segment.Close(); err != nil {
		w.logger.Warn("failed to close wal segment", "error", err)
	}
	w.segment = nil
}

func (w *WALRepository) rotate() error {
	w.closeSegment()

	path := filepath.Join(w.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("create wal segment %s: %w", path, err)
	}
	w.segment = f
	w.segmentSize = 0
	w.logger.Debug("opened new wal segment", "path", path)
	return nil
}

func (w *WALRepository) openTail() error {
	segments, err := w.segments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return w.rotate()
	}

	tail := segments[len(segments)-1]
	info, err := os.Stat(tail)
	if err != nil {
		return fmt.Errorf("stat wal segment %s: %w", tail, err)
	}
	if info.Size() >= w.maxSegmentSize {
		return w.rotate()
	}

	f, err := os.OpenFile(tail, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("open wal segment %s: %w", tail, err)
	}
	w.segment = f
	w.segmentSize = info.Size()
	return nil
}

func (w *WALRepository) segments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read wal directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			out = append(out, filepath.Join(w.dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (w *WALRepository) diskUsage() (int64, error) {
	segments, err := w.segments()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, path := range segments {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
