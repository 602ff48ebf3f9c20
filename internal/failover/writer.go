// Package failover implements the JSONL-on-disk overflow path:
// a writer that appends sealed records to a per-UTC-day file when the
// primary handoff paths can't accept them, and a catch-up reader inside
// Forge that replays and deletes completed files.
package failover

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ocx/backend/internal/record"
)

// Config controls the failover writer's file placement.
type Config struct {
	Dir string
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = "failover"
	}
	return c
}

// Writer appends records to today's JSONL file, flushing per batch rather
// than per record to bound syscall cost. Every method takes the writer's
// mutex, so concurrent callers are safe.
type Writer struct {
	cfg Config

	mu sync.Mutex
	day string
	file *os.File
	buf *bufio.Writer
	logger *log.Logger
	nowFunc func() time.Time
}

// New creates a Writer rooted at cfg.Dir, creating the directory if needed.
func New(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failover: create dir: %w", err)
	}
	return &Writer{
		cfg: cfg,
		logger: log.New(log.Writer(), "[FAILOVER] ", log.LstdFlags),
		nowFunc: time.Now,
	}, nil
}

// Write appends a single record, for the capture-side failover path (one
// record at a time).
func (w *Writer) Write(r *record.TrackingRecord) error {
	return w.WriteBatch([]*record.TrackingRecord{r})
}

// WriteBatch appends every record in batch as one JSON line each, then
// flushes once — satisfying the "flushed per batch, not per record" rule
// whether the caller hands it one record or five thousand.
func (w *Writer) WriteBatch(batch []*record.TrackingRecord) error {
	if len(batch) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeededLocked(); err != nil {
		return err
	}

	for _, r := range batch {
		data, err := r.Marshal()
		if err != nil {
			w.logger.Printf("skipping unmarshalable record %s: %v", r.RecordID, err)
			continue
		}
		if _, err := w.buf.Write(data); err != nil {
			return fmt.Errorf("failover: write: %w", err)
		}
		if err := w.buf.WriteByte('\n'); err != nil {
			return fmt.Errorf("failover: write: %w", err)
		}
	}

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failover: flush: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeededLocked() error {
	day := w.nowFunc().UTC().Format("2006-01-02")
	if day == w.day && w.file != nil {
		return nil
	}
	if w.file != nil {
		if err := w.closeLocked(); err != nil {
			return err
		}
	}

	path := filepath.Join(w.cfg.Dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failover: open %s: %w", path, err)
	}
	w.file = f
	w.buf = bufio.NewWriter(f)
	w.day = day
	return nil
}

func (w *Writer) closeLocked() error {
	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			w.file.Close()
			return fmt.Errorf("failover: flush on rotation: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("failover: fsync on rotation: %w", err)
	}
	return w.file.Close()
}

// Close flushes, fsyncs, and closes the current file — called on graceful
// shutdown.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.closeLocked()
}

// CurrentFile reports the path of today's failover file, or "" before the
// first write.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.day == "" {
		return ""
	}
	return filepath.Join(w.cfg.Dir, w.day+".jsonl")
}

// Stats reports the number of pending failover files and their total byte
// size in dir; Forge wraps it in a closure bound to the failover directory
// so the self-healing probe can flag a growing failover backlog.
func Stats(dir string) (fileCount int, totalBytes int64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failover: stat dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fileCount++
		totalBytes += info.Size()
	}
	return fileCount, totalBytes, nil
}
