package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"stormfell/gateway/internal/config"
)

// rotatedSuffixLayout stamps rotated files so their names sort in
// chronological order.
const rotatedSuffixLayout = "20060102T150405"

// fileRotator appends to a single log file and starts a fresh one once the
// configured size limit would be crossed. Rotated files are optionally
// gzipped and pruned by count and age.
type fileRotator struct {
	mu       sync.Mutex
	path     string
	limit    int64
	keep     int
	maxAge   time.Duration
	compress bool
	file     *os.File
	written  int64
}

func newFileRotator(cfg config.LoggingConfig) (*fileRotator, error) {
	if cfg.MaxSizeMB <= 0 {
		return nil, errors.New("GATEWAY_LOG_MAX_SIZE_MB must be positive")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	r := &fileRotator{
		path:     cfg.Path,
		limit:    int64(cfg.MaxSizeMB) << 20,
		keep:     cfg.MaxBackups,
		maxAge:   time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress: cfg.Compress,
	}
	if err := r.openLocked(os.O_APPEND); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *fileRotator) openLocked(mode int) error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	r.file = file
	r.written = info.Size()
	return nil
}

func (r *fileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written+int64(len(p)) > r.limit {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *fileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *fileRotator) rotateLocked() error {
	if r.file == nil {
		return errors.New("log file not open")
	}
	if err := r.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", r.path, time.Now().UTC().Format(rotatedSuffixLayout))
	if err := os.Rename(r.path, rotated); err != nil {
		return err
	}
	if r.compress {
		if err := gzipFile(rotated); err == nil {
			_ = os.Remove(rotated)
		}
	}
	r.pruneLocked()
	return r.openLocked(os.O_TRUNC)
}

// pruneLocked removes rotated files beyond the backup count or age limit.
// The timestamp suffix makes lexical order match age, newest first after the
// reverse sort. Pruning is best effort; a failure here must not drop the log
// line that triggered rotation.
func (r *fileRotator) pruneLocked() {
	matches, err := filepath.Glob(r.path + ".*")
	if err != nil || len(matches) == 0 {
		return
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	if r.keep > 0 && len(matches) > r.keep {
		for _, stale := range matches[r.keep:] {
			_ = os.Remove(stale)
		}
		matches = matches[:r.keep]
	}
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for _, name := range matches {
		info, err := os.Stat(name)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}

func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(src+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
