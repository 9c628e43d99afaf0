// Package trace provides file-based decision trace persistence with JSON
// Lines format, daily rotation, size caps, retention cleanup, and an
// in-memory ring of recent entries.
package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/trace"
)

// traceFileInfo holds parsed information about a trace file.
type traceFileInfo struct {
	name   string
	date   string
	suffix int
}

// traceFilePattern matches trace filenames: trace-YYYY-MM-DD.jsonl or trace-YYYY-MM-DD-N.jsonl
var traceFilePattern = regexp.MustCompile(`^trace-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl$`)

// parseTraceFilename parses a trace filename and returns its components.
func parseTraceFilename(name string) (traceFileInfo, bool) {
	matches := traceFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return traceFileInfo{}, false
	}
	info := traceFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return traceFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortTraceFiles sorts trace file info by date then suffix (chronological order).
func sortTraceFiles(files []traceFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// FileConfig holds configuration for the file-based trace recorder.
type FileConfig struct {
	// Dir is the directory where trace files are stored.
	Dir string
	// RetentionDays is the number of days to keep trace files (default 7).
	RetentionDays int
	// MaxFileSizeMB is the maximum file size in megabytes before rotation (default 100).
	MaxFileSizeMB int
	// RecentSize is the number of recent entries kept in memory (default 1000).
	RecentSize int
}

// FileRecorder implements trace.Recorder with file rotation, retention, and
// a recent-entries ring. Trace files carry 0600 permissions; entries may
// contain redacted argument payloads but no raw secrets.
type FileRecorder struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	recent        *recentRing
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
}

var _ trace.Recorder = (*FileRecorder)(nil)

// NewFileRecorder creates the recorder: directory with restricted
// permissions, today's file opened and locked, retention cleanup at boot,
// and an hourly cleanup goroutine.
func NewFileRecorder(cfg FileConfig, logger *slog.Logger) (*FileRecorder, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &FileRecorder{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		recent:        newRecentRing(cfg.RecentSize),
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := r.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	r.runCleanup()
	go r.cleanupLoop(ctx)

	return r, nil
}

// Record appends one entry as a JSON line, rotating by date and size.
func (r *FileRecorder) Record(entry trace.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	dateStr := entry.Timestamp.UTC().Format("2006-01-02")
	if dateStr != r.currentDate {
		if err := r.rotateDateLocked(dateStr); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if r.currentSize >= r.maxFileSize {
		if err := r.rotateSizeLocked(); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal trace entry: %w", err)
	}
	line := append(data, '\n')
	n, err := r.currentFile.Write(line)
	if err != nil {
		return fmt.Errorf("write trace entry: %w", err)
	}
	r.currentSize += int64(n)
	r.recent.Add(entry)
	return nil
}

// Flush syncs the current file.
func (r *FileRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentFile != nil {
		return r.currentFile.Sync()
	}
	return nil
}

// Close stops the cleanup goroutine and closes the current file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	if r.currentFile != nil {
		_ = r.currentFile.Sync()
		unlockFile(r.currentFile)
		err := r.currentFile.Close()
		r.currentFile = nil
		return err
	}
	return nil
}

// Recent returns the last n entries, newest first.
func (r *FileRecorder) Recent(n int) []trace.Entry {
	return r.recent.Recent(n)
}

// openCurrentFile opens or creates the file for the given date, resuming
// the highest existing suffix.
func (r *FileRecorder) openCurrentFile(dateStr string) error {
	suffix := r.findHighestSuffix(dateStr)
	f, size, err := r.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	r.currentFile = f
	r.currentDate = dateStr
	r.currentSize = size
	r.currentSuffix = suffix
	return nil
}

// findHighestSuffix returns the highest existing suffix for a date, or 0.
func (r *FileRecorder) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseTraceFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

// openFile opens one trace file with 0600 permissions and takes an
// advisory lock so two processes never interleave writes. Pre-existing
// files get their permissions tightened.
func (r *FileRecorder) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := r.buildFilename(dateStr, suffix)
	path := filepath.Join(r.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}
	if err := f.Chmod(0600); err != nil {
		r.logger.Warn("trace file permission tightening failed", "file", filename, "error", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("lock file %s: %w", filename, err)
	}

	info, err := f.Stat()
	if err != nil {
		unlockFile(f)
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

// buildFilename constructs the trace filename for a date and suffix.
func (r *FileRecorder) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("trace-%s.jsonl", dateStr)
	}
	return fmt.Sprintf("trace-%s-%d.jsonl", dateStr, suffix)
}

// rotateDateLocked closes the current file and opens one for the new date.
// Must be called with r.mu held.
func (r *FileRecorder) rotateDateLocked(dateStr string) error {
	r.closeCurrentLocked()
	r.currentSuffix = 0
	r.currentSize = 0
	r.currentDate = dateStr

	f, size, err := r.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	r.currentFile = f
	r.currentSize = size
	return nil
}

// rotateSizeLocked opens the next suffix for the current date.
// Must be called with r.mu held.
func (r *FileRecorder) rotateSizeLocked() error {
	r.closeCurrentLocked()
	r.currentSuffix++
	r.currentSize = 0

	f, size, err := r.openFile(r.currentDate, r.currentSuffix)
	if err != nil {
		return err
	}
	r.currentFile = f
	r.currentSize = size
	return nil
}

func (r *FileRecorder) closeCurrentLocked() {
	if r.currentFile != nil {
		_ = r.currentFile.Sync()
		unlockFile(r.currentFile)
		_ = r.currentFile.Close()
		r.currentFile = nil
	}
}

// runCleanup deletes trace files older than the retention period.
func (r *FileRecorder) runCleanup() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Error("trace cleanup: failed to read directory", "dir", r.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -r.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseTraceFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			path := filepath.Join(r.dir, e.Name())
			if err := os.Remove(path); err != nil {
				r.logger.Error("trace cleanup: failed to delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		r.logger.Info("trace cleanup completed", "deleted", deleted)
	}
}

// cleanupLoop runs retention cleanup every hour until ctx is cancelled.
func (r *FileRecorder) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCleanup()
		}
	}
}

// ReadAll decodes every entry from one trace file, skipping malformed
// lines. Used by tests and the status endpoint's recent view fallback.
func ReadAll(path string, logger *slog.Logger) ([]trace.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []trace.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry trace.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn("trace read: skipping malformed line", "file", path, "error", err)
			continue
		}
		out = append(out, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	return out, nil
}

// recentRing is a ring buffer of recent entries for the status endpoint.
type recentRing struct {
	entries []trace.Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newRecentRing(size int) *recentRing {
	if size <= 0 {
		size = 1000
	}
	return &recentRing{
		entries: make([]trace.Entry, size),
		size:    size,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (c *recentRing) Add(entry trace.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = entry
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns the last n entries, newest first.
func (c *recentRing) Recent(n int) []trace.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	result := make([]trace.Entry, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		result[i] = c.entries[idx]
	}
	return result
}
