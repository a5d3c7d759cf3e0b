// Package logging provides the relay's file log sink.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes is the size at which a day's file rolls over.
const DefaultMaxBytes = 64 << 20

// RotatingWriter writes to files that rotate daily and when exceeding MaxBytes.
//
// For BasePath logs/relayd.log the files are logs/relayd-2025-10-26.log,
// logs/relayd-2025-10-26-2.log, ... and logs/relayd.log is a symlink to the
// current one. When MaxFiles is positive the oldest rotated files beyond that
// count are removed on each rotation.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64
	MaxFiles int

	mu       sync.Mutex
	now      func() time.Time
	curDate  string // YYYY-MM-DD, UTC
	curIndex int    // 1-based index for same-day rollover
	file     *os.File
	size     int64
}

// NewRotatingWriter creates a writer for basePath. A basePath of "-" discards output.
func NewRotatingWriter(basePath string, maxBytes int64, maxFiles int) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, MaxFiles: maxFiles, now: time.Now}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.curDate != today:
		w.curDate = today
		w.curIndex = 1
	case w.size > 0 && w.size+incoming > w.MaxBytes:
		w.curIndex++
	default:
		return nil
	}
	if err := w.openCurrent(); err != nil {
		return err
	}
	w.prune()
	return nil
}

func (w *RotatingWriter) split() (dir, base, ext string) {
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return dir, base, ext
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir, base, ext := w.split()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.curDate, ext)
	if w.curIndex > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.curDate, w.curIndex, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.updatePointer(path)
	return nil
}

// prune deletes the oldest rotated files beyond MaxFiles.
func (w *RotatingWriter) prune() {
	if w.MaxFiles <= 0 {
		return
	}
	dir, base, ext := w.split()
	matches, err := filepath.Glob(filepath.Join(dir, base+"-*"+ext))
	if err != nil || len(matches) <= w.MaxFiles {
		return
	}
	sort.Slice(matches, func(i, j int) bool { return rotationKey(matches[i], base, ext) < rotationKey(matches[j], base, ext) })
	current := ""
	if w.file != nil {
		current = w.file.Name()
	}
	for _, old := range matches[:len(matches)-w.MaxFiles] {
		if old == current {
			continue
		}
		_ = os.Remove(old)
	}
}

// rotationKey maps base-DATE.log to DATE-000001 and base-DATE-N.log to DATE-00000N.
func rotationKey(path, base, ext string) string {
	rest := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), base+"-"), ext)
	if len(rest) < 10 {
		return rest
	}
	idx := 1
	if len(rest) > 11 {
		if n, err := strconv.Atoi(rest[11:]); err == nil {
			idx = n
		}
	}
	return fmt.Sprintf("%s-%06d", rest[:10], idx)
}

func (w *RotatingWriter) updatePointer(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" || base == "-" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(base); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	if err := os.Symlink(target, base); err == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		defer f.Close()
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
	}
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// Setup builds the process logger: stdout, mirrored to a rotating file when
// path is set. The returned closer releases the file.
func Setup(prefix, path string, maxFiles int) (*log.Logger, io.Closer, error) {
	flags := log.LstdFlags | log.Lmicroseconds
	if strings.TrimSpace(path) == "" {
		return log.New(os.Stdout, prefix, flags), nopWriteCloser{w: io.Discard}, nil
	}
	file, err := NewRotatingWriter(path, DefaultMaxBytes, maxFiles)
	if err != nil {
		return nil, nil, err
	}
	return log.New(io.MultiWriter(os.Stdout, file), prefix, flags), file, nil
}
