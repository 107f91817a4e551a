// Package log keeps the edit audit trail as hourly zstd-compressed JSONL
// segments.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"centredsharp/internal/world"
)

const segmentLayout = "2006-01-02-15"

// SegmentWriter appends JSON lines to the segment of the current UTC hour.
// Each write is flushed through the compressor so a crash loses at most the
// entry being written.
type SegmentWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	segment string
	f       *os.File
	enc     *zstd.Encoder
	buf     *bufio.Writer
	entries uint64
}

func NewSegmentWriter(dir, prefix string) *SegmentWriter {
	return &SegmentWriter{dir: dir, prefix: prefix, now: time.Now}
}

func (w *SegmentWriter) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if seg := w.now().UTC().Format(segmentLayout); seg != w.segment {
		if err := w.openLocked(seg); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.enc.Flush(); err != nil {
		return err
	}
	w.entries++
	return nil
}

// Entries counts lines written since the writer was created.
func (w *SegmentWriter) Entries() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *SegmentWriter) openLocked(seg string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.segmentPath(seg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc, w.segment = f, enc, seg
	w.buf = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (w *SegmentWriter) closeLocked() error {
	if w.f == nil {
		return nil
	}
	_ = w.buf.Flush()
	err := w.enc.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f, w.enc, w.buf, w.segment = nil, nil, nil, ""
	return err
}

func (w *SegmentWriter) segmentPath(seg string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, seg))
}

// AuditLogger writes one entry per accepted edit.
type AuditLogger struct{ w *SegmentWriter }

func NewAuditLogger(dir string) *AuditLogger {
	return &AuditLogger{w: NewSegmentWriter(dir, "audit")}
}

func (l *AuditLogger) WriteAudit(e world.AuditEntry) error { return l.w.Write(e) }
func (l *AuditLogger) Entries() uint64                     { return l.w.Entries() }
func (l *AuditLogger) Close() error                        { return l.w.Close() }

// Segments lists the audit segments in dir, oldest first.
func Segments(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadSegment decodes every entry of one audit segment.
func ReadSegment(path string) ([]world.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []world.AuditEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e world.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
