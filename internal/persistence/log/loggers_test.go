package log

import (
	"testing"
	"time"

	"centredsharp/internal/world"
)

func TestAuditLoggerRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	if err := l.WriteAudit(world.AuditEntry{Actor: "alice", Action: "DRAW_MAP", Pos: [3]int{1, 2, 3}, To: 44}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := l.WriteAudit(world.AuditEntry{Actor: "bob", Action: "INSERT_STATIC"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.WriteAudit(world.AuditEntry{Actor: "bob", Action: "DELETE_STATIC"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if l.Entries() != 3 {
		t.Fatalf("entries=%d want 3", l.Entries())
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segs, err := Segments(dir)
	if err != nil || len(segs) != 2 {
		t.Fatalf("segments=%v err=%v", segs, err)
	}
	first, err := ReadSegment(segs[0])
	if err != nil || len(first) != 1 || first[0].Actor != "alice" || first[0].To != 44 {
		t.Fatalf("first segment=%+v err=%v", first, err)
	}
	second, err := ReadSegment(segs[1])
	if err != nil || len(second) != 2 || second[1].Action != "DELETE_STATIC" {
		t.Fatalf("second segment=%+v err=%v", second, err)
	}
}

func TestAuditLoggerAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		l := NewAuditLogger(dir)
		l.w.now = func() time.Time { return clock }
		if err := l.WriteAudit(world.AuditEntry{Actor: "alice"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	segs, _ := Segments(dir)
	if len(segs) != 1 {
		t.Fatalf("segments=%v", segs)
	}
	entries, err := ReadSegment(segs[0])
	if err != nil || len(entries) != 2 {
		t.Fatalf("entries=%d err=%v", len(entries), err)
	}
}
