package main

import (
	"context"
	"path/filepath"
	"testing"

	persistlog "centredsharp/internal/persistence/log"
	"centredsharp/internal/persistence/mul"
	"centredsharp/internal/persistence/snapshot"
	"centredsharp/internal/world"
)

func mulPaths(dir string) mul.Paths {
	return mul.Paths{
		Map:     filepath.Join(dir, "map0.mul"),
		StaIdx:  filepath.Join(dir, "staidx0.mul"),
		Statics: filepath.Join(dir, "statics0.mul"),
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := mulPaths(dir)
	if err := mul.Create(src, 2, 3); err != nil {
		t.Fatalf("create: %v", err)
	}
	store, err := mul.Open(src, 2, 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := world.BlockRecord{X: 1, Y: 2, Statics: []world.StaticRecord{{TileID: 77, X: 3, Y: 4, Z: 5, Hue: 6}}}
	rec.Cells[10] = world.CellRecord{TileID: 500, Z: -4}
	if err := store.Save(context.Background(), []world.BlockRecord{rec}); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = store.Close()

	out := filepath.Join(dir, "world.snap.zst")
	n, err := exportMUL(context.Background(), src, 2, 3, out)
	if err != nil || n != 6 {
		t.Fatalf("export n=%d err=%v", n, err)
	}

	dst := mulPaths(t.TempDir())
	if n, err := importSnapshot(context.Background(), out, dst); err != nil || n != 6 {
		t.Fatalf("import n=%d err=%v", n, err)
	}
	back, err := mul.Open(dst, 2, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer back.Close()
	got, err := back.ReadBlock(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Cells[10] != rec.Cells[10] || len(got.Statics) != 1 || got.Statics[0] != rec.Statics[0] {
		t.Fatalf("block = %+v", got)
	}
}

func TestRollbackRestoresDraws(t *testing.T) {
	dir := t.TempDir()
	auditDir := filepath.Join(dir, "audit")
	al := persistlog.NewAuditLogger(auditDir)
	entries := []world.AuditEntry{
		{Time: 1000, Action: "DRAW_MAP", Pos: [3]int{9, 9, 0}, From: 3, To: 50, Details: map[string]any{"from_z": 2}},
		{Time: 2000, Action: "DRAW_MAP", Pos: [3]int{9, 9, 0}, From: 50, To: 60, Details: map[string]any{"from_z": 0}},
		{Time: 2500, Action: "INSERT_STATIC", Pos: [3]int{9, 9, 0}, To: 70},
		{Time: 3000, Action: "DRAW_MAP", Pos: [3]int{40, 40, 0}, From: 1, To: 2},
		{Time: 500, Action: "DRAW_MAP", Pos: [3]int{8, 8, 0}, From: 11, To: 12},
	}
	for _, e := range entries {
		if err := al.WriteAudit(e); err != nil {
			t.Fatalf("write audit: %v", err)
		}
	}
	if err := al.Close(); err != nil {
		t.Fatalf("close audit: %v", err)
	}

	min, max, err := parseRect("15,15:8,8")
	if err != nil {
		t.Fatalf("parseRect: %v", err)
	}
	if min != [2]int{8, 8} || max != [2]int{15, 15} {
		t.Fatalf("rect %v..%v", min, max)
	}
	recs, err := readAudit(auditDir, 1000, 1<<62, min, max)
	if err != nil {
		t.Fatalf("readAudit: %v", err)
	}
	if len(recs) != 2 || recs[0].Entry.Time != 2000 {
		t.Fatalf("recs %+v", recs)
	}

	snap := snapshot.SnapshotV1{Width: 4, Height: 4, Blocks: []snapshot.BlockV1{{X: 1, Y: 1}}}
	i := 1*world.BlockSize + 1
	snap.Blocks[0].Tiles[i] = 60
	applied, skipped := applyRollback(&snap, recs)
	if applied != 2 || skipped != 0 {
		t.Fatalf("applied=%d skipped=%d", applied, skipped)
	}
	if snap.Blocks[0].Tiles[i] != 3 || snap.Blocks[0].Z[i] != 2 {
		t.Fatalf("cell restored to tile %d z %d, want 3/2", snap.Blocks[0].Tiles[i], snap.Blocks[0].Z[i])
	}
}

func TestParseTime(t *testing.T) {
	if ms, err := parseTime("1700000000000"); err != nil || ms != 1700000000000 {
		t.Fatalf("millis: %d %v", ms, err)
	}
	ms, err := parseTime("2024-01-02T03:04:05Z")
	if err != nil || ms != 1704164645000 {
		t.Fatalf("rfc3339: %d %v", ms, err)
	}
	if _, err := parseTime("yesterday"); err == nil {
		t.Fatalf("garbage accepted")
	}
}
