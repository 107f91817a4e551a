package world

import (
	"context"
	"errors"
	"math/rand"
	"testing"
)

type memStorage struct {
	ds      *Dataset
	saved   [][]BlockRecord
	saveErr error
	loadErr error
	onSave  func()
}

func (m *memStorage) Load(ctx context.Context) (*Dataset, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.ds, nil
}

func (m *memStorage) Save(ctx context.Context, blocks []BlockRecord) error {
	if m.onSave != nil {
		m.onSave()
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, blocks)
	return nil
}

type readerStorage struct {
	memStorage
	reads int
	fail  error
}

func (r *readerStorage) ReadBlock(ctx context.Context, bx, by uint16) (BlockRecord, error) {
	r.reads++
	if r.fail != nil {
		return BlockRecord{}, r.fail
	}
	rec := BlockRecord{X: bx, Y: by}
	rec.Cells[0] = CellRecord{TileID: 7, Z: 1}
	return rec, nil
}

func testLandscape(t *testing.T) (*Landscape, *memStorage) {
	t.Helper()
	rec := BlockRecord{X: 1, Y: 1}
	for i := range rec.Cells {
		rec.Cells[i] = CellRecord{TileID: 3, Z: 0}
	}
	rec.Statics = []StaticRecord{{TileID: 100, X: 2, Y: 3, Z: 5, Hue: 0}}
	st := &memStorage{ds: &Dataset{Width: 4, Height: 4, Blocks: []BlockRecord{rec}}}
	l, err := Load(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l, st
}

func mustBlock(t *testing.T, l *Landscape, bx, by uint16) *WorldBlock {
	t.Helper()
	id, ok := l.arena.id(bx, by)
	if !ok || l.arena.blocks[id] == nil {
		t.Fatalf("block %d,%d not loaded", bx, by)
	}
	return l.arena.blocks[id]
}

func TestLockAndSelectRefCounting(t *testing.T) {
	l, _ := testLandscape(t)
	b := mustBlock(t, l, 1, 1)
	it := b.cell(8, 8)
	before := b.Refs()

	it.SetLocked(true)
	if b.Refs() != before+1 {
		t.Fatalf("lock: refs=%d want %d", b.Refs(), before+1)
	}
	it.SetLocked(true)
	if b.Refs() != before+1 {
		t.Fatalf("repeated lock changed refs: %d", b.Refs())
	}
	it.SetLocked(false)
	if b.Refs() != before {
		t.Fatalf("unlock: refs=%d want %d", b.Refs(), before)
	}

	it.SetSelected(true)
	it.SetLocked(true)
	if b.Refs() != before+2 {
		t.Fatalf("both set: refs=%d want %d", b.Refs(), before+2)
	}
	it.SetSelected(false)
	it.SetLocked(false)
	if b.Refs() != before {
		t.Fatalf("both cleared: refs=%d want %d", b.Refs(), before)
	}
}

func TestCoordinateWritesMarkOwnerDirty(t *testing.T) {
	l, _ := testLandscape(t)
	b := mustBlock(t, l, 1, 1)
	it := b.cell(9, 9)
	if b.Changed() {
		t.Fatalf("freshly loaded block should be clean")
	}
	it.SetTileID(it.TileID())
	if b.Changed() {
		t.Fatalf("no-op write must not dirty the block")
	}
	it.SetZ(4)
	if !b.Changed() {
		t.Fatalf("SetZ did not mark the block dirty")
	}
}

func TestSetOwnerTransfersReferences(t *testing.T) {
	l, _ := testLandscape(t)
	err := l.Edit(context.Background(), func(tx *Tx) error {
		_, err := tx.Cell(0, 0) // materialise block 0,0
		return err
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	src := mustBlock(t, l, 1, 1)
	dst := mustBlock(t, l, 0, 0)
	it := src.statics[0]
	it.SetLocked(true)
	it.SetSelected(true)
	src.changed, dst.changed = false, false

	it.SetOwner(dst.ID)
	if src.Refs() != 0 || dst.Refs() != 2 {
		t.Fatalf("refs after transfer: src=%d dst=%d", src.Refs(), dst.Refs())
	}
	if !src.Changed() || !dst.Changed() {
		t.Fatalf("both owners must be dirty: src=%v dst=%v", src.Changed(), dst.Changed())
	}
}

func TestDeleteReleasesReferences(t *testing.T) {
	l, _ := testLandscape(t)
	b := mustBlock(t, l, 1, 1)
	it := b.statics[0]
	it.SetLocked(true)
	it.SetSelected(true)
	it.Delete()
	if b.Refs() != 0 {
		t.Fatalf("refs after delete: %d", b.Refs())
	}
	if it.Locked() || it.Selected() || it.Owner() != NoBlock {
		t.Fatalf("deleted item still attached: locked=%v selected=%v owner=%d", it.Locked(), it.Selected(), it.Owner())
	}
}

func TestCompareOrdering(t *testing.T) {
	cell := &WorldItem{kind: KindMapCell, x: 1, y: 1, Priority: 5, PrioritySolver: 9}
	static := &WorldItem{kind: KindStatic, x: 1, y: 1, Priority: 5, PrioritySolver: 1}
	virtual := &WorldItem{kind: KindVirtual, x: 1, y: 1, Priority: 5, PrioritySolver: 0}
	if Compare(cell, static) >= 0 || Compare(static, cell) <= 0 {
		t.Fatalf("map cell must sort before static on equal priority")
	}
	if Compare(cell, virtual) >= 0 || Compare(virtual, cell) <= 0 {
		t.Fatalf("map cell must sort before virtual tile on equal priority")
	}
	lower := &WorldItem{kind: KindStatic, x: 1, y: 1, Priority: 4, PrioritySolver: 50}
	if Compare(lower, cell) >= 0 {
		t.Fatalf("priority must dominate the variant tie-break")
	}
	left := &WorldItem{kind: KindStatic, x: 0, y: 9, Priority: 99}
	if Compare(left, cell) >= 0 {
		t.Fatalf("x must dominate")
	}
	if Compare(cell, cell) != 0 {
		t.Fatalf("self compare must be 0")
	}
}

func TestSortIsInvariantToInputOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var items []*WorldItem
	for i := 0; i < 200; i++ {
		items = append(items, &WorldItem{
			kind:           Kind(rng.Intn(3)),
			x:              uint16(rng.Intn(3)),
			y:              uint16(rng.Intn(3)),
			Priority:       rng.Intn(3),
			PrioritySolver: i,
		})
	}
	for _, a := range items {
		for _, b := range items {
			if Compare(a, b) != -Compare(b, a) {
				t.Fatalf("antisymmetry violated for %+v / %+v", a, b)
			}
		}
	}

	ref := append([]*WorldItem(nil), items...)
	SortItems(ref)
	for round := 0; round < 5; round++ {
		shuffled := append([]*WorldItem(nil), items...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		SortItems(shuffled)
		for i := range ref {
			if ref[i] != shuffled[i] {
				t.Fatalf("round %d: order differs at %d", round, i)
			}
		}
	}
}

func TestLoadRejectsCorruptDataset(t *testing.T) {
	cases := map[string]*Dataset{
		"zero size":   {Width: 0, Height: 4},
		"outside":     {Width: 2, Height: 2, Blocks: []BlockRecord{{X: 5, Y: 0}}},
		"duplicate":   {Width: 2, Height: 2, Blocks: []BlockRecord{{X: 1, Y: 1}, {X: 1, Y: 1}}},
		"nil dataset": nil,
		"too wide":    {Width: 8192, Height: 1},
		"too tall":    {Width: 1, Height: 8192},
	}
	for name, ds := range cases {
		_, err := Load(context.Background(), &memStorage{ds: ds}, Options{})
		if !errors.Is(err, ErrStorageCorrupt) {
			t.Fatalf("%s: expected ErrStorageCorrupt, got %v", name, err)
		}
	}

	_, err := Load(context.Background(), &memStorage{loadErr: ErrStorageUnavailable}, Options{})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestLookupDoesNotTouchRefs(t *testing.T) {
	l, _ := testLandscape(t)
	v, ok, _ := l.Lookup(context.Background(), 1, 1)
	if !ok {
		t.Fatalf("expected block 1,1")
	}
	if v.Refs != 0 || v.Cell(8, 8).TileID != 3 || len(v.Statics) != 1 {
		t.Fatalf("unexpected view: refs=%d tile=%d statics=%d", v.Refs, v.Cell(8, 8).TileID, len(v.Statics))
	}
	if _, ok, _ := l.Lookup(context.Background(), 0, 0); ok {
		t.Fatalf("unloaded block without reader should be empty")
	}
	if _, ok, _ := l.Lookup(context.Background(), 40, 0); ok {
		t.Fatalf("out of bounds lookup should be empty")
	}
	if mustBlock(t, l, 1, 1).Refs() != 0 {
		t.Fatalf("lookup changed refs")
	}
}

func TestFlushClearsDirtyAndKeepsConcurrentEdits(t *testing.T) {
	l, st := testLandscape(t)
	ctx := context.Background()
	err := l.Edit(ctx, func(tx *Tx) error {
		_, err := tx.Draw("s1", 8, 8, 2, 44)
		return err
	})
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}

	n, err := l.Flush(ctx, st)
	if err != nil || n != 1 {
		t.Fatalf("Flush: n=%d err=%v", n, err)
	}
	if got := st.saved[0][0].Cells[cellIndex(8, 8)]; got.TileID != 44 || got.Z != 2 {
		t.Fatalf("saved cell = %+v", got)
	}
	if mustBlock(t, l, 1, 1).Changed() {
		t.Fatalf("flushed block still dirty")
	}

	// An edit landing while the save runs must stay dirty.
	_ = l.Edit(ctx, func(tx *Tx) error { _, err := tx.Draw("s1", 9, 9, 0, 1); return err })
	st.onSave = func() { mustBlock(t, l, 1, 1).markChanged() }
	if _, err := l.Flush(ctx, st); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !mustBlock(t, l, 1, 1).Changed() {
		t.Fatalf("block modified during save lost its dirty flag")
	}
}

func TestFlushFailureKeepsState(t *testing.T) {
	l, st := testLandscape(t)
	ctx := context.Background()
	_ = l.Edit(ctx, func(tx *Tx) error { _, err := tx.Draw("s1", 8, 8, 2, 44); return err })
	st.saveErr = errors.New("disk full")
	if _, err := l.Flush(ctx, st); err == nil {
		t.Fatalf("expected flush error")
	}
	b := mustBlock(t, l, 1, 1)
	if !b.Changed() || b.cell(8, 8).TileID() != 44 {
		t.Fatalf("failed flush rolled back state: changed=%v tile=%d", b.Changed(), b.cell(8, 8).TileID())
	}
}

func TestLockConflictsAndRelease(t *testing.T) {
	l, _ := testLandscape(t)
	ctx := context.Background()
	ref := ItemRef{Kind: KindStatic, X: 10, Y: 11, Z: 5, TileID: 100}
	sref := StaticRef{X: 10, Y: 11, Z: 5, TileID: 100}

	err := l.Edit(ctx, func(tx *Tx) error {
		if _, err := tx.Lock("alice", ref, true); err != nil {
			return err
		}
		_, err := tx.Select("alice", ref, true)
		return err
	})
	if err != nil {
		t.Fatalf("lock/select: %v", err)
	}
	if refs := mustBlock(t, l, 1, 1).Refs(); refs != 2 {
		t.Fatalf("refs=%d want 2", refs)
	}

	err = l.Edit(ctx, func(tx *Tx) error { _, err := tx.ElevateStatic("bob", sref, 9); return err })
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	err = l.Edit(ctx, func(tx *Tx) error { _, err := tx.Select("bob", ref, true); return err })
	if !errors.Is(err, ErrSelected) {
		t.Fatalf("expected ErrSelected, got %v", err)
	}

	if n := l.ReleaseHolder("alice"); n != 2 {
		t.Fatalf("released %d items, want 2", n)
	}
	if refs := mustBlock(t, l, 1, 1).Refs(); refs != 0 {
		t.Fatalf("refs after release=%d", refs)
	}
	err = l.Edit(ctx, func(tx *Tx) error { _, err := tx.ElevateStatic("bob", sref, 9); return err })
	if err != nil {
		t.Fatalf("edit after release: %v", err)
	}
}

func TestMoveStaticAcrossBlocks(t *testing.T) {
	l, _ := testLandscape(t)
	ctx := context.Background()
	sref := StaticRef{X: 10, Y: 11, Z: 5, TileID: 100}
	err := l.Edit(ctx, func(tx *Tx) error {
		if _, err := tx.Lock("alice", ItemRef{Kind: KindStatic, X: 10, Y: 11, Z: 5, TileID: 100}, true); err != nil {
			return err
		}
		_, err := tx.MoveStatic("alice", sref, 20, 3)
		return err
	})
	if err != nil {
		t.Fatalf("MoveStatic: %v", err)
	}
	src := mustBlock(t, l, 1, 1)
	dst := mustBlock(t, l, 2, 0)
	if len(src.statics) != 0 || len(dst.statics) != 1 {
		t.Fatalf("statics src=%d dst=%d", len(src.statics), len(dst.statics))
	}
	if src.Refs() != 0 || dst.Refs() != 1 {
		t.Fatalf("lock reference not transferred: src=%d dst=%d", src.Refs(), dst.Refs())
	}
	if !src.Changed() || !dst.Changed() {
		t.Fatalf("both blocks must be dirty")
	}
}

func TestEvictOnlyIdleBlocks(t *testing.T) {
	st := &readerStorage{memStorage: memStorage{ds: &Dataset{Width: 2, Height: 2, Blocks: []BlockRecord{{X: 0, Y: 0}, {X: 1, Y: 0}}}}}
	l, err := Load(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx := context.Background()
	_ = l.Edit(ctx, func(tx *Tx) error {
		_, err := tx.Lock("alice", ItemRef{Kind: KindMapCell, X: 1, Y: 1}, true)
		return err
	})
	mustBlock(t, l, 0, 0).changed = false

	if n := l.Evict(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if l.arena.blocks[0] == nil {
		t.Fatalf("referenced block was evicted")
	}
	v, ok, _ := l.Lookup(ctx, 1, 0)
	if !ok || st.reads != 1 || v.Cells[0].TileID != 7 {
		t.Fatalf("evicted block not re-read: ok=%v reads=%d", ok, st.reads)
	}
}

func TestSubscribersAndRelease(t *testing.T) {
	l, _ := testLandscape(t)
	ctx := context.Background()
	if _, err := l.Subscribe(ctx, "b", 1, 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := l.Subscribe(ctx, "a", 1, 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	got := l.Subscribers(12, 12)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("subscribers=%v", got)
	}
	l.Unsubscribe("a", 1, 1)
	l.ReleaseHolder("b")
	if got := l.Subscribers(12, 12); len(got) != 0 {
		t.Fatalf("subscribers after release=%v", got)
	}
}

func TestSubscribeBlocksIsAllOrNothing(t *testing.T) {
	l, _ := testLandscape(t)
	ctx := context.Background()
	if _, err := l.SubscribeBlocks(ctx, "a", [][2]uint16{{1, 1}, {0, 0}, {40, 0}}); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if got := l.Subscribers(8, 8); len(got) != 0 {
		t.Fatalf("subscribers after failed request = %v", got)
	}
	views, err := l.SubscribeBlocks(ctx, "a", [][2]uint16{{1, 1}, {0, 0}})
	if err != nil || len(views) != 2 || views[0].Cell(8, 8).TileID != 3 {
		t.Fatalf("SubscribeBlocks: %v %d", err, len(views))
	}
	if got := l.Subscribers(0, 0); len(got) != 1 || got[0] != "a" {
		t.Fatalf("subscribers = %v", got)
	}
}

func TestLookupReportsReadFailure(t *testing.T) {
	st := &readerStorage{memStorage: memStorage{ds: &Dataset{Width: 2, Height: 2}}, fail: ErrStorageCorrupt}
	l, err := Load(context.Background(), st, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, ok, err := l.Lookup(context.Background(), 1, 1)
	if ok || !errors.Is(err, ErrStorageCorrupt) {
		t.Fatalf("Lookup: ok=%v err=%v, want ErrStorageCorrupt", ok, err)
	}
	if _, ok, err := l.Lookup(context.Background(), 5, 0); ok || err != nil {
		t.Fatalf("out of bounds: ok=%v err=%v", ok, err)
	}
}

func TestLoadAcceptsLargestMap(t *testing.T) {
	l, err := Load(context.Background(), &memStorage{ds: &Dataset{Width: 8191, Height: 1}}, Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l.Width() != 65528 || l.Width() > 0xFFFF {
		t.Fatalf("width = %d", l.Width())
	}
}
