package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrOutOfBounds = errors.New("position out of bounds")
	ErrNotFound    = errors.New("item not found")
	ErrLocked      = errors.New("item locked by another session")
	ErrSelected    = errors.New("item selected by another session")
)

type Options struct {
	Tiles TileInfo
}

// Landscape is the authoritative in-memory map. Every mutation runs under the
// write lock; readers get detached views.
type Landscape struct {
	mu sync.RWMutex

	arena   *arena
	storage Storage
	reader  BlockReader
	tiles   TileInfo
	solver  int

	holds map[string]*holdings
}

// holdings indexes what a session currently holds so it can be released in one
// pass when the session goes away.
type holdings struct {
	locks      map[*WorldItem]struct{}
	selections map[*WorldItem]struct{}
	blocks     map[BlockID]struct{}
}

func newHoldings() *holdings {
	return &holdings{
		locks:      map[*WorldItem]struct{}{},
		selections: map[*WorldItem]struct{}{},
		blocks:     map[BlockID]struct{}{},
	}
}

// Load populates a landscape from st. Backend errors keep their
// ErrStorageCorrupt / ErrStorageUnavailable identity.
func Load(ctx context.Context, st Storage, opts Options) (*Landscape, error) {
	ds, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load landscape: %w", err)
	}
	if ds == nil || ds.Width <= 0 || ds.Height <= 0 {
		return nil, fmt.Errorf("load landscape: %w: invalid dimensions", ErrStorageCorrupt)
	}
	if ds.Width*BlockSize > MaxCells || ds.Height*BlockSize > MaxCells {
		return nil, fmt.Errorf("load landscape: %w: %dx%d blocks exceeds cell range", ErrStorageCorrupt, ds.Width, ds.Height)
	}
	l := &Landscape{
		arena:   newArena(ds.Width, ds.Height),
		storage: st,
		tiles:   opts.Tiles,
		holds:   map[string]*holdings{},
	}
	if l.tiles == nil {
		l.tiles = FlatTiles{}
	}
	if r, ok := st.(BlockReader); ok {
		l.reader = r
	}
	for i := range ds.Blocks {
		rec := ds.Blocks[i]
		id, ok := l.arena.id(rec.X, rec.Y)
		if !ok {
			return nil, fmt.Errorf("load landscape: %w: block %d,%d outside %dx%d", ErrStorageCorrupt, rec.X, rec.Y, ds.Width, ds.Height)
		}
		if l.arena.blocks[id] != nil {
			return nil, fmt.Errorf("load landscape: %w: duplicate block %d,%d", ErrStorageCorrupt, rec.X, rec.Y)
		}
		l.arena.blocks[id] = l.buildBlock(id, rec)
	}
	return l, nil
}

func (l *Landscape) nextSolver() int {
	l.solver++
	return l.solver
}

func (l *Landscape) buildBlock(id BlockID, rec BlockRecord) *WorldBlock {
	b := &WorldBlock{ID: id, X: rec.X, Y: rec.Y}
	baseX := rec.X * BlockSize
	baseY := rec.Y * BlockSize
	for ly := uint16(0); ly < BlockSize; ly++ {
		for lx := uint16(0); lx < BlockSize; lx++ {
			c := rec.Cells[cellIndex(lx, ly)]
			it := newItem(l.arena, KindMapCell, baseX+lx, baseY+ly, c.Z, c.TileID, 0)
			it.owner = id
			it.PrioritySolver = l.nextSolver()
			it.UpdatePriority(l.tiles)
			b.cells[cellIndex(lx, ly)] = it
		}
	}
	b.statics = make([]*WorldItem, 0, len(rec.Statics))
	for _, s := range rec.Statics {
		it := newItem(l.arena, KindStatic, baseX+uint16(s.X%BlockSize), baseY+uint16(s.Y%BlockSize), s.Z, s.TileID, s.Hue)
		it.owner = id
		it.PrioritySolver = l.nextSolver()
		it.UpdatePriority(l.tiles)
		b.statics = append(b.statics, it)
	}
	b.sortStatics()
	return b
}

// Width and Height are in cells.
func (l *Landscape) Width() int  { return l.arena.width * BlockSize }
func (l *Landscape) Height() int { return l.arena.height * BlockSize }

// fetchLocked returns the block at block coordinates, reading it from the
// backend or materialising an empty one when create is set. Callers hold the
// write lock.
func (l *Landscape) fetchLocked(ctx context.Context, bx, by uint16, create bool) (*WorldBlock, error) {
	id, ok := l.arena.id(bx, by)
	if !ok {
		return nil, fmt.Errorf("block %d,%d: %w", bx, by, ErrOutOfBounds)
	}
	if b := l.arena.blocks[id]; b != nil {
		return b, nil
	}
	var rec BlockRecord
	switch {
	case l.reader != nil:
		r, err := l.reader.ReadBlock(ctx, bx, by)
		if err != nil {
			return nil, fmt.Errorf("read block %d,%d: %w", bx, by, err)
		}
		rec = r
	case create:
	default:
		return nil, nil
	}
	rec.X, rec.Y = bx, by
	b := l.buildBlock(id, rec)
	l.arena.blocks[id] = b
	return b, nil
}

// Lookup returns a copy of the block at block coordinates. ok is false when the
// block is out of bounds or not loaded and there is no backend to read it
// from. A failed read of an evicted block is returned as err.
func (l *Landscape) Lookup(ctx context.Context, bx, by uint16) (v BlockView, ok bool, err error) {
	l.mu.RLock()
	id, inBounds := l.arena.id(bx, by)
	if !inBounds {
		l.mu.RUnlock()
		return BlockView{}, false, nil
	}
	if b := l.arena.blocks[id]; b != nil {
		v := b.View()
		l.mu.RUnlock()
		return v, true, nil
	}
	l.mu.RUnlock()
	if l.reader == nil {
		return BlockView{}, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.fetchLocked(ctx, bx, by, false)
	if err != nil {
		return BlockView{}, false, err
	}
	if b == nil {
		return BlockView{}, false, nil
	}
	return b.View(), true, nil
}

// Edit runs fn with exclusive access to the landscape.
func (l *Landscape) Edit(ctx context.Context, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&Tx{l: l, ctx: ctx})
}

// Subscribe registers holder for change notifications on a block and returns
// its current contents.
func (l *Landscape) Subscribe(ctx context.Context, holder string, bx, by uint16) (BlockView, error) {
	views, err := l.SubscribeBlocks(ctx, holder, [][2]uint16{{bx, by}})
	if err != nil {
		return BlockView{}, err
	}
	return views[0], nil
}

// SubscribeBlocks subscribes holder to every block in coords, given in block
// coordinates, or to none of them when any block cannot be fetched.
func (l *Landscape) SubscribeBlocks(ctx context.Context, holder string, coords [][2]uint16) ([]BlockView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	blocks := make([]*WorldBlock, 0, len(coords))
	for _, c := range coords {
		b, err := l.fetchLocked(ctx, c[0], c[1], true)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	views := make([]BlockView, 0, len(blocks))
	h := l.holdingsFor(holder)
	for _, b := range blocks {
		if b.subscribers == nil {
			b.subscribers = map[string]struct{}{}
		}
		b.subscribers[holder] = struct{}{}
		h.blocks[b.ID] = struct{}{}
		views = append(views, b.View())
	}
	return views, nil
}

func (l *Landscape) Unsubscribe(holder string, bx, by uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.arena.id(bx, by)
	if !ok {
		return
	}
	if b := l.arena.blocks[id]; b != nil {
		delete(b.subscribers, holder)
	}
	if h := l.holds[holder]; h != nil {
		delete(h.blocks, id)
	}
}

// Subscribers lists the holders subscribed to the block containing cell x,y.
func (l *Landscape) Subscribers(x, y uint16) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.arena.id(x/BlockSize, y/BlockSize)
	if !ok {
		return nil
	}
	b := l.arena.blocks[id]
	if b == nil || len(b.subscribers) == 0 {
		return nil
	}
	out := make([]string, 0, len(b.subscribers))
	for h := range b.subscribers {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (l *Landscape) holdingsFor(holder string) *holdings {
	h := l.holds[holder]
	if h == nil {
		h = newHoldings()
		l.holds[holder] = h
	}
	return h
}

func (l *Landscape) dropHolds(it *WorldItem) {
	if it.lockHolder != "" {
		if h := l.holds[it.lockHolder]; h != nil {
			delete(h.locks, it)
		}
	}
	if it.selectHolder != "" {
		if h := l.holds[it.selectHolder]; h != nil {
			delete(h.selections, it)
		}
	}
}

// ReleaseHolder drops every lock, selection and subscription held by holder
// and returns the number of items released.
func (l *Landscape) ReleaseHolder(holder string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.holds[holder]
	if h == nil {
		return 0
	}
	n := 0
	for it := range h.locks {
		if it.lockHolder == holder {
			it.SetLocked(false)
			it.lockHolder = ""
			n++
		}
	}
	for it := range h.selections {
		if it.selectHolder == holder {
			it.SetSelected(false)
			it.selectHolder = ""
			n++
		}
	}
	for id := range h.blocks {
		if b := l.arena.block(id); b != nil {
			delete(b.subscribers, holder)
		}
	}
	delete(l.holds, holder)
	return n
}

type flushed struct {
	id      BlockID
	version uint64
}

// Flush saves every dirty block through sink and clears the dirty flag of the
// blocks that were not modified again while the save was running. Nothing is
// evicted and a failed save leaves all blocks dirty.
func (l *Landscape) Flush(ctx context.Context, sink Saver) (int, error) {
	l.mu.RLock()
	var (
		recs []BlockRecord
		done []flushed
	)
	for _, b := range l.arena.blocks {
		if b == nil || !b.changed {
			continue
		}
		recs = append(recs, b.Record())
		done = append(done, flushed{id: b.ID, version: b.version})
	}
	l.mu.RUnlock()
	if len(recs) == 0 {
		return 0, nil
	}

	if err := sink.Save(ctx, recs); err != nil {
		return 0, fmt.Errorf("flush %d blocks: %w", len(recs), err)
	}

	l.mu.Lock()
	for _, f := range done {
		if b := l.arena.block(f.id); b != nil && b.version == f.version {
			b.changed = false
		}
	}
	l.mu.Unlock()
	return len(recs), nil
}

// FlushStorage flushes to the backend the landscape was loaded from.
func (l *Landscape) FlushStorage(ctx context.Context) (int, error) {
	return l.Flush(ctx, l.storage)
}

// Evict frees clean blocks nobody references or watches. It is a no-op when
// the backend cannot read blocks back.
func (l *Landscape) Evict() int {
	if l.reader == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i, b := range l.arena.blocks {
		if b != nil && b.evictable() {
			l.arena.blocks[i] = nil
			n++
		}
	}
	return n
}

type Stats struct {
	Width            int `json:"width"`
	Height           int `json:"height"`
	LoadedBlocks     int `json:"loaded_blocks"`
	DirtyBlocks      int `json:"dirty_blocks"`
	ReferencedBlocks int `json:"referenced_blocks"`
}

func (l *Landscape) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{Width: l.Width(), Height: l.Height()}
	for _, b := range l.arena.blocks {
		if b == nil {
			continue
		}
		s.LoadedBlocks++
		if b.changed {
			s.DirtyBlocks++
		}
		if b.refs > 0 {
			s.ReferencedBlocks++
		}
	}
	return s
}
