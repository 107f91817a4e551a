package world

import (
	"context"
	"fmt"
)

// ItemRef identifies an item for selection and locking. Map cells are matched
// on X/Y only.
type ItemRef struct {
	Kind   Kind
	X, Y   uint16
	Z      int8
	TileID uint16
}

// StaticRef identifies a static by its full visible state.
type StaticRef struct {
	X, Y   uint16
	Z      int8
	TileID uint16
	Hue    uint16
}

// Tx is the mutation surface handed to Landscape.Edit callbacks. It must not
// escape the callback.
type Tx struct {
	l   *Landscape
	ctx context.Context
}

func (tx *Tx) block(x, y uint16) (*WorldBlock, error) {
	return tx.l.fetchLocked(tx.ctx, x/BlockSize, y/BlockSize, true)
}

// writable rejects edits to items locked by someone other than holder.
func writable(it *WorldItem, holder string) error {
	if it.locked && it.lockHolder != holder {
		return ErrLocked
	}
	return nil
}

func (tx *Tx) Cell(x, y uint16) (*WorldItem, error) {
	b, err := tx.block(x, y)
	if err != nil {
		return nil, err
	}
	return b.cell(x, y), nil
}

// StaticsAt returns the statics standing on cell x,y in draw order.
func (tx *Tx) StaticsAt(x, y uint16) ([]*WorldItem, error) {
	b, err := tx.block(x, y)
	if err != nil {
		return nil, err
	}
	var out []*WorldItem
	for _, s := range b.statics {
		if s.x == x && s.y == y {
			out = append(out, s)
		}
	}
	return out, nil
}

func (tx *Tx) FindStatic(ref StaticRef) (*WorldItem, error) {
	statics, err := tx.StaticsAt(ref.X, ref.Y)
	if err != nil {
		return nil, err
	}
	for _, s := range statics {
		if s.z == ref.Z && s.tileID == ref.TileID && s.hue == ref.Hue {
			return s, nil
		}
	}
	return nil, fmt.Errorf("static %d@%d,%d,%d: %w", ref.TileID, ref.X, ref.Y, ref.Z, ErrNotFound)
}

func (tx *Tx) Find(ref ItemRef) (*WorldItem, error) {
	switch ref.Kind {
	case KindMapCell:
		return tx.Cell(ref.X, ref.Y)
	case KindStatic:
		statics, err := tx.StaticsAt(ref.X, ref.Y)
		if err != nil {
			return nil, err
		}
		for _, s := range statics {
			if s.z == ref.Z && s.tileID == ref.TileID {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("%s %d@%d,%d,%d: %w", ref.Kind, ref.TileID, ref.X, ref.Y, ref.Z, ErrNotFound)
}

// Draw replaces the terrain of one map cell.
func (tx *Tx) Draw(holder string, x, y uint16, z int8, tileID uint16) (*WorldItem, error) {
	c, err := tx.Cell(x, y)
	if err != nil {
		return nil, err
	}
	if err := writable(c, holder); err != nil {
		return nil, err
	}
	c.SetTileID(tileID)
	c.SetZ(z)
	c.UpdatePriority(tx.l.tiles)
	return c, nil
}

func (tx *Tx) InsertStatic(holder string, x, y uint16, z int8, tileID, hue uint16) (*WorldItem, error) {
	b, err := tx.block(x, y)
	if err != nil {
		return nil, err
	}
	it := newItem(tx.l.arena, KindStatic, x, y, z, tileID, hue)
	it.PrioritySolver = tx.l.nextSolver()
	it.UpdatePriority(tx.l.tiles)
	it.SetOwner(b.ID)
	b.statics = append(b.statics, it)
	b.sortStatics()
	return it, nil
}

func (tx *Tx) DeleteStatic(holder string, ref StaticRef) error {
	it, err := tx.FindStatic(ref)
	if err != nil {
		return err
	}
	if err := writable(it, holder); err != nil {
		return err
	}
	tx.l.dropHolds(it)
	if b := it.ownerBlock(); b != nil {
		b.removeStatic(it)
	}
	it.Delete()
	return nil
}

func (tx *Tx) ElevateStatic(holder string, ref StaticRef, z int8) (*WorldItem, error) {
	it, err := tx.FindStatic(ref)
	if err != nil {
		return nil, err
	}
	if err := writable(it, holder); err != nil {
		return nil, err
	}
	it.SetZ(z)
	it.UpdatePriority(tx.l.tiles)
	it.ownerBlock().sortStatics()
	return it, nil
}

// MoveStatic relocates a static, transferring it to another block when the
// destination lies outside its current one.
func (tx *Tx) MoveStatic(holder string, ref StaticRef, x, y uint16) (*WorldItem, error) {
	it, err := tx.FindStatic(ref)
	if err != nil {
		return nil, err
	}
	if err := writable(it, holder); err != nil {
		return nil, err
	}
	dst, err := tx.block(x, y)
	if err != nil {
		return nil, err
	}
	src := it.ownerBlock()
	if src == dst {
		it.UpdatePos(x, y, it.z)
		dst.sortStatics()
		return it, nil
	}
	src.removeStatic(it)
	it.UpdatePos(x, y, it.z)
	it.SetOwner(dst.ID)
	dst.statics = append(dst.statics, it)
	dst.sortStatics()
	return it, nil
}

func (tx *Tx) HueStatic(holder string, ref StaticRef, hue uint16) (*WorldItem, error) {
	it, err := tx.FindStatic(ref)
	if err != nil {
		return nil, err
	}
	if err := writable(it, holder); err != nil {
		return nil, err
	}
	it.SetHue(hue)
	return it, nil
}

// Select toggles holder's selection of an item. Selections are exclusive.
func (tx *Tx) Select(holder string, ref ItemRef, on bool) (*WorldItem, error) {
	it, err := tx.Find(ref)
	if err != nil {
		return nil, err
	}
	if it.selected && it.selectHolder != holder {
		return nil, ErrSelected
	}
	h := tx.l.holdingsFor(holder)
	if on {
		it.SetSelected(true)
		it.selectHolder = holder
		h.selections[it] = struct{}{}
	} else {
		it.SetSelected(false)
		it.selectHolder = ""
		delete(h.selections, it)
	}
	return it, nil
}

// Lock toggles holder's edit lock on an item. While locked, only holder may
// change it.
func (tx *Tx) Lock(holder string, ref ItemRef, on bool) (*WorldItem, error) {
	it, err := tx.Find(ref)
	if err != nil {
		return nil, err
	}
	if err := writable(it, holder); err != nil {
		return nil, err
	}
	h := tx.l.holdingsFor(holder)
	if on {
		it.SetLocked(true)
		it.lockHolder = holder
		h.locks[it] = struct{}{}
	} else {
		it.SetLocked(false)
		it.lockHolder = ""
		delete(h.locks, it)
	}
	return it, nil
}
