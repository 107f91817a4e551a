package world

// Kind tags the closed set of WorldItem variants.
type Kind uint8

const (
	KindMapCell Kind = iota
	KindStatic
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindMapCell:
		return "map_cell"
	case KindStatic:
		return "static"
	case KindVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

func (k Kind) Valid() bool { return k <= KindVirtual }

// WorldItem is a single map entity. The owner is a non-owning index into the
// landscape's block arena; all mutation goes through the setters so that the
// owner's reference count and dirty flag stay consistent.
type WorldItem struct {
	arena *arena
	owner BlockID

	kind   Kind
	tileID uint16
	x, y   uint16
	z      int8
	hue    uint16

	locked   bool
	selected bool

	// Session IDs holding the lock / selection (empty when unheld).
	lockHolder   string
	selectHolder string

	Priority       int
	PriorityBonus  int16
	PrioritySolver int
}

func newItem(a *arena, kind Kind, x, y uint16, z int8, tileID, hue uint16) *WorldItem {
	return &WorldItem{
		arena:  a,
		owner:  NoBlock,
		kind:   kind,
		tileID: tileID,
		x:      x,
		y:      y,
		z:      z,
		hue:    hue,
	}
}

// NewVirtualTile returns a detached transient tile. Virtual tiles never belong
// to a block and are not persisted; they take part in ordering only.
func NewVirtualTile(x, y uint16, z int8, tileID uint16, solver int) *WorldItem {
	it := newItem(nil, KindVirtual, x, y, z, tileID, 0)
	it.PrioritySolver = solver
	it.Priority = int(z)
	return it
}

func (it *WorldItem) Kind() Kind           { return it.kind }
func (it *WorldItem) Owner() BlockID       { return it.owner }
func (it *WorldItem) TileID() uint16       { return it.tileID }
func (it *WorldItem) X() uint16            { return it.x }
func (it *WorldItem) Y() uint16            { return it.y }
func (it *WorldItem) Z() int8              { return it.z }
func (it *WorldItem) Hue() uint16          { return it.hue }
func (it *WorldItem) Locked() bool         { return it.locked }
func (it *WorldItem) Selected() bool       { return it.selected }
func (it *WorldItem) LockHolder() string   { return it.lockHolder }
func (it *WorldItem) SelectHolder() string { return it.selectHolder }

func (it *WorldItem) ownerBlock() *WorldBlock {
	if it.arena == nil {
		return nil
	}
	return it.arena.block(it.owner)
}

func (it *WorldItem) doChanged() {
	if b := it.ownerBlock(); b != nil {
		b.markChanged()
	}
}

func (it *WorldItem) SetTileID(v uint16) {
	if it.tileID == v {
		return
	}
	it.tileID = v
	it.doChanged()
}

func (it *WorldItem) SetX(v uint16) {
	if it.x == v {
		return
	}
	it.x = v
	it.doChanged()
}

func (it *WorldItem) SetY(v uint16) {
	if it.y == v {
		return
	}
	it.y = v
	it.doChanged()
}

func (it *WorldItem) SetZ(v int8) {
	if it.z == v {
		return
	}
	it.z = v
	it.doChanged()
}

func (it *WorldItem) SetHue(v uint16) {
	if it.hue == v {
		return
	}
	it.hue = v
	it.doChanged()
}

// UpdatePos writes all three coordinates and marks the owner dirty once.
func (it *WorldItem) UpdatePos(x, y uint16, z int8) {
	it.x = x
	it.y = y
	it.z = z
	it.doChanged()
}

func (it *WorldItem) SetLocked(v bool) {
	if it.locked == v {
		return
	}
	it.locked = v
	if b := it.ownerBlock(); b != nil {
		if v {
			b.addRef()
		} else {
			b.removeRef()
		}
	}
}

func (it *WorldItem) SetSelected(v bool) {
	if it.selected == v {
		return
	}
	it.selected = v
	if b := it.ownerBlock(); b != nil {
		if v {
			b.addRef()
		} else {
			b.removeRef()
		}
	}
}

// SetOwner moves the item to another block, carrying its lock and selection
// references along. Both the old and the new owner become dirty.
func (it *WorldItem) SetOwner(id BlockID) {
	if it.owner == id {
		return
	}
	var next *WorldBlock
	if it.arena != nil {
		next = it.arena.block(id)
	}
	if old := it.ownerBlock(); old != nil {
		old.markChanged()
		if it.locked {
			old.removeRef()
		}
		if it.selected {
			old.removeRef()
		}
	}
	it.owner = id
	if next != nil {
		next.markChanged()
		if it.locked {
			next.addRef()
		}
		if it.selected {
			next.addRef()
		}
	}
}

// Delete releases the selection and lock references, marks the owner dirty and
// detaches the item.
func (it *WorldItem) Delete() {
	it.SetSelected(false)
	it.SetLocked(false)
	it.selectHolder = ""
	it.lockHolder = ""
	it.doChanged()
	it.SetOwner(NoBlock)
}

// UpdatePriority recomputes the ordering fields from the tile metadata.
func (it *WorldItem) UpdatePriority(tiles TileInfo) {
	switch it.kind {
	case KindMapCell:
		it.PriorityBonus = 0
	default:
		var bonus int16
		flags := TileFlags{}
		if tiles != nil {
			flags = tiles.StaticTile(it.tileID)
		}
		if !flags.Background {
			bonus++
		}
		if flags.Height > 0 {
			bonus++
		}
		it.PriorityBonus = bonus
	}
	it.Priority = int(it.z) + int(it.PriorityBonus)
}

// View returns an immutable copy of the item.
func (it *WorldItem) View() ItemView {
	return ItemView{
		Kind:           it.kind,
		TileID:         it.tileID,
		X:              it.x,
		Y:              it.y,
		Z:              it.z,
		Hue:            it.hue,
		Locked:         it.locked,
		Selected:       it.selected,
		Priority:       it.Priority,
		PrioritySolver: it.PrioritySolver,
	}
}

// ItemView is a detached copy of a WorldItem handed out to readers.
type ItemView struct {
	Kind           Kind   `json:"kind"`
	TileID         uint16 `json:"tile_id"`
	X              uint16 `json:"x"`
	Y              uint16 `json:"y"`
	Z              int8   `json:"z"`
	Hue            uint16 `json:"hue,omitempty"`
	Locked         bool   `json:"locked,omitempty"`
	Selected       bool   `json:"selected,omitempty"`
	Priority       int    `json:"priority"`
	PrioritySolver int    `json:"priority_solver"`
}

// TileFlags is the subset of static tile metadata the server needs.
type TileFlags struct {
	Background bool
	Height     uint8
}

// TileInfo is the opaque tile metadata lookup keyed by tile id.
type TileInfo interface {
	StaticTile(id uint16) TileFlags
}

// FlatTiles reports every static tile as a zero-height foreground tile.
type FlatTiles struct{}

func (FlatTiles) StaticTile(uint16) TileFlags { return TileFlags{} }

// TileTable is a TileInfo backed by a map; missing ids fall back to zero flags.
type TileTable map[uint16]TileFlags

func (t TileTable) StaticTile(id uint16) TileFlags { return t[id] }
