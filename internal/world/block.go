package world

// BlockSize is the edge length of a block in cells.
const BlockSize = 8

// CellsPerBlock is the number of map cells in one block.
const CellsPerBlock = BlockSize * BlockSize

// MaxCells bounds each map dimension so it fits the u16 size fields of the
// login reply.
const MaxCells = 0xFFFF

// BlockID indexes the block arena: bx*heightInBlocks + by, the legacy ordering.
type BlockID int32

// NoBlock marks a detached item.
const NoBlock BlockID = -1

// WorldBlock owns the map cells and statics of one 8x8 area.
type WorldBlock struct {
	ID   BlockID
	X, Y uint16 // block coordinates

	cells   [CellsPerBlock]*WorldItem
	statics []*WorldItem

	refs    int
	changed bool
	version uint64

	subscribers map[string]struct{}
}

func (b *WorldBlock) Refs() int       { return b.refs }
func (b *WorldBlock) Changed() bool   { return b.changed }
func (b *WorldBlock) Version() uint64 { return b.version }

func (b *WorldBlock) addRef() { b.refs++ }

func (b *WorldBlock) removeRef() {
	if b.refs > 0 {
		b.refs--
	}
}

func (b *WorldBlock) markChanged() {
	b.changed = true
	b.version++
}

func (b *WorldBlock) evictable() bool {
	return b.refs == 0 && !b.changed && len(b.subscribers) == 0
}

func cellIndex(x, y uint16) int {
	return int(y%BlockSize)*BlockSize + int(x%BlockSize)
}

func (b *WorldBlock) cell(x, y uint16) *WorldItem {
	return b.cells[cellIndex(x, y)]
}

func (b *WorldBlock) removeStatic(it *WorldItem) bool {
	for i, s := range b.statics {
		if s == it {
			b.statics = append(b.statics[:i], b.statics[i+1:]...)
			return true
		}
	}
	return false
}

func (b *WorldBlock) sortStatics() { SortItems(b.statics) }

// View copies the block for readers.
func (b *WorldBlock) View() BlockView {
	v := BlockView{
		ID:      b.ID,
		X:       b.X,
		Y:       b.Y,
		Refs:    b.refs,
		Changed: b.changed,
		Statics: make([]ItemView, 0, len(b.statics)),
	}
	for i, c := range b.cells {
		if c != nil {
			v.Cells[i] = c.View()
		}
	}
	for _, s := range b.statics {
		v.Statics = append(v.Statics, s.View())
	}
	return v
}

// Record encodes the block for storage.
func (b *WorldBlock) Record() BlockRecord {
	rec := BlockRecord{X: b.X, Y: b.Y, Statics: make([]StaticRecord, 0, len(b.statics))}
	for i, c := range b.cells {
		if c != nil {
			rec.Cells[i] = CellRecord{TileID: c.tileID, Z: c.z}
		}
	}
	for _, s := range b.statics {
		rec.Statics = append(rec.Statics, StaticRecord{
			TileID: s.tileID,
			X:      uint8(s.x % BlockSize),
			Y:      uint8(s.y % BlockSize),
			Z:      s.z,
			Hue:    s.hue,
		})
	}
	return rec
}

// BlockView is a detached copy of a WorldBlock.
type BlockView struct {
	ID      BlockID                 `json:"id"`
	X       uint16                  `json:"x"`
	Y       uint16                  `json:"y"`
	Refs    int                     `json:"refs"`
	Changed bool                    `json:"changed"`
	Cells   [CellsPerBlock]ItemView `json:"cells"`
	Statics []ItemView              `json:"statics"`
}

// Cell returns the view of the map cell at absolute cell coordinates.
func (v BlockView) Cell(x, y uint16) ItemView { return v.Cells[cellIndex(x, y)] }

type arena struct {
	width, height int // in blocks
	blocks        []*WorldBlock
}

func newArena(width, height int) *arena {
	return &arena{
		width:  width,
		height: height,
		blocks: make([]*WorldBlock, width*height),
	}
}

func (a *arena) id(bx, by uint16) (BlockID, bool) {
	if int(bx) >= a.width || int(by) >= a.height {
		return NoBlock, false
	}
	return BlockID(int(bx)*a.height + int(by)), true
}

func (a *arena) block(id BlockID) *WorldBlock {
	if a == nil || id < 0 || int(id) >= len(a.blocks) {
		return nil
	}
	return a.blocks[id]
}
