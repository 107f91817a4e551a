package world

import (
	"context"
	"errors"
)

var (
	// ErrStorageCorrupt reports a backend whose structural contract is violated.
	ErrStorageCorrupt = errors.New("storage corrupt")
	// ErrStorageUnavailable reports a backend that cannot be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type CellRecord struct {
	TileID uint16
	Z      int8
}

// StaticRecord positions a static relative to its block.
type StaticRecord struct {
	TileID uint16
	X, Y   uint8
	Z      int8
	Hue    uint16
}

type BlockRecord struct {
	X, Y    uint16 // block coordinates
	Cells   [CellsPerBlock]CellRecord
	Statics []StaticRecord
}

// Dataset is what a backend hands the landscape on load. Width and Height are
// in blocks; Blocks may be sparse.
type Dataset struct {
	Width  int
	Height int
	Blocks []BlockRecord
}

// Saver persists dirty blocks.
type Saver interface {
	Save(ctx context.Context, blocks []BlockRecord) error
}

// Storage is the load/save contract of a world backend.
type Storage interface {
	Saver
	Load(ctx context.Context) (*Dataset, error)
}

// BlockReader is implemented by backends that can re-read a single block, which
// lets the landscape evict idle blocks.
type BlockReader interface {
	ReadBlock(ctx context.Context, bx, by uint16) (BlockRecord, error)
}
