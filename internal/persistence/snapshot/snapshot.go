// Package snapshot stores the whole world as one zstd-compressed file: a JSON
// header line followed by a gob-encoded body.
package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"centredsharp/internal/world"
)

const Version = 1

type Header struct {
	Version int   `json:"version"`
	Width   int   `json:"width"`
	Height  int   `json:"height"`
	Blocks  int   `json:"blocks"`
	Statics int   `json:"statics"`
	SavedAt int64 `json:"saved_at"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Width  int       `json:"width"`
	Height int       `json:"height"`
	Blocks []BlockV1 `json:"blocks"`
}

type BlockV1 struct {
	X       uint16                      `json:"x"`
	Y       uint16                      `json:"y"`
	Tiles   [world.CellsPerBlock]uint16 `json:"tiles"`
	Z       [world.CellsPerBlock]int8   `json:"z"`
	Statics []StaticV1                  `json:"statics,omitempty"`
}

type StaticV1 struct {
	TileID uint16 `json:"tile_id"`
	X      uint8  `json:"x"`
	Y      uint8  `json:"y"`
	Z      int8   `json:"z"`
	Hue    uint16 `json:"hue,omitempty"`
}

func FromRecord(r world.BlockRecord) BlockV1 {
	b := BlockV1{X: r.X, Y: r.Y}
	for i, c := range r.Cells {
		b.Tiles[i] = c.TileID
		b.Z[i] = c.Z
	}
	for _, s := range r.Statics {
		b.Statics = append(b.Statics, StaticV1{TileID: s.TileID, X: s.X, Y: s.Y, Z: s.Z, Hue: s.Hue})
	}
	return b
}

func (b BlockV1) Record() world.BlockRecord {
	r := world.BlockRecord{X: b.X, Y: b.Y}
	for i := range r.Cells {
		r.Cells[i] = world.CellRecord{TileID: b.Tiles[i], Z: b.Z[i]}
	}
	for _, s := range b.Statics {
		r.Statics = append(r.Statics, world.StaticRecord{TileID: s.TileID, X: s.X, Y: s.Y, Z: s.Z, Hue: s.Hue})
	}
	return r
}

// FromDataset builds a snapshot with blocks in id order.
func FromDataset(ds *world.Dataset) SnapshotV1 {
	snap := SnapshotV1{Width: ds.Width, Height: ds.Height}
	for _, r := range ds.Blocks {
		snap.Blocks = append(snap.Blocks, FromRecord(r))
	}
	snap.sortBlocks()
	return snap
}

func (s *SnapshotV1) sortBlocks() {
	sort.Slice(s.Blocks, func(i, j int) bool {
		if s.Blocks[i].X != s.Blocks[j].X {
			return s.Blocks[i].X < s.Blocks[j].X
		}
		return s.Blocks[i].Y < s.Blocks[j].Y
	})
}

func (s SnapshotV1) Dataset() *world.Dataset {
	ds := &world.Dataset{Width: s.Width, Height: s.Height, Blocks: make([]world.BlockRecord, 0, len(s.Blocks))}
	for _, b := range s.Blocks {
		ds.Blocks = append(ds.Blocks, b.Record())
	}
	return ds
}

// WriteSnapshot writes snap to a temp file and renames it into place.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	snap.Header.Version = Version
	snap.Header.Width = snap.Width
	snap.Header.Height = snap.Height
	snap.Header.Blocks = len(snap.Blocks)
	snap.Header.Statics = 0
	for _, b := range snap.Blocks {
		snap.Header.Statics += len(b.Statics)
	}
	if snap.Header.SavedAt == 0 {
		snap.Header.SavedAt = time.Now().Unix()
	}

	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Store is a world.Storage over a snapshot file. It keeps the last saved
// state of every block so each Save can rewrite the full file.
type Store struct {
	path string

	mu     sync.Mutex
	width  int
	height int
	blocks map[[2]uint16]BlockV1
}

func NewStore(path string) *Store {
	return &Store{path: path, blocks: map[[2]uint16]BlockV1{}}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load(ctx context.Context) (*world.Dataset, error) {
	snap, err := ReadSnapshot(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("snapshot: %w: %v", world.ErrStorageUnavailable, err)
		}
		return nil, fmt.Errorf("snapshot: %w: %v", world.ErrStorageCorrupt, err)
	}
	if snap.Header.Version != Version {
		return nil, fmt.Errorf("snapshot: %w: version %d", world.ErrStorageCorrupt, snap.Header.Version)
	}
	s.mu.Lock()
	s.width, s.height = snap.Width, snap.Height
	s.blocks = make(map[[2]uint16]BlockV1, len(snap.Blocks))
	for _, b := range snap.Blocks {
		s.blocks[[2]uint16{b.X, b.Y}] = b
	}
	s.mu.Unlock()
	return snap.Dataset(), nil
}

func (s *Store) Save(ctx context.Context, recs []world.BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.blocks[[2]uint16{r.X, r.Y}] = FromRecord(r)
	}
	snap := SnapshotV1{Width: s.width, Height: s.height, Blocks: make([]BlockV1, 0, len(s.blocks))}
	for _, b := range s.blocks {
		snap.Blocks = append(snap.Blocks, b)
	}
	snap.sortBlocks()
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteSnapshot(s.path, snap)
}
