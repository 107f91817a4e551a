// Package mul stores the world in the legacy three-file layout: a map file of
// fixed 196-byte blocks, a 12-byte-per-block static index and a statics data
// file of 7-byte records. Blocks are addressed bx*height+by.
package mul

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"centredsharp/internal/world"
)

const (
	blockHeaderSize = 4
	cellSize        = 3
	mapBlockSize    = blockHeaderSize + world.CellsPerBlock*cellSize
	indexEntrySize  = 12
	staticSize      = 7
)

type Paths struct {
	Map     string
	StaIdx  string
	Statics string
}

// Store is a world.Storage and world.BlockReader over open legacy files.
type Store struct {
	mu sync.Mutex

	width, height int // blocks

	mapFile     *os.File
	indexFile   *os.File
	staticsFile *os.File
	staticsEnd  int64
}

// Open opens the three files read-write and checks their sizes against the
// declared dimensions.
func Open(p Paths, width, height int) (*Store, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("mul: %w: invalid size %dx%d", world.ErrStorageCorrupt, width, height)
	}
	s := &Store{width: width, height: height}
	var err error
	if s.mapFile, err = openFile(p.Map); err != nil {
		return nil, err
	}
	if s.indexFile, err = openFile(p.StaIdx); err != nil {
		s.Close()
		return nil, err
	}
	if s.staticsFile, err = openFile(p.Statics); err != nil {
		s.Close()
		return nil, err
	}
	blocks := int64(width) * int64(height)
	if err := expectSize(s.mapFile, blocks*mapBlockSize); err != nil {
		s.Close()
		return nil, err
	}
	if err := expectSize(s.indexFile, blocks*indexEntrySize); err != nil {
		s.Close()
		return nil, err
	}
	st, err := s.staticsFile.Stat()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("mul: stat %s: %w", s.staticsFile.Name(), err)
	}
	s.staticsEnd = st.Size()
	if err := s.checkIndex(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// checkIndex validates every static index entry against the statics file so a
// bad entry fails the open instead of the first read of its block.
func (s *Store) checkIndex() error {
	n := int64(s.width) * int64(s.height)
	raw := make([]byte, n*indexEntrySize)
	if _, err := s.indexFile.ReadAt(raw, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mul: read staidx: %w", err)
	}
	for id := int64(0); id < n; id++ {
		if _, err := s.checkEntry(id, decodeIndex(raw[id*indexEntrySize:])); err != nil {
			return err
		}
	}
	return nil
}

// checkEntry reports whether e addresses statics, and rejects entries that
// fall outside the statics file or split a record.
func (s *Store) checkEntry(id int64, e indexEntry) (bool, error) {
	if e.offset < 0 || e.length <= 0 {
		return false, nil
	}
	if e.length%staticSize != 0 || int64(e.offset)+int64(e.length) > s.staticsEnd {
		return false, fmt.Errorf("mul: %w: staidx %d points at %d+%d", world.ErrStorageCorrupt, id, e.offset, e.length)
	}
	return true, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("mul: %w: %v", world.ErrStorageUnavailable, err)
		}
		return nil, fmt.Errorf("mul: open %s: %w", path, err)
	}
	return f, nil
}

func expectSize(f *os.File, want int64) error {
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("mul: stat %s: %w", f.Name(), err)
	}
	if st.Size() != want {
		return fmt.Errorf("mul: %w: %s is %d bytes, want %d", world.ErrStorageCorrupt, f.Name(), st.Size(), want)
	}
	return nil
}

// Create writes an empty world: flat zero terrain and no statics.
func Create(p Paths, width, height int) error {
	blocks := width * height
	if err := os.WriteFile(p.Map, make([]byte, blocks*mapBlockSize), 0o644); err != nil {
		return err
	}
	idx := make([]byte, blocks*indexEntrySize)
	for i := 0; i < blocks; i++ {
		putIndex(idx[i*indexEntrySize:], indexEntry{offset: -1, length: -1})
	}
	if err := os.WriteFile(p.StaIdx, idx, 0o644); err != nil {
		return err
	}
	return os.WriteFile(p.Statics, nil, 0o644)
}

func (s *Store) Width() int  { return s.width }
func (s *Store) Height() int { return s.height }

// Load reports the dimensions only; blocks are read on demand.
func (s *Store) Load(ctx context.Context) (*world.Dataset, error) {
	return &world.Dataset{Width: s.width, Height: s.height}, nil
}

func (s *Store) blockID(bx, by uint16) (int64, error) {
	if int(bx) >= s.width || int(by) >= s.height {
		return 0, fmt.Errorf("mul: block %d,%d: %w", bx, by, world.ErrOutOfBounds)
	}
	return int64(bx)*int64(s.height) + int64(by), nil
}

type indexEntry struct {
	offset int32
	length int32
	extra  int32
}

func putIndex(b []byte, e indexEntry) {
	binary.LittleEndian.PutUint32(b[0:], uint32(e.offset))
	binary.LittleEndian.PutUint32(b[4:], uint32(e.length))
	binary.LittleEndian.PutUint32(b[8:], uint32(e.extra))
}

func (s *Store) readIndex(id int64) (indexEntry, error) {
	var b [indexEntrySize]byte
	if _, err := s.indexFile.ReadAt(b[:], id*indexEntrySize); err != nil {
		return indexEntry{}, fmt.Errorf("mul: read staidx %d: %w", id, err)
	}
	return decodeIndex(b[:]), nil
}

func decodeIndex(b []byte) indexEntry {
	return indexEntry{
		offset: int32(binary.LittleEndian.Uint32(b[0:])),
		length: int32(binary.LittleEndian.Uint32(b[4:])),
		extra:  int32(binary.LittleEndian.Uint32(b[8:])),
	}
}

func (s *Store) ReadBlock(ctx context.Context, bx, by uint16) (world.BlockRecord, error) {
	rec := world.BlockRecord{X: bx, Y: by}
	id, err := s.blockID(bx, by)
	if err != nil {
		return rec, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw [mapBlockSize]byte
	if _, err := s.mapFile.ReadAt(raw[:], id*mapBlockSize); err != nil {
		return rec, fmt.Errorf("mul: read map block %d: %w", id, err)
	}
	for i := range rec.Cells {
		off := blockHeaderSize + i*cellSize
		rec.Cells[i] = world.CellRecord{
			TileID: binary.LittleEndian.Uint16(raw[off:]),
			Z:      int8(raw[off+2]),
		}
	}

	e, err := s.readIndex(id)
	if err != nil {
		return rec, err
	}
	ok, err := s.checkEntry(id, e)
	if err != nil || !ok {
		return rec, err
	}
	buf := make([]byte, e.length)
	if _, err := s.staticsFile.ReadAt(buf, int64(e.offset)); err != nil && !errors.Is(err, io.EOF) {
		return rec, fmt.Errorf("mul: read statics %d: %w", id, err)
	}
	rec.Statics = make([]world.StaticRecord, 0, len(buf)/staticSize)
	for off := 0; off+staticSize <= len(buf); off += staticSize {
		rec.Statics = append(rec.Statics, world.StaticRecord{
			TileID: binary.LittleEndian.Uint16(buf[off:]),
			X:      buf[off+2],
			Y:      buf[off+3],
			Z:      int8(buf[off+4]),
			Hue:    binary.LittleEndian.Uint16(buf[off+5:]),
		})
	}
	return rec, nil
}

// Save writes terrain in place. Statics are rewritten in place when they fit
// the old slot and appended to the data file otherwise.
func (s *Store) Save(ctx context.Context, blocks []world.BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.saveBlock(rec); err != nil {
			return err
		}
	}
	for _, f := range []*os.File{s.mapFile, s.indexFile, s.staticsFile} {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("mul: sync %s: %w", f.Name(), err)
		}
	}
	return nil
}

func (s *Store) saveBlock(rec world.BlockRecord) error {
	id, err := s.blockID(rec.X, rec.Y)
	if err != nil {
		return err
	}
	cells := make([]byte, world.CellsPerBlock*cellSize)
	for i, c := range rec.Cells {
		binary.LittleEndian.PutUint16(cells[i*cellSize:], c.TileID)
		cells[i*cellSize+2] = byte(c.Z)
	}
	if _, err := s.mapFile.WriteAt(cells, id*mapBlockSize+blockHeaderSize); err != nil {
		return fmt.Errorf("mul: write map block %d: %w", id, err)
	}

	e, err := s.readIndex(id)
	if err != nil {
		return err
	}
	if len(rec.Statics) == 0 {
		e.offset, e.length = -1, -1
		return s.writeIndex(id, e)
	}
	data := make([]byte, len(rec.Statics)*staticSize)
	for i, st := range rec.Statics {
		off := i * staticSize
		binary.LittleEndian.PutUint16(data[off:], st.TileID)
		data[off+2] = st.X
		data[off+3] = st.Y
		data[off+4] = byte(st.Z)
		binary.LittleEndian.PutUint16(data[off+5:], st.Hue)
	}
	at := int64(e.offset)
	if e.offset < 0 || int(e.length) < len(data) {
		at = s.staticsEnd
	}
	if _, err := s.staticsFile.WriteAt(data, at); err != nil {
		return fmt.Errorf("mul: write statics %d: %w", id, err)
	}
	if end := at + int64(len(data)); end > s.staticsEnd {
		s.staticsEnd = end
	}
	e.offset, e.length = int32(at), int32(len(data))
	return s.writeIndex(id, e)
}

func (s *Store) writeIndex(id int64, e indexEntry) error {
	var b [indexEntrySize]byte
	putIndex(b[:], e)
	if _, err := s.indexFile.WriteAt(b[:], id*indexEntrySize); err != nil {
		return fmt.Errorf("mul: write staidx %d: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []*os.File{s.mapFile, s.indexFile, s.staticsFile} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

// ReadAll reads every block, for full exports.
func (s *Store) ReadAll(ctx context.Context) (*world.Dataset, error) {
	ds := &world.Dataset{Width: s.width, Height: s.height}
	ds.Blocks = make([]world.BlockRecord, 0, s.width*s.height)
	for bx := 0; bx < s.width; bx++ {
		for by := 0; by < s.height; by++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rec, err := s.ReadBlock(ctx, uint16(bx), uint16(by))
			if err != nil {
				return nil, err
			}
			ds.Blocks = append(ds.Blocks, rec)
		}
	}
	return ds, nil
}
