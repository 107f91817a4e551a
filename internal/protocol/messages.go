package protocol

import (
	"fmt"

	"centredsharp/internal/world"
)

// BlockCoord addresses a block in block coordinates.
type BlockCoord struct {
	X, Y uint16
}

// DrawMap replaces a terrain cell.
type DrawMap struct {
	X, Y   uint16
	Z      int8
	TileID uint16
}

func (m DrawMap) Encode() []byte {
	return NewFixedWriter(OpDrawMap).WriteU16(m.X).WriteU16(m.Y).WriteI8(m.Z).WriteU16(m.TileID).Bytes()
}

func DecodeDrawMap(r *Reader) (DrawMap, error) {
	m := DrawMap{X: r.ReadU16(), Y: r.ReadU16(), Z: r.ReadI8(), TileID: r.ReadU16()}
	return m, r.Err()
}

// Static identifies a static by position, tile and hue.
type Static struct {
	X, Y   uint16
	Z      int8
	TileID uint16
	Hue    uint16
}

func (s Static) Ref() world.StaticRef {
	return world.StaticRef{X: s.X, Y: s.Y, Z: s.Z, TileID: s.TileID, Hue: s.Hue}
}

func StaticFromView(v world.ItemView) Static {
	return Static{X: v.X, Y: v.Y, Z: v.Z, TileID: v.TileID, Hue: v.Hue}
}

func (s Static) write(w *Writer) *Writer {
	return w.WriteU16(s.X).WriteU16(s.Y).WriteI8(s.Z).WriteU16(s.TileID).WriteU16(s.Hue)
}

func readStatic(r *Reader) Static {
	return Static{X: r.ReadU16(), Y: r.ReadU16(), Z: r.ReadI8(), TileID: r.ReadU16(), Hue: r.ReadU16()}
}

// EncodeStatic encodes an insert or delete frame.
func EncodeStatic(op byte, s Static) []byte {
	return s.write(NewFixedWriter(op)).Bytes()
}

func DecodeStatic(r *Reader) (Static, error) {
	s := readStatic(r)
	return s, r.Err()
}

type ElevateStatic struct {
	Static
	NewZ int8
}

func (m ElevateStatic) Encode() []byte {
	return m.write(NewFixedWriter(OpElevateStatic)).WriteI8(m.NewZ).Bytes()
}

func DecodeElevateStatic(r *Reader) (ElevateStatic, error) {
	m := ElevateStatic{Static: readStatic(r)}
	m.NewZ = r.ReadI8()
	return m, r.Err()
}

type MoveStatic struct {
	Static
	NewX, NewY uint16
}

func (m MoveStatic) Encode() []byte {
	return m.write(NewFixedWriter(OpMoveStatic)).WriteU16(m.NewX).WriteU16(m.NewY).Bytes()
}

func DecodeMoveStatic(r *Reader) (MoveStatic, error) {
	m := MoveStatic{Static: readStatic(r)}
	m.NewX = r.ReadU16()
	m.NewY = r.ReadU16()
	return m, r.Err()
}

type HueStatic struct {
	Static
	NewHue uint16
}

func (m HueStatic) Encode() []byte {
	return m.write(NewFixedWriter(OpHueStatic)).WriteU16(m.NewHue).Bytes()
}

func DecodeHueStatic(r *Reader) (HueStatic, error) {
	m := HueStatic{Static: readStatic(r)}
	m.NewHue = r.ReadU16()
	return m, r.Err()
}

// ItemToggle is the body of SelectItem and LockItem.
type ItemToggle struct {
	Kind   world.Kind
	X, Y   uint16
	Z      int8
	TileID uint16
	On     bool
}

func (m ItemToggle) Ref() world.ItemRef {
	return world.ItemRef{Kind: m.Kind, X: m.X, Y: m.Y, Z: m.Z, TileID: m.TileID}
}

func (m ItemToggle) Encode(op byte) []byte {
	return NewFixedWriter(op).
		WriteU8(byte(m.Kind)).
		WriteU16(m.X).
		WriteU16(m.Y).
		WriteI8(m.Z).
		WriteU16(m.TileID).
		WriteBool(m.On).
		Bytes()
}

func DecodeItemToggle(r *Reader) (ItemToggle, error) {
	m := ItemToggle{
		Kind:   world.Kind(r.ReadU8()),
		X:      r.ReadU16(),
		Y:      r.ReadU16(),
		Z:      r.ReadI8(),
		TileID: r.ReadU16(),
		On:     r.ReadBool(),
	}
	if err := r.Err(); err != nil {
		return m, err
	}
	if !m.Kind.Valid() || m.Kind == world.KindVirtual {
		return m, fmt.Errorf("item kind %d not addressable", m.Kind)
	}
	return m, nil
}

func EncodeFreeBlock(c BlockCoord) []byte {
	return NewFixedWriter(OpFreeBlock).WriteU16(c.X).WriteU16(c.Y).Bytes()
}

func DecodeFreeBlock(r *Reader) (BlockCoord, error) {
	c := BlockCoord{X: r.ReadU16(), Y: r.ReadU16()}
	return c, r.Err()
}

// EncodeRequestBlocks builds a client block request.
func EncodeRequestBlocks(coords []BlockCoord) []byte {
	w := NewWriter(OpBlocks)
	for _, c := range coords {
		w.WriteU16(c.X).WriteU16(c.Y)
	}
	return w.Bytes()
}

// DecodeRequestBlocks reads block coordinates until the payload is exhausted.
func DecodeRequestBlocks(r *Reader) ([]BlockCoord, error) {
	if r.Remaining()%4 != 0 {
		return nil, fmt.Errorf("block request: %w: %d trailing bytes", ErrShortPayload, r.Remaining()%4)
	}
	out := make([]BlockCoord, 0, r.Remaining()/4)
	for r.Remaining() > 0 {
		out = append(out, BlockCoord{X: r.ReadU16(), Y: r.ReadU16()})
	}
	return out, r.Err()
}

// BlockData encodes blocks as count, then per block its coordinates, the 64
// cells in row-major order and its statics with block-relative positions.
func BlockData(blocks []world.BlockView) []byte {
	w := NewWriter(OpBlocks).WriteU16(uint16(len(blocks)))
	for _, b := range blocks {
		w.WriteU16(b.X).WriteU16(b.Y)
		for _, c := range b.Cells {
			w.WriteU16(c.TileID).WriteI8(c.Z)
		}
		w.WriteU16(uint16(len(b.Statics)))
		for _, s := range b.Statics {
			w.WriteU16(s.TileID).
				WriteU8(uint8(s.X % world.BlockSize)).
				WriteU8(uint8(s.Y % world.BlockSize)).
				WriteI8(s.Z).
				WriteU16(s.Hue)
		}
	}
	return w.Bytes()
}

func DecodeBlockData(r *Reader) ([]world.BlockRecord, error) {
	n := int(r.ReadU16())
	out := make([]world.BlockRecord, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		rec := world.BlockRecord{X: r.ReadU16(), Y: r.ReadU16()}
		for c := range rec.Cells {
			rec.Cells[c] = world.CellRecord{TileID: r.ReadU16(), Z: r.ReadI8()}
		}
		ns := int(r.ReadU16())
		for j := 0; j < ns && r.Err() == nil; j++ {
			rec.Statics = append(rec.Statics, world.StaticRecord{
				TileID: r.ReadU16(),
				X:      r.ReadU8(),
				Y:      r.ReadU8(),
				Z:      r.ReadI8(),
				Hue:    r.ReadU16(),
			})
		}
		out = append(out, rec)
	}
	return out, r.Err()
}
