package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// fixedLengths lists the whole-frame length of every fixed-size opcode.
var fixedLengths = map[byte]int{
	OpFreeBlock:     LenFreeBlock,
	OpDrawMap:       LenDrawMap,
	OpInsertStatic:  LenInsertStatic,
	OpDeleteStatic:  LenDeleteStatic,
	OpElevateStatic: LenElevateStatic,
	OpMoveStatic:    LenMoveStatic,
	OpHueStatic:     LenHueStatic,
	OpSelectItem:    LenSelectItem,
	OpLockItem:      LenLockItem,
	OpNoOp:          LenNoOp,
}

var variableOps = map[byte]struct{}{
	OpConnection:     {},
	OpAdmin:          {},
	OpBlocks:         {},
	OpClientHandling: {},
	OpEditResult:     {},
}

// FrameLength reports the frame length of op: n > 0 for fixed-size frames,
// 0 for variable ones. ok is false for unknown opcodes.
func FrameLength(op byte) (n int, ok bool) {
	if n, ok := fixedLengths[op]; ok {
		return n, true
	}
	if _, ok := variableOps[op]; ok {
		return 0, true
	}
	return 0, false
}

// Writer builds one outgoing frame.
type Writer struct {
	op    byte
	fixed bool
	buf   []byte
}

// NewWriter starts a variable-length frame.
func NewWriter(op byte) *Writer {
	return &Writer{op: op, buf: make([]byte, 0, 32)}
}

// NewFixedWriter starts a frame whose length is implied by its opcode.
func NewFixedWriter(op byte) *Writer {
	return &Writer{op: op, fixed: true, buf: make([]byte, 0, 16)}
}

func (w *Writer) WriteU8(v byte) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteI8(v int8) *Writer { return w.WriteU8(byte(v)) }

func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteU8(1)
	}
	return w.WriteU8(0)
}

func (w *Writer) WriteU16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) WriteU32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

// WriteString writes a u16 length followed by the UTF-8 bytes, truncated to
// 65535 bytes.
func (w *Writer) WriteString(s string) *Writer {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	w.WriteU16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// Bytes returns the encoded frame.
func (w *Writer) Bytes() []byte {
	if w.fixed {
		out := make([]byte, 0, 1+len(w.buf))
		out = append(out, w.op)
		return append(out, w.buf...)
	}
	out := make([]byte, 0, VarHeaderLen+len(w.buf))
	out = append(out, w.op)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(w.buf)))
	return append(out, w.buf...)
}

// Reader decodes a frame payload. The first failed read sticks: later reads
// return zero values and Err reports the failure.
type Reader struct {
	b   []byte
	off int
	err error
}

func NewReader(payload []byte) *Reader { return &Reader{b: payload} }

func (r *Reader) Err() error     { return r.err }
func (r *Reader) Remaining() int { return len(r.b) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPayload, n, r.off, len(r.b)-r.off)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) ReadU8() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *Reader) ReadI8() int8   { return int8(r.ReadU8()) }
func (r *Reader) ReadBool() bool { return r.ReadU8() != 0 }

func (r *Reader) ReadU16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (r *Reader) ReadU32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *Reader) ReadString() string {
	n := r.ReadU16()
	p := r.take(int(n))
	if p == nil {
		return ""
	}
	return string(p)
}

// ReadFrame reads one frame from r and returns its opcode and payload (the
// bytes after the opcode, or after the length prefix for variable frames).
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var op [1]byte
	if _, err := io.ReadFull(r, op[:]); err != nil {
		return 0, nil, fmt.Errorf("read opcode: %w", err)
	}
	n, ok := FrameLength(op[0])
	if !ok {
		return op[0], nil, UnknownOpcode(op[0])
	}
	if n > 0 {
		payload := make([]byte, n-1)
		if _, err := io.ReadFull(r, payload); err != nil {
			return op[0], nil, fmt.Errorf("read frame 0x%02X (%d bytes): %w", op[0], n, err)
		}
		return op[0], payload, nil
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return op[0], nil, fmt.Errorf("read frame 0x%02X length: %w", op[0], err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > MaxPayload {
		return op[0], nil, fmt.Errorf("frame 0x%02X: %w: %d", op[0], ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return op[0], nil, fmt.Errorf("read frame 0x%02X payload (%d bytes): %w", op[0], size, err)
	}
	return op[0], payload, nil
}
