package fuse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer receives one reply. WriteAt lets a callback fill the payload past
// a reserved region before the header in front of it is known.
type Writer interface {
	io.Writer

	// WriteAt runs f with a writer positioned offset bytes past the current
	// position. The current position does not move; bytes written by f
	// become part of the reply once the region in front of them is filled.
	WriteAt(offset int, f func(w Writer) (int, error)) (int, error)

	// HasSufficientBuffer reports whether a reply carrying size payload
	// bytes fits.
	HasSufficientBuffer(size uint32) bool

	Flush() error
}

// BufferWriter is a Writer over a fixed byte slice, standing in for the
// guest-supplied descriptor chain.
type BufferWriter struct {
	buf []byte
	pos int
	end int
}

// NewBufferWriter returns a writer that fills buf.
func NewBufferWriter(buf []byte) *BufferWriter {
	return &BufferWriter{buf: buf}
}

func (w *BufferWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	if w.pos > w.end {
		w.end = w.pos
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (w *BufferWriter) WriteAt(offset int, f func(w Writer) (int, error)) (int, error) {
	if offset < 0 || offset > len(w.buf)-w.pos {
		return 0, io.ErrShortBuffer
	}
	base := w.pos + offset
	sub := &BufferWriter{buf: w.buf[base:]}
	n, err := f(sub)
	if err != nil {
		return n, err
	}
	if base+sub.end > w.end {
		w.end = base + sub.end
	}
	return n, nil
}

func (w *BufferWriter) HasSufficientBuffer(size uint32) bool {
	return uint64(len(w.buf)-w.pos) >= uint64(size)+OutHeaderSize
}

func (w *BufferWriter) Flush() error { return nil }

// Bytes returns the reply written so far, including regions filled
// through WriteAt.
func (w *BufferWriter) Bytes() []byte { return w.buf[:w.end] }

// Len returns the number of reply bytes.
func (w *BufferWriter) Len() int { return w.end }

// Reset rewinds the writer for reuse.
func (w *BufferWriter) Reset() {
	w.pos = 0
	w.end = 0
}

// readStruct decodes one fixed-size little-endian structure.
func readStruct(r io.Reader, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("%w: %T is not fixed size", ErrDecodeMessage, v)
	}
	var stack [128]byte
	var buf []byte
	if size <= len(stack) {
		buf = stack[:size]
	} else {
		buf = make([]byte, size)
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: read %T: %v", ErrDecodeMessage, v, err)
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: %T: %v", ErrDecodeMessage, v, err)
	}
	return nil
}

// readBytes reads exactly n bytes of trailing request data.
func readBytes(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read %d trailing bytes: %v", ErrDecodeMessage, n, err)
	}
	return buf, nil
}

func writeStruct(w io.Writer, v any) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func structSize(v any) int {
	if v == nil {
		return 0
	}
	return binary.Size(v)
}

// trailingLen returns hdr.Len minus the header and fixed body sizes.
func trailingLen(hdr *InHeader, fixed ...int) (int, error) {
	rem := int64(hdr.Len) - InHeaderSize
	if rem < 0 {
		return 0, ErrInvalidHeaderLength
	}
	for _, sz := range fixed {
		rem -= int64(sz)
		if rem < 0 {
			return 0, ErrInvalidHeaderLength
		}
	}
	return int(rem), nil
}

// cString validates buf as exactly one NUL-terminated string and returns
// it without the terminator.
func cString(buf []byte) ([]byte, error) {
	if len(buf) == 0 || buf[len(buf)-1] != 0 {
		return nil, fmt.Errorf("%w: missing terminator", ErrInvalidCString)
	}
	if i := bytes.IndexByte(buf, 0); i != len(buf)-1 {
		return nil, fmt.Errorf("%w: interior NUL at %d", ErrInvalidCString, i)
	}
	return buf[:len(buf)-1], nil
}

// splitCStrings returns the next n NUL-terminated components of buf and
// the number of bytes they consumed, terminators included. A component
// without a terminator is an invalid string; running out of data is a
// missing parameter.
func splitCStrings(buf []byte, n int) ([][]byte, int, error) {
	out := make([][]byte, 0, n)
	pos := 0
	for len(out) < n {
		if pos >= len(buf) {
			return nil, 0, ErrMissingParameter
		}
		i := bytes.IndexByte(buf[pos:], 0)
		if i < 0 {
			return nil, 0, fmt.Errorf("%w: missing terminator", ErrInvalidCString)
		}
		out = append(out, buf[pos:pos+i])
		pos += i + 1
	}
	return out, pos, nil
}

func align8(n uint64) (uint64, bool) {
	if n > ^uint64(0)-7 {
		return 0, false
	}
	return (n + 7) &^ 7, true
}
