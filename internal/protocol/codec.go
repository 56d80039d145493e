package protocol

import (
	"encoding"
	"errors"
	"fmt"
	"io"

	"github.com/blukai/netplay/internal/byteorder"
	"github.com/blukai/netplay/internal/zigzag"
)

// ErrShortRead is returned when a read would go past the end of a packet.
var ErrShortRead = errors.New("read past end of packet")

// MaxBlockSize bounds length prefixed strings and byte blocks, so that a
// corrupted length can't make the reader allocate gigabytes.
const MaxBlockSize = 64 << 20

// Writer appends fields to a packet in network byte order. It never fails;
// the zero value is ready to use.
type Writer struct {
	buf []byte
}

var _ io.Writer = (*Writer)(nil)

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

// Write appends p as is. It implements io.Writer so that streams (see
// lzostream) can be embedded into a packet.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *Writer) WriteU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteI8(v int8) { w.buf = append(w.buf, uint8(v)) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
}

func (w *Writer) WriteU16(v uint16) { w.buf = byteorder.AppendHtons(w.buf, v) }

func (w *Writer) WriteI16(v int16) { w.WriteU16(uint16(v)) }

func (w *Writer) WriteU32(v uint32) { w.buf = byteorder.AppendHtonl(w.buf, v) }

// WriteI32 zigzag encodes v.
func (w *Writer) WriteI32(v int32) { w.WriteU32(zigzag.Encode32(v)) }

func (w *Writer) WriteU64(v uint64) { w.buf = byteorder.AppendHtonll(w.buf, v) }

// WriteString writes a u32 length followed by the raw bytes of s.
func (w *Writer) WriteString(s string) {
	w.WriteU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBlock writes a u32 length followed by b.
func (w *Writer) WriteBlock(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteMarshaler appends the binary form of m with no length prefix. Used for
// fixed size values such as PadStatus.
func (w *Writer) WriteMarshaler(m encoding.BinaryMarshaler) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	w.buf = append(w.buf, data...)
	return nil
}

// Reader consumes fields in the order they were written. Every read past the
// end fails with ErrShortRead and leaves the position untouched.
type Reader struct {
	data []byte
	pos  int
}

var _ io.Reader = (*Reader)(nil)

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Pos() int { return r.pos }

func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// EOF reports whether every byte has been consumed.
func (r *Reader) EOF() bool { return r.pos >= len(r.data) }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: want %d bytes at %d, have %d", ErrShortRead, n, r.pos, r.Remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Read implements io.Reader over the unread part of the packet.
func (r *Reader) Read(p []byte) (int, error) {
	if r.EOF() {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	return v != 0, err
}

func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return byteorder.Ntohs(b), nil
}

func (r *Reader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return byteorder.Ntohl(b), nil
}

func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return zigzag.Decode32(v), err
}

func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return byteorder.Ntohll(b), nil
}

func (r *Reader) readLen() (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if n > MaxBlockSize {
		return 0, fmt.Errorf("block of %d bytes exceeds limit of %d", n, MaxBlockSize)
	}
	return int(n), nil
}

func (r *Reader) ReadString() (string, error) {
	start := r.pos
	n, err := r.readLen()
	if err != nil {
		return "", err
	}
	b, err := r.next(n)
	if err != nil {
		r.pos = start
		return "", err
	}
	return string(b), nil
}

// ReadBlock returns a copy of a length prefixed byte block.
func (r *Reader) ReadBlock() ([]byte, error) {
	start := r.pos
	n, err := r.readLen()
	if err != nil {
		return nil, err
	}
	b, err := r.next(n)
	if err != nil {
		r.pos = start
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// ReadN returns the next n raw bytes without copying.
func (r *Reader) ReadN(n int) ([]byte, error) {
	return r.next(n)
}

// ReadUnmarshaler feeds the next size bytes into u.
func (r *Reader) ReadUnmarshaler(u encoding.BinaryUnmarshaler, size int) error {
	b, err := r.next(size)
	if err != nil {
		return err
	}
	return u.UnmarshalBinary(b)
}

// ReadMessageID reads the leading id of a packet.
func (r *Reader) ReadMessageID() (MessageID, error) {
	v, err := r.ReadU8()
	return MessageID(v), err
}
