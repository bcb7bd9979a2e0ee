package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrShortRead is returned when a reader runs out of bytes mid-field.
// It is fatal to the connection that produced the packet, never to the
// process.
var ErrShortRead = errors.New("protocol: short read")

// BinaryReader decodes the tagged stream inside a frame payload:
// little-endian int32/int64 primitives and u32-length-prefixed blobs.
type BinaryReader struct {
	data []byte
	off  int
}

// NewReader wraps payload for sequential decoding.
func NewReader(payload []byte) *BinaryReader {
	return &BinaryReader{data: payload}
}

// Remaining reports the number of unread bytes.
func (r *BinaryReader) Remaining() int {
	return len(r.data) - r.off
}

// ReadInt32 consumes one little-endian int32.
func (r *BinaryReader) ReadInt32() (int32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortRead
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v, nil
}

// ReadInt64 consumes one little-endian int64.
func (r *BinaryReader) ReadInt64() (int64, error) {
	if r.Remaining() < 8 {
		return 0, ErrShortRead
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v, nil
}

// ReadBytes consumes one u32-length-prefixed blob. The returned slice
// aliases the payload and must not be retained past the packet's
// dispatch.
func (r *BinaryReader) ReadBytes() ([]byte, error) {
	if r.Remaining() < 4 {
		return nil, ErrShortRead
	}
	n := binary.LittleEndian.Uint32(r.data[r.off:])
	if n > uint32(MaxPackageSize) || int(n) > r.Remaining()-4 {
		return nil, ErrShortRead
	}
	r.off += 4
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// ReadString consumes one length-prefixed blob as a string copy.
func (r *BinaryReader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// BinaryWriter accumulates a tagged stream and emits a complete frame
// on Flush.
type BinaryWriter struct {
	buf bytes.Buffer
}

// NewWriter returns an empty payload writer.
func NewWriter() *BinaryWriter {
	return &BinaryWriter{}
}

// WriteInt32 appends one little-endian int32.
func (w *BinaryWriter) WriteInt32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.buf.Write(tmp[:])
}

// WriteInt64 appends one little-endian int64.
func (w *BinaryWriter) WriteInt64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	w.buf.Write(tmp[:])
}

// WriteBytes appends one u32-length-prefixed blob.
func (w *BinaryWriter) WriteBytes(p []byte) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(p)))
	w.buf.Write(tmp[:])
	w.buf.Write(p)
}

// WriteString appends s as a length-prefixed blob.
func (w *BinaryWriter) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// Flush frames the accumulated payload.
func (w *BinaryWriter) Flush(compress bool) ([]byte, error) {
	return EncodeFrame(w.buf.Bytes(), compress)
}

// BuildPacket frames the common (cmd, seq, body) prefix with optional
// extra fields appended by fn. Server-originated messages are sent
// uncompressed.
func BuildPacket(cmd, seq int32, body []byte, fn func(*BinaryWriter)) ([]byte, error) {
	w := NewWriter()
	w.WriteInt32(cmd)
	w.WriteInt32(seq)
	w.WriteBytes(body)
	if fn != nil {
		fn(w)
	}
	return w.Flush(false)
}
