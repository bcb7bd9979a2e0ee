package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame header layout, little-endian:
//
//	compressFlag u32 — 0 plain, 1 zlib-compressed body
//	compressSize u32 — body length on the wire when compressed
//	originSize   u32 — body length after optional decompression
const (
	HeaderSize = 12

	CompressNone uint32 = 0
	CompressZlib uint32 = 1

	// MaxPackageSize caps declared body sizes. A header exceeding it is
	// unrecoverable: the protocol has no resync marker, so the
	// connection must be dropped.
	MaxPackageSize = 10 * 1024 * 1024
)

// DecodeFrame extracts one complete frame payload from buf, consuming
// the header and body. It returns (nil, nil) when buf does not yet hold
// a complete frame; callers keep accumulating and retry. Any returned
// error is fatal to the connection.
func DecodeFrame(buf *bytes.Buffer) ([]byte, error) {
	if buf.Len() < HeaderSize {
		return nil, nil
	}

	hdr := buf.Bytes()[:HeaderSize]
	flag := binary.LittleEndian.Uint32(hdr[0:4])
	compressSize := int32(binary.LittleEndian.Uint32(hdr[4:8]))
	originSize := int32(binary.LittleEndian.Uint32(hdr[8:12]))

	if flag == CompressZlib {
		if compressSize <= 0 || compressSize > MaxPackageSize ||
			originSize <= 0 || originSize > MaxPackageSize {
			return nil, fmt.Errorf("illegal package, compresssize: %d, originsize: %d", compressSize, originSize)
		}
		if buf.Len() < HeaderSize+int(compressSize) {
			return nil, nil
		}
		buf.Next(HeaderSize)
		body := make([]byte, compressSize)
		if _, err := io.ReadFull(buf, body); err != nil {
			return nil, fmt.Errorf("read compressed body: %w", err)
		}
		payload, err := inflate(body, int(originSize))
		if err != nil {
			return nil, fmt.Errorf("uncompress: %w", err)
		}
		return payload, nil
	}

	if originSize <= 0 || originSize > MaxPackageSize {
		return nil, fmt.Errorf("illegal package, originsize: %d", originSize)
	}
	if buf.Len() < HeaderSize+int(originSize) {
		return nil, nil
	}
	buf.Next(HeaderSize)
	payload := make([]byte, originSize)
	if _, err := io.ReadFull(buf, payload); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return payload, nil
}

// EncodeFrame wraps payload into a wire frame. When compress is true
// the body is zlib-deflated and the header records both sizes.
func EncodeFrame(payload []byte, compress bool) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxPackageSize {
		return nil, fmt.Errorf("payload size %d out of range", len(payload))
	}

	if !compress {
		out := make([]byte, HeaderSize+len(payload))
		binary.LittleEndian.PutUint32(out[0:4], CompressNone)
		binary.LittleEndian.PutUint32(out[8:12], uint32(len(payload)))
		copy(out[HeaderSize:], payload)
		return out, nil
	}

	var body bytes.Buffer
	zw := zlib.NewWriter(&body)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if body.Len() > MaxPackageSize {
		return nil, fmt.Errorf("compressed size %d out of range", body.Len())
	}

	out := make([]byte, HeaderSize+body.Len())
	binary.LittleEndian.PutUint32(out[0:4], CompressZlib)
	binary.LittleEndian.PutUint32(out[4:8], uint32(body.Len()))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(payload)))
	copy(out[HeaderSize:], body.Bytes())
	return out, nil
}

// inflate decompresses body and verifies the result is exactly
// originSize bytes. A length mismatch means the header lied.
func inflate(body []byte, originSize int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out := make([]byte, 0, originSize)
	// Read one byte past the declared size so oversized payloads are
	// detected rather than truncated.
	lr := io.LimitReader(zr, int64(originSize)+1)
	tmp := make([]byte, 4096)
	for {
		n, err := lr.Read(tmp)
		out = append(out, tmp[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(out) != originSize {
		return nil, fmt.Errorf("inflated %d bytes, header declared %d", len(out), originSize)
	}
	return out, nil
}
