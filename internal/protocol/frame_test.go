package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTripPlain(t *testing.T) {
	payload := []byte("hello framed world")

	frame, err := EncodeFrame(payload, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != HeaderSize+len(payload) {
		t.Fatalf("frame length: got %d, want %d", len(frame), HeaderSize+len(payload))
	}

	buf := bytes.NewBuffer(frame)
	got, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got, payload)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected buffer fully consumed, %d bytes left", buf.Len())
	}
}

func TestFrameRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 1024)

	frame, err := EncodeFrame(payload, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) >= HeaderSize+len(payload) {
		t.Fatalf("compressed frame should be smaller than plain, got %d", len(frame))
	}
	if flag := binary.LittleEndian.Uint32(frame[0:4]); flag != CompressZlib {
		t.Fatalf("compress flag: got %d, want %d", flag, CompressZlib)
	}

	got, err := DecodeFrame(bytes.NewBuffer(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("compressed round-trip payload mismatch")
	}
}

func TestDecodeFrameWaitsForMoreBytes(t *testing.T) {
	payload := []byte("partial delivery")
	frame, err := EncodeFrame(payload, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf bytes.Buffer
	// Feed the frame one byte at a time; every prefix must yield
	// (nil, nil) until the final byte arrives.
	for i := 0; i < len(frame)-1; i++ {
		buf.WriteByte(frame[i])
		got, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("byte %d: unexpected error: %v", i, err)
		}
		if got != nil {
			t.Fatalf("byte %d: premature frame", i)
		}
	}
	buf.WriteByte(frame[len(frame)-1])
	got, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after incremental feed")
	}
}

func TestDecodeFrameTwoFramesBackToBack(t *testing.T) {
	f1, _ := EncodeFrame([]byte("first"), false)
	f2, _ := EncodeFrame([]byte("second"), true)

	var buf bytes.Buffer
	buf.Write(f1)
	buf.Write(f2)

	got1, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	got2, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if string(got1) != "first" || string(got2) != "second" {
		t.Fatalf("got %q, %q", got1, got2)
	}
}

func TestDecodeFrameRejectsOversizedHeader(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], CompressNone)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(20*1024*1024)) // 20 MiB

	if _, err := DecodeFrame(bytes.NewBuffer(hdr)); err == nil {
		t.Fatal("expected error for 20 MiB originsize")
	}
}

func TestDecodeFrameRejectsZeroAndNegativeSizes(t *testing.T) {
	for _, origin := range []uint32{0, uint32(0xFFFFFFFF)} { // 0 and -1 as int32
		hdr := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint32(hdr[0:4], CompressNone)
		binary.LittleEndian.PutUint32(hdr[8:12], origin)
		if _, err := DecodeFrame(bytes.NewBuffer(hdr)); err == nil {
			t.Fatalf("expected error for originsize %d", int32(origin))
		}
	}

	hdr := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], CompressZlib)
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint32(hdr[8:12], 16)
	if _, err := DecodeFrame(bytes.NewBuffer(hdr)); err == nil {
		t.Fatal("expected error for zero compresssize")
	}
}

func TestDecodeFrameRejectsGarbageCompressedBody(t *testing.T) {
	body := []byte("this is not zlib data")
	hdr := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], CompressZlib)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[8:12], 64)

	var buf bytes.Buffer
	buf.Write(hdr)
	buf.Write(body)
	if _, err := DecodeFrame(&buf); err == nil {
		t.Fatal("expected decompress error")
	}
}

func TestDecodeFrameRejectsInflatedSizeMismatch(t *testing.T) {
	frame, err := EncodeFrame([]byte("honest payload"), true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Lie about the origin size.
	binary.LittleEndian.PutUint32(frame[8:12], 5)

	if _, err := DecodeFrame(bytes.NewBuffer(frame)); err == nil {
		t.Fatal("expected inflated-size mismatch error")
	}
}
