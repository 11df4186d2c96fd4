package remote

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Wire format (network / big-endian):
//
//	uint32 magic
//	uint32 size
//	size bytes of payload
//
// A compressed PDU carries a zlib stream whose inflated form is a plain payload.
const (
	PDUMagic           uint32 = 0xf5005ca9
	CompressedPDUMagic uint32 = 0xf5005caa

	HeaderSize = 8
	MaxPDUSize = 64 << 20
)

var (
	ErrBadMagic    = errors.New("remote: bad PDU magic")
	ErrPDUTooLarge = errors.New("remote: PDU exceeds maximum size")
)

// Header is the fixed PDU prefix.
type Header struct {
	Magic uint32
	Size  uint32
}

// Compressed reports whether the payload is a zlib stream.
func (h Header) Compressed() bool { return h.Magic == CompressedPDUMagic }

// EncodeHeader renders the header in network byte order.
func EncodeHeader(magic uint32, size uint32) [HeaderSize]byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], size)
	return hdr
}

// DecodeHeader parses and validates a header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("remote: short header (%d bytes)", len(b))
	}
	h := Header{
		Magic: binary.BigEndian.Uint32(b[0:4]),
		Size:  binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Magic != PDUMagic && h.Magic != CompressedPDUMagic {
		return h, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Size > MaxPDUSize {
		return h, fmt.Errorf("%w: %d", ErrPDUTooLarge, h.Size)
	}
	return h, nil
}

// ShouldCompress reports whether a payload of size bytes goes out compressed.
// A threshold of zero disables compression.
func ShouldCompress(size, threshold int) bool {
	return threshold > 0 && size >= threshold
}

// Deflate compresses src into a zlib stream.
func Deflate(src []byte) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(src)/2 + 64)
	zw, err := zlib.NewWriterLevel(&out, zlib.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("deflate init: %w", err)
	}
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate close: %w", err)
	}
	return out.Bytes(), nil
}

// Inflate decompresses a zlib stream, refusing outputs over MaxPDUSize.
func Inflate(src []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("inflate init: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxPDUSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if len(out) > MaxPDUSize {
		return nil, ErrPDUTooLarge
	}
	return out, nil
}

// WritePDU frames payload and writes it in one go. Payloads at or above
// threshold are compressed; if compression fails the plain form is sent.
func WritePDU(w io.Writer, payload []byte, threshold int) error {
	magic := PDUMagic
	body := payload
	if ShouldCompress(len(payload), threshold) {
		if deflated, err := Deflate(payload); err == nil {
			magic = CompressedPDUMagic
			body = deflated
		}
	}
	if len(body) > MaxPDUSize {
		return ErrPDUTooLarge
	}
	hdr := EncodeHeader(magic, uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadPDU reads one PDU and returns its plain payload.
func ReadPDU(r io.Reader) ([]byte, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(raw[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if h.Compressed() {
		return Inflate(body)
	}
	return body, nil
}
