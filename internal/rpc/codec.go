package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// Frame types carried in the fifth header byte.
const (
	FrameJSON   byte = 0
	FrameBinary byte = 1
	// frameLegacyJSON is the separator byte older daemons send instead of 0.
	frameLegacyJSON byte = '|'
)

const (
	headerSize          = 5
	binarySubHeaderSize = 16
	// MaxFrameSize bounds a single frame; anything larger is a corrupt length.
	MaxFrameSize = 64 << 20
)

// BinarySizeKey is attached to decoded objects of FrameBinary responses.
const BinarySizeKey = "__binary_size__"

// errShortRead marks a peer that closed before sending the announced length.
var errShortRead = errors.New("short read")

// EncodeFrame wraps a JSON payload in a FrameJSON header.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf[4] = FrameJSON
	copy(buf[headerSize:], payload)
	return buf
}

// EncodeBinaryFrame builds a FrameBinary frame: sub-header, JSON, binary block.
func EncodeBinaryFrame(jsonPart, bin []byte) []byte {
	body := make([]byte, binarySubHeaderSize+len(jsonPart)+len(bin))
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(jsonPart)))
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(bin)))
	copy(body[binarySubHeaderSize:], jsonPart)
	copy(body[binarySubHeaderSize+len(jsonPart):], bin)

	buf := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(body)))
	buf[4] = FrameBinary
	copy(buf[headerSize:], body)
	return buf
}

// Marshal encodes a message into a FrameJSON frame.
func Marshal(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(b), nil
}

// ReadFrame reads one frame header and its payload from r.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	hdr, err := readExact(r, headerSize)
	if err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	size := binary.LittleEndian.Uint32(hdr[:4])
	if size > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame length %d exceeds limit", size)
	}
	payload, err := readExact(r, int(size))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return hdr[4], payload, nil
}

// readExact accumulates reads until n bytes arrived. A read returning no data
// before n bytes is a short read; the caller's deadline bounds the loop.
func readExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		k, err := r.Read(buf[got:])
		got += k
		if got >= n {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: got %d of %d bytes", errShortRead, got, n)
			}
			return nil, err
		}
		if k == 0 {
			return nil, fmt.Errorf("%w: got %d of %d bytes", errShortRead, got, n)
		}
	}
	return buf, nil
}

// Decode turns a frame payload into a Response.
func Decode(typ byte, payload []byte) (*Response, error) {
	switch typ {
	case FrameJSON, frameLegacyJSON:
		if !json.Valid(payload) {
			return nil, errors.New("invalid JSON payload")
		}
		return &Response{Body: payload}, nil
	case FrameBinary:
		if len(payload) < binarySubHeaderSize {
			return nil, errors.New("invalid binary frame: short sub-header")
		}
		jlen := binary.LittleEndian.Uint32(payload[0:4])
		blen := binary.LittleEndian.Uint32(payload[4:8])
		end := uint64(binarySubHeaderSize) + uint64(jlen)
		if end > uint64(len(payload)) {
			return nil, fmt.Errorf("invalid binary frame: json length %d exceeds body", jlen)
		}
		j := payload[binarySubHeaderSize:end]
		if !json.Valid(j) {
			return nil, errors.New("invalid JSON in binary frame")
		}
		return &Response{Body: j, Binary: true, BinarySize: int(blen)}, nil
	default:
		return nil, fmt.Errorf("unexpected frame type %d", typ)
	}
}

// Response is one decoded daemon reply.
type Response struct {
	Tag        string
	Body       []byte
	Binary     bool
	BinarySize int
}

// Decode unmarshals the JSON part into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Object returns the reply as a generic object with the binary size attached
// for FrameBinary replies and the SPd entry mirrored as MMd.
func (r *Response) Object() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(r.Body, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	if r.Binary {
		m[BinarySizeKey] = r.BinarySize
	}
	return normalizeIncoming(m), nil
}
