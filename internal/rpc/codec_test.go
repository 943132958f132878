package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
)

func TestFrameRoundTripJSON(t *testing.T) {
	in := map[string]any{
		"Section1": "mtd",
		"DaemonList": map[string]any{
			"SCd": "10.0.0.2",
		},
		"Count": float64(3),
	}
	frame, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := binary.LittleEndian.Uint32(frame[:4]); int(got) != len(frame)-headerSize {
		t.Fatalf("length prefix %d does not match payload %d", got, len(frame)-headerSize)
	}
	if frame[4] != FrameJSON {
		t.Fatalf("expected type 0, got %d", frame[4])
	}
	typ, payload, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	resp, err := Decode(typ, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var out map[string]any
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%v\nout=%v", in, out)
	}
}

func TestDecodeBinaryFrame(t *testing.T) {
	frame := EncodeBinaryFrame([]byte(`{"Result":"OK"}`), bytes.Repeat([]byte{0xAB}, 1234))
	typ, payload, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != FrameBinary {
		t.Fatalf("expected binary frame, got %d", typ)
	}
	resp, err := Decode(typ, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	obj, err := resp.Object()
	if err != nil {
		t.Fatalf("object: %v", err)
	}
	if obj["Result"] != "OK" {
		t.Fatalf("unexpected json part: %v", obj)
	}
	if obj[BinarySizeKey] != 1234 {
		t.Fatalf("expected binary size 1234, got %v", obj[BinarySizeKey])
	}
}

func TestDecodeLegacySeparator(t *testing.T) {
	resp, err := Decode('|', []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("legacy separator should decode as JSON: %v", err)
	}
	if resp.Binary {
		t.Fatalf("legacy frame must not be binary")
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name    string
		typ     byte
		payload []byte
	}{
		{"unknown type", 7, []byte(`{}`)},
		{"invalid json", FrameJSON, []byte(`{"a":`)},
		{"short sub-header", FrameBinary, []byte{1, 2, 3}},
		{"json length overflow", FrameBinary, func() []byte {
			b := make([]byte, binarySubHeaderSize)
			binary.LittleEndian.PutUint32(b[0:4], 99)
			return b
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.typ, tc.payload); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestReadFrameShortRead(t *testing.T) {
	frame := EncodeFrame([]byte(`{"a":1}`))
	// peer closes two bytes early
	_, _, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, errShortRead) {
		t.Fatalf("expected short read, got %v", err)
	}
	// peer closes inside the header
	_, _, err = ReadFrame(bytes.NewReader(frame[:3]))
	if !errors.Is(err, errShortRead) {
		t.Fatalf("expected short read on header, got %v", err)
	}
}

// oneByteReader returns data one byte per Read to exercise accumulation.
type oneByteReader struct{ b []byte }

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, nil
	}
	p[0] = r.b[0]
	r.b = r.b[1:]
	return 1, nil
}

func TestReadFrameAccumulates(t *testing.T) {
	frame := EncodeFrame([]byte(`{"k":"v"}`))
	typ, payload, err := ReadFrame(&oneByteReader{b: frame})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != FrameJSON || string(payload) != `{"k":"v"}` {
		t.Fatalf("unexpected frame %d %q", typ, payload)
	}
}

func TestReadFrameZeroByteReadIsShort(t *testing.T) {
	frame := EncodeFrame([]byte(`{"k":"v"}`))
	// the reader runs dry without EOF: a zero-byte read before completion
	_, _, err := ReadFrame(&oneByteReader{b: frame[:7]})
	if !errors.Is(err, errShortRead) {
		t.Fatalf("expected short read, got %v", err)
	}
}

func TestReadFrameRejectsHugeLength(t *testing.T) {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr, MaxFrameSize+1)
	if _, _, err := ReadFrame(bytes.NewReader(hdr)); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
}

func TestObjectMirrorsSPd(t *testing.T) {
	r := &Response{Body: []byte(`{"SPd":{"Status":"OK"}}`)}
	obj, err := r.Object()
	if err != nil {
		t.Fatalf("object: %v", err)
	}
	if _, ok := obj["MMd"]; !ok {
		t.Fatalf("expected MMd mirror, got %v", obj)
	}
	if _, ok := obj["SPd"]; !ok {
		t.Fatalf("SPd must stay present")
	}
}

func TestPrepareOutgoing(t *testing.T) {
	in := map[string]any{"MMd": "10.0.0.9", "MMc": "x", "SCd": "10.0.0.2"}
	out := prepareOutgoing(in).(map[string]any)
	if _, ok := out["MMd"]; ok {
		t.Fatalf("MMd must be renamed")
	}
	if out["SPd"] != "10.0.0.9" {
		t.Fatalf("expected SPd, got %v", out)
	}
	if _, ok := out["MMc"]; ok {
		t.Fatalf("MMc must be dropped")
	}
	if _, ok := in["MMd"]; !ok {
		t.Fatalf("input map must not be mutated")
	}
	// structs pass through untouched
	h := Header{Section1: "x"}
	if got := prepareOutgoing(h); got != h {
		t.Fatalf("struct message changed")
	}
	b, _ := json.Marshal(out)
	if bytes.Contains(b, []byte("MMc")) {
		t.Fatalf("encoded payload still carries MMc: %s", b)
	}
}
