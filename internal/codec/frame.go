package codec

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"

	"github.com/arkilian/geogrid/internal/aggregation/geogrid"
)

// ContentType is the media type of framed results.
const ContentType = "application/x-geogrid"

// frameMagic prefixes every framed result.
var frameMagic = []byte("GGR1")

// Encode returns the framed form of g: magic followed by a snappy block of
// the binary encoding. This is the form stored in object storage.
func Encode(g *geogrid.GridResult) ([]byte, error) {
	raw, err := MarshalGridResult(g)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(frameMagic)+snappy.MaxEncodedLen(len(raw)))
	out = append(out, frameMagic...)
	return append(out, snappy.Encode(nil, raw)...), nil
}

// Decode reverses Encode.
func Decode(data []byte) (*geogrid.GridResult, error) {
	if !IsFramed(data) {
		return nil, malformed("missing frame header", nil)
	}
	raw, err := snappy.Decode(nil, data[len(frameMagic):])
	if err != nil {
		return nil, malformed(fmt.Sprintf("decompress %d bytes", len(data)-len(frameMagic)), err)
	}
	return UnmarshalGridResult(raw)
}

// IsFramed reports whether data starts with the frame header.
func IsFramed(data []byte) bool {
	return bytes.HasPrefix(data, frameMagic)
}
