package common

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Codec compresses cache blobs before serialization. The persistent cache
// treats it as opaque: a real implementation can be substituted without
// touching cache logic.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NoopCodec is the default passthrough codec.
type NoopCodec struct{}

func (NoopCodec) Name() string                           { return "none" }
func (NoopCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

// GzipCodec compresses blobs with gzip. Small payloads cost more compressed
// than raw, so callers gate on a size threshold.
type GzipCodec struct{}

func (GzipCodec) Name() string { return "gzip" }

func (GzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipCodec) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
