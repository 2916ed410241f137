package artifactcache

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

// NewCompressedCache wraps inner so entries are zstd-compressed at rest.
// Containers are mostly machine code and relocation tables, which compress
// to a fraction of their raw size.
func NewCompressedCache(inner Cache) Cache {
	return &compressedCache{inner: inner}
}

type compressedCache struct {
	inner Cache
}

func (c *compressedCache) Get(key Key) (io.ReadCloser, bool, error) {
	content, ok, err := c.inner.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	defer content.Close()
	compressed, err := io.ReadAll(content)
	if err != nil {
		return nil, false, err
	}
	raw, err := decompressZstd(compressed)
	if err != nil {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(raw)), true, nil
}

func (c *compressedCache) Add(key Key, content io.Reader) error {
	raw, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	compressed, err := compressZstd(raw)
	if err != nil {
		return err
	}
	return c.inner.Add(key, bytes.NewReader(compressed))
}

func (c *compressedCache) Delete(key Key) error {
	return c.inner.Delete(key)
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, nil)
}
