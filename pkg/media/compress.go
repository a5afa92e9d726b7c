// Package media re-encodes uploaded images and stores them on disk.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"lotbot/pkg/fault"
)

// Compressor turns an uploaded image into the stored representation.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// JPEGCompressor decodes any registered image format and re-encodes it as
// JPEG at a fixed quality.
type JPEGCompressor struct {
	Quality  int
	MaxBytes int64
}

func NewJPEGCompressor(quality int, maxBytes int64) *JPEGCompressor {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &JPEGCompressor{Quality: quality, MaxBytes: maxBytes}
}

func (c *JPEGCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fault.Validationf("empty image")
	}
	if c.MaxBytes > 0 && int64(len(data)) > c.MaxBytes {
		return nil, fault.Validationf("image is larger than %d bytes", c.MaxBytes)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "unsupported image format", err)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fault.Wrap(fault.Downstream, "encode jpeg", fmt.Errorf("encode %s as jpeg: %w", format, err))
	}

	return out.Bytes(), nil
}
