package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Encoder turns captures into JPEG payloads for the model. Encoded model
// images are cached per capture generation since the loop and the element
// locator often ask for the same one.
type Encoder struct {
	quality int
	cache   *lru.Cache[string, []byte]
}

// NewEncoder creates an encoder with the given JPEG quality.
func NewEncoder(quality int) *Encoder {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	// Only fails for a non-positive size.
	cache, _ := lru.New[string, []byte](8)
	return &Encoder{
		quality: quality,
		cache:   cache,
	}
}

// JPEG encodes img.
func (enc *Encoder) JPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: enc.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode screenshot as JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// ModelJPEG returns the downscaled, cursor-marked JPEG of e.
func (enc *Encoder) ModelJPEG(e *Entry, height int) ([]byte, error) {
	return enc.cached("model", e, height, func() image.Image { return ModelImage(e, height) })
}

// GridJPEG returns the grid-annotated JPEG of e at full resolution.
func (enc *Encoder) GridJPEG(e *Entry) ([]byte, error) {
	return enc.cached("grid", e, 0, func() image.Image { return AnnotateGrid(e.Image, e.Grid, e.Cursor) })
}

func (enc *Encoder) cached(kind string, e *Entry, height int, render func() image.Image) ([]byte, error) {
	if e == nil || e.Empty {
		return nil, fmt.Errorf("no capture to encode")
	}
	key := fmt.Sprintf("%s/%d/%d/%d", kind, e.Generation, e.CapturedAt.UnixNano(), height)
	if data, ok := enc.cache.Get(key); ok {
		return data, nil
	}
	data, err := enc.JPEG(render())
	if err != nil {
		return nil, err
	}
	enc.cache.Add(key, data)
	return data, nil
}

// DataURL wraps JPEG bytes as an inline image reference.
func DataURL(jpegData []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
}
