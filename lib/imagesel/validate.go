package imagesel

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

const (
	minBytes  = 1 << 10  // below this it is an icon or a tracking pixel
	maxBytes  = 15 << 20 // above this it is not a table screenshot
	minDim    = 100
	maxWidth  = 4000
	maxHeight = 3000
	// Banners are much wider than tall, tables are not.
	maxAspectRatio = 8
)

// ValidateBytes decides whether downloaded image bytes are worth
// extracting. It checks the size envelope, decodability and the
// dimension bounds a readable table falls within.
func ValidateBytes(data []byte) error {
	if len(data) < minBytes {
		return fmt.Errorf("image too small (%d bytes)", len(data))
	}
	if len(data) > maxBytes {
		return fmt.Errorf("image too large (%d bytes)", len(data))
	}

	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("undecodable image: %w", err)
	}

	if config.Width < minDim || config.Height < minDim {
		return fmt.Errorf(
			"%s image %dx%d below minimum dimensions",
			format, config.Width, config.Height,
		)
	}
	if config.Width > maxWidth || config.Height > maxHeight {
		return fmt.Errorf(
			"%s image %dx%d above maximum dimensions",
			format, config.Width, config.Height,
		)
	}

	ratio := float64(config.Width) / float64(config.Height)
	if ratio > maxAspectRatio || ratio < 1/float64(maxAspectRatio) {
		return fmt.Errorf(
			"%s image %dx%d has banner-like aspect ratio",
			format, config.Width, config.Height,
		)
	}

	return nil
}
