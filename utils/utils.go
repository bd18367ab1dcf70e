// yib/utils/utils.go
package utils

import (
	"image/color"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// EnsurePlaceholderImage writes a plain thumbnail at staticDir/name if one doesn't exist.
// Uploads without a content-derived thumbnail (audio) get a copy of it.
func EnsurePlaceholderImage(staticDir, name string, width, height int, logger *slog.Logger) error {
	placeholderPath := filepath.Join(staticDir, name)
	if _, err := os.Stat(placeholderPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(staticDir, 0755); err != nil {
		return err
	}

	img := imaging.New(width, height, color.NRGBA{R: 0x2b, G: 0x2b, B: 0x33, A: 0xff})
	// A centered triangle pointing right, the usual "play" glyph.
	for x := width / 3; x < 2*width/3; x++ {
		span := (x - width/3) / 2
		for y := height/2 - (height/6 - span); y <= height/2+(height/6-span); y++ {
			img.Set(x, y, color.NRGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff})
		}
	}
	if err := imaging.Save(img, placeholderPath, imaging.JPEGQuality(85)); err != nil {
		logger.Error("Error writing placeholder image", "path", placeholderPath, "error", err)
		return err
	}
	logger.Info("Created missing placeholder image", "path", placeholderPath)
	return nil
}
