package staging

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// writePreview stores a JPEG no larger than maxDim on either side next to the source file.
func writePreview(src, dir string, maxDim int) (string, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return "", fmt.Errorf("invalid image dimensions %dx%d", b.Dx(), b.Dy())
	}
	if b.Dx() > maxDim || b.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	base := filepath.Base(src)
	name := "preview-" + strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
	dst := filepath.Join(dir, name)
	if err := imaging.Save(img, dst, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return dst, nil
}
