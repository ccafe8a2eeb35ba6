package output

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// JPEGQuality is used for every JPEG this package writes unless configured
const JPEGQuality = 90

func imageExtension(format string) string {
	switch f := strings.ToLower(strings.TrimPrefix(format, ".")); f {
	case "", "png":
		return "png"
	case "jpg", "jpeg":
		return "jpg"
	case "tif", "tiff":
		return "tiff"
	default:
		return f
	}
}

// EncodeImage writes img to w in format
func EncodeImage(w io.Writer, format string, img image.Image) error {
	switch imageExtension(format) {
	case "png":
		return png.Encode(w, img)
	case "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteImage saves img to path, choosing the format by extension. Missing
// parent directories are created.
func WriteImage(fs afero.Fs, path string, img image.Image) error {
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "" {
		return fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := EncodeImage(f, format, img); err != nil {
		f.Close()
		_ = fs.Remove(path)
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
