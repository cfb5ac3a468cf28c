package emoji

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	ftypes "github.com/h2non/filetype/types"
)

// MaxSide bounds the width and height of stored static stickers.
const MaxSide = 512

// ErrNotImage is returned for a sticker file that is not an image.
var ErrNotImage = errors.New("emoji: file is not an image")

// filetypeMatchFunc is the matcher used by detectType; tests may replace it.
var filetypeMatchFunc func([]byte) (ftypes.Type, error) = filetype.Match

// detectType reads the file header and returns its MIME type.
func detectType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("emoji: open sticker: %w", err)
	}
	defer f.Close()

	// filetype only needs the first 261 bytes
	head := make([]byte, 261)
	n, err := f.Read(head)
	if err != nil {
		return "", fmt.Errorf("emoji: read sticker header: %w", err)
	}
	kind, err := filetypeMatchFunc(head[:n])
	if err != nil {
		return "", fmt.Errorf("emoji: match sticker type: %w", err)
	}
	if kind == filetype.Unknown || kind.MIME.Type != "image" {
		return "", fmt.Errorf("%w: %s", ErrNotImage, path)
	}
	return kind.MIME.Value, nil
}

// normalize checks that the sticker at path is an image and, for static
// images larger than MaxSide, writes a downscaled PNG copy into dir.
// It returns the file the catalog should reference and its MIME type.
// Animated formats are kept as they are.
func normalize(path, dir, id string) (string, string, error) {
	mime, err := detectType(path)
	if err != nil {
		return "", "", err
	}
	if mime == "image/gif" || mime == "image/webp" {
		return path, mime, nil
	}
	src, err := imaging.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("emoji: decode sticker: %w", err)
	}
	b := src.Bounds()
	if b.Dx() <= MaxSide && b.Dy() <= MaxSide {
		return path, mime, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("emoji: create media dir: %w", err)
	}
	out := filepath.Join(dir, id+".png")
	if err := imaging.Save(imaging.Fit(src, MaxSide, MaxSide, imaging.Lanczos), out); err != nil {
		return "", "", fmt.Errorf("emoji: save sticker: %w", err)
	}
	return out, "image/png", nil
}
