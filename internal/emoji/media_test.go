package emoji

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	ftypes "github.com/h2non/filetype/types"

	"arcbot/internal/domain"
)

// writePNG saves a w x h solid image.
func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save png: %v", err)
	}
}

func TestAdd_WhenStaticImageLarge_ShouldStoreDownscaledCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "big.png")
	writePNG(t, src, 1024, 768)
	c, _ := Load(filepath.Join(dir, "emoji.json"))

	if ok, err := c.Add(domain.Emoji{ID: "pkg/big", Summary: "big", File: src}); !ok || err != nil {
		t.Fatalf("add: ok=%v err=%v", ok, err)
	}
	e, _ := c.Lookup("pkg/big")
	if e.File != filepath.Join(c.MediaDir(), "pkg_big.png") {
		t.Fatalf("unexpected file %q", e.File)
	}
	if e.MIME != "image/png" {
		t.Errorf("want image/png, got %q", e.MIME)
	}
	img, err := imaging.Open(e.File)
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	if b := img.Bounds(); b.Dx() != MaxSide || b.Dy() != 384 {
		t.Errorf("want %dx384, got %v", MaxSide, b.Size())
	}
}

func TestAdd_WhenStaticImageSmall_ShouldKeepOriginal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "small.png")
	writePNG(t, src, 64, 64)
	c, _ := Load(filepath.Join(dir, "emoji.json"))

	if _, err := c.Add(domain.Emoji{ID: "s", File: src}); err != nil {
		t.Fatalf("add: %v", err)
	}
	e, _ := c.Lookup("s")
	if e.File != src || e.MIME != "image/png" {
		t.Errorf("unexpected entry %+v", e)
	}
	if _, err := os.Stat(c.MediaDir()); !os.IsNotExist(err) {
		t.Error("media dir should not be created for small images")
	}
}

func TestAdd_WhenFileNotImage_ShouldRejectWithoutSaving(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(src, []byte("just some text, not a sticker"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "emoji.json")
	c, _ := Load(path)

	ok, err := c.Add(domain.Emoji{ID: "t", File: src})
	if ok || !errors.Is(err, ErrNotImage) {
		t.Fatalf("want ErrNotImage, got ok=%v err=%v", ok, err)
	}
	if c.Len() != 0 {
		t.Error("rejected sticker must not be stored")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("catalog must not be written")
	}
}

func TestAdd_WhenFileRemote_ShouldSkipInspection(t *testing.T) {
	c, _ := Load(filepath.Join(t.TempDir(), "emoji.json"))
	if ok, err := c.Add(domain.Emoji{ID: "r", File: "/adapter/side/r.gif"}); !ok || err != nil {
		t.Fatalf("add: ok=%v err=%v", ok, err)
	}
	if e, _ := c.Lookup("r"); e.MIME != "" {
		t.Errorf("remote file should carry no mime, got %q", e.MIME)
	}
}

func TestDetectType_WhenGIF_ShouldKeepAnimatedFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "anim.gif")
	img := image.NewPaletted(image.Rect(0, 0, 900, 900), []color.Color{color.Black, color.White})
	if err := imaging.Save(img, src); err != nil {
		t.Fatal(err)
	}
	file, mime, err := normalize(src, filepath.Join(dir, "media"), "anim")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if file != src || mime != "image/gif" {
		t.Errorf("gif should be kept, got %q %q", file, mime)
	}
}

func TestDetectType_WhenMatcherFails_ShouldWrapError(t *testing.T) {
	old := filetypeMatchFunc
	filetypeMatchFunc = func([]byte) (ftypes.Type, error) { return ftypes.Type{}, errors.New("boom") }
	defer func() { filetypeMatchFunc = old }()

	src := filepath.Join(t.TempDir(), "x.png")
	writePNG(t, src, 4, 4)
	if _, err := detectType(src); err == nil || err.Error() != "emoji: match sticker type: boom" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestDetectType_WhenFileEmpty_ShouldFail(t *testing.T) {
	src := filepath.Join(t.TempDir(), "empty.png")
	if err := os.WriteFile(src, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := detectType(src); err == nil {
		t.Error("expected error for empty file")
	}
}
