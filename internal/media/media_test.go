package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		for y := 0; y < h; y += 7 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPutDedupsAndResolves(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	data := pngBytes(t, 16, 16)

	ref1, err := s.Put("tg-alice", data, "image/png", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := s.Put("tg-alice", data, "image/png", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Errorf("same payload got refs %q and %q", ref1, ref2)
	}
	if !strings.HasPrefix(ref1, "tg-alice/") || !strings.HasSuffix(ref1, ".png") {
		t.Errorf("ref = %q, want tg-alice/<digest>.png", ref1)
	}

	mime, b64, err := s.Resolve(ref1)
	if err != nil {
		t.Fatal(err)
	}
	if mime != "image/png" {
		t.Errorf("mime = %q, want image/png", mime)
	}
	got, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("resolved payload differs from stored payload")
	}
}

func TestPutDownscalesLargeImages(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	ref, err := s.Put("s1", pngBytes(t, 3000, 1000), "image/png", "test")
	if err != nil {
		t.Fatal(err)
	}

	_, b64, err := s.Resolve(ref)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(b64)
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() > 2048 || b.Dy() > 2048 {
		t.Errorf("stored dimensions = %dx%d, want <= 2048", b.Dx(), b.Dy())
	}
}

func TestPutRejectsOversized(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if _, err := s.Put("s1", make([]byte, MaxItemBytes+1), "application/pdf", ""); err == nil {
		t.Error("oversized item accepted")
	}
}

func TestPutAppendsIndex(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	if _, err := s.Put("s1", []byte("hello"), "text/plain", "test"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "media", "index.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	for _, want := range []string{`"sessionSlug":"s1"`, `"mimeType":"text/plain"`, `"source":"test"`} {
		if !strings.Contains(line, want) {
			t.Errorf("index line %q missing %s", line, want)
		}
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if _, _, err := s.Resolve("../secrets"); err == nil {
		t.Error("traversal ref accepted")
	}
}
