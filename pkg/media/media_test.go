package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lotbot/pkg/fault"
)

func TestFilename(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	tests := []struct {
		lot  string
		seq  int
		want string
	}{
		{lot: "LOT-100", seq: 1, want: "LOT-100_20260314_001.jpg"},
		{lot: "A 1/2", seq: 42, want: "A-1-2_20260314_042.jpg"},
		{lot: "ล็อต5", seq: 1000, want: "ล็อต5_20260314_1000.jpg"},
		{lot: "  ", seq: 7, want: "lot_20260314_007.jpg"},
	}

	for _, tt := range tests {
		if got := Filename(tt.lot, date, tt.seq); got != tt.want {
			t.Fatalf("Filename(%q, %d) = %q, want %q", tt.lot, tt.seq, got, tt.want)
		}
	}
}

func TestObjectKeyDependsOnContent(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	a := ObjectKey("LOT-1", date, "LOT-1_20260314_001.jpg", []byte("a"))
	b := ObjectKey("LOT-1", date, "LOT-1_20260314_001.jpg", []byte("b"))

	if a == b {
		t.Fatal("expected different keys for different content")
	}
	if !strings.HasPrefix(a, "LOT-1/20260314/") || !strings.HasSuffix(a, "_LOT-1_20260314_001.jpg") {
		t.Fatalf("ObjectKey = %q", a)
	}
	if len(ContentHash([]byte("a"))) != 64 {
		t.Fatal("expected 32-byte hex digest")
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(filepath.Join(t.TempDir(), "images"))
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}

	ctx := context.Background()
	key := "LOT-1/20260314/abc_LOT-1_20260314_001.jpg"
	if err := store.Put(ctx, key, []byte("jpeg")); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(got) != "jpeg" {
		t.Fatalf("Get = %q", got)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete error: %v", err)
	}

	_, err = store.Get(ctx, key)
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("Get after delete category = %q, want not_found", fault.CategoryOf(err))
	}
}

func TestLocalStoreRejectsEscapes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "out-link")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	store, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}

	ctx := context.Background()
	for _, key := range []string{"", "../escape.jpg", "a/../../escape.jpg", filepath.Join(outside, "abs.jpg"), "out-link/file.jpg", "."} {
		err := store.Put(ctx, key, []byte("x"))
		if !fault.Is(err, fault.Validation) {
			t.Fatalf("Put(%q) category = %q, want validation", key, fault.CategoryOf(err))
		}
	}

	entries, err := os.ReadDir(outside)
	if err != nil {
		t.Fatalf("read outside dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("outside dir has %d entries, want 0", len(entries))
	}
}

func TestResolveRootExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	root, err := ResolveRoot("~/lotbot-images")
	if err != nil {
		t.Fatalf("ResolveRoot error: %v", err)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(home, "lotbot-images"))
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if root != want {
		t.Fatalf("root = %q, want %q", root, want)
	}
}

func TestJPEGCompressorReencodesPNG(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	out, err := NewJPEGCompressor(80, 0).Compress(buf.Bytes())
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not jpeg: %v", err)
	}
	if decoded.Bounds().Dx() != 8 {
		t.Fatalf("width = %d, want 8", decoded.Bounds().Dx())
	}
}

func TestJPEGCompressorRejectsBadInput(t *testing.T) {
	t.Parallel()

	c := NewJPEGCompressor(0, 4)
	if c.Quality != jpeg.DefaultQuality {
		t.Fatalf("quality = %d, want default", c.Quality)
	}

	for _, data := range [][]byte{nil, []byte("toolarge"), []byte("xyz")} {
		if _, err := c.Compress(data); !fault.Is(err, fault.Validation) {
			t.Fatalf("Compress(%q) category = %q, want validation", data, fault.CategoryOf(err))
		}
	}
}
