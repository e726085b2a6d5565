package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// writeIDX writes a gzip IDX fixture: magic, count, optional dims, payload.
func writeIDX(t *testing.T, path string, magic uint32, dims []uint32, payload []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	if err := binary.Write(gz, binary.BigEndian, magic); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	for _, d := range dims {
		if err := binary.Write(gz, binary.BigEndian, d); err != nil {
			t.Fatalf("write dim: %v", err)
		}
	}
	if _, err := gz.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func writeFixtureSet(t *testing.T, dir string, n int) {
	t.Helper()
	px := ImgSize * ImgSize
	images := make([]byte, n*px)
	labels := make([]byte, n)
	for i := 0; i < n; i++ {
		images[i*px+i] = byte(200 + i) // one bright pixel per image
		labels[i] = byte(i % Classes)
	}
	writeIDX(t, filepath.Join(dir, testImagesFile), magicImages, []uint32{uint32(n), ImgSize, ImgSize}, images)
	writeIDX(t, filepath.Join(dir, testLabelsFile), magicLabels, []uint32{uint32(n)}, labels)
}

func TestLoadFixture(t *testing.T) {
	dir := t.TempDir()
	writeFixtureSet(t, dir, 4)
	set, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.N != 4 {
		t.Fatalf("expected 4 samples, got %d", set.N)
	}
	if got := set.Images[0]; got != 200.0/255 {
		t.Fatalf("pixel scaling wrong: got %v", got)
	}
	if set.Labels[3] != 3 {
		t.Fatalf("label mismatch: got %d", set.Labels[3])
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	writeIDX(t, filepath.Join(dir, testImagesFile), 0xdeadbeef, []uint32{1, ImgSize, ImgSize}, make([]byte, ImgSize*ImgSize))
	writeIDX(t, filepath.Join(dir, testLabelsFile), magicLabels, []uint32{1}, []byte{0})
	if _, err := Load(dir, false); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestLoaderBatchingAndReset(t *testing.T) {
	dir := t.TempDir()
	writeFixtureSet(t, dir, 5)
	set, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	loader := NewLoader(set, 2, false, 1)
	var sizes []int
	for {
		b, ok := loader.Next()
		if !ok {
			break
		}
		sizes = append(sizes, b.Size)
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("unexpected batch sizes %v", sizes)
	}

	loader.Reset()
	if _, ok := loader.Next(); !ok {
		t.Fatal("loader not restartable after Reset")
	}
}

func TestLoaderShuffleReproducible(t *testing.T) {
	dir := t.TempDir()
	writeFixtureSet(t, dir, 8)
	set, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	a := NewLoader(set, 8, true, 42)
	b := NewLoader(set, 8, true, 42)
	ba, _ := a.Next()
	bb, _ := b.Next()
	for i := range ba.Labels {
		if ba.Labels[i] != bb.Labels[i] {
			t.Fatalf("same seed produced different order at %d", i)
		}
	}
}

func TestSubset(t *testing.T) {
	dir := t.TempDir()
	writeFixtureSet(t, dir, 6)
	set, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := set.Subset(2)
	if sub.N != 2 || len(sub.Labels) != 2 || len(sub.Images) != 2*ImgSize*ImgSize {
		t.Fatalf("subset has wrong extent: %d samples", sub.N)
	}
}
