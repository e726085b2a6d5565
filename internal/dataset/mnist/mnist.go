// Package mnist reads the IDX-format MNIST files (gzip compressed) and
// exposes them through the dataset.Source contract. Pixels are scaled to
// [0,1] but deliberately not mean-normalised: the untouched zero background
// is what makes the tensors sparse.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	ImgSize = 28
	Classes = 10

	trainImagesFile = "train-images-idx3-ubyte.gz"
	trainLabelsFile = "train-labels-idx1-ubyte.gz"
	testImagesFile  = "t10k-images-idx3-ubyte.gz"
	testLabelsFile  = "t10k-labels-idx1-ubyte.gz"

	magicImages = 0x00000803
	magicLabels = 0x00000801
)

// Set is a fully decoded split: N images of ImgSize*ImgSize float32 pixels
// with one label byte each.
type Set struct {
	Images []float32
	Labels []uint8
	N      int
}

// Load reads the train or test split from dir.
func Load(dir string, train bool) (*Set, error) {
	imgFile, lblFile := testImagesFile, testLabelsFile
	if train {
		imgFile, lblFile = trainImagesFile, trainLabelsFile
	}
	images, n, err := readImages(filepath.Join(dir, imgFile))
	if err != nil {
		return nil, err
	}
	labels, ln, err := readLabels(filepath.Join(dir, lblFile))
	if err != nil {
		return nil, err
	}
	if n != ln {
		return nil, fmt.Errorf("mnist: %d images but %d labels", n, ln)
	}
	return &Set{Images: images, Labels: labels, N: n}, nil
}

// Subset returns a set containing the first n samples. Used for the
// fixed-seed reproducibility runs.
func (s *Set) Subset(n int) *Set {
	if n > s.N {
		n = s.N
	}
	return &Set{
		Images: s.Images[:n*ImgSize*ImgSize],
		Labels: s.Labels[:n],
		N:      n,
	}
}

func openIDX(path string, wantMagic uint32) (io.ReadCloser, *gzip.Reader, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, 0, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	var magic, count uint32
	if err := binary.Read(gz, binary.BigEndian, &magic); err != nil {
		gz.Close()
		f.Close()
		return nil, nil, 0, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	if magic != wantMagic {
		gz.Close()
		f.Close()
		return nil, nil, 0, fmt.Errorf("mnist: %s: bad magic 0x%08x", filepath.Base(path), magic)
	}
	if err := binary.Read(gz, binary.BigEndian, &count); err != nil {
		gz.Close()
		f.Close()
		return nil, nil, 0, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	return f, gz, count, nil
}

func readImages(path string) ([]float32, int, error) {
	f, gz, count, err := openIDX(path, magicImages)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	defer gz.Close()

	var rows, cols uint32
	if err := binary.Read(gz, binary.BigEndian, &rows); err != nil {
		return nil, 0, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	if err := binary.Read(gz, binary.BigEndian, &cols); err != nil {
		return nil, 0, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	if rows != ImgSize || cols != ImgSize {
		return nil, 0, fmt.Errorf("mnist: %s: unexpected image size %dx%d", filepath.Base(path), rows, cols)
	}
	raw := make([]byte, int(count)*ImgSize*ImgSize)
	if _, err := io.ReadFull(gz, raw); err != nil {
		return nil, 0, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	images := make([]float32, len(raw))
	for i, b := range raw {
		images[i] = float32(b) / 255
	}
	return images, int(count), nil
}

func readLabels(path string) ([]uint8, int, error) {
	f, gz, count, err := openIDX(path, magicLabels)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	defer gz.Close()

	labels := make([]uint8, count)
	if _, err := io.ReadFull(gz, labels); err != nil {
		return nil, 0, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	for i, l := range labels {
		if l >= Classes {
			return nil, 0, fmt.Errorf("mnist: label %d out of range at index %d", l, i)
		}
	}
	return labels, int(count), nil
}
