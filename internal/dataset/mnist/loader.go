package mnist

import (
	"math/rand"

	"github.com/huixiancheng/spconv/internal/dataset"
)

// Loader iterates a Set in batches. When shuffling is enabled the sample
// order is re-drawn on every Reset from a seeded source, so a whole training
// run is reproducible from one seed.
type Loader struct {
	set       *Set
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewLoader builds a loader over the set. A batchSize <= 0 defaults to the
// whole set.
func NewLoader(set *Set, batchSize int, shuffle bool, seed int64) *Loader {
	if batchSize <= 0 {
		batchSize = set.N
	}
	l := &Loader{
		set:       set,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, set.N),
	}
	l.rewind()
	return l
}

func (l *Loader) rewind() {
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.pos = 0
}

// Next returns the next batch, or false at the end of the epoch.
func (l *Loader) Next() (*dataset.Batch, bool) {
	if l.pos >= l.set.N {
		return nil, false
	}
	n := l.batchSize
	if l.pos+n > l.set.N {
		n = l.set.N - l.pos
	}
	px := ImgSize * ImgSize
	b := &dataset.Batch{
		Images: make([]float32, n*px),
		Labels: make([]int, n),
		Size:   n,
	}
	for i := 0; i < n; i++ {
		src := l.order[l.pos+i]
		copy(b.Images[i*px:(i+1)*px], l.set.Images[src*px:(src+1)*px])
		b.Labels[i] = int(l.set.Labels[src])
	}
	l.pos += n
	return b, true
}

// Reset rewinds the loader and reshuffles if shuffling is enabled.
func (l *Loader) Reset() { l.rewind() }

// Shape reports the per-sample geometry.
func (l *Loader) Shape() (h, w, c int) { return ImgSize, ImgSize, 1 }

// Len reports the number of samples per epoch.
func (l *Loader) Len() int { return l.set.N }
