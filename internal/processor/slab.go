package processor

import (
	"sync"

	"cryptoworker/internal/models"
)

const defaultSlabSize = 64

// Slab is a reusable output buffer of ticker records. It grows
// geometrically and never shrinks, so a steady symbol set stops
// allocating after the first few flushes.
type Slab struct {
	buf     []models.Ticker
	initial int
	grows   int
}

func NewSlab(initial int) *Slab {
	if initial <= 0 {
		initial = defaultSlabSize
	}
	return &Slab{buf: make([]models.Ticker, initial), initial: initial}
}

// Take returns the first n slots. The slice is overwritten by the next Take.
func (s *Slab) Take(n int) []models.Ticker {
	if n > len(s.buf) {
		size := len(s.buf) * 2
		if size < s.initial {
			size = s.initial
		}
		for size < n {
			size *= 2
		}
		s.buf = make([]models.Ticker, size)
		s.grows++
	}
	return s.buf[:n]
}

// Cap is the current number of slots.
func (s *Slab) Cap() int { return len(s.buf) }

// Grows counts reallocations since creation.
func (s *Slab) Grows() int { return s.grows }

// SlabPool hands out one slab per venue.
type SlabPool struct {
	mu      sync.Mutex
	initial int
	slabs   map[string]*Slab
}

func NewSlabPool(initial int) *SlabPool {
	return &SlabPool{initial: initial, slabs: make(map[string]*Slab)}
}

// Get returns the slab of venue, creating it on first use.
func (p *SlabPool) Get(venue string) *Slab {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slabs[venue]
	if !ok {
		s = NewSlab(p.initial)
		p.slabs[venue] = s
	}
	return s
}
