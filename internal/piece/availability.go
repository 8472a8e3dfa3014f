package piece

import "sync"

// Availability counts, per piece, how many connected peers advertise it.
type Availability struct {
	mu     sync.RWMutex
	counts []int
}

func NewAvailability(numPieces int) *Availability {
	return &Availability{counts: make([]int, numPieces)}
}

// AddBitfield records every piece in bf.
func (a *Availability) AddBitfield(bf *Bitfield) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, i := range bf.Indexes() {
		if i < len(a.counts) {
			a.counts[i]++
		}
	}
}

// RemoveBitfield forgets a disconnected peer's pieces.
func (a *Availability) RemoveBitfield(bf *Bitfield) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, i := range bf.Indexes() {
		if i < len(a.counts) && a.counts[i] > 0 {
			a.counts[i]--
		}
	}
}

// AddHave records a single have announcement.
func (a *Availability) AddHave(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= 0 && i < len(a.counts) {
		a.counts[i]++
	}
}

// Snapshot returns a copy of the counts.
func (a *Availability) Snapshot() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]int(nil), a.counts...)
}
