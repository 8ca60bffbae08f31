package dispatch

import (
	"sync"
)

// FastPathMode controls whether the fast execution path may be used.
type FastPathMode string

const (
	// FastPathAuto enables the fast path when at least one handler
	// registered a fast strategy.
	FastPathAuto FastPathMode = "auto"
	// FastPathOn forces the fast path on; handlers without a fast strategy
	// still use the fallback.
	FastPathOn FastPathMode = "on"
	// FastPathOff disables the fast path entirely.
	FastPathOff FastPathMode = "off"
)

// Capability is the explicit record of fast-path availability, computed once
// at startup. Availability checks elsewhere in the codebase consult this
// record instead of re-probing.
type Capability struct {
	FastPath bool
	Reason   string
}

// DetectCapability performs the single startup capability-detection step.
func DetectCapability(mode FastPathMode, table *Table) Capability {
	switch mode {
	case FastPathOff:
		return Capability{FastPath: false, Reason: "disabled by configuration"}
	case FastPathOn:
		return Capability{FastPath: true, Reason: "forced by configuration"}
	default:
		if table.HasFast() {
			return Capability{FastPath: true, Reason: "fast handlers registered"}
		}
		return Capability{FastPath: false, Reason: "no fast handlers registered"}
	}
}

// fastHealth tracks recent fast-path outcomes for one handler over a small
// fixed-size ring. The fast path is skipped while its recent failure rate is
// at or above the configured threshold.
type fastHealth struct {
	mu      sync.Mutex
	ring    []bool // true = failure
	next    int
	filled  int
	samples int
}

func newFastHealth(window int) *fastHealth {
	if window <= 0 {
		window = 16
	}
	return &fastHealth{ring: make([]bool, window)}
}

func (h *fastHealth) record(failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = failed
	h.next = (h.next + 1) % len(h.ring)
	if h.filled < len(h.ring) {
		h.filled++
	}
	h.samples++
}

// failureRate returns the failure fraction over the ring and the number of
// observations backing it.
func (h *fastHealth) failureRate() (float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.filled == 0 {
		return 0, 0
	}
	failures := 0
	for i := 0; i < h.filled; i++ {
		if h.ring[i] {
			failures++
		}
	}
	return float64(failures) / float64(h.filled), h.filled
}
