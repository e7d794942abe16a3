package client

import (
	"math/rand"
	"sync"
	"time"
)

// EndpointSupplier returns the current coordinator endpoints. The list may
// change between calls as the external discovery mechanism refreshes it.
type EndpointSupplier func() []string

// EndpointPicker is the narrow contract the client has on service discovery.
type EndpointPicker interface {
	// Pick returns one endpoint, or false if none became available within
	// the picker's wait budget.
	Pick() (string, bool)
}

// RandomEndpointPicker samples one endpoint uniformly from the supplier on
// every call. If the list is momentarily empty it polls until maxWait has
// elapsed.
type RandomEndpointPicker struct {
	supplier EndpointSupplier
	maxWait  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

const pickPollInterval = 100 * time.Millisecond

func NewRandomEndpointPicker(supplier EndpointSupplier, maxWait time.Duration) *RandomEndpointPicker {
	return &RandomEndpointPicker{
		supplier: supplier,
		maxWait:  maxWait,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *RandomEndpointPicker) Pick() (string, bool) {
	deadline := time.Now().Add(p.maxWait)
	for {
		if ep, ok := p.sample(); ok {
			return ep, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false
		}
		if remaining > pickPollInterval {
			remaining = pickPollInterval
		}
		time.Sleep(remaining)
	}
}

// sample reservoir-samples a single element, so the supplier only needs to
// be iterable once and of unknown length.
func (p *RandomEndpointPicker) sample() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var chosen string
	n := 0
	for _, ep := range p.supplier() {
		n++
		if p.rng.Intn(n) == 0 {
			chosen = ep
		}
	}
	return chosen, n > 0
}
