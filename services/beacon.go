package services

import (
	"context"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"async-mpc-auction/field"
)

// Beacon is the threshold-gated randomness source. A value at an index is
// generated only after f+1 distinct parties have requested that index, and
// is then latched: every later request returns the same value.
//
// The beacon is process-shared between the simulated parties; a deployment
// would replace it with a coin-tossing subprotocol behind the same contract.
type Beacon struct {
	n         int
	f         int
	threshold int

	mu        sync.Mutex
	cond      *sync.Cond
	nextIndex int
	requests  map[int]map[int]bool
	values    map[int]uint64
	rng       *rand.Rand

	invocations int

	logger zerolog.Logger
}

// NewBeacon creates a beacon for n parties tolerating f faults, drawing
// values from the seeded source.
func NewBeacon(n, f int, seed int64, logLevel zerolog.Level) *Beacon {
	logger := log.With().
		Str("layer", "BEACON").
		Logger().
		Level(logLevel)

	b := &Beacon{
		n:         n,
		f:         f,
		threshold: f + 1,
		requests:  make(map[int]map[int]bool),
		values:    make(map[int]uint64),
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Request registers party's interest in the value at index and blocks until
// the value exists. The value is generated once the f+1-th distinct
// requester arrives.
func (b *Beacon) Request(ctx context.Context, party, index int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.requests[index]; !ok {
		b.requests[index] = make(map[int]bool)
	}
	b.requests[index][party] = true

	if len(b.requests[index]) >= b.threshold {
		if _, ok := b.values[index]; !ok {
			b.values[index] = field.Random(b.rng)
			b.invocations++
			b.logger.Debug().Int("index", index).Msg("Generated beacon value")
			b.cond.Broadcast()
		}
	}

	if err := waitCond(ctx, b.cond, func() bool {
		_, ok := b.values[index]
		return ok
	}); err != nil {
		return 0, err
	}
	return b.values[index], nil
}

// RequestNext requests the value at the beacon's own sequence counter and
// post-increments it. Callers that need cross-party determinism for the same
// draw must use Request with an explicit index instead.
func (b *Beacon) RequestNext(ctx context.Context, party int) (uint64, error) {
	b.mu.Lock()
	index := b.nextIndex
	b.nextIndex++
	b.mu.Unlock()
	return b.Request(ctx, party, index)
}

// InvocationCount returns how many values the beacon has generated.
func (b *Beacon) InvocationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invocations
}

// Reset clears all beacon state for a fresh execution.
func (b *Beacon) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextIndex = 0
	b.requests = make(map[int]map[int]bool)
	b.values = make(map[int]uint64)
	b.invocations = 0
	b.cond.Broadcast()
}
