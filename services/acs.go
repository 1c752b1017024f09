package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// CommonSubset agrees on a common set of proposers: each party reliably
// broadcasts its value, one binary agreement per party then decides who is
// in, and reliable-broadcast totality fetches the values of everyone who is.
type CommonSubset struct {
	partyID int
	n       int
	f       int
	network *Network
	beacon  *Beacon

	RBC *ReliableBroadcast

	mu          sync.Mutex
	cond        *sync.Cond
	abas        map[int]*BinaryAgreement
	delivered   map[int]bool
	decidedOnes int
	logLevel    zerolog.Level

	logger zerolog.Logger
}

func NewCommonSubset(partyID, n, f int, network *Network, beacon *Beacon, logLevel zerolog.Level) *CommonSubset {
	logger := log.With().
		Str("layer", "ACS").
		Int("node_id", partyID).
		Logger().
		Level(logLevel)

	c := &CommonSubset{
		partyID:   partyID,
		n:         n,
		f:         f,
		network:   network,
		beacon:    beacon,
		RBC:       NewReliableBroadcast(partyID, n, f, network, logLevel),
		abas:      make(map[int]*BinaryAgreement),
		delivered: make(map[int]bool),
		logLevel:  logLevel,
		logger:    logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Propose broadcasts this party's value and returns the agreed subset as a
// map from proposer id to delivered value. Every honest party returns the
// same set, of size at least n-f.
func (c *CommonSubset) Propose(ctx context.Context, value string) (map[int]string, error) {
	c.logger.Debug().Msg("Proposing value")
	c.RBC.Broadcast(value)

	// Track deliveries from every proposer.
	for i := 0; i < c.n; i++ {
		go c.monitorDelivery(ctx, i)
	}

	// One binary agreement per proposer. A 1 is proposed the moment that
	// proposer's broadcast delivers; a 0 only once n-f instances have
	// already decided 1. Proposing 0 eagerly could starve the system of the
	// n-f collective 1s the set size depends on.
	decisions := make([]int, c.n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.n; i++ {
		i := i
		g.Go(func() error {
			proposal, err := c.awaitProposal(gctx, i)
			if err != nil {
				return err
			}
			decision, err := c.getABA(i).Propose(gctx, proposal)
			if err != nil {
				return err
			}
			c.mu.Lock()
			if decision == 1 {
				c.decidedOnes++
			}
			c.cond.Broadcast()
			c.mu.Unlock()
			decisions[i] = decision
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var agreed []int
	for i, d := range decisions {
		if d == 1 {
			agreed = append(agreed, i)
		}
	}
	sort.Ints(agreed)
	if len(agreed) < c.n-c.f {
		return nil, fmt.Errorf("%w: common subset has %d members, need %d", ErrProtocolViolation, len(agreed), c.n-c.f)
	}
	c.logger.Info().Ints("set", agreed).Msg("Agreed on common subset")

	// Totality: any member's broadcast that some honest party delivered
	// will deliver here as well.
	result := make(map[int]string, len(agreed))
	for _, i := range agreed {
		v, err := c.RBC.Deliver(ctx, i)
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// awaitProposal blocks until the proposal bit for instance i is known:
// 1 on delivery of i's broadcast, 0 once n-f instances have decided 1.
func (c *CommonSubset) awaitProposal(ctx context.Context, i int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := waitCond(ctx, c.cond, func() bool {
		return c.delivered[i] || c.decidedOnes >= c.n-c.f
	}); err != nil {
		return 0, err
	}
	if c.delivered[i] {
		return 1, nil
	}
	return 0, nil
}

func (c *CommonSubset) monitorDelivery(ctx context.Context, sender int) {
	if _, err := c.RBC.Deliver(ctx, sender); err != nil {
		return
	}
	c.mu.Lock()
	c.delivered[sender] = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// HandleMessage routes an ABA vote to its instance. Votes for instances
// outside the party range are malformed and dropped.
func (c *CommonSubset) HandleMessage(msg Message) {
	if msg.ABA == nil || msg.ABA.Instance < 0 || msg.ABA.Instance >= c.n {
		return
	}
	c.getABA(msg.ABA.Instance).HandleMessage(msg)
}

func (c *CommonSubset) getABA(instance int) *BinaryAgreement {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.abas[instance]; !ok {
		c.abas[instance] = NewBinaryAgreement(c.partyID, c.n, c.f, instance, c.network, c.beacon, c.logLevel)
	}
	return c.abas[instance]
}
