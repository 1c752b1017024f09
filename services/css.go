package services

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"async-mpc-auction/field"
)

// cssInstance holds one sharing, keyed by its secret id. The dispatcher
// advances the protocol; blocked callers only observe the finished flag.
type cssInstance struct {
	dealer  int
	rowPoly *field.Polynomial // R_me(y) = p(x_me, y)
	colPoly *field.Polynomial // C_me(x) = p(x, x_me)

	subShares     map[int]subShare // sender -> evaluations at my point
	subSharesSent bool
	happySent     bool
	happyVotes    map[int]bool // sender -> vote

	finished  bool
	succeeded bool

	reconShares map[int]uint64 // sender -> share
}

type subShare struct {
	rowEval uint64
	colEval uint64
}

func newCSSInstance(dealer int) *cssInstance {
	return &cssInstance{
		dealer:      dealer,
		subShares:   make(map[int]subShare),
		happyVotes:  make(map[int]bool),
		reconShares: make(map[int]uint64),
	}
}

// CompleteSecretSharing runs BGW-style bivariate sharing with a happiness
// vote. An honest dealer's sharing always completes; an inconsistent dealer
// is voted down and its secret defaults to zero at every honest party.
type CompleteSecretSharing struct {
	partyID int
	n       int
	f       int
	network *Network
	rng     *rand.Rand

	mu        sync.Mutex
	cond      *sync.Cond
	instances map[string]*cssInstance

	logger zerolog.Logger
}

func NewCompleteSecretSharing(partyID, n, f int, network *Network, rng *rand.Rand, logLevel zerolog.Level) *CompleteSecretSharing {
	logger := log.With().
		Str("layer", "CSS").
		Int("node_id", partyID).
		Logger().
		Level(logLevel)

	c := &CompleteSecretSharing{
		partyID:   partyID,
		n:         n,
		f:         f,
		network:   network,
		rng:       rng,
		instances: make(map[string]*cssInstance),
		logger:    logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// evalPoint maps a party id to its field evaluation point. Party ids are
// 0-based but 0 cannot be an evaluation point: the polynomials carry their
// secret at 0.
func evalPoint(party int) uint64 {
	return uint64(party + 1)
}

// Share runs the dealer path for the named instance and then this party's
// own receiver path. Returns the dealer's share of its own secret.
func (c *CompleteSecretSharing) Share(ctx context.Context, instanceID string, secret uint64) (uint64, error) {
	c.mu.Lock()
	poly := field.NewBivariatePolynomial(c.f, &secret, c.rng)
	c.mu.Unlock()

	c.logger.Debug().Str("instance", instanceID).Msg("Dealing shares")
	for k := 0; k < c.n; k++ {
		row := poly.RowPolynomial(evalPoint(k))
		col := poly.ColPolynomial(evalPoint(k))
		c.network.Send(c.partyID, k, Message{
			Type: MsgCSSShare,
			CSSShare: &CSSSharePayload{
				Instance: instanceID,
				Dealer:   c.partyID,
				Row:      row.Coeffs,
				Col:      col.Coeffs,
			},
		})
	}
	return c.ReceiveShare(ctx, instanceID, c.partyID)
}

// ReceiveShare blocks until the sharing for the instance finishes and
// returns this party's share C_me(0). A voted-down dealer yields the zero
// share uniformly at every honest party.
func (c *CompleteSecretSharing) ReceiveShare(ctx context.Context, instanceID string, dealer int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst := c.getInstance(instanceID, dealer)
	// A successful vote can conclude before the own SHARE arrives; an
	// accepted dealer's share is still on the wire, so keep waiting for it.
	if err := waitCond(ctx, c.cond, func() bool {
		return inst.finished && (!inst.succeeded || inst.rowPoly != nil)
	}); err != nil {
		return 0, err
	}
	if !inst.succeeded || inst.colPoly == nil {
		return 0, nil
	}
	return inst.colPoly.Eval(0), nil
}

// SharePolynomials returns the stored row and column polynomials for a
// finished instance. Zero polynomials stand in for a failed sharing.
func (c *CompleteSecretSharing) SharePolynomials(instanceID string) (*field.Polynomial, *field.Polynomial, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[instanceID]
	if !ok || !inst.finished {
		return nil, nil, false
	}
	if !inst.succeeded || inst.rowPoly == nil {
		return field.ZeroPolynomial(), field.ZeroPolynomial(), true
	}
	return inst.rowPoly, inst.colPoly, true
}

// Reconstruct opens the secret of a finished instance: broadcast own share,
// collect f+1, interpolate p(0, y) at y = 0.
func (c *CompleteSecretSharing) Reconstruct(ctx context.Context, instanceID string) (uint64, error) {
	c.mu.Lock()
	inst, ok := c.instances[instanceID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrProtocolViolation
	}
	share := uint64(0)
	if inst.succeeded && inst.colPoly != nil {
		share = inst.colPoly.Eval(0)
	}
	dealer := inst.dealer
	c.mu.Unlock()

	c.network.Broadcast(c.partyID, Message{
		Type: MsgCSSReconstruct,
		CSSRecon: &CSSReconstructPayload{
			Instance: instanceID,
			Dealer:   dealer,
			Share:    share,
		},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := waitCond(ctx, c.cond, func() bool { return len(inst.reconShares) >= c.f+1 }); err != nil {
		return 0, err
	}

	senders := maps.Keys(inst.reconShares)
	sort.Ints(senders)
	points := make([]field.Point, c.f+1)
	for i, s := range senders[:c.f+1] {
		points[i] = field.Point{X: evalPoint(s), Y: inst.reconShares[s]}
	}
	return field.InterpolateAt(points, 0)
}

// HandleMessage processes one CSS wire message.
func (c *CompleteSecretSharing) HandleMessage(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case MsgCSSShare:
		if msg.CSSShare == nil {
			return
		}
		c.handleShare(msg)
	case MsgCSSSubShare:
		if msg.CSSSubShare == nil {
			return
		}
		c.handleSubShare(msg)
	case MsgCSSHappy:
		if msg.CSSHappy == nil {
			return
		}
		c.handleHappy(msg)
	case MsgCSSReconstruct:
		if msg.CSSRecon == nil {
			return
		}
		inst := c.getInstance(msg.CSSRecon.Instance, msg.CSSRecon.Dealer)
		if _, ok := inst.reconShares[msg.Sender]; !ok {
			inst.reconShares[msg.Sender] = msg.CSSRecon.Share
			c.cond.Broadcast()
		}
	}
}

func (c *CompleteSecretSharing) handleShare(msg Message) {
	p := msg.CSSShare
	// Only the named dealer may deal, and only once.
	if msg.Sender != p.Dealer {
		return
	}
	inst := c.getInstance(p.Instance, p.Dealer)
	if inst.rowPoly != nil {
		return
	}
	inst.rowPoly = field.NewPolynomial(p.Row)
	inst.colPoly = field.NewPolynomial(p.Col)
	c.sendSubShares(inst, p.Instance)
	c.maybeVote(inst, p.Instance)
	c.cond.Broadcast()
}

func (c *CompleteSecretSharing) sendSubShares(inst *cssInstance, instanceID string) {
	if inst.subSharesSent {
		return
	}
	inst.subSharesSent = true

	// The own evaluations count towards the n-f quorum: with f omitting
	// peers only n-1-f foreign sub-shares may ever arrive.
	inst.subShares[c.partyID] = subShare{
		rowEval: inst.rowPoly.Eval(evalPoint(c.partyID)),
		colEval: inst.colPoly.Eval(evalPoint(c.partyID)),
	}

	for j := 0; j < c.n; j++ {
		if j == c.partyID {
			continue
		}
		c.network.Send(c.partyID, j, Message{
			Type: MsgCSSSubShare,
			CSSSubShare: &CSSSubSharePayload{
				Instance: instanceID,
				Dealer:   inst.dealer,
				RowEval:  inst.rowPoly.Eval(evalPoint(j)),
				ColEval:  inst.colPoly.Eval(evalPoint(j)),
			},
		})
	}
}

func (c *CompleteSecretSharing) handleSubShare(msg Message) {
	p := msg.CSSSubShare
	inst := c.getInstance(p.Instance, p.Dealer)
	// Sub-shares may outrun the dealer's SHARE; buffer them regardless.
	if _, ok := inst.subShares[msg.Sender]; !ok {
		inst.subShares[msg.Sender] = subShare{rowEval: p.RowEval, colEval: p.ColEval}
	}
	c.maybeVote(inst, p.Instance)
}

// maybeVote broadcasts this party's happiness vote once its polynomials and
// n-f sub-shares are in. Happiness is the bivariate cross-check: the sender
// j's column evaluated at me must equal my row at j (both are p(x_me, x_j)),
// and j's row at me must equal my column at j (both are p(x_j, x_me)).
func (c *CompleteSecretSharing) maybeVote(inst *cssInstance, instanceID string) {
	if inst.happySent || inst.rowPoly == nil || len(inst.subShares) < c.n-c.f {
		return
	}
	inst.happySent = true

	happy := true
	for j, sub := range inst.subShares {
		if inst.rowPoly.Eval(evalPoint(j)) != sub.colEval ||
			inst.colPoly.Eval(evalPoint(j)) != sub.rowEval {
			happy = false
			c.logger.Warn().Int("dealer", inst.dealer).Int("peer", j).Msg("Sub-share cross-check failed")
			break
		}
	}

	c.logger.Debug().Str("instance", instanceID).Bool("happy", happy).Msg("Broadcasting happiness vote")
	c.network.Broadcast(c.partyID, Message{
		Type: MsgCSSHappy,
		CSSHappy: &CSSHappyPayload{
			Instance: instanceID,
			Dealer:   inst.dealer,
			Happy:    happy,
		},
	})
}

func (c *CompleteSecretSharing) handleHappy(msg Message) {
	p := msg.CSSHappy
	inst := c.getInstance(p.Instance, p.Dealer)
	if inst.finished {
		return
	}
	if _, ok := inst.happyVotes[msg.Sender]; ok {
		return
	}
	inst.happyVotes[msg.Sender] = p.Happy

	if len(inst.happyVotes) < c.n-c.f {
		return
	}
	happyCount := 0
	for _, v := range inst.happyVotes {
		if v {
			happyCount++
		}
	}
	inst.finished = true
	inst.succeeded = happyCount >= c.n-c.f
	if !inst.succeeded {
		// Dealer fault: every honest party converges on the zero default.
		inst.rowPoly = field.ZeroPolynomial()
		inst.colPoly = field.ZeroPolynomial()
		c.logger.Warn().Int("dealer", inst.dealer).Str("instance", p.Instance).Msg("Sharing failed, defaulting to zero")
	} else {
		c.logger.Debug().Int("dealer", inst.dealer).Str("instance", p.Instance).Msg("Sharing complete")
	}
	c.cond.Broadcast()
}

func (c *CompleteSecretSharing) getInstance(instanceID string, dealer int) *cssInstance {
	if _, ok := c.instances[instanceID]; !ok {
		c.instances[instanceID] = newCSSInstance(dealer)
	}
	return c.instances[instanceID]
}
