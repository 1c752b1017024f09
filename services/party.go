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

// Party is the per-party runtime: one dispatcher goroutine routes inbound
// messages to the owning subprotocol, and the public MPC operations block on
// the state transitions those handlers produce.
type Party struct {
	ID int
	n  int
	f  int

	network *Network
	beacon  *Beacon
	CSS     *CompleteSecretSharing
	ACS     *CommonSubset

	mu   sync.Mutex
	cond *sync.Cond
	rng  *rand.Rand

	shares       map[string]uint64
	mulShares    map[string]map[int]uint64 // secret id -> evaluator -> re-share
	reconShares  map[string]map[int]uint64 // secret id -> sender -> share
	outputShares map[int]uint64            // sender -> blinded output share for me
	evaluators   []int

	ctx    context.Context
	cancel context.CancelFunc

	logger zerolog.Logger
}

// NewParty wires a party into the network and beacon. The seed derives the
// party's private randomness (sharing polynomials, re-shares).
func NewParty(id, n, f int, network *Network, beacon *Beacon, seed int64, logLevel zerolog.Level) *Party {
	logger := log.With().
		Str("layer", "PARTY").
		Int("node_id", id).
		Logger().
		Level(logLevel)

	ctx, cancel := context.WithCancel(context.Background())

	p := &Party{
		ID:           id,
		n:            n,
		f:            f,
		network:      network,
		beacon:       beacon,
		CSS:          NewCompleteSecretSharing(id, n, f, network, rand.New(rand.NewSource(seed^int64(id+1))), logLevel),
		ACS:          NewCommonSubset(id, n, f, network, beacon, logLevel),
		rng:          rand.New(rand.NewSource(seed + int64(id)*7919)),
		shares:       make(map[string]uint64),
		mulShares:    make(map[string]map[int]uint64),
		reconShares:  make(map[string]map[int]uint64),
		outputShares: make(map[int]uint64),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
	}
	p.cond = sync.NewCond(&p.mu)

	// Multiplications before any subset agreement fall back to the lowest
	// 2f+1 ids as the evaluator set; the auction replaces it with the
	// agreed set.
	for i := 0; i < 2*f+1; i++ {
		p.evaluators = append(p.evaluators, i)
	}
	return p
}

// Start launches the dispatcher.
func (p *Party) Start() {
	go p.dispatch()
}

// Stop shuts the party down; blocked operations using the party context
// observe cancellation.
func (p *Party) Stop() {
	p.cancel()
}

// Context is the party's lifetime context, cancelled by Stop.
func (p *Party) Context() context.Context {
	return p.ctx
}

// dispatch consumes the inbound queue and routes by message kind. Handlers
// never block: they mutate instance state, send, and signal waiters.
func (p *Party) dispatch() {
	for {
		msg, err := p.network.Receive(p.ctx, p.ID)
		if err != nil {
			return
		}
		switch msg.Type {
		case MsgRBCVal, MsgRBCEcho, MsgRBCReady:
			p.ACS.RBC.HandleMessage(msg)
		case MsgABAEst, MsgABAAux:
			p.ACS.HandleMessage(msg)
		case MsgCSSShare, MsgCSSSubShare, MsgCSSHappy, MsgCSSReconstruct:
			p.CSS.HandleMessage(msg)
		case MsgShareValue:
			p.handleShareValue(msg)
		case MsgReconstructValue:
			p.handleReconstructValue(msg)
		case MsgOutputShare:
			p.handleOutputShare(msg)
		default:
			p.logger.Debug().Stringer("type", msg.Type).Msg("Dropping unknown message")
		}
	}
}

// SetEvaluators fixes the multiplication evaluator set. All parties must
// agree on it; the auction derives it from the ACS output.
func (p *Party) SetEvaluators(ids []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluators = append([]int(nil), ids...)
	sort.Ints(p.evaluators)
}

// ShareValue deals value under the given secret id and stores the dealer's
// own share.
func (p *Party) ShareValue(ctx context.Context, value uint64, secretID string) error {
	share, err := p.CSS.Share(ctx, secretID, field.Embed(value))
	if err != nil {
		return err
	}
	p.SetShare(secretID, share)
	return nil
}

// ReceiveShare runs the receiver path for a dealer's secret and stores the
// resulting share.
func (p *Party) ReceiveShare(ctx context.Context, dealer int, secretID string) error {
	share, err := p.CSS.ReceiveShare(ctx, secretID, dealer)
	if err != nil {
		return err
	}
	p.SetShare(secretID, share)
	return nil
}

// SetShare stores a share directly. Used for shares of public constants and
// for zero-filling excluded inputs.
func (p *Party) SetShare(secretID string, share uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shares[secretID] = field.Embed(share)
}

// Share returns the stored share for a secret id, defaulting to zero.
func (p *Party) Share(secretID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shares[secretID]
}

// LocalAdd stores share[a] + share[b] under out. Shamir shares are linear,
// so no interaction is needed.
func (p *Party) LocalAdd(a, b, out string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shares[out] = field.Add(p.shares[a], p.shares[b])
}

// LocalSub stores share[a] - share[b] under out.
func (p *Party) LocalSub(a, b, out string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shares[out] = field.Sub(p.shares[a], p.shares[b])
}

// LocalMulConst stores share[a] * k under out.
func (p *Party) LocalMulConst(a string, k uint64, out string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shares[out] = field.Mul(p.shares[a], k)
}

// LocalConst stores the public constant v under out. A constant is its own
// degree-0 sharing: every party holds the same value.
func (p *Party) LocalConst(v uint64, out string) {
	p.SetShare(out, v)
}

// MulShared multiplies two shared values. The local product of two degree-f
// shares sits on a degree-2f polynomial; each evaluator re-shares its
// product through a fresh degree-f polynomial, and the Lagrange combination
// of the re-shares at zero brings the result back to degree f.
func (p *Party) MulShared(ctx context.Context, a, b, out string) error {
	p.mu.Lock()
	product := field.Mul(p.shares[a], p.shares[b])
	evaluators := append([]int(nil), p.evaluators...)
	isEvaluator := false
	for _, e := range evaluators {
		if e == p.ID {
			isEvaluator = true
		}
	}
	var reshare *field.Polynomial
	if isEvaluator {
		coeffs := make([]uint64, p.f+1)
		coeffs[0] = product
		for i := 1; i <= p.f; i++ {
			coeffs[i] = field.Random(p.rng)
		}
		reshare = field.NewPolynomial(coeffs)
	}
	p.mu.Unlock()

	if reshare != nil {
		for j := 0; j < p.n; j++ {
			p.network.Send(p.ID, j, Message{
				Type: MsgShareValue,
				Value: &ValuePayload{
					SecretID: out,
					Share:    reshare.Eval(evalPoint(j)),
					Party:    p.ID,
				},
			})
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	collected := p.getMulShares(out)
	if err := waitCond(ctx, p.cond, func() bool {
		for _, e := range evaluators {
			if _, ok := collected[e]; !ok {
				return false
			}
		}
		return true
	}); err != nil {
		return err
	}

	xs := make([]uint64, len(evaluators))
	for i, e := range evaluators {
		xs[i] = evalPoint(e)
	}
	result := uint64(0)
	for i, e := range evaluators {
		coeff, err := field.LagrangeCoefficient(i, xs, 0)
		if err != nil {
			return err
		}
		result = field.Add(result, field.Mul(coeff, collected[e]))
	}
	p.shares[out] = result
	return nil
}

// Reconstruct opens a shared value: broadcast the own share, collect f+1,
// interpolate at zero.
func (p *Party) Reconstruct(ctx context.Context, secretID string) (uint64, error) {
	p.mu.Lock()
	share := p.shares[secretID]
	p.mu.Unlock()

	p.network.Broadcast(p.ID, Message{
		Type: MsgReconstructValue,
		Value: &ValuePayload{
			SecretID: secretID,
			Share:    share,
			Party:    p.ID,
		},
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	collected := p.getReconShares(secretID)
	if err := waitCond(ctx, p.cond, func() bool { return len(collected) >= p.f+1 }); err != nil {
		return 0, err
	}

	senders := maps.Keys(collected)
	sort.Ints(senders)
	points := make([]field.Point, p.f+1)
	for i, s := range senders[:p.f+1] {
		points[i] = field.Point{X: evalPoint(s), Y: collected[s]}
	}
	return field.InterpolateAt(points, 0)
}

// SendOutputShare delivers this party's blinded share of recipient's output.
func (p *Party) SendOutputShare(recipient int, z uint64) {
	p.network.Send(p.ID, recipient, Message{
		Type:   MsgOutputShare,
		Output: &OutputPayload{Party: recipient, Z: z},
	})
}

// AwaitOutput collects f+1 blinded output shares addressed to this party and
// interpolates them at zero. The result still carries the blinding term.
func (p *Party) AwaitOutput(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := waitCond(ctx, p.cond, func() bool { return len(p.outputShares) >= p.f+1 }); err != nil {
		return 0, err
	}

	senders := maps.Keys(p.outputShares)
	sort.Ints(senders)
	points := make([]field.Point, p.f+1)
	for i, s := range senders[:p.f+1] {
		points[i] = field.Point{X: evalPoint(s), Y: p.outputShares[s]}
	}
	return field.InterpolateAt(points, 0)
}

func (p *Party) handleShareValue(msg Message) {
	if msg.Value == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	collected := p.getMulShares(msg.Value.SecretID)
	if _, ok := collected[msg.Sender]; !ok {
		collected[msg.Sender] = msg.Value.Share
		p.cond.Broadcast()
	}
}

func (p *Party) handleReconstructValue(msg Message) {
	if msg.Value == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	collected := p.getReconShares(msg.Value.SecretID)
	if _, ok := collected[msg.Sender]; !ok {
		collected[msg.Sender] = msg.Value.Share
		p.cond.Broadcast()
	}
}

func (p *Party) handleOutputShare(msg Message) {
	if msg.Output == nil || msg.Output.Party != p.ID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outputShares[msg.Sender]; !ok {
		p.outputShares[msg.Sender] = msg.Output.Z
		p.cond.Broadcast()
	}
}

func (p *Party) getMulShares(secretID string) map[int]uint64 {
	if _, ok := p.mulShares[secretID]; !ok {
		p.mulShares[secretID] = make(map[int]uint64)
	}
	return p.mulShares[secretID]
}

func (p *Party) getReconShares(secretID string) map[int]uint64 {
	if _, ok := p.reconShares[secretID]; !ok {
		p.reconShares[secretID] = make(map[int]uint64)
	}
	return p.reconShares[secretID]
}
