package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// abaCoinStride bounds the number of rounds one ABA instance can consume in
// the beacon's index space: the coin for (instance, round) lives at
// instance*abaCoinStride + round.
const abaCoinStride = 1024

type abaRoundState struct {
	estVotes map[int]map[int]bool // value (0/1) -> voters
	auxVotes map[int]map[int]bool // value (0/1/AuxNone) -> voters
	estSent  bool
	auxSent  bool
}

func newABARoundState() *abaRoundState {
	return &abaRoundState{
		estVotes: make(map[int]map[int]bool),
		auxVotes: make(map[int]map[int]bool),
	}
}

// BinaryAgreement is one asynchronous binary agreement instance. Rounds of
// EST and AUX votes converge on a bit; when votes split, the common coin
// breaks the symmetry.
type BinaryAgreement struct {
	partyID    int
	n          int
	f          int
	instanceID int
	network    *Network
	beacon     *Beacon

	mu            sync.Mutex
	cond          *sync.Cond
	proposed      bool
	rounds        map[int]*abaRoundState
	decided       bool
	decision      int
	decisionRound int

	logger zerolog.Logger
}

func NewBinaryAgreement(partyID, n, f, instanceID int, network *Network, beacon *Beacon, logLevel zerolog.Level) *BinaryAgreement {
	logger := log.With().
		Str("layer", "ABA").
		Int("node_id", partyID).
		Int("instance", instanceID).
		Logger().
		Level(logLevel)

	a := &BinaryAgreement{
		partyID:    partyID,
		n:          n,
		f:          f,
		instanceID: instanceID,
		network:    network,
		beacon:     beacon,
		rounds:     make(map[int]*abaRoundState),
		logger:     logger,
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Propose inputs a bit and blocks until the instance decides. A second call
// returns ErrAlreadyProposed.
func (a *BinaryAgreement) Propose(ctx context.Context, value int) (int, error) {
	if value != 0 && value != 1 {
		return 0, ErrProtocolViolation
	}

	a.mu.Lock()
	if a.proposed {
		a.mu.Unlock()
		return 0, ErrAlreadyProposed
	}
	a.proposed = true
	a.mu.Unlock()

	a.logger.Debug().Int("estimate", value).Msg("Starting ABA")

	estimate := value
	for round := 0; ; round++ {
		a.mu.Lock()
		state := a.getRound(round)

		// EST phase.
		if !state.estSent {
			state.estSent = true
			a.broadcastVote(MsgABAEst, round, estimate)
		}
		if err := waitCond(ctx, a.cond, func() bool {
			return voteTotal(state.estVotes) >= a.n-a.f
		}); err != nil {
			a.mu.Unlock()
			return 0, err
		}

		// AUX selection on the EST votes seen so far.
		aux := AuxNone
		switch {
		case len(state.estVotes[estimate]) >= a.n-a.f:
			aux = estimate
		case len(state.estVotes[0]) > len(state.estVotes[1]):
			aux = 0
		case len(state.estVotes[1]) > len(state.estVotes[0]):
			aux = 1
		}

		// AUX phase.
		if !state.auxSent {
			state.auxSent = true
			a.broadcastVote(MsgABAAux, round, aux)
		}
		if err := waitCond(ctx, a.cond, func() bool {
			return voteTotal(state.auxVotes) >= a.n-a.f
		}); err != nil {
			a.mu.Unlock()
			return 0, err
		}

		// Decision: a bit backed by n-f AUX votes wins outright. 2(n-f) > n
		// means at most one bit can reach the threshold.
		supported := -1
		for _, b := range []int{0, 1} {
			if len(state.auxVotes[b]) >= a.n-a.f {
				supported = b
			}
		}
		if supported >= 0 {
			a.decide(supported, round)
			a.mu.Unlock()
			return supported, nil
		}
		a.mu.Unlock()

		// No unique bit: flip the common coin shared by all parties for
		// this (instance, round) and retry with it.
		coin, err := a.beacon.Request(ctx, a.partyID, a.instanceID*abaCoinStride+round)
		if err != nil {
			return 0, err
		}
		estimate = int(coin % 2)
		a.logger.Debug().Int("round", round).Int("coin", estimate).Msg("Coin flipped, next round")
	}
}

// Decision returns the decided bit, if any.
func (a *BinaryAgreement) Decision() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.decision, a.decided
}

// HandleMessage processes one EST or AUX vote for this instance.
func (a *BinaryAgreement) HandleMessage(msg Message) {
	if msg.ABA == nil || msg.ABA.Instance != a.instanceID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.getRound(msg.ABA.Round)
	value := msg.ABA.Value

	switch msg.Type {
	case MsgABAEst:
		if value != 0 && value != 1 {
			return
		}
		addBitVote(state.estVotes, value, msg.Sender)
	case MsgABAAux:
		if value != 0 && value != 1 && value != AuxNone {
			return
		}
		addBitVote(state.auxVotes, value, msg.Sender)
	default:
		return
	}

	// A decided instance keeps echoing its decision into whatever round its
	// peers are in, so their n-f thresholds stay reachable after this party
	// stops advancing rounds itself.
	if a.decided && msg.ABA.Round > a.decisionRound {
		if !state.estSent {
			state.estSent = true
			a.broadcastVote(MsgABAEst, msg.ABA.Round, a.decision)
		}
		if !state.auxSent {
			state.auxSent = true
			a.broadcastVote(MsgABAAux, msg.ABA.Round, a.decision)
		}
	}
	a.cond.Broadcast()
}

// decide latches the decision and fires one more round of votes carrying it,
// so parties still in round+1 meet their n-f thresholds after this one goes
// quiet. Caller holds the lock.
func (a *BinaryAgreement) decide(value, round int) {
	a.decided = true
	a.decision = value
	a.decisionRound = round
	a.logger.Info().Int("decision", value).Int("round", round).Msg("Decided")

	next := a.getRound(round + 1)
	if !next.estSent {
		next.estSent = true
		a.broadcastVote(MsgABAEst, round+1, value)
	}
	if !next.auxSent {
		next.auxSent = true
		a.broadcastVote(MsgABAAux, round+1, value)
	}
	a.cond.Broadcast()
}

func (a *BinaryAgreement) broadcastVote(t MsgType, round, value int) {
	a.network.Broadcast(a.partyID, Message{
		Type: t,
		ABA:  &ABAPayload{Instance: a.instanceID, Round: round, Value: value},
	})
}

func (a *BinaryAgreement) getRound(round int) *abaRoundState {
	if _, ok := a.rounds[round]; !ok {
		a.rounds[round] = newABARoundState()
	}
	return a.rounds[round]
}

func addBitVote(m map[int]map[int]bool, value, from int) {
	if _, ok := m[value]; !ok {
		m[value] = make(map[int]bool)
	}
	m[value][from] = true
}

func voteTotal(m map[int]map[int]bool) int {
	total := 0
	for _, voters := range m {
		total += len(voters)
	}
	return total
}
