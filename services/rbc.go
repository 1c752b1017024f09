package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// rbcInstance is the per-sender broadcast state. Counters are sets of
// immediate peers so a duplicated or replayed message never counts twice.
type rbcInstance struct {
	valReceived   bool
	receivedEcho  map[string]map[int]bool
	receivedReady map[string]map[int]bool
	sentEcho      bool
	sentReady     bool
	delivered     bool
	value         string
}

func newRBCInstance() *rbcInstance {
	return &rbcInstance{
		receivedEcho:  make(map[string]map[int]bool),
		receivedReady: make(map[string]map[int]bool),
	}
}

// ReliableBroadcast implements Bracha's protocol, one instance per original
// sender. If any honest party delivers a value for a sender, every honest
// party eventually delivers the same value.
type ReliableBroadcast struct {
	partyID int
	n       int
	f       int
	network *Network

	echoThreshold    int // ceil((n+f+1)/2)
	readyThreshold   int // f+1, amplification
	deliverThreshold int // 2f+1

	mu        sync.Mutex
	cond      *sync.Cond
	instances map[int]*rbcInstance

	logger zerolog.Logger
}

func NewReliableBroadcast(partyID, n, f int, network *Network, logLevel zerolog.Level) *ReliableBroadcast {
	logger := log.With().
		Str("layer", "RBC").
		Int("node_id", partyID).
		Logger().
		Level(logLevel)

	r := &ReliableBroadcast{
		partyID:          partyID,
		n:                n,
		f:                f,
		network:          network,
		echoThreshold:    (n + f + 2) / 2,
		readyThreshold:   f + 1,
		deliverThreshold: 2*f + 1,
		instances:        make(map[int]*rbcInstance),
		logger:           logger,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Broadcast starts the protocol as the sender of this instance.
func (r *ReliableBroadcast) Broadcast(value string) {
	r.logger.Debug().Msg("Broadcasting VAL")
	r.network.Broadcast(r.partyID, Message{
		Type: MsgRBCVal,
		RBC:  &RBCPayload{Sender: r.partyID, Value: value},
	})
}

// Deliver blocks until the value broadcast by sender has been delivered and
// returns it. Idempotent: late callers observe the latched value.
func (r *ReliableBroadcast) Deliver(ctx context.Context, sender int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.getInstance(sender)
	if err := waitCond(ctx, r.cond, func() bool { return inst.delivered }); err != nil {
		return "", err
	}
	return inst.value, nil
}

// Delivered reports whether the instance for sender has delivered, without
// blocking.
func (r *ReliableBroadcast) Delivered(sender int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := r.getInstance(sender)
	return inst.value, inst.delivered
}

// HandleMessage processes one RBC wire message.
func (r *ReliableBroadcast) HandleMessage(msg Message) {
	if msg.RBC == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.getInstance(msg.RBC.Sender)
	if inst.delivered {
		// Terminal state: everything that follows is inert.
		return
	}

	switch msg.Type {
	case MsgRBCVal:
		r.handleVal(inst, msg)
	case MsgRBCEcho:
		r.handleEcho(inst, msg)
	case MsgRBCReady:
		r.handleReady(inst, msg)
	}
}

func (r *ReliableBroadcast) getInstance(sender int) *rbcInstance {
	if _, ok := r.instances[sender]; !ok {
		r.instances[sender] = newRBCInstance()
	}
	return r.instances[sender]
}

func (r *ReliableBroadcast) handleVal(inst *rbcInstance, msg Message) {
	// Only the first VAL counts; an equivocating sender cannot overwrite it.
	if inst.valReceived {
		return
	}
	inst.valReceived = true

	if !inst.sentEcho {
		inst.sentEcho = true
		r.logger.Debug().Int("sender", msg.RBC.Sender).Msg("Received VAL, broadcasting ECHO")
		r.network.Broadcast(r.partyID, Message{
			Type: MsgRBCEcho,
			RBC:  &RBCPayload{Sender: msg.RBC.Sender, Value: msg.RBC.Value},
		})
	}
}

func (r *ReliableBroadcast) handleEcho(inst *rbcInstance, msg Message) {
	count := addVote(inst.receivedEcho, msg.RBC.Value, msg.Sender)
	if count >= r.echoThreshold && !inst.sentReady {
		inst.sentReady = true
		r.logger.Debug().Int("sender", msg.RBC.Sender).Int("count", count).Msg("ECHO threshold reached, broadcasting READY")
		r.network.Broadcast(r.partyID, Message{
			Type: MsgRBCReady,
			RBC:  &RBCPayload{Sender: msg.RBC.Sender, Value: msg.RBC.Value},
		})
	}
}

func (r *ReliableBroadcast) handleReady(inst *rbcInstance, msg Message) {
	count := addVote(inst.receivedReady, msg.RBC.Value, msg.Sender)

	// Amplification: f+1 READYs prove at least one honest READY.
	if count >= r.readyThreshold && !inst.sentReady {
		inst.sentReady = true
		r.logger.Debug().Int("sender", msg.RBC.Sender).Int("count", count).Msg("READY amplification, broadcasting READY")
		r.network.Broadcast(r.partyID, Message{
			Type: MsgRBCReady,
			RBC:  &RBCPayload{Sender: msg.RBC.Sender, Value: msg.RBC.Value},
		})
	}

	if count >= r.deliverThreshold && !inst.delivered {
		inst.delivered = true
		inst.value = msg.RBC.Value
		// Free the vote sets; the instance is terminal.
		inst.receivedEcho = nil
		inst.receivedReady = nil
		r.logger.Info().Int("sender", msg.RBC.Sender).Msg("Delivered")
		r.cond.Broadcast()
	}
}

// addVote records one peer's vote for a value and returns the vote count.
func addVote(m map[string]map[int]bool, value string, from int) int {
	if _, ok := m[value]; !ok {
		m[value] = make(map[int]bool)
	}
	m[value][from] = true
	return len(m[value])
}
