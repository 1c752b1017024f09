package services

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NetworkStats counts message traffic for the demo report.
type NetworkStats struct {
	Total     int64
	Delivered int64
	Omitted   int64
}

// Network simulates an asynchronous message layer: eventual delivery between
// honest parties, adversarially reordered by random per-message delays, with
// omission-faulty senders dropping outbound messages. Each party has a
// single-consumer inbound queue.
type Network struct {
	n        int
	queues   []chan Message
	maxDelay time.Duration

	mu     sync.Mutex
	rng    *rand.Rand
	faulty map[int]float64 // party -> outbound omission probability

	total     atomic.Int64
	delivered atomic.Int64
	omitted   atomic.Int64

	logger zerolog.Logger
}

// NewNetwork creates a network for n parties. The seed drives delays and
// omission decisions so runs are reproducible.
func NewNetwork(n int, seed int64) *Network {
	queues := make([]chan Message, n)
	for i := range queues {
		queues[i] = make(chan Message, 4096)
	}
	return &Network{
		n:        n,
		queues:   queues,
		maxDelay: time.Millisecond,
		rng:      rand.New(rand.NewSource(seed)),
		faulty:   make(map[int]float64),
		logger:   log.With().Str("layer", "NET").Logger(),
	}
}

// SetLogLevel adjusts the network logger.
func (net *Network) SetLogLevel(lvl zerolog.Level) {
	net.logger = net.logger.Level(lvl)
}

// SetMaxDelay bounds the simulated per-message delay.
func (net *Network) SetMaxDelay(d time.Duration) {
	net.maxDelay = d
}

// MarkFaulty makes party drop each outbound message with probability rate.
func (net *Network) MarkFaulty(party int, rate float64) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.faulty[party] = rate
}

// IsFaulty reports whether party has been marked omission-faulty.
func (net *Network) IsFaulty(party int) bool {
	net.mu.Lock()
	defer net.mu.Unlock()
	_, ok := net.faulty[party]
	return ok
}

// Send enqueues a message for delivery. Non-blocking for the caller; the
// message is cloned through the wire codec so the receiver never shares
// memory with the sender.
func (net *Network) Send(from, to int, msg Message) {
	if to < 0 || to >= net.n {
		return
	}
	msg.Sender = from
	msg.Receiver = to

	net.mu.Lock()
	rate, isFaulty := net.faulty[from]
	drop := isFaulty && net.rng.Float64() < rate
	delay := time.Duration(net.rng.Int63n(int64(net.maxDelay) + 1))
	net.mu.Unlock()

	if drop {
		net.omitted.Add(1)
		net.logger.Debug().Int("from", from).Int("to", to).Stringer("type", msg.Type).Msg("Omitted message")
		return
	}
	net.total.Add(1)

	wire, err := msg.Marshal()
	if err != nil {
		net.logger.Warn().Err(err).Stringer("type", msg.Type).Msg("Dropping unencodable message")
		return
	}

	go func() {
		time.Sleep(delay)
		decoded, err := UnmarshalMessage(wire)
		if err != nil {
			net.logger.Warn().Err(err).Msg("Dropping undecodable message")
			return
		}
		net.delivered.Add(1)
		net.queues[to] <- decoded
	}()
}

// Broadcast sends the message to every party, including the sender.
func (net *Network) Broadcast(from int, msg Message) {
	for to := 0; to < net.n; to++ {
		net.Send(from, to, msg)
	}
}

// Receive blocks until a message for the party is available or the context
// is cancelled.
func (net *Network) Receive(ctx context.Context, party int) (Message, error) {
	select {
	case msg := <-net.queues[party]:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ErrCancelled
	}
}

// Stats returns the traffic counters.
func (net *Network) Stats() NetworkStats {
	return NetworkStats{
		Total:     net.total.Load(),
		Delivered: net.delivered.Load(),
		Omitted:   net.omitted.Load(),
	}
}
