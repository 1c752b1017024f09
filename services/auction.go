package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"async-mpc-auction/field"
)

// outputBeaconIndex is the beacon slot for the output-phase blinding value.
// ABA coins occupy the non-negative index space, so the output draw lives
// below it.
const outputBeaconIndex = -1

// Result of one auction run. The winner pays the second-highest bid; every
// other output is zero.
type Result struct {
	Winner      int
	SecondPrice uint64
	Outputs     map[int]uint64
}

// Auction orchestrates the four protocol phases across one set of parties:
// input sharing, input-set agreement, circuit evaluation, and blinded output
// delivery.
type Auction struct {
	N int
	F int
	K int

	Net     *Network
	Beacon  *Beacon
	Parties []*Party

	session  string
	logLevel zerolog.Level
	logger   zerolog.Logger
}

// NewAuction builds the network, beacon, and parties for one auction. The
// seed makes the whole run reproducible.
func NewAuction(n, f, k int, seed int64, logLevel zerolog.Level) (*Auction, error) {
	if n < 3*f+1 {
		return nil, fmt.Errorf("%w: n=%d cannot tolerate f=%d, need n >= 3f+1", ErrProtocolViolation, n, f)
	}

	logger := log.With().
		Str("layer", "AUCTION").
		Logger().
		Level(logLevel)

	network := NewNetwork(n, seed)
	network.SetLogLevel(logLevel)
	beacon := NewBeacon(n, f, seed+1, logLevel)

	parties := make([]*Party, n)
	for i := 0; i < n; i++ {
		parties[i] = NewParty(i, n, f, network, beacon, seed+2, logLevel)
		parties[i].Start()
	}

	a := &Auction{
		N:        n,
		F:        f,
		K:        k,
		Net:      network,
		Beacon:   beacon,
		Parties:  parties,
		session:  sessionID(seed, n, f, k),
		logLevel: logLevel,
		logger:   logger,
	}
	return a, nil
}

// MarkFaulty makes a party omission-faulty: its outbound messages are
// dropped with the given probability, and Run no longer drives it.
func (a *Auction) MarkFaulty(party int, rate float64) {
	a.Net.MarkFaulty(party, rate)
}

// Stop shuts down every party.
func (a *Auction) Stop() {
	for _, p := range a.Parties {
		p.Stop()
	}
}

// Run executes the auction over the given bids. Faulty parties are not
// driven, matching the crash/omission model; their outputs default to zero.
// All driven parties must agree on the winner.
func (a *Auction) Run(ctx context.Context, bids map[int]uint64) (*Result, error) {
	a.logger.Info().Interface("bids", bids).Msg("Starting auction")

	outputs := make([]uint64, a.N)
	winners := make([]int, a.N)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < a.N; i++ {
		if a.Net.IsFaulty(i) {
			winners[i] = -1
			continue
		}
		i := i
		g.Go(func() error {
			output, winner, err := a.runParty(gctx, a.Parties[i], bids[i])
			if err != nil {
				return fmt.Errorf("party %d: %w", i, err)
			}
			outputs[i] = output
			winners[i] = winner
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Winner: -1, Outputs: make(map[int]uint64, a.N)}
	for i := 0; i < a.N; i++ {
		result.Outputs[i] = outputs[i]
		if winners[i] < 0 {
			continue
		}
		if result.Winner < 0 {
			result.Winner = winners[i]
		} else if result.Winner != winners[i] {
			return nil, fmt.Errorf("%w: parties disagree on the winner (%d vs %d)", ErrProtocolViolation, result.Winner, winners[i])
		}
	}
	if result.Winner >= 0 {
		result.SecondPrice = result.Outputs[result.Winner]
	}

	a.logger.Info().
		Int("winner", result.Winner).
		Uint64("second_price", result.SecondPrice).
		Msg("Auction finished")
	return result, nil
}

// runParty is one party's walk through the four phases.
func (a *Auction) runParty(ctx context.Context, p *Party, bid uint64) (uint64, int, error) {
	// Phase 1: bit-decompose the own bid and deal every bit; concurrently
	// collect the other dealers' bits. Collected shares are held back until
	// the input set is agreed, so an excluded dealer's late sharing can
	// never displace the zero default.
	bits := BitDecompose(field.Embed(bid), a.K)

	collectors := make(map[int]chan []uint64, a.N)
	for d := 0; d < a.N; d++ {
		if d == p.ID {
			continue
		}
		ch := make(chan []uint64, 1)
		collectors[d] = ch
		go func(dealer int) {
			shares := make([]uint64, a.K)
			for i := 0; i < a.K; i++ {
				s, err := p.CSS.ReceiveShare(p.Context(), a.bidBitID(dealer, i), dealer)
				if err != nil {
					return
				}
				shares[i] = s
			}
			ch <- shares
		}(d)
	}

	sg, sctx := errgroup.WithContext(ctx)
	for i := 0; i < a.K; i++ {
		i := i
		sg.Go(func() error {
			return p.ShareValue(sctx, bits[i], a.bidBitID(p.ID, i))
		})
	}
	if err := sg.Wait(); err != nil {
		return 0, -1, err
	}
	a.logger.Debug().Int("party", p.ID).Msg("Input sharing complete")

	// Phase 2: agree on the input set; everything downstream, including the
	// multiplication evaluator set, is derived from it.
	agreed, err := p.ACS.Propose(ctx, a.inputMarker(p.ID))
	if err != nil {
		return 0, -1, err
	}
	inputSet := maps.Keys(agreed)
	sort.Ints(inputSet)
	p.SetEvaluators(inputSet[:2*a.F+1])

	inSet := make(map[int]bool, len(inputSet))
	for _, d := range inputSet {
		inSet[d] = true
	}
	for d := 0; d < a.N; d++ {
		switch {
		case d == p.ID && inSet[d]:
			// Own bits are already stored by the dealer path.
		case inSet[d]:
			select {
			case shares := <-collectors[d]:
				for i := 0; i < a.K; i++ {
					p.SetShare(a.bidBitID(d, i), shares[i])
				}
			case <-ctx.Done():
				return 0, -1, ErrCancelled
			}
		default:
			// Excluded input: replaced by shares of zero at every party.
			for i := 0; i < a.K; i++ {
				p.SetShare(a.bidBitID(d, i), 0)
			}
		}
	}

	// Phase 3: rebuild each bid's value share from its bit shares and run
	// the tournament circuit.
	valueIDs := make([]string, a.N)
	bitIDs := make([][]string, a.N)
	for d := 0; d < a.N; d++ {
		bitIDs[d] = make([]string, a.K)
		value := uint64(0)
		for i := 0; i < a.K; i++ {
			id := a.bidBitID(d, i)
			bitIDs[d][i] = id
			value = field.Add(value, field.Mul(p.Share(id), 1<<uint(i)))
		}
		valueIDs[d] = a.bidValueID(d)
		p.SetShare(valueIDs[d], value)
	}

	circuit := NewCircuit(p, a.K, a.session+"/c", a.logLevel)
	indicators, priceID, err := circuit.SecondPriceAuction(ctx, valueIDs, bitIDs)
	if err != nil {
		return 0, -1, err
	}

	// The winner indicator is opened: the auction deliberately identifies
	// the winner while keeping losing bids secret.
	winner := -1
	for i := 0; i < a.N; i++ {
		v, err := p.Reconstruct(ctx, indicators[i])
		if err != nil {
			return 0, -1, err
		}
		if v == 1 {
			winner = i
		}
	}
	if winner < 0 {
		return 0, -1, fmt.Errorf("%w: winner indicator is not one-hot", ErrProtocolViolation)
	}

	// Phase 4: o_i = chi_i * second_price per recipient; shares are blinded
	// with the beacon draw and delivered to the recipient alone.
	outputIDs := make([]string, a.N)
	for i := 0; i < a.N; i++ {
		outputIDs[i], err = circuit.Mul(ctx, indicators[i], priceID)
		if err != nil {
			return 0, -1, err
		}
	}

	rho, err := a.Beacon.Request(ctx, p.ID, outputBeaconIndex)
	if err != nil {
		return 0, -1, err
	}
	for i := 0; i < a.N; i++ {
		p.SendOutputShare(i, field.Add(p.Share(outputIDs[i]), rho))
	}

	blinded, err := p.AwaitOutput(ctx)
	if err != nil {
		return 0, -1, err
	}
	return field.Sub(blinded, rho), winner, nil
}

func (a *Auction) bidBitID(dealer, bit int) string {
	return fmt.Sprintf("%s/bid/%d/bit/%d", a.session, dealer, bit)
}

func (a *Auction) bidValueID(dealer int) string {
	return fmt.Sprintf("%s/bid/%d/val", a.session, dealer)
}

func (a *Auction) inputMarker(party int) string {
	return fmt.Sprintf("%s/input/%d", a.session, party)
}

// sessionID derives a short tag namespacing every secret id of one run, so
// concurrent auctions on one network can never collide.
func sessionID(seed int64, n, f, k int) string {
	h := blake3.New()
	fmt.Fprintf(h, "auction|%d|%d|%d|%d", seed, n, f, k)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
