package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BitDecompose splits value into k bits, least significant first. Performed
// by the dealer in cleartext before sharing; each bit is shared on its own.
func BitDecompose(value uint64, k int) []uint64 {
	bits := make([]uint64, k)
	for i := 0; i < k; i++ {
		bits[i] = (value >> i) & 1
	}
	return bits
}

// Circuit evaluates the auction circuit gate by gate on shared values. All
// parties construct the same circuit over the same namespace, so gate ids
// line up across the network without coordination.
type Circuit struct {
	party *Party
	k     int
	ns    string
	seq   int

	logger zerolog.Logger
}

// NewCircuit binds a circuit evaluator to a party. k is the bid bit width;
// ns namespaces every intermediate secret id.
func NewCircuit(party *Party, k int, ns string, logLevel zerolog.Level) *Circuit {
	logger := log.With().
		Str("layer", "CIRCUIT").
		Int("node_id", party.ID).
		Logger().
		Level(logLevel)

	return &Circuit{party: party, k: k, ns: ns, logger: logger}
}

// tmp mints the next gate output id. The counter is advanced identically at
// every party.
func (c *Circuit) tmp(tag string) string {
	c.seq++
	return fmt.Sprintf("%s/%s%d", c.ns, tag, c.seq)
}

// Const introduces a public constant as a shared value.
func (c *Circuit) Const(v uint64) string {
	id := c.tmp("const")
	c.party.LocalConst(v, id)
	return id
}

// Add is a local addition gate.
func (c *Circuit) Add(a, b string) string {
	id := c.tmp("add")
	c.party.LocalAdd(a, b, id)
	return id
}

// Sub is a local subtraction gate.
func (c *Circuit) Sub(a, b string) string {
	id := c.tmp("sub")
	c.party.LocalSub(a, b, id)
	return id
}

// OneMinus computes 1 - a locally.
func (c *Circuit) OneMinus(a string) string {
	return c.Sub(c.Const(1), a)
}

// Mul is a shared multiplication gate.
func (c *Circuit) Mul(ctx context.Context, a, b string) (string, error) {
	id := c.tmp("mul")
	if err := c.party.MulShared(ctx, a, b, id); err != nil {
		return "", err
	}
	return id, nil
}

// CompareBits computes a > b over bit-shared inputs: the result is a share
// of 1 iff a > b, of 0 otherwise (equality included). Scans from the most
// significant bit down, gating each a_j * (1 - b_j) term with a running
// product that is 1 exactly while all higher bits agree:
//
//	c = sum_{j=k-1..0} a_j*(1-b_j) * prod_{l>j} (1 - (a_l - b_l)^2)
func (c *Circuit) CompareBits(ctx context.Context, aBits, bBits []string) (string, error) {
	result := c.Const(0)
	agree := c.Const(1)

	for j := c.k - 1; j >= 0; j-- {
		term, err := c.Mul(ctx, aBits[j], c.OneMinus(bBits[j]))
		if err != nil {
			return "", err
		}
		gated, err := c.Mul(ctx, term, agree)
		if err != nil {
			return "", err
		}
		result = c.Add(result, gated)

		if j == 0 {
			break
		}
		diff := c.Sub(aBits[j], bBits[j])
		diffSq, err := c.Mul(ctx, diff, diff)
		if err != nil {
			return "", err
		}
		agree, err = c.Mul(ctx, agree, c.OneMinus(diffSq))
		if err != nil {
			return "", err
		}
	}
	return result, nil
}

// Mux selects c*a + (1-c)*b for a bit-valued selector share.
func (c *Circuit) Mux(ctx context.Context, sel, a, b string) (string, error) {
	left, err := c.Mul(ctx, sel, a)
	if err != nil {
		return "", err
	}
	right, err := c.Mul(ctx, c.OneMinus(sel), b)
	if err != nil {
		return "", err
	}
	return c.Add(left, right), nil
}

// MaxTwo computes max(a, b) from the values and their bit shares:
// sel*a + (1-sel)*b with sel = (a > b). Equal inputs select b.
func (c *Circuit) MaxTwo(ctx context.Context, a, b string, aBits, bBits []string) (string, error) {
	sel, err := c.CompareBits(ctx, aBits, bBits)
	if err != nil {
		return "", err
	}
	return c.Mux(ctx, sel, a, b)
}

// tournamentEntry is one surviving candidate: its value share, bit shares,
// and the leaf indices folded into it so far.
type tournamentEntry struct {
	value   string
	bits    []string
	members []int
}

// FindMax runs a right-biased tournament over the shared values and returns
// the maximum's value share, its bit shares, and the one-hot winner
// indicator (a share per input index). On ties CompareBits yields 0, so the
// right operand survives; scenario determinism depends on that bias.
func (c *Circuit) FindMax(ctx context.Context, values []string, bits [][]string) (string, []string, []string, error) {
	n := len(values)
	indicators := make([]string, n)
	entries := make([]tournamentEntry, n)
	for i := 0; i < n; i++ {
		indicators[i] = c.Const(1)
		entries[i] = tournamentEntry{value: values[i], bits: bits[i], members: []int{i}}
	}

	for len(entries) > 1 {
		var next []tournamentEntry
		for i := 0; i < len(entries); i += 2 {
			if i+1 >= len(entries) {
				// Odd straggler carries over to the next level.
				next = append(next, entries[i])
				continue
			}
			left, right := entries[i], entries[i+1]

			sel, err := c.CompareBits(ctx, left.bits, right.bits)
			if err != nil {
				return "", nil, nil, err
			}
			winnerVal, err := c.Mux(ctx, sel, left.value, right.value)
			if err != nil {
				return "", nil, nil, err
			}
			winnerBits := make([]string, c.k)
			for b := 0; b < c.k; b++ {
				winnerBits[b], err = c.Mux(ctx, sel, left.bits[b], right.bits[b])
				if err != nil {
					return "", nil, nil, err
				}
			}

			// Fold the selection bit into every leaf's winner-path product.
			notSel := c.OneMinus(sel)
			for _, m := range left.members {
				indicators[m], err = c.Mul(ctx, indicators[m], sel)
				if err != nil {
					return "", nil, nil, err
				}
			}
			for _, m := range right.members {
				indicators[m], err = c.Mul(ctx, indicators[m], notSel)
				if err != nil {
					return "", nil, nil, err
				}
			}

			next = append(next, tournamentEntry{
				value:   winnerVal,
				bits:    winnerBits,
				members: append(append([]int(nil), left.members...), right.members...),
			})
		}
		entries = next
	}
	return entries[0].value, entries[0].bits, indicators, nil
}

// FindSecondMax masks the winner out of the field and finds the maximum of
// what remains. Both the value and its bits are masked with (1 - chi_i):
// zeroing a value zeroes every bit, so the masked bit decompositions stay
// consistent.
func (c *Circuit) FindSecondMax(ctx context.Context, values []string, bits [][]string, indicators []string) (string, error) {
	n := len(values)
	masked := make([]string, n)
	maskedBits := make([][]string, n)
	for i := 0; i < n; i++ {
		keep := c.OneMinus(indicators[i])
		var err error
		masked[i], err = c.Mul(ctx, keep, values[i])
		if err != nil {
			return "", err
		}
		maskedBits[i] = make([]string, c.k)
		for b := 0; b < c.k; b++ {
			maskedBits[i][b], err = c.Mul(ctx, keep, bits[i][b])
			if err != nil {
				return "", err
			}
		}
	}
	secondVal, _, _, err := c.FindMax(ctx, masked, maskedBits)
	return secondVal, err
}

// SecondPriceAuction evaluates the full circuit: the one-hot winner
// indicator and a share of the second-highest value.
func (c *Circuit) SecondPriceAuction(ctx context.Context, values []string, bits [][]string) ([]string, string, error) {
	c.logger.Debug().Msg("Evaluating tournament")
	_, _, indicators, err := c.FindMax(ctx, values, bits)
	if err != nil {
		return nil, "", err
	}
	secondPrice, err := c.FindSecondMax(ctx, values, bits, indicators)
	if err != nil {
		return nil, "", err
	}
	return indicators, secondPrice, nil
}
