package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestBitDecompose(t *testing.T) {
	require.Equal(t, []uint64{1, 0, 1, 1, 0}, BitDecompose(13, 5))
	require.Equal(t, []uint64{0, 0, 0, 0, 0}, BitDecompose(0, 5))
	require.Equal(t, []uint64{1, 1, 1, 1, 1}, BitDecompose(31, 5))

	// LSB-first round trip.
	bits := BitDecompose(22, 5)
	value := uint64(0)
	for i, b := range bits {
		value += b << uint(i)
	}
	require.Equal(t, uint64(22), value)
}

// loadBits registers the public bit decomposition of value as constant
// shares at a party.
func loadBits(p *Party, value uint64, k int, prefix string) []string {
	bits := BitDecompose(value, k)
	ids := make([]string, k)
	for i, b := range bits {
		ids[i] = fmt.Sprintf("%s/bit/%d", prefix, i)
		p.LocalConst(b, ids[i])
	}
	return ids
}

// evalCompare runs CompareBits over public constants at every party and
// reconstructs the result.
func evalCompare(t *testing.T, a, b uint64, seed int64) uint64 {
	t.Helper()

	parties, cleanup := setupParties(t, 4, 1, seed)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	k := 5
	resultIDs := make([]string, len(parties))
	g := new(errgroup.Group)
	for i, p := range parties {
		i, p := i, p
		g.Go(func() error {
			circuit := NewCircuit(p, k, "cmp", zerolog.Disabled)
			aBits := loadBits(p, a, k, "cmp/a")
			bBits := loadBits(p, b, k, "cmp/b")
			id, err := circuit.CompareBits(ctx, aBits, bBits)
			resultIDs[i] = id
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, resultIDs[0], resultIDs[1], "gate naming must be deterministic")

	return reconstructAcross(t, ctx, parties, resultIDs[0])
}

func TestCompareBits(t *testing.T) {
	require.Equal(t, uint64(1), evalCompare(t, 15, 10, 600))
	require.Equal(t, uint64(0), evalCompare(t, 10, 15, 601))
	// Equality is "not greater": ties resolve in favour of the right operand.
	require.Equal(t, uint64(0), evalCompare(t, 15, 15, 602))
	require.Equal(t, uint64(1), evalCompare(t, 1, 0, 603))
	require.Equal(t, uint64(0), evalCompare(t, 0, 0, 604))
}

func TestMaxTwo(t *testing.T) {
	parties, cleanup := setupParties(t, 4, 1, 605)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	k := 5
	maxIDs := make([]string, len(parties))
	g := new(errgroup.Group)
	for i, p := range parties {
		i, p := i, p
		g.Go(func() error {
			circuit := NewCircuit(p, k, "max", zerolog.Disabled)
			p.LocalConst(20, "max/a")
			p.LocalConst(15, "max/b")
			aBits := loadBits(p, 20, k, "max/a")
			bBits := loadBits(p, 15, k, "max/b")
			id, err := circuit.MaxTwo(ctx, "max/a", "max/b", aBits, bBits)
			maxIDs[i] = id
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, uint64(20), reconstructAcross(t, ctx, parties, maxIDs[0]))
}

// evalAuction runs the full circuit over public constants at every party and
// returns the reconstructed indicator vector and second price.
func evalAuction(t *testing.T, values []uint64, seed int64) ([]uint64, uint64) {
	t.Helper()

	parties, cleanup := setupParties(t, 4, 1, seed)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	k := 5
	indicatorIDs := make([][]string, len(parties))
	priceIDs := make([]string, len(parties))
	g := new(errgroup.Group)
	for pi, p := range parties {
		pi, p := pi, p
		g.Go(func() error {
			circuit := NewCircuit(p, k, "auc", zerolog.Disabled)
			valueIDs := make([]string, len(values))
			bitIDs := make([][]string, len(values))
			for i, v := range values {
				valueIDs[i] = fmt.Sprintf("auc/v%d", i)
				p.LocalConst(v, valueIDs[i])
				bitIDs[i] = loadBits(p, v, k, fmt.Sprintf("auc/v%d", i))
			}
			inds, price, err := circuit.SecondPriceAuction(ctx, valueIDs, bitIDs)
			if err != nil {
				return err
			}
			indicatorIDs[pi] = inds
			priceIDs[pi] = price
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, priceIDs[0], priceIDs[1], "gate naming must be deterministic")

	indicators := make([]uint64, len(values))
	for i, id := range indicatorIDs[0] {
		indicators[i] = reconstructAcross(t, ctx, parties, id)
	}
	return indicators, reconstructAcross(t, ctx, parties, priceIDs[0])
}

func TestSecondPriceAuctionCircuit(t *testing.T) {
	indicators, price := evalAuction(t, []uint64{15, 25, 10, 20}, 610)
	require.Equal(t, []uint64{0, 1, 0, 0}, indicators)
	require.Equal(t, uint64(20), price)
}

func TestSecondPriceAuctionCircuitAscending(t *testing.T) {
	indicators, price := evalAuction(t, []uint64{0, 1, 2, 3}, 611)
	require.Equal(t, []uint64{0, 0, 0, 1}, indicators)
	require.Equal(t, uint64(2), price)
}

func TestSecondPriceAuctionCircuitTieIsRightBiased(t *testing.T) {
	// Equal bids: CompareBits yields 0, so the right-hand candidate of each
	// pairing survives the tournament.
	indicators, price := evalAuction(t, []uint64{10, 10, 5, 5}, 612)
	require.Equal(t, []uint64{0, 1, 0, 0}, indicators)
	require.Equal(t, uint64(10), price)
}
