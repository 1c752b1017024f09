package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"async-mpc-auction/field"
)

func TestBeaconThresholdReleasesSameValue(t *testing.T) {
	n, f := 4, 1
	beacon := NewBeacon(n, f, 7, zerolog.Disabled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values := make([]uint64, f+1)
	g := new(errgroup.Group)
	for i := 0; i <= f; i++ {
		i := i
		g.Go(func() error {
			v, err := beacon.Request(ctx, i, 9)
			values[i] = v
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 1; i <= f; i++ {
		require.Equal(t, values[0], values[i])
	}
	require.True(t, field.IsValid(values[0]))
	require.Equal(t, 1, beacon.InvocationCount())
}

func TestBeaconSingleRequesterBlocks(t *testing.T) {
	beacon := NewBeacon(4, 1, 8, zerolog.Disabled)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := beacon.Request(ctx, 0, 3)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, 0, beacon.InvocationCount())
}

func TestBeaconLateRequesterSeesLatchedValue(t *testing.T) {
	beacon := NewBeacon(4, 1, 9, zerolog.Disabled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := new(errgroup.Group)
	var early uint64
	g.Go(func() error {
		v, err := beacon.Request(ctx, 0, 0)
		early = v
		return err
	})
	g.Go(func() error {
		_, err := beacon.Request(ctx, 1, 0)
		return err
	})
	require.NoError(t, g.Wait())

	late, err := beacon.Request(ctx, 3, 0)
	require.NoError(t, err)
	require.Equal(t, early, late)
	require.Equal(t, 1, beacon.InvocationCount())
}

func TestBeaconRequestNextAdvances(t *testing.T) {
	beacon := NewBeacon(4, 0, 10, zerolog.Disabled) // f=0: a single request releases

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := beacon.RequestNext(ctx, 0)
	require.NoError(t, err)
	require.True(t, field.IsValid(a))
	b, err := beacon.RequestNext(ctx, 0)
	require.NoError(t, err)
	require.True(t, field.IsValid(b))
	require.Equal(t, 2, beacon.InvocationCount())
}

func TestBeaconResetClearsState(t *testing.T) {
	beacon := NewBeacon(4, 0, 11, zerolog.Disabled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := beacon.Request(ctx, 0, 5)
	require.NoError(t, err)
	require.Equal(t, 1, beacon.InvocationCount())

	beacon.Reset()
	require.Equal(t, 0, beacon.InvocationCount())

	// With f=1, a lone request for the same index blocks below threshold.
	beacon2 := NewBeacon(4, 1, 11, zerolog.Disabled)
	bctx, bcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer bcancel()
	_, err = beacon2.Request(bctx, 0, 5)
	require.ErrorIs(t, err, ErrCancelled)
}
