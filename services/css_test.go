package services

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"async-mpc-auction/field"
)

// setupCSSCluster creates n secret-sharing instances with dispatchers.
func setupCSSCluster(t *testing.T, n, f int, seed int64) (*Network, []*CompleteSecretSharing, context.Context, func()) {
	t.Helper()

	network := NewNetwork(n, seed)
	ctx, cancel := context.WithCancel(context.Background())

	csss := make([]*CompleteSecretSharing, n)
	for i := 0; i < n; i++ {
		csss[i] = NewCompleteSecretSharing(i, n, f, network, rand.New(rand.NewSource(seed+int64(i))), zerolog.Disabled)
		go func(id int) {
			for {
				msg, err := network.Receive(ctx, id)
				if err != nil {
					return
				}
				csss[id].HandleMessage(msg)
			}
		}(i)
	}
	return network, csss, ctx, cancel
}

func TestCSSHonestDealerCompleteness(t *testing.T) {
	n, f := 4, 1
	_, csss, ctx, cancel := setupCSSCluster(t, n, f, 400)
	defer cancel()

	secret := uint64(987654)
	sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
	defer scancel()

	shares := make([]uint64, n)
	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			var s uint64
			var err error
			if i == 0 {
				s, err = csss[i].Share(sctx, "secret-1", secret)
			} else {
				s, err = csss[i].ReceiveShare(sctx, "secret-1", 0)
			}
			shares[i] = s
			return err
		})
	}
	require.NoError(t, g.Wait())

	// The latched polynomials agree with the returned shares.
	for i := 0; i < n; i++ {
		_, col, ok := csss[i].SharePolynomials("secret-1")
		require.True(t, ok)
		require.Equal(t, shares[i], col.Eval(0))
	}

	// Any f+1 shares interpolate back to the secret at zero.
	for start := 0; start+f+1 <= n; start++ {
		points := make([]field.Point, f+1)
		for i := 0; i <= f; i++ {
			points[i] = field.Point{X: evalPoint(start + i), Y: shares[start+i]}
		}
		recovered, err := field.InterpolateAt(points, 0)
		require.NoError(t, err)
		require.Equal(t, secret, recovered, "window starting at %d", start)
	}
}

func TestCSSConcurrentInstancesFromOneDealer(t *testing.T) {
	n, f := 4, 1
	_, csss, ctx, cancel := setupCSSCluster(t, n, f, 401)
	defer cancel()

	secrets := map[string]uint64{"a": 11, "b": 22, "c": 33}
	sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
	defer scancel()

	shares := make(map[string][]uint64)
	for id := range secrets {
		shares[id] = make([]uint64, n)
	}

	g := new(errgroup.Group)
	for id, secret := range secrets {
		for i := 0; i < n; i++ {
			id, secret, i := id, secret, i
			g.Go(func() error {
				var s uint64
				var err error
				if i == 0 {
					s, err = csss[i].Share(sctx, id, secret)
				} else {
					s, err = csss[i].ReceiveShare(sctx, id, 0)
				}
				shares[id][i] = s
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	for id, secret := range secrets {
		points := []field.Point{
			{X: evalPoint(1), Y: shares[id][1]},
			{X: evalPoint(3), Y: shares[id][3]},
		}
		recovered, err := field.InterpolateAt(points, 0)
		require.NoError(t, err)
		require.Equal(t, secret, recovered, "instance %s", id)
	}
}

func TestCSSReconstruct(t *testing.T) {
	n, f := 4, 1
	_, csss, ctx, cancel := setupCSSCluster(t, n, f, 402)
	defer cancel()

	secret := uint64(5555)
	sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
	defer scancel()

	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			var err error
			if i == 2 {
				_, err = csss[i].Share(sctx, "r", secret)
			} else {
				_, err = csss[i].ReceiveShare(sctx, "r", 2)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	recovered := make([]uint64, n)
	g = new(errgroup.Group)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := csss[i].Reconstruct(sctx, "r")
			recovered[i] = v
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < n; i++ {
		require.Equal(t, secret, recovered[i], "party %d", i)
	}
}

func TestCSSInconsistentDealerDefaultsToZero(t *testing.T) {
	n, f := 4, 1
	network, csss, ctx, cancel := setupCSSCluster(t, n, f, 403)
	defer cancel()

	// A byzantine dealer hands out rows and columns from unrelated
	// polynomials: the cross-check must fail somewhere and the happiness
	// quorum cannot form.
	rng := rand.New(rand.NewSource(404))
	secret := uint64(777)
	good := field.NewBivariatePolynomial(f, &secret, rng)
	bad := field.NewBivariatePolynomial(f, nil, rng)

	for k := 0; k < n; k++ {
		source := good
		if k%2 == 1 {
			source = bad
		}
		network.Send(3, k, Message{
			Type: MsgCSSShare,
			CSSShare: &CSSSharePayload{
				Instance: "evil",
				Dealer:   3,
				Row:      source.RowPolynomial(evalPoint(k)).Coeffs,
				Col:      source.ColPolynomial(evalPoint(k)).Coeffs,
			},
		})
	}

	sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
	defer scancel()

	shares := make([]uint64, 3)
	g := new(errgroup.Group)
	for i := 0; i < 3; i++ {
		i := i
		g.Go(func() error {
			s, err := csss[i].ReceiveShare(sctx, "evil", 3)
			shares[i] = s
			return err
		})
	}
	require.NoError(t, g.Wait())

	// All honest receivers converge on the zero default.
	for i := 0; i < 3; i++ {
		require.Zero(t, shares[i], "party %d", i)
	}
}
