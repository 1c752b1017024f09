package services

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// setupRBCCluster creates n parties running only the reliable broadcast
// protocol, each with a dispatcher pumping its network queue.
func setupRBCCluster(t *testing.T, n, f int) (*Network, []*ReliableBroadcast, context.Context, func()) {
	t.Helper()

	network := NewNetwork(n, 42)
	ctx, cancel := context.WithCancel(context.Background())

	rbcs := make([]*ReliableBroadcast, n)
	for i := 0; i < n; i++ {
		rbcs[i] = NewReliableBroadcast(i, n, f, network, zerolog.Disabled)
		go func(id int) {
			for {
				msg, err := network.Receive(ctx, id)
				if err != nil {
					return
				}
				rbcs[id].HandleMessage(msg)
			}
		}(i)
	}
	return network, rbcs, ctx, cancel
}

func TestRBCHonestSenderDeliversEverywhere(t *testing.T) {
	n, f := 4, 1
	_, rbcs, ctx, cancel := setupRBCCluster(t, n, f)
	defer cancel()

	rbcs[1].Broadcast("hello")

	dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
	defer dcancel()
	for i := 0; i < n; i++ {
		v, err := rbcs[i].Deliver(dctx, 1)
		require.NoError(t, err, "party %d", i)
		require.Equal(t, "hello", v, "party %d", i)
	}
}

func TestRBCDeliverIsIdempotent(t *testing.T) {
	n, f := 4, 1
	_, rbcs, ctx, cancel := setupRBCCluster(t, n, f)
	defer cancel()

	rbcs[0].Broadcast("v")

	dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
	defer dcancel()
	first, err := rbcs[2].Deliver(dctx, 0)
	require.NoError(t, err)
	second, err := rbcs[2].Deliver(dctx, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRBCEquivocatingSenderDeliversNothing(t *testing.T) {
	n, f := 4, 1
	network, rbcs, _, cancel := setupRBCCluster(t, n, f)
	defer cancel()

	// Party 3 plays a byzantine sender: conflicting VALs split the honest
	// echoes 2-vs-1, so neither value can reach the echo threshold of 3.
	for to := 0; to < 2; to++ {
		network.Send(3, to, Message{Type: MsgRBCVal, RBC: &RBCPayload{Sender: 3, Value: "v1"}})
	}
	network.Send(3, 2, Message{Type: MsgRBCVal, RBC: &RBCPayload{Sender: 3, Value: "v2"}})

	time.Sleep(500 * time.Millisecond)
	for i := 0; i < 3; i++ {
		_, delivered := rbcs[i].Delivered(3)
		require.False(t, delivered, "party %d delivered despite equivocation", i)
	}
}

func TestRBCSecondValFromSenderIsIgnored(t *testing.T) {
	n, f := 4, 1
	network, rbcs, ctx, cancel := setupRBCCluster(t, n, f)
	defer cancel()

	network.Broadcast(1, Message{Type: MsgRBCVal, RBC: &RBCPayload{Sender: 1, Value: "first"}})

	dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
	defer dcancel()
	for i := 0; i < n; i++ {
		v, err := rbcs[i].Deliver(dctx, 1)
		require.NoError(t, err)
		require.Equal(t, "first", v)
	}

	// A later conflicting VAL from the same sender cannot displace the
	// delivered value.
	network.Broadcast(1, Message{Type: MsgRBCVal, RBC: &RBCPayload{Sender: 1, Value: "second"}})
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < n; i++ {
		v, err := rbcs[i].Deliver(dctx, 1)
		require.NoError(t, err)
		require.Equal(t, "first", v)
	}
}

func TestRBCCancelledDeliver(t *testing.T) {
	n, f := 4, 1
	_, rbcs, _, cancel := setupRBCCluster(t, n, f)
	defer cancel()

	dctx, dcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer dcancel()
	_, err := rbcs[0].Deliver(dctx, 2)
	require.ErrorIs(t, err, ErrCancelled)
}
