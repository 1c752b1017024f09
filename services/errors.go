package services

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCancelled is returned by every blocking operation when the party
	// shuts down before the awaited state transition happens.
	ErrCancelled = errors.New("services: cancelled")

	// ErrAlreadyProposed is returned when an agreement instance receives a
	// second proposal.
	ErrAlreadyProposed = errors.New("services: already proposed")

	// ErrProtocolViolation flags a broken threshold invariant: the system is
	// in a state the fault bound makes impossible.
	ErrProtocolViolation = errors.New("services: protocol violation")
)

// waitCond blocks on cond until pred holds, waking up on context
// cancellation. cond.L must be held by the caller and is held again on
// return. Protocols never time out on their own; cancellation is the only
// way out of an await that the protocol cannot satisfy.
func waitCond(ctx context.Context, cond *sync.Cond, pred func() bool) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-done:
		}
	}()

	for !pred() {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		cond.Wait()
	}
	return nil
}
