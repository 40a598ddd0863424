package signaling

import (
	"context"
	"fmt"
)

// LoopbackSignaler is an in-memory Signaler for tests and the demo
// binary. Two LoopbackSignalers wired to each other with Pair deliver
// messages directly into the peer's Inbox channel with no encoding step.
type LoopbackSignaler struct {
	local Identity
	inbox chan Message
	peer  *LoopbackSignaler
}

// NewLoopbackSignaler creates an unpaired signaler for local. Call Pair
// before using it.
func NewLoopbackSignaler(local Identity) *LoopbackSignaler {
	return &LoopbackSignaler{
		local: local,
		inbox: make(chan Message, 32),
	}
}

// Pair connects a and b so messages sent by one arrive in the other's
// inbox.
func Pair(a, b *LoopbackSignaler) {
	a.peer = b
	b.peer = a
}

func (l *LoopbackSignaler) Send(ctx context.Context, msg Message) error {
	if l.peer == nil {
		return fmt.Errorf("signaling: %s is not paired", l.local.Display())
	}
	select {
	case l.peer.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LoopbackSignaler) Inbox() <-chan Message {
	return l.inbox
}
