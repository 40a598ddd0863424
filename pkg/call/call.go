// Package call implements the Call Manager: the peer-call state machine,
// capability negotiation, and the map of live calls that ties a
// signaling exchange to its Media Transport.
package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/signaling"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport"
)

// Id identifies a call. It is a 128-bit value generated with uuid.New,
// exactly like the rest of this module's identifiers.
type Id [16]byte

// NewId generates a fresh, random call id.
func NewId() Id {
	return Id(uuid.New())
}

// ParseId parses the canonical 36-character hyphenated form produced by
// String.
func ParseId(s string) (Id, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Id{}, fmt.Errorf("call: parse id: %w", err)
	}
	return Id(u), nil
}

func (id Id) String() string {
	return uuid.UUID(id).String()
}

// State is the CallState from the data model.
type State int

const (
	StateInitiating State = iota
	StateRinging
	StateNegotiating
	StateConnecting
	StateConnected
	StateEnding
	StateEnded
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a state a call never leaves.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the CallState transition table. A
// transition not present here is rejected by Call.transitionTo.
var validTransitions = map[State][]State{
	StateInitiating:  {StateNegotiating, StateRejected, StateFailed, StateEnding},
	StateRinging:     {StateNegotiating, StateRejected, StateFailed, StateEnding},
	StateNegotiating: {StateConnecting, StateFailed, StateEnding},
	StateConnecting:  {StateConnected, StateFailed, StateEnding},
	StateConnected:   {StateEnding, StateFailed},
	StateEnding:      {StateEnded, StateFailed},
}

// ErrInvalidStateTransition is returned when a transition is attempted
// that validTransitions does not allow.
type ErrInvalidStateTransition struct {
	From, To State
}

func (e *ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("call: invalid state transition %s -> %s", e.From, e.To)
}

// EventKind identifies what a CallEvent reports.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventCapabilitiesNegotiated
	EventError
)

// Event is published on the Manager's event stream whenever a Call's
// state changes, capabilities are negotiated, or an error occurs.
type Event struct {
	CallID Id
	Kind   EventKind
	From   State
	To     State
	Err    error
	At     time.Time
}

// Call is one in-progress or completed peer call.
type Call struct {
	ID       Id
	Local    signaling.Identity
	Remote   signaling.Identity
	IsCaller bool

	mu             sync.RWMutex
	state          State
	transport      *transport.Transport
	localCaps      signaling.MediaCapabilities
	remoteCaps     signaling.MediaCapabilities
	haveRemoteCaps bool
	negotiated     signaling.MediaCapabilities
	constraints    signaling.MediaConstraints
	createdAt      time.Time
	endedAt        time.Time
}

func newCall(id Id, local, remote signaling.Identity, isCaller bool, constraints signaling.MediaConstraints) *Call {
	return &Call{
		ID:          id,
		Local:       local,
		Remote:      remote,
		IsCaller:    isCaller,
		state:       initialState(isCaller),
		constraints: constraints,
		createdAt:   time.Now(),
	}
}

func initialState(isCaller bool) State {
	if isCaller {
		return StateInitiating
	}
	return StateRinging
}

// State returns the call's current state.
func (c *Call) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transport returns the call's Media Transport, or nil before
// AttachTransport has run.
func (c *Call) Transport() *transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// NegotiatedCapabilities returns the capability set agreed for this
// call, valid once State is at least StateConnecting.
func (c *Call) NegotiatedCapabilities() signaling.MediaCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.negotiated
}

// LocalCapabilities returns the capability set this side advertised.
func (c *Call) LocalCapabilities() signaling.MediaCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localCaps
}

// Constraints returns the MediaConstraints this call was created with,
// used to derive local capabilities and to validate the remote peer's
// capabilities.
func (c *Call) Constraints() signaling.MediaConstraints {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.constraints
}

// transitionTo validates and applies a state transition, returning the
// prior state. A transition to the current state is a no-op, and so is
// any transition attempted from a terminal state: both return nil and
// leave the state unchanged, which makes simultaneous-hangup handling
// idempotent at the call site.
func (c *Call) transitionTo(to State) (from State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from = c.state
	if from == to {
		return from, nil
	}
	if from.Terminal() {
		return from, nil
	}

	allowed := validTransitions[from]
	ok := false
	for _, candidate := range allowed {
		if candidate == to {
			ok = true
			break
		}
	}
	if !ok {
		return from, &ErrInvalidStateTransition{From: from, To: to}
	}

	c.state = to
	if to == StateEnded || to == StateRejected || to == StateFailed {
		c.endedAt = time.Now()
	}
	return from, nil
}

// Summary is a read-only snapshot of a Call for diagnostics.
type Summary struct {
	ID       Id
	Remote   string
	State    State
	IsCaller bool
	Age      time.Duration
}

func (c *Call) summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Summary{
		ID:       c.ID,
		Remote:   c.Remote.Display(),
		State:    c.state,
		IsCaller: c.IsCaller,
		Age:      time.Since(c.createdAt),
	}
}
