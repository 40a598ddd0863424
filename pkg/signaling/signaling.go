// Package signaling defines the message schema exchanged out-of-band to
// establish a Call, and the narrow Signaler interface the Call Manager
// consumes to send and receive those messages. Establishing the actual
// channel signaling travels over (a rendezvous server, a DHT, a relay)
// is an external collaborator's concern; this package only fixes the
// shape of the messages and provides a trivial in-memory implementation
// for tests and the demo binary.
package signaling

import "context"

// Identity is the minimal identity contract the Call Manager needs from
// a peer. Concrete schemes (four-word addresses, public keys, etc.) are
// external collaborators; OpaqueIdentity below is the only one this
// module ships.
type Identity interface {
	Display() string
	UniqueID() string
}

// OpaqueIdentity is a trivial Identity backed by a single string used as
// both its display form and its unique id; converting its Display() form
// back with OpaqueIdentity(s) yields an equal value by construction.
type OpaqueIdentity string

func (o OpaqueIdentity) Display() string  { return string(o) }
func (o OpaqueIdentity) UniqueID() string { return string(o) }

// Kind identifies a signaling message's purpose.
type Kind int

const (
	KindCallRequest Kind = iota
	KindCallResponse
	KindCapabilityExchange
	KindConnectionConfirm
	KindConnectionReady
	KindCallRejected
	KindCallEnded
)

func (k Kind) String() string {
	switch k {
	case KindCallRequest:
		return "call_request"
	case KindCallResponse:
		return "call_response"
	case KindCapabilityExchange:
		return "capability_exchange"
	case KindConnectionConfirm:
		return "connection_confirm"
	case KindConnectionReady:
		return "connection_ready"
	case KindCallRejected:
		return "call_rejected"
	case KindCallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// RejectReason enumerates why a callee declined a call.
type RejectReason int

const (
	RejectReasonDeclined RejectReason = iota
	RejectReasonBusy
	RejectReasonUnsupportedCapabilities
)

// EndReason enumerates why a call ended.
type EndReason int

const (
	EndReasonHangup EndReason = iota
	EndReasonTransportFailed
	EndReasonTimeout
)

// Message is one signaling envelope. Only the field relevant to Kind is
// populated; this mirrors the teacher's style of small focused structs
// over one polymorphic union encoded with interface{}.
type Message struct {
	Kind       Kind
	CallID     [16]byte
	From       Identity
	To         Identity
	Request    *CallRequest
	Response   *CallResponse
	Capability *CapabilityExchange
	Confirm    *ConnectionConfirm
	Ready      *ConnectionReady
	Rejected   *CallRejected
	Ended      *CallEnded
}

// CallRequest is sent by the caller to initiate a call.
type CallRequest struct {
	Constraints MediaConstraints
}

// CallResponse is sent by the callee accepting or declining a call.
type CallResponse struct {
	Accepted bool
}

// CapabilityExchange carries one side's supported media capabilities.
type CapabilityExchange struct {
	Capabilities MediaCapabilities
}

// ConnectionConfirm is sent by the caller once it has derived the
// negotiated capabilities and is ready to establish the transport.
type ConnectionConfirm struct {
	NegotiatedCapabilities MediaCapabilities
}

// ConnectionReady is sent once a side's QUIC transport has reached the
// Connected state.
type ConnectionReady struct{}

// CallRejected is sent instead of CallResponse when the callee declines.
type CallRejected struct {
	Reason RejectReason
}

// CallEnded is sent by either side to terminate an established call.
type CallEnded struct {
	Reason EndReason
}

// MediaConstraints and MediaCapabilities mirror the data model's media
// description types; duplicated here (rather than imported from pkg/call)
// so this package has no dependency on the call state machine, matching
// the spec's layering (signaling is a dumb schema, the Manager holds
// behavior). Both are plain comparable structs (no slice fields) so a
// repeated CapabilityExchange can be checked for equality directly.
type MediaConstraints struct {
	Audio            bool
	Video            bool
	ScreenShare      bool
	MaxBandwidthKbps uint32
}

// MediaCapabilities is what a side is willing to provide. A
// MaxBandwidthKbps of 0 means unspecified and is treated as unbounded
// for validation purposes.
type MediaCapabilities struct {
	Audio            bool
	Video            bool
	DataChannel      bool
	MaxBandwidthKbps uint32
}

// Signaler sends and receives Messages for a single local Identity. A
// Signaler is not a network transport; it is the narrow seam the Call
// Manager depends on so tests and the demo binary can substitute an
// in-memory implementation.
type Signaler interface {
	// Send delivers msg to its To identity. It may block on I/O but must
	// not block indefinitely; ctx governs cancellation.
	Send(ctx context.Context, msg Message) error
	// Inbox returns the channel on which messages addressed to this
	// Signaler's local identity arrive.
	Inbox() <-chan Message
}
