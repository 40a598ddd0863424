package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/logger"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/signaling"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport"
)

var (
	ErrCallNotFound      = errors.New("call: not found")
	ErrNotCaller         = errors.New("call: operation requires the caller side")
	ErrNotCallee         = errors.New("call: operation requires the callee side")
	ErrRateLimited       = errors.New("call: signaling rate limit exceeded")
	ErrTransportNotReady = errors.New("call: transport not attached")

	// Capability validation errors. A capability error transitions the
	// call to Failed{reason} rather than returning with state unchanged.
	ErrIncompatibleAudio     = errors.New("call: remote does not support audio")
	ErrIncompatibleVideo     = errors.New("call: remote does not support video")
	ErrInsufficientBandwidth = errors.New("call: remote max bandwidth is below the required minimum")

	// ErrDuplicateCapabilityExchange is the cause carried by the EventError
	// event when a second CapabilityExchange arrives for a call whose
	// capabilities do not match the first; the call is failed.
	ErrDuplicateCapabilityExchange = errors.New("call: duplicate capability exchange with mismatched capabilities")
)

// Config holds the Call Manager's tunables.
type Config struct {
	HandshakeTimeout                   time.Duration
	SignalingRateLimitPerPeerPerSecond float64
	Transport                          transport.Config
}

// DefaultConfig returns the documented defaults (100 signaling messages
// per peer per second).
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:                   5 * time.Second,
		SignalingRateLimitPerPeerPerSecond: 100,
		Transport:                          transport.DefaultConfig(),
	}
}

// Manager owns every live Call for one local identity: the signaling
// exchange that establishes a call, and the per-peer map this mirrors
// from the teacher's multi-entity relay manager.
type Manager struct {
	local    signaling.Identity
	signaler signaling.Signaler
	cfg      Config
	logger   *logger.Logger

	mu    sync.RWMutex
	calls map[Id]*Call

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates a Manager for local, consuming/producing signaling
// messages through signaler.
func NewManager(local signaling.Identity, signaler signaling.Signaler, cfg Config, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		local:    local,
		signaler: signaler,
		cfg:      cfg,
		logger:   log,
		calls:    make(map[Id]*Call),
		limiters: make(map[string]*rate.Limiter),
		events:   make(chan Event, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing inbound signaling messages. It must be called
// before any message sent to this peer's Signaler will be handled.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.inboxLoop()
}

// Close ends every live call and stops processing signaling messages.
// Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.RLock()
		ids := make([]Id, 0, len(m.calls))
		for id := range m.calls {
			ids = append(ids, id)
		}
		m.mu.RUnlock()

		for _, id := range ids {
			if err := m.EndCall(context.Background(), id); err != nil && !errors.Is(err, ErrCallNotFound) {
				if m.logger != nil {
					m.logger.Error("error ending call during shutdown", "call_id", id.String(), "error", err)
				}
			}
		}

		m.cancel()
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

// Events returns the channel Event values are published on.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CallCount returns the number of calls currently tracked. Calls are
// never removed from the Manager, so ended, rejected and failed calls
// are counted too.
func (m *Manager) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Calls returns a read-only snapshot of every tracked call.
func (m *Manager) Calls() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.summary())
	}
	return out
}

// Get returns the Call for id, if tracked.
func (m *Manager) Get(id Id) (*Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	return c, ok
}

func (m *Manager) publish(ev Event) {
	ev.At = time.Now()
	select {
	case m.events <- ev:
	default:
		if m.logger != nil {
			m.logger.Error("event channel full, dropping event", "call_id", ev.CallID.String(), "kind", ev.Kind)
		}
	}
}

// PlaceCall initiates a call to remote with the given constraints,
// registers it, and sends the initial CallRequest. The caller's local
// capabilities are derived from constraints and recorded immediately
// (DeriveCapabilities), so they are available should this side ever need
// to report what it offered, even though under this module's
// callee-first capability-exchange policy the caller does not send them
// on the wire itself.
func (m *Manager) PlaceCall(ctx context.Context, remote signaling.Identity, constraints signaling.MediaConstraints) (*Call, error) {
	id := NewId()
	c := newCall(id, m.local, remote, true, constraints)
	c.mu.Lock()
	c.localCaps = DeriveCapabilities(constraints)
	c.mu.Unlock()

	m.mu.Lock()
	m.calls[id] = c
	m.mu.Unlock()

	if err := m.send(ctx, signaling.Message{
		Kind:    signaling.KindCallRequest,
		CallID:  id,
		From:    m.local,
		To:      remote,
		Request: &signaling.CallRequest{Constraints: constraints},
	}); err != nil {
		return nil, fmt.Errorf("call: place call: %w", err)
	}

	if m.logger != nil {
		m.logger.DebugCall("call placed", "call_id", id.String(), "remote", remote.Display())
	}
	return c, nil
}

// AcceptCall is the callee's side of answering a ringing call.
// localConstraints is this side's own media constraints — what it is
// willing and able to provide, which need not match the caller's
// constraints carried on the call (those are validated separately by
// the caller's ConfirmConnection). AcceptCall derives this side's
// MediaCapabilities from localConstraints (DeriveCapabilities) and, per
// this module's capability-exchange policy, always sends the first
// CapabilityExchange alongside its acceptance.
func (m *Manager) AcceptCall(ctx context.Context, id Id, localConstraints signaling.MediaConstraints) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrCallNotFound
	}
	if c.IsCaller {
		return ErrNotCallee
	}

	if _, err := c.transitionTo(StateNegotiating); err != nil {
		return err
	}
	localCaps := DeriveCapabilities(localConstraints)
	c.mu.Lock()
	c.localCaps = localCaps
	c.mu.Unlock()

	if err := m.send(ctx, signaling.Message{
		Kind:     signaling.KindCallResponse,
		CallID:   id,
		From:     m.local,
		To:       c.Remote,
		Response: &signaling.CallResponse{Accepted: true},
	}); err != nil {
		return fmt.Errorf("call: accept call: %w", err)
	}

	if err := m.send(ctx, signaling.Message{
		Kind:       signaling.KindCapabilityExchange,
		CallID:     id,
		From:       m.local,
		To:         c.Remote,
		Capability: &signaling.CapabilityExchange{Capabilities: localCaps},
	}); err != nil {
		return fmt.Errorf("call: send capabilities: %w", err)
	}

	m.publish(Event{CallID: id, Kind: EventStateChanged, From: StateRinging, To: StateNegotiating})
	return nil
}

// RejectCall declines a ringing call.
func (m *Manager) RejectCall(ctx context.Context, id Id, reason signaling.RejectReason) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrCallNotFound
	}

	from, err := c.transitionTo(StateRejected)
	if err != nil {
		return err
	}

	if err := m.send(ctx, signaling.Message{
		Kind:     signaling.KindCallRejected,
		CallID:   id,
		From:     m.local,
		To:       c.Remote,
		Rejected: &signaling.CallRejected{Reason: reason},
	}); err != nil {
		return fmt.Errorf("call: reject call: %w", err)
	}

	m.publish(Event{CallID: id, Kind: EventStateChanged, From: from, To: StateRejected})
	return nil
}

// ConfirmConnection is the caller's side once it has received the
// callee's capabilities. It validates peerCapabilities against the
// call's own constraints (ValidateCapabilities); on a capability
// mismatch the call transitions to Failed{reason} and the same error is
// returned. On success it advances the caller's call Negotiating ->
// Connecting and sends ConnectionConfirm; the callee's call advances when
// that message arrives.
func (m *Manager) ConfirmConnection(ctx context.Context, id Id, peerCapabilities signaling.MediaCapabilities) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrCallNotFound
	}
	if !c.IsCaller {
		return ErrNotCaller
	}

	if err := ValidateCapabilities(c.Constraints(), peerCapabilities); err != nil {
		m.failCall(id, err)
		return err
	}

	from, err := c.transitionTo(StateConnecting)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.negotiated = peerCapabilities
	c.mu.Unlock()

	if err := m.send(ctx, signaling.Message{
		Kind:    signaling.KindConnectionConfirm,
		CallID:  id,
		From:    m.local,
		To:      c.Remote,
		Confirm: &signaling.ConnectionConfirm{NegotiatedCapabilities: peerCapabilities},
	}); err != nil {
		return fmt.Errorf("call: confirm connection: %w", err)
	}

	m.publish(Event{CallID: id, Kind: EventCapabilitiesNegotiated, From: from, To: StateConnecting})
	return nil
}

// AttachTransport wraps conn as the call's Media Transport and drives
// the appropriate side of the stream handshake (Connect for the caller,
// Accept for the callee), then advances the call to Connected.
func (m *Manager) AttachTransport(ctx context.Context, id Id, conn quic.Connection) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrCallNotFound
	}

	t := transport.New(conn, m.cfg.Transport, m.logger)
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	var err error
	if c.IsCaller {
		err = t.Connect(hctx)
	} else {
		err = t.Accept(hctx)
	}
	if err != nil {
		m.failCall(id, err)
		return fmt.Errorf("call: attach transport: %w", err)
	}

	from, terr := c.transitionTo(StateConnected)
	if terr != nil {
		return terr
	}

	if err := m.send(ctx, signaling.Message{
		Kind:   signaling.KindConnectionReady,
		CallID: id,
		From:   m.local,
		To:     c.Remote,
		Ready:  &signaling.ConnectionReady{},
	}); err != nil && m.logger != nil {
		m.logger.Error("failed to send connection ready", "call_id", id.String(), "error", err)
	}

	m.publish(Event{CallID: id, Kind: EventStateChanged, From: from, To: StateConnected})
	return nil
}

// EndCall terminates a call. It is idempotent: ending an already-ended,
// rejected, or failed call returns nil without emitting a second event.
func (m *Manager) EndCall(ctx context.Context, id Id) error {
	c, ok := m.Get(id)
	if !ok {
		return ErrCallNotFound
	}
	return m.endCall(ctx, c, signaling.EndReasonHangup, true)
}

func (m *Manager) endCall(ctx context.Context, c *Call, reason signaling.EndReason, notifyPeer bool) error {
	if c.State().Terminal() {
		return nil
	}

	from, err := c.transitionTo(StateEnding)
	if err != nil {
		return err
	}
	// Another endCall already moved the call to Ending (or it reached a
	// terminal state since the check above); that one emits the event.
	if from == StateEnding || from.Terminal() {
		return nil
	}

	if t := c.Transport(); t != nil {
		_ = t.Close()
	}

	if notifyPeer {
		if err := m.send(ctx, signaling.Message{
			Kind:   signaling.KindCallEnded,
			CallID: c.ID,
			From:   m.local,
			To:     c.Remote,
			Ended:  &signaling.CallEnded{Reason: reason},
		}); err != nil && m.logger != nil {
			m.logger.Error("failed to send call ended", "call_id", c.ID.String(), "error", err)
		}
	}

	c.transitionTo(StateEnded)
	m.publish(Event{CallID: c.ID, Kind: EventStateChanged, From: from, To: StateEnded})
	return nil
}

func (m *Manager) failCall(id Id, cause error) {
	c, ok := m.Get(id)
	if !ok {
		return
	}
	from, err := c.transitionTo(StateFailed)
	if err != nil {
		return
	}
	m.publish(Event{CallID: id, Kind: EventError, From: from, To: StateFailed, Err: cause})
}

func (m *Manager) send(ctx context.Context, msg signaling.Message) error {
	return m.signaler.Send(ctx, msg)
}

// limiterFor returns (creating if necessary) the rate limiter gating
// inbound signaling messages from peerID.
func (m *Manager) limiterFor(peerID string) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()

	l, ok := m.limiters[peerID]
	if !ok {
		rps := m.cfg.SignalingRateLimitPerPeerPerSecond
		if rps <= 0 {
			rps = 100
		}
		l = rate.NewLimiter(rate.Limit(rps), int(rps))
		m.limiters[peerID] = l
	}
	return l
}

func (m *Manager) inboxLoop() {
	defer m.wg.Done()
	inbox := m.signaler.Inbox()

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			m.handleInbound(msg)
		}
	}
}

func (m *Manager) handleInbound(msg signaling.Message) {
	if msg.From != nil && !m.limiterFor(msg.From.UniqueID()).Allow() {
		if m.logger != nil {
			m.logger.Warn("dropping signaling message over rate limit", "peer", msg.From.UniqueID(), "kind", msg.Kind)
		}
		return
	}

	ctx := context.Background()

	switch msg.Kind {
	case signaling.KindCallRequest:
		m.onCallRequest(msg)
	case signaling.KindCallResponse:
		m.onCallResponse(ctx, msg)
	case signaling.KindCapabilityExchange:
		m.onCapabilityExchange(ctx, msg)
	case signaling.KindConnectionConfirm:
		m.onConnectionConfirm(msg)
	case signaling.KindConnectionReady:
		// Locally driven by AttachTransport's success; the peer's
		// readiness is informational only.
	case signaling.KindCallRejected:
		m.onCallRejected(msg)
	case signaling.KindCallEnded:
		m.onCallEnded(ctx, msg)
	default:
		if m.logger != nil {
			m.logger.Warn("unknown signaling message kind", "kind", msg.Kind)
		}
	}
}

func (m *Manager) onCallRequest(msg signaling.Message) {
	var constraints signaling.MediaConstraints
	if msg.Request != nil {
		constraints = msg.Request.Constraints
	}
	c := newCall(msg.CallID, m.local, msg.From, false, constraints)

	m.mu.Lock()
	m.calls[msg.CallID] = c
	m.mu.Unlock()

	m.publish(Event{CallID: msg.CallID, Kind: EventStateChanged, From: StateRinging, To: StateRinging})
}

func (m *Manager) onCallResponse(ctx context.Context, msg signaling.Message) {
	c, ok := m.Get(msg.CallID)
	if !ok || msg.Response == nil || !msg.Response.Accepted {
		return
	}
	from, err := c.transitionTo(StateNegotiating)
	if err != nil {
		return
	}
	m.publish(Event{CallID: msg.CallID, Kind: EventStateChanged, From: from, To: StateNegotiating})
}

// onCapabilityExchange handles an inbound CapabilityExchange. Per §5, a
// repeat exchange on the same call is idempotent if the capabilities
// match the first one seen, and fails the call with
// ErrDuplicateCapabilityExchange otherwise.
func (m *Manager) onCapabilityExchange(ctx context.Context, msg signaling.Message) {
	c, ok := m.Get(msg.CallID)
	if !ok || msg.Capability == nil {
		return
	}

	c.mu.Lock()
	hadRemote := c.haveRemoteCaps
	prev := c.remoteCaps
	if !hadRemote {
		c.remoteCaps = msg.Capability.Capabilities
		c.haveRemoteCaps = true
	}
	c.mu.Unlock()

	if hadRemote {
		if prev != msg.Capability.Capabilities {
			m.failCall(msg.CallID, ErrDuplicateCapabilityExchange)
		}
		return
	}

	if c.IsCaller {
		if err := m.ConfirmConnection(ctx, msg.CallID, msg.Capability.Capabilities); err != nil && m.logger != nil {
			m.logger.Error("failed to confirm connection", "call_id", msg.CallID.String(), "error", err)
		}
	}
}

func (m *Manager) onConnectionConfirm(msg signaling.Message) {
	c, ok := m.Get(msg.CallID)
	if !ok || msg.Confirm == nil {
		return
	}
	c.mu.Lock()
	c.negotiated = msg.Confirm.NegotiatedCapabilities
	c.mu.Unlock()

	from, err := c.transitionTo(StateConnecting)
	if err != nil {
		return
	}
	m.publish(Event{CallID: msg.CallID, Kind: EventCapabilitiesNegotiated, From: from, To: StateConnecting})
}

func (m *Manager) onCallRejected(msg signaling.Message) {
	c, ok := m.Get(msg.CallID)
	if !ok {
		return
	}
	from, err := c.transitionTo(StateRejected)
	if err != nil {
		return
	}
	m.publish(Event{CallID: msg.CallID, Kind: EventStateChanged, From: from, To: StateRejected})
}

func (m *Manager) onCallEnded(ctx context.Context, msg signaling.Message) {
	c, ok := m.Get(msg.CallID)
	if !ok {
		return
	}
	reason := signaling.EndReasonHangup
	if msg.Ended != nil {
		reason = msg.Ended.Reason
	}
	_ = m.endCall(ctx, c, reason, false)
}

// DeriveCapabilities produces the MediaCapabilities a side will offer
// for the given constraints: audio mirrors the audio constraint; video
// is requested if either video or screen share was constrained (screen
// share rides the video stream); data channels are never derived until
// a future constraint enables them; the bandwidth ceiling passes through
// unchanged.
func DeriveCapabilities(constraints signaling.MediaConstraints) signaling.MediaCapabilities {
	return signaling.MediaCapabilities{
		Audio:            constraints.Audio,
		Video:            constraints.Video || constraints.ScreenShare,
		DataChannel:      false,
		MaxBandwidthKbps: constraints.MaxBandwidthKbps,
	}
}

// minimumRequiredKbps returns the lowest acceptable remote bandwidth
// ceiling for the given constraints: 512 if screen share was requested,
// 256 for audio+video, 32 for audio-only, 0 otherwise.
func minimumRequiredKbps(constraints signaling.MediaConstraints) uint32 {
	switch {
	case constraints.ScreenShare:
		return 512
	case constraints.Video:
		return 256
	case constraints.Audio:
		return 32
	default:
		return 0
	}
}

// ValidateCapabilities checks remote (the peer's advertised
// capabilities) against constraints (this side's own requirements),
// per the capability validation rules: every constrained media kind
// must be supported by the remote, and the remote's bandwidth ceiling
// (when specified) must meet the minimum the constraints imply.
func ValidateCapabilities(constraints signaling.MediaConstraints, remote signaling.MediaCapabilities) error {
	if constraints.Audio && !remote.Audio {
		return ErrIncompatibleAudio
	}
	if constraints.Video && !remote.Video {
		return ErrIncompatibleVideo
	}
	if min := minimumRequiredKbps(constraints); remote.MaxBandwidthKbps != 0 && remote.MaxBandwidthKbps < min {
		return ErrInsufficientBandwidth
	}
	return nil
}
