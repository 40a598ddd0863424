package call_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/call"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/frame"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/signaling"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport/transporttest"
)

func newPairedManagers(t *testing.T) (alice, bob *call.Manager) {
	t.Helper()

	aliceID := signaling.OpaqueIdentity("alice")
	bobID := signaling.OpaqueIdentity("bob")

	aliceSignaler := signaling.NewLoopbackSignaler(aliceID)
	bobSignaler := signaling.NewLoopbackSignaler(bobID)
	signaling.Pair(aliceSignaler, bobSignaler)

	alice = call.NewManager(aliceID, aliceSignaler, call.DefaultConfig(), nil)
	bob = call.NewManager(bobID, bobSignaler, call.DefaultConfig(), nil)
	alice.Start()
	bob.Start()

	t.Cleanup(func() {
		_ = alice.Close()
		_ = bob.Close()
	})
	return alice, bob
}

func waitForCall(t *testing.T, m *call.Manager, id call.Id) *call.Call {
	t.Helper()
	var c *call.Call
	require.Eventually(t, func() bool {
		var ok bool
		c, ok = m.Get(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func waitForState(t *testing.T, c *call.Call, state call.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == state
	}, 2*time.Second, 5*time.Millisecond, "expected state %s, got %s", state, c.State())
}

func TestPlaceAcceptNegotiateEndToEnd(t *testing.T) {
	alice, bob := newPairedManagers(t)
	ctx := context.Background()

	constraints := signaling.MediaConstraints{Audio: true, Video: true, MaxBandwidthKbps: 512}

	aliceCall, err := alice.PlaceCall(ctx, signaling.OpaqueIdentity("bob"), constraints)
	require.NoError(t, err)
	require.Equal(t, call.StateInitiating, aliceCall.State())

	bobCall := waitForCall(t, bob, aliceCall.ID)
	waitForState(t, bobCall, call.StateRinging)

	require.NoError(t, bob.AcceptCall(ctx, aliceCall.ID, constraints))
	waitForState(t, bobCall, call.StateNegotiating)

	// Alice receives CallResponse then CapabilityExchange and
	// auto-confirms, driving both sides to Connecting.
	waitForState(t, aliceCall, call.StateConnecting)
	waitForState(t, bobCall, call.StateConnecting)

	negotiated := aliceCall.NegotiatedCapabilities()
	require.True(t, negotiated.Audio)
	require.True(t, negotiated.Video)
	require.Equal(t, uint32(512), negotiated.MaxBandwidthKbps)

	callerConn := transporttest.NewFakeConnection()
	calleeConn := transporttest.NewFakeConnection()
	transporttest.Link(callerConn, calleeConn)

	attachErrs := make(chan error, 2)
	go func() { attachErrs <- alice.AttachTransport(ctx, aliceCall.ID, callerConn) }()
	go func() { attachErrs <- bob.AttachTransport(ctx, aliceCall.ID, calleeConn) }()
	require.NoError(t, <-attachErrs)
	require.NoError(t, <-attachErrs)

	waitForState(t, aliceCall, call.StateConnected)
	waitForState(t, bobCall, call.StateConnected)

	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, aliceCall.Transport().Send(sendCtx, frame.StreamTypeAudio, []byte("hello")))
	typ, payload, err := bobCall.Transport().Receive(sendCtx)
	require.NoError(t, err)
	require.Equal(t, frame.StreamTypeAudio, typ)
	require.Equal(t, []byte("hello"), payload)

	require.NoError(t, alice.EndCall(ctx, aliceCall.ID))
	waitForState(t, aliceCall, call.StateEnded)
	waitForState(t, bobCall, call.StateEnded)
}

func TestRejectCall(t *testing.T) {
	alice, bob := newPairedManagers(t)
	ctx := context.Background()

	aliceCall, err := alice.PlaceCall(ctx, signaling.OpaqueIdentity("bob"), signaling.MediaConstraints{Audio: true})
	require.NoError(t, err)

	bobCall := waitForCall(t, bob, aliceCall.ID)
	require.NoError(t, bob.RejectCall(ctx, aliceCall.ID, signaling.RejectReasonBusy))

	waitForState(t, bobCall, call.StateRejected)
	waitForState(t, aliceCall, call.StateRejected)
}

func TestSimultaneousEndCallIsIdempotent(t *testing.T) {
	alice, bob := newPairedManagers(t)
	ctx := context.Background()

	constraints := signaling.MediaConstraints{Audio: true}
	aliceCall, err := alice.PlaceCall(ctx, signaling.OpaqueIdentity("bob"), constraints)
	require.NoError(t, err)
	bobCall := waitForCall(t, bob, aliceCall.ID)
	require.NoError(t, bob.AcceptCall(ctx, aliceCall.ID, constraints))
	waitForState(t, aliceCall, call.StateConnecting)

	// Both sides hang up at the same time; neither should error and each
	// call lands in Ended exactly once.
	errs := make(chan error, 2)
	go func() { errs <- alice.EndCall(ctx, aliceCall.ID) }()
	go func() { errs <- bob.EndCall(ctx, aliceCall.ID) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	waitForState(t, aliceCall, call.StateEnded)
	waitForState(t, bobCall, call.StateEnded)

	require.NoError(t, alice.EndCall(ctx, aliceCall.ID))
	require.NoError(t, bob.EndCall(ctx, aliceCall.ID))
}

func TestCallCountAndSummaries(t *testing.T) {
	alice, bob := newPairedManagers(t)
	ctx := context.Background()

	_, err := alice.PlaceCall(ctx, signaling.OpaqueIdentity("bob"), signaling.MediaConstraints{Audio: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bob.CallCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	summaries := alice.Calls()
	require.Len(t, summaries, 1)
	require.Equal(t, "bob", summaries[0].Remote)
	require.True(t, summaries[0].IsCaller)
}

func TestIncompatibleVideoFailsTheCall(t *testing.T) {
	alice, bob := newPairedManagers(t)
	ctx := context.Background()

	aliceCall, err := alice.PlaceCall(ctx, signaling.OpaqueIdentity("bob"), signaling.MediaConstraints{Audio: true, Video: true})
	require.NoError(t, err)

	bobCall := waitForCall(t, bob, aliceCall.ID)
	waitForState(t, bobCall, call.StateRinging)

	// Bob accepts with his own constraints, which do not include video;
	// his derived capabilities therefore advertise video: false, which
	// is incompatible with what Alice's call requires.
	require.NoError(t, bob.AcceptCall(ctx, aliceCall.ID, signaling.MediaConstraints{Audio: true, Video: false}))

	// Bob never hears back: ConfirmConnection fails validation before
	// Alice sends anything further, so only Alice's side observes the
	// capability error.
	waitForState(t, aliceCall, call.StateFailed)
	require.Equal(t, call.StateNegotiating, bobCall.State())
}

func TestRateLimitedPeerMessagesAreDropped(t *testing.T) {
	aliceID := signaling.OpaqueIdentity("alice")
	bobID := signaling.OpaqueIdentity("bob")

	aliceSignaler := signaling.NewLoopbackSignaler(aliceID)
	bobSignaler := signaling.NewLoopbackSignaler(bobID)
	signaling.Pair(aliceSignaler, bobSignaler)

	cfg := call.DefaultConfig()
	cfg.SignalingRateLimitPerPeerPerSecond = 1

	alice := call.NewManager(aliceID, aliceSignaler, call.DefaultConfig(), nil)
	bob := call.NewManager(bobID, bobSignaler, cfg, nil)
	alice.Start()
	bob.Start()
	t.Cleanup(func() {
		_ = alice.Close()
		_ = bob.Close()
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := alice.PlaceCall(ctx, bobID, signaling.MediaConstraints{Audio: true})
		require.NoError(t, err)
	}

	time.Sleep(100 * time.Millisecond)
	require.Less(t, bob.CallCount(), 5)
}
