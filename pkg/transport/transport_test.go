package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/frame"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport/transporttest"
)

func TestConnectAcceptHandshake(t *testing.T) {
	caller, callee := transporttest.NewConnectedPair(t)
	defer caller.Close()
	defer callee.Close()

	require.Equal(t, transport.StateConnected, caller.State())
	require.Equal(t, transport.StateConnected, callee.State())
}

func TestSendReceiveRoundTrip(t *testing.T) {
	caller, callee := transporttest.NewConnectedPair(t)
	defer caller.Close()
	defer callee.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, caller.Send(ctx, frame.StreamTypeVideo, []byte("keyframe")))

	typ, payload, err := callee.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame.StreamTypeVideo, typ)
	require.Equal(t, []byte("keyframe"), payload)
}

func TestReceiveKindFiltersToOneStream(t *testing.T) {
	caller, callee := transporttest.NewConnectedPair(t)
	defer caller.Close()
	defer callee.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, caller.Send(ctx, frame.StreamTypeAudio, []byte("pcm")))

	payload, err := callee.ReceiveKind(ctx, frame.StreamTypeAudio)
	require.NoError(t, err)
	require.Equal(t, []byte("pcm"), payload)
}

func TestReceivePrefersHighPriorityBand(t *testing.T) {
	caller, callee := transporttest.NewConnectedPair(t)
	defer caller.Close()
	defer callee.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, caller.Send(ctx, frame.StreamTypeData, []byte("low")))
	require.NoError(t, caller.Send(ctx, frame.StreamTypeVideo, []byte("medium")))
	require.NoError(t, caller.Send(ctx, frame.StreamTypeAudio, []byte("high")))

	// Give the reader goroutines time to drain all three streams into
	// their queues before we start pulling, so all three bands are ready
	// simultaneously and the priority ordering is actually exercised.
	time.Sleep(50 * time.Millisecond)

	typ, payload, err := callee.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame.StreamTypeAudio, typ)
	require.Equal(t, []byte("high"), payload)
}

func TestSendBeforeConnectedFails(t *testing.T) {
	caller := transport.New(transporttest.NewFakeConnection(), transport.DefaultConfig(), nil)
	err := caller.Send(context.Background(), frame.StreamTypeAudio, []byte("x"))
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestStatsTrackBytesAndFrames(t *testing.T) {
	caller, callee := transporttest.NewConnectedPair(t)
	defer caller.Close()
	defer callee.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, caller.Send(ctx, frame.StreamTypeVideo, []byte("12345")))
	_, _, err := callee.Receive(ctx)
	require.NoError(t, err)

	senderStats, err := caller.Stats(frame.StreamTypeVideo)
	require.NoError(t, err)
	require.Equal(t, uint64(1), senderStats.FramesSent)
	require.Equal(t, uint64(5), senderStats.BytesSent)

	receiverStats, err := callee.Stats(frame.StreamTypeVideo)
	require.NoError(t, err)
	require.Equal(t, uint64(1), receiverStats.FramesReceived)
	require.Equal(t, uint64(5), receiverStats.BytesReceived)

	byPriority := callee.StatsByPriority()
	require.Equal(t, uint64(1), byPriority[frame.PriorityMedium].FramesReceived)
}

func TestCloseIsIdempotent(t *testing.T) {
	caller, callee := transporttest.NewConnectedPair(t)
	require.NoError(t, caller.Close())
	require.NoError(t, caller.Close())
	require.NoError(t, callee.Close())
}

func TestConnectTwiceFails(t *testing.T) {
	caller, callee := transporttest.NewConnectedPair(t)
	defer caller.Close()
	defer callee.Close()

	err := caller.Connect(context.Background())
	require.ErrorIs(t, err, transport.ErrAlreadyConnecting)
}
