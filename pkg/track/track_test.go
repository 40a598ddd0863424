package track

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/frame"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/router"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport/transporttest"
)

func connectedPair(t *testing.T) (*transport.Transport, *transport.Transport) {
	t.Helper()
	return transporttest.NewConnectedPair(t)
}

func TestQUICBackendWriteRead(t *testing.T) {
	callerT, calleeT := connectedPair(t)
	defer callerT.Close()
	defer calleeT.Close()

	sender := NewQUICBackend(callerT, frame.StreamTypeVideo, router.MediaKindVideo, nil)
	receiver := NewQUICBackend(calleeT, frame.StreamTypeVideo, router.MediaKindVideo, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sender.WriteSample(ctx, []byte("frame-1")))

	got, err := receiver.ReadSample(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("frame-1"), got)
	require.Equal(t, router.MediaKindVideo, receiver.Kind())
}

func TestQUICBackendCloseRejectsFurtherIO(t *testing.T) {
	callerT, calleeT := connectedPair(t)
	defer callerT.Close()
	defer calleeT.Close()

	b := NewQUICBackend(callerT, frame.StreamTypeAudio, router.MediaKindAudio, nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close()) // idempotent

	err := b.WriteSample(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrClosed)

	_, err = b.ReadSample(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQUICBackendConcurrentSamples(t *testing.T) {
	callerT, calleeT := connectedPair(t)
	defer callerT.Close()
	defer calleeT.Close()

	sender := NewQUICBackend(callerT, frame.StreamTypeAudio, router.MediaKindAudio, nil)
	receiver := NewQUICBackend(calleeT, frame.StreamTypeAudio, router.MediaKindAudio, nil)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := context.Background()
		for i := 0; i < n; i++ {
			require.NoError(t, sender.WriteSample(ctx, []byte{byte(i)}))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		got, err := receiver.ReadSample(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got)
	}
	wg.Wait()
}
