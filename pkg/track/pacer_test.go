package track

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/router"
)

// fakeBackend records every sample handed to WriteSample along with the
// wall-clock time it arrived, for pacing assertions.
type fakeBackend struct {
	kind router.MediaKind

	mu      sync.Mutex
	samples [][]byte
	times   []time.Time
}

func (f *fakeBackend) WriteSample(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, payload)
	f.times = append(f.times, time.Now())
	return nil
}

func (f *fakeBackend) ReadSample(_ context.Context) ([]byte, error) { return nil, nil }
func (f *fakeBackend) Kind() router.MediaKind                       { return f.kind }
func (f *fakeBackend) Close() error                                 { return nil }

func (f *fakeBackend) snapshot() ([][]byte, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := append([][]byte(nil), f.samples...)
	times := append([]time.Time(nil), f.times...)
	return samples, times
}

func rtpPacket(t *testing.T, timestamp uint32) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: 96,
			Timestamp:   timestamp,
			SSRC:        0xc0ffee,
		},
		Payload: []byte{1, 2, 3},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func rtcpPacket(t *testing.T) []byte {
	t.Helper()
	pkt := &rtcp.ReceiverReport{SSRC: 1}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestPacerDeliversFirstSampleImmediately(t *testing.T) {
	backend := &fakeBackend{kind: router.MediaKindVideo}
	p := NewPacer(backend, nil)
	p.Start()
	defer p.Stop()

	start := time.Now()
	require.NoError(t, p.Enqueue(context.Background(), rtpPacket(t, 1000)))

	require.Eventually(t, func() bool {
		samples, _ := backend.snapshot()
		return len(samples) == 1
	}, time.Second, 5*time.Millisecond)

	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacerHonorsTimestampDelta(t *testing.T) {
	backend := &fakeBackend{kind: router.MediaKindAudio}
	p := NewPacer(backend, nil)
	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Enqueue(ctx, rtpPacket(t, 0)))
	require.Eventually(t, func() bool {
		samples, _ := backend.snapshot()
		return len(samples) == 1
	}, time.Second, 5*time.Millisecond)

	// 4800 timestamp ticks at a 48kHz clock rate is 100ms of spacing,
	// below maxPacketDelay.
	require.NoError(t, p.Enqueue(ctx, rtpPacket(t, 4800)))
	require.Eventually(t, func() bool {
		samples, _ := backend.snapshot()
		return len(samples) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, times := backend.snapshot()
	elapsed := times[1].Sub(times[0])
	require.InDelta(t, 100*time.Millisecond, elapsed, float64(50*time.Millisecond))
}

func TestPacerCapsDelayAtMaxPacketDelay(t *testing.T) {
	backend := &fakeBackend{kind: router.MediaKindVideo}
	p := NewPacer(backend, nil)
	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Enqueue(ctx, rtpPacket(t, 0)))
	require.Eventually(t, func() bool {
		samples, _ := backend.snapshot()
		return len(samples) == 1
	}, time.Second, 5*time.Millisecond)

	// A huge timestamp jump would imply a minute of delay; the pacer must
	// cap it at maxPacketDelay instead of stalling the test.
	start := time.Now()
	require.NoError(t, p.Enqueue(ctx, rtpPacket(t, 90000*60)))
	require.Eventually(t, func() bool {
		samples, _ := backend.snapshot()
		return len(samples) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Less(t, time.Since(start), maxPacketDelay+250*time.Millisecond)
}

func TestPacerBypassesNonRTPPayloads(t *testing.T) {
	backend := &fakeBackend{kind: router.MediaKindVideo}
	p := NewPacer(backend, nil)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Enqueue(context.Background(), rtcpPacket(t)))

	require.Eventually(t, func() bool {
		samples, _ := backend.snapshot()
		return len(samples) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPacerEntersCatchupUnderBacklog(t *testing.T) {
	backend := &fakeBackend{kind: router.MediaKindAudio}
	p := NewPacer(backend, nil)
	// Don't Start the delivery loop yet: queue a backlog past
	// catchupThreshold so the next drained sample observes len(queue)
	// >= catchupThreshold and takes the catch-up branch.
	ctx := context.Background()
	for i := 0; i < catchupThreshold+2; i++ {
		require.NoError(t, p.Enqueue(ctx, rtpPacket(t, uint32(i*960))))
	}

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		samples, _ := backend.snapshot()
		return len(samples) == catchupThreshold+2
	}, 2*time.Second, 5*time.Millisecond)

	require.GreaterOrEqual(t, p.Stats().CatchupEvents, uint64(1))
}

func TestPacerStatsTrackSentCount(t *testing.T) {
	backend := &fakeBackend{kind: router.MediaKindVideo}
	p := NewPacer(backend, nil)
	p.Start()
	defer p.Stop()

	ctx := context.Background()
	require.NoError(t, p.Enqueue(ctx, rtpPacket(t, 0)))
	require.NoError(t, p.Enqueue(ctx, rtpPacket(t, 90)))

	require.Eventually(t, func() bool {
		return p.Stats().Sent == 2
	}, 2*time.Second, 5*time.Millisecond)
}
