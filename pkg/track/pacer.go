package track

import (
	"context"
	"sync"
	"time"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/logger"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/router"
)

const (
	// catchupSpeedMultiplier is the drain speed used once the pacer's
	// queue has backed up past catchupThreshold samples.
	catchupSpeedMultiplier = 1.1
	catchupThreshold       = 5
	// maxPacketDelay caps a single pacing delay so a corrupt or
	// wildly out-of-order RTP timestamp can't stall delivery.
	maxPacketDelay = 200 * time.Millisecond
)

func clockRateFor(kind router.MediaKind) uint32 {
	if kind == router.MediaKindAudio {
		return 48000
	}
	return 90000
}

type pacedSample struct {
	payload   []byte
	timestamp uint32
}

// Pacer smooths bursty sample delivery against a Backend by replaying
// each sample's RTP timestamp as wall-clock delay, a leaky bucket that
// absorbs the bursts a QUIC stream's congestion control can release all
// at once. Payloads that don't parse as RTP (RTCP feedback, application
// data) bypass pacing and are delivered immediately.
type Pacer struct {
	backend   Backend
	clockRate uint32
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queue chan pacedSample

	tlMu     sync.Mutex
	lastTS   uint32
	lastSent time.Time
	first    bool

	statsMu        sync.Mutex
	sent           uint64
	burstsAbsorbed uint64
	catchupEvents  uint64
}

// NewPacer creates a Pacer that delivers paced samples to backend.
func NewPacer(backend Backend, log *logger.Logger) *Pacer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pacer{
		backend:   backend,
		clockRate: clockRateFor(backend.Kind()),
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan pacedSample, 32),
		first:     true,
	}
}

// Start begins the pacer's delivery goroutine.
func (p *Pacer) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts pacing and waits for the delivery goroutine to exit.
func (p *Pacer) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Enqueue queues payload for paced delivery. Payloads that are not RTP
// are written to the backend at once. If the queue is full, Enqueue
// counts a burst and then blocks until there is room, ctx is done, or
// the pacer is stopped.
func (p *Pacer) Enqueue(ctx context.Context, payload []byte) error {
	if router.Classify(payload) != router.KindRTP {
		return p.backend.WriteSample(ctx, payload)
	}
	hdr, err := router.DecodeRTPHeader(payload)
	if err != nil {
		return p.backend.WriteSample(ctx, payload)
	}

	sample := pacedSample{payload: payload, timestamp: hdr.Timestamp}
	select {
	case p.queue <- sample:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.statsMu.Lock()
	p.burstsAbsorbed++
	p.statsMu.Unlock()

	select {
	case p.queue <- sample:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *Pacer) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case sample := <-p.queue:
			if err := p.paceOne(sample); err != nil && p.logger != nil {
				p.logger.DebugTrack("pacer failed to deliver sample", "error", err)
			}
		}
	}
}

func (p *Pacer) paceOne(sample pacedSample) error {
	p.tlMu.Lock()
	first := p.first
	lastTS, lastSent := p.lastTS, p.lastSent
	if first {
		p.first = false
		p.lastTS = sample.timestamp
		p.lastSent = time.Now()
	}
	p.tlMu.Unlock()

	if !first {
		delay := p.delayFor(sample.timestamp, lastTS, lastSent)

		if len(p.queue) >= catchupThreshold {
			delay = time.Duration(float64(delay) / catchupSpeedMultiplier)
			p.statsMu.Lock()
			p.catchupEvents++
			p.statsMu.Unlock()
		}
		if delay > maxPacketDelay {
			delay = maxPacketDelay
		}
		if delay < 0 {
			delay = 0
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-p.ctx.Done():
				return p.ctx.Err()
			}
		}
	}

	if err := p.backend.WriteSample(p.ctx, sample.payload); err != nil {
		return err
	}

	p.tlMu.Lock()
	p.lastTS = sample.timestamp
	p.lastSent = time.Now()
	p.tlMu.Unlock()

	p.statsMu.Lock()
	p.sent++
	p.statsMu.Unlock()
	return nil
}

func (p *Pacer) delayFor(currentTS, lastTS uint32, lastSent time.Time) time.Duration {
	var delta uint32
	if currentTS >= lastTS {
		delta = currentTS - lastTS
	} else {
		delta = (0xFFFFFFFF - lastTS) + currentTS + 1
	}

	timestampDelay := time.Duration(delta) * time.Second / time.Duration(p.clockRate)
	actualElapsed := time.Since(lastSent)
	return timestampDelay - actualElapsed
}

// PacerStats is a point-in-time snapshot of one Pacer's counters.
type PacerStats struct {
	Sent           uint64
	BurstsAbsorbed uint64
	CatchupEvents  uint64
	QueueDepth     int
}

// Stats returns a snapshot of the pacer's counters.
func (p *Pacer) Stats() PacerStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return PacerStats{
		Sent:           p.sent,
		BurstsAbsorbed: p.burstsAbsorbed,
		CatchupEvents:  p.catchupEvents,
		QueueDepth:     len(p.queue),
	}
}
