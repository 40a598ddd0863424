// Package transport implements the Media Transport: a single QUIC
// connection carrying RTP/RTCP media and application data on typed,
// prioritized, multiplexed streams. Call signaling travels separately,
// through pkg/signaling. One quic.Stream is opened per
// StreamType; the Framing Codec (pkg/frame) delimits discrete messages
// within each stream's byte flow.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/frame"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/logger"
)

// State is the MediaTransportState from the data model.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected      = errors.New("transport: not connected")
	ErrAlreadyConnecting = errors.New("transport: handshake already in progress or complete")
	ErrUnknownStreamType = errors.New("transport: unknown stream type")
	ErrClosed            = errors.New("transport: closed")
)

// orderedStreamTypes fixes the order streams are opened/accepted in so
// both sides agree on how many streams to expect during the handshake.
var orderedStreamTypes = []frame.StreamType{
	frame.StreamTypeRtcpFeedback,
	frame.StreamTypeAudio,
	frame.StreamTypeVideo,
	frame.StreamTypeScreenShare,
	frame.StreamTypeData,
}

// Config holds the Media Transport's tunables from the configuration
// surface.
type Config struct {
	QueueBounds      map[frame.StreamType]int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueBounds: map[frame.StreamType]int{
			frame.StreamTypeAudio:        256,
			frame.StreamTypeVideo:        128,
			frame.StreamTypeScreenShare:  64,
			frame.StreamTypeData:         64,
			frame.StreamTypeRtcpFeedback: 256,
		},
		HandshakeTimeout: 5 * time.Second,
	}
}

func (c Config) boundFor(t frame.StreamType) int {
	if n, ok := c.QueueBounds[t]; ok && n > 0 {
		return n
	}
	return 64
}

// Stats is a point-in-time snapshot of one stream's traffic counters.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
	FramesSent    uint64
	FramesReceived uint64
}

type streamRecord struct {
	typ    frame.StreamType
	stream quic.Stream
	sendMu sync.Mutex

	queue chan frame.Decoded

	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
}

func (r *streamRecord) snapshot() Stats {
	return Stats{
		BytesSent:      r.bytesSent.Load(),
		BytesReceived:  r.bytesReceived.Load(),
		FramesSent:     r.framesSent.Load(),
		FramesReceived: r.framesReceived.Load(),
	}
}

// Transport multiplexes a Call's media and RTCP feedback over one QUIC
// connection.
type Transport struct {
	conn   quic.Connection
	cfg    Config
	logger *logger.Logger

	mu      sync.RWMutex
	state   State
	streams map[frame.StreamType]*streamRecord

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wraps conn as a Media Transport. conn is expected to already be an
// established QUIC connection; establishing it (including any address
// discovery/NAT traversal) is the caller's responsibility.
func New(conn quic.Connection, cfg Config, log *logger.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		conn:    conn,
		cfg:     cfg,
		logger:  log,
		state:   StateConnecting,
		streams: make(map[frame.StreamType]*streamRecord, len(orderedStreamTypes)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect performs the initiator side of the stream handshake: it opens
// one stream per StreamType, in orderedStreamTypes order, and sends a
// zero-length announcement frame on each so the peer's Accept can learn
// which logical stream each QUIC stream carries.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.beginHandshake(); err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	for _, typ := range orderedStreamTypes {
		qs, err := t.conn.OpenStreamSync(hctx)
		if err != nil {
			t.fail(err)
			return fmt.Errorf("transport: open %s stream: %w", typ, err)
		}
		announce, err := frame.Frame(typ, nil)
		if err != nil {
			t.fail(err)
			return err
		}
		if _, err := qs.Write(announce); err != nil {
			t.fail(err)
			return fmt.Errorf("transport: announce %s stream: %w", typ, err)
		}
		t.registerStream(typ, qs)
	}

	t.finishHandshake()
	return nil
}

// Accept performs the responder side of the stream handshake: it accepts
// exactly len(orderedStreamTypes) streams and learns each one's
// StreamType from its first frame.
func (t *Transport) Accept(ctx context.Context) error {
	if err := t.beginHandshake(); err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	for i := 0; i < len(orderedStreamTypes); i++ {
		qs, err := t.conn.AcceptStream(hctx)
		if err != nil {
			t.fail(err)
			return fmt.Errorf("transport: accept stream %d/%d: %w", i+1, len(orderedStreamTypes), err)
		}
		typ, _, err := readOneFrame(qs)
		if err != nil {
			t.fail(err)
			return fmt.Errorf("transport: read announcement: %w", err)
		}
		t.registerStream(typ, qs)
	}

	t.finishHandshake()
	return nil
}

func (t *Transport) beginHandshake() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnecting {
		return ErrAlreadyConnecting
	}
	return nil
}

func (t *Transport) finishHandshake() {
	t.mu.Lock()
	t.state = StateConnected
	t.mu.Unlock()

	t.wg.Add(1)
	go t.watchConnection()
}

func (t *Transport) registerStream(typ frame.StreamType, qs quic.Stream) {
	rec := &streamRecord{
		typ:    typ,
		stream: qs,
		queue:  make(chan frame.Decoded, t.cfg.boundFor(typ)),
	}

	t.mu.Lock()
	t.streams[typ] = rec
	t.mu.Unlock()

	t.wg.Add(1)
	go t.streamReader(rec)
}

func (t *Transport) streamReader(rec *streamRecord) {
	defer t.wg.Done()
	for {
		typ, payload, err := readOneFrame(rec.stream)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.fail(fmt.Errorf("transport: read %s stream: %w", rec.typ, err))
			return
		}

		rec.bytesReceived.Add(uint64(len(payload)))
		rec.framesReceived.Add(1)

		select {
		case rec.queue <- frame.Decoded{Type: typ, Payload: payload}:
		case <-t.ctx.Done():
			return
		}

		if t.logger != nil {
			t.logger.DebugTransport("frame received", "stream", rec.typ.String(), "bytes", len(payload))
		}
	}
}

func (t *Transport) watchConnection() {
	defer t.wg.Done()
	select {
	case <-t.conn.Context().Done():
		cause := context.Cause(t.conn.Context())
		if cause != nil && !errors.Is(cause, context.Canceled) {
			t.fail(cause)
		}
	case <-t.ctx.Done():
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.state == StateFailed || t.state == StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Error("transport failed", "error", err)
	}
	t.cancel()
}

// Send frames payload and writes it to the stream for typ. When ctx has a
// deadline it becomes the stream's write deadline for this write;
// cancelling a ctx that has no deadline does not interrupt a write that
// is blocked on stream backpressure.
func (t *Transport) Send(ctx context.Context, typ frame.StreamType, payload []byte) error {
	t.mu.RLock()
	state := t.state
	rec, ok := t.streams[typ]
	t.mu.RUnlock()

	if state != StateConnected {
		return ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStreamType, typ)
	}

	encoded, err := frame.Frame(typ, payload)
	if err != nil {
		return err
	}

	rec.sendMu.Lock()
	defer rec.sendMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = rec.stream.SetWriteDeadline(dl)
	} else {
		_ = rec.stream.SetWriteDeadline(time.Time{})
	}
	if _, err := rec.stream.Write(encoded); err != nil {
		return fmt.Errorf("transport: write %s stream: %w", typ, err)
	}

	rec.bytesSent.Add(uint64(len(payload)))
	rec.framesSent.Add(1)
	return nil
}

// Receive returns the next available frame across all streams, draining
// higher-priority bands (RTCP feedback and audio) ahead of medium
// (video, screen share) and low (data) bands whenever more than one band
// has a frame ready.
func (t *Transport) Receive(ctx context.Context) (frame.StreamType, []byte, error) {
	high, medium, low, err := t.bandChannels()
	if err != nil {
		return 0, nil, err
	}

	for {
		select {
		case d := <-high[0]:
			return d.Type, d.Payload, nil
		case d := <-high[1]:
			return d.Type, d.Payload, nil
		default:
		}

		select {
		case d := <-medium[0]:
			return d.Type, d.Payload, nil
		case d := <-medium[1]:
			return d.Type, d.Payload, nil
		default:
		}

		select {
		case d := <-low[0]:
			return d.Type, d.Payload, nil
		default:
		}

		select {
		case d := <-high[0]:
			return d.Type, d.Payload, nil
		case d := <-high[1]:
			return d.Type, d.Payload, nil
		case d := <-medium[0]:
			return d.Type, d.Payload, nil
		case d := <-medium[1]:
			return d.Type, d.Payload, nil
		case d := <-low[0]:
			return d.Type, d.Payload, nil
		case <-t.ctx.Done():
			return 0, nil, ErrNotConnected
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
}

// ReceiveKind blocks until a frame arrives on the stream for typ
// specifically, for Track Backends that only care about one kind.
func (t *Transport) ReceiveKind(ctx context.Context, typ frame.StreamType) ([]byte, error) {
	t.mu.RLock()
	rec, ok := t.streams[typ]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStreamType, typ)
	}

	select {
	case d := <-rec.queue:
		return d.Payload, nil
	case <-t.ctx.Done():
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) bandChannels() (high, medium, low [2]chan frame.Decoded, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rtcpRec, ok := t.streams[frame.StreamTypeRtcpFeedback]
	if !ok {
		return high, medium, low, ErrNotConnected
	}
	audioRec := t.streams[frame.StreamTypeAudio]
	videoRec := t.streams[frame.StreamTypeVideo]
	screenRec := t.streams[frame.StreamTypeScreenShare]
	dataRec := t.streams[frame.StreamTypeData]

	high[0] = rtcpRec.queue
	if audioRec != nil {
		high[1] = audioRec.queue
	}
	if videoRec != nil {
		medium[0] = videoRec.queue
	}
	if screenRec != nil {
		medium[1] = screenRec.queue
	}
	if dataRec != nil {
		low[0] = dataRec.queue
	}
	return high, medium, low, nil
}

// Stats returns a snapshot of counters for one stream type.
func (t *Transport) Stats(typ frame.StreamType) (Stats, error) {
	t.mu.RLock()
	rec, ok := t.streams[typ]
	t.mu.RUnlock()
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownStreamType, typ)
	}
	return rec.snapshot(), nil
}

// StatsByPriority aggregates Stats across all streams sharing a priority
// band.
func (t *Transport) StatsByPriority() map[frame.Priority]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[frame.Priority]Stats, 3)
	for typ, rec := range t.streams {
		s := out[typ.Priority()]
		snap := rec.snapshot()
		s.BytesSent += snap.BytesSent
		s.BytesReceived += snap.BytesReceived
		s.FramesSent += snap.FramesSent
		s.FramesReceived += snap.FramesReceived
		out[typ.Priority()] = s
	}
	return out
}

// State returns the current MediaTransportState.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Close tears down every stream and the underlying QUIC connection.
// Close is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateDisconnected
		streams := make([]*streamRecord, 0, len(t.streams))
		for _, rec := range t.streams {
			streams = append(streams, rec)
		}
		t.mu.Unlock()

		t.cancel()
		for _, rec := range streams {
			rec.stream.CancelRead(0)
			_ = rec.stream.Close()
		}
		err = t.conn.CloseWithError(0, "transport closed")
		t.wg.Wait()
	})
	return err
}

// readOneFrame reads exactly one length-prefixed frame from s.
func readOneFrame(s quic.Stream) (frame.StreamType, []byte, error) {
	header := make([]byte, frame.HeaderSize)
	if _, err := io.ReadFull(s, header); err != nil {
		return 0, nil, err
	}

	typ := frame.StreamType(header[0])
	if !typ.Valid() {
		return 0, nil, fmt.Errorf("%w: 0x%02x", frame.ErrInvalidStreamType, byte(typ))
	}

	length := int(binary.BigEndian.Uint16(header[1:3]))
	if length == 0 {
		return typ, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}
