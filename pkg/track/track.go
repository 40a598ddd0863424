// Package track implements the Track Backend: the producer/consumer
// boundary between a Call's media transport and whatever feeds or
// consumes raw media samples (a capture device, a decoder, a legacy
// WebRTC bridge). This package only owns the QUIC-native backend; any
// other Backend (e.g. a legacy WebRTC bridge used to interoperate with
// browsers that do not speak this protocol) is an external collaborator
// implementing the same interface.
package track

import (
	"context"
	"errors"
	"fmt"

	"github.com/saorsa-labs/saorsa-webrtc/pkg/frame"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/logger"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/router"
	"github.com/saorsa-labs/saorsa-webrtc/pkg/transport"
)

// ErrClosed is returned by WriteSample/ReadSample after Close.
var ErrClosed = errors.New("track: backend closed")

// Backend is the contract any track implementation must satisfy: write
// outbound samples, read inbound samples, report the media kind carried,
// and close. It has no method that reports connection readiness or
// traffic stats.
type Backend interface {
	WriteSample(ctx context.Context, payload []byte) error
	ReadSample(ctx context.Context) ([]byte, error)
	Kind() router.MediaKind
	Close() error
}

// QUICBackend is the Backend implementation built directly on the Media
// Transport: every WriteSample sends one frame on the transport's
// stream for streamType, and every ReadSample returns the next frame
// received on that same stream.
type QUICBackend struct {
	t          *transport.Transport
	streamType frame.StreamType
	kind       router.MediaKind
	log        *logger.Logger

	closed chan struct{}
}

// NewQUICBackend builds a Backend that reads/writes streamType frames on
// t. kind describes the media carried (used for diagnostics and stats
// only; the transport layer is media-agnostic).
func NewQUICBackend(t *transport.Transport, streamType frame.StreamType, kind router.MediaKind, log *logger.Logger) *QUICBackend {
	return &QUICBackend{
		t:          t,
		streamType: streamType,
		kind:       kind,
		log:        log,
		closed:     make(chan struct{}),
	}
}

func (b *QUICBackend) WriteSample(ctx context.Context, payload []byte) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	if err := b.t.Send(ctx, b.streamType, payload); err != nil {
		return fmt.Errorf("track: write sample: %w", err)
	}
	if b.log != nil {
		b.log.DebugTrack("sample written", "stream", b.streamType.String(), "bytes", len(payload))
	}
	return nil
}

func (b *QUICBackend) ReadSample(ctx context.Context) ([]byte, error) {
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	payload, err := b.t.ReceiveKind(ctx, b.streamType)
	if err != nil {
		return nil, fmt.Errorf("track: read sample: %w", err)
	}
	return payload, nil
}

func (b *QUICBackend) Kind() router.MediaKind { return b.kind }

// Close marks the backend closed. It does not close the underlying
// transport, which may still be serving other track backends and RTCP
// feedback for the same Call.
func (b *QUICBackend) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
		return nil
	}
}
