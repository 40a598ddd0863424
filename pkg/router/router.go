// Package router classifies raw media-stream payloads as RTP or RTCP,
// maps RTP payload types to media kinds, and decodes RTCP packets for
// diagnostics. The byte-level classification heuristic must run before
// a payload is known to be well-formed, so it is evaluated directly on
// the raw bytes rather than by attempting a pion/rtp unmarshal first.
package router

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Kind is the protocol classification of a received datagram/stream
// payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindRTP
	KindRTCP
)

func (k Kind) String() string {
	switch k {
	case KindRTP:
		return "rtp"
	case KindRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// Classify applies the RTP/RTCP disambiguation heuristic used when both
// protocols are multiplexed onto the same channel: a payload is RTCP if
// its second byte (the packet type) falls in [200, 211]; otherwise it is
// RTP if its first byte has the version-2 high bits (0x80) set. Anything
// else is KindUnknown.
func Classify(b []byte) Kind {
	if len(b) < 2 {
		return KindUnknown
	}
	if b[1] >= 200 && b[1] <= 211 {
		return KindRTCP
	}
	if b[0]&0xC0 == 0x80 {
		return KindRTP
	}
	return KindUnknown
}

// MediaKind is the media type implied by an RTP payload type.
type MediaKind int

const (
	MediaKindUnknown MediaKind = iota
	MediaKindAudio
	MediaKindVideo
)

func (m MediaKind) String() string {
	switch m {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// PayloadTypeTable maps the common statically-assigned and commonly
// negotiated dynamic RTP payload types to a media kind. Dynamic types
// (96-127) are ambiguous without out-of-band negotiation; callers that
// know the negotiated mapping should consult MediaConstraints/
// MediaCapabilities instead of this table for those values.
var PayloadTypeTable = map[uint8]MediaKind{
	0:   MediaKindAudio, // PCMU
	8:   MediaKindAudio, // PCMA
	9:   MediaKindAudio, // G722
	96:  MediaKindVideo, // commonly negotiated VP8/H264
	97:  MediaKindAudio, // commonly negotiated Opus
	98:  MediaKindVideo,
	111: MediaKindAudio,
}

// MediaKindForPayloadType looks up pt in PayloadTypeTable.
func MediaKindForPayloadType(pt uint8) MediaKind {
	if kind, ok := PayloadTypeTable[pt]; ok {
		return kind
	}
	return MediaKindUnknown
}

// DecodeRTPHeader decodes just the RTP header (not the payload) from b,
// for payload-type extraction and diagnostics.
func DecodeRTPHeader(b []byte) (*rtp.Header, error) {
	h := &rtp.Header{}
	if _, err := h.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("router: decode RTP header: %w", err)
	}
	return h, nil
}

// DecodeRTCP decodes b into one or more concrete rtcp.Packet values for
// diagnostics and logging.
func DecodeRTCP(b []byte) ([]rtcp.Packet, error) {
	packets, err := rtcp.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("router: decode RTCP: %w", err)
	}
	return packets, nil
}
