// Package frame implements the length-prefixed wire codec shared by every
// QUIC stream a Call opens: [type:1][length:2 BE][payload].
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPayloadSize is the largest payload a single frame can carry. The
// length field is a 16-bit big-endian unsigned integer.
const MaxPayloadSize = 65535

// HeaderSize is the number of bytes preceding the payload in every frame.
const HeaderSize = 3

// StreamType identifies which logical stream a frame belongs to. Values
// match the wire encoding exactly; do not renumber.
type StreamType byte

const (
	StreamTypeAudio        StreamType = 0x20
	StreamTypeVideo        StreamType = 0x21
	StreamTypeScreenShare  StreamType = 0x22
	StreamTypeRtcpFeedback StreamType = 0x23
	StreamTypeData         StreamType = 0x24
)

func (t StreamType) String() string {
	switch t {
	case StreamTypeAudio:
		return "audio"
	case StreamTypeVideo:
		return "video"
	case StreamTypeScreenShare:
		return "screen-share"
	case StreamTypeData:
		return "data"
	case StreamTypeRtcpFeedback:
		return "rtcp-feedback"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Valid reports whether t is one of the five defined stream types.
func (t StreamType) Valid() bool {
	switch t {
	case StreamTypeAudio, StreamTypeVideo, StreamTypeScreenShare, StreamTypeData, StreamTypeRtcpFeedback:
		return true
	default:
		return false
	}
}

// Priority returns the scheduling priority implied by t. RtcpFeedback and
// Audio are High, Video and ScreenShare are Medium, Data is Low.
func (t StreamType) Priority() Priority {
	switch t {
	case StreamTypeAudio, StreamTypeRtcpFeedback:
		return PriorityHigh
	case StreamTypeVideo, StreamTypeScreenShare:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Priority orders stream types for scheduling purposes.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

var (
	// ErrOversizedPayload is returned by Frame when the payload exceeds
	// MaxPayloadSize.
	ErrOversizedPayload = errors.New("frame: payload exceeds maximum size")
	// ErrTruncated is returned by Unframe/SplitFrames when the buffer
	// ends before a complete frame has been read.
	ErrTruncated = errors.New("frame: truncated frame")
	// ErrInvalidStreamType is returned when a frame's type byte is not
	// one of the defined StreamType values.
	ErrInvalidStreamType = errors.New("frame: invalid stream type")
)

// Frame encodes a single typed frame onto the wire.
func Frame(t StreamType, payload []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidStreamType, byte(t))
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedPayload, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Unframe decodes exactly one frame from the front of buf, returning the
// stream type, a view onto the payload (no copy), and the number of bytes
// consumed. It returns ErrTruncated if buf does not yet contain a full
// frame, and ErrInvalidStreamType if the type byte is unrecognized.
func Unframe(buf []byte) (t StreamType, payload []byte, consumed int, err error) {
	if len(buf) < HeaderSize {
		return 0, nil, 0, ErrTruncated
	}

	t = StreamType(buf[0])
	if !t.Valid() {
		return 0, nil, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidStreamType, byte(t))
	}

	length := int(binary.BigEndian.Uint16(buf[1:3]))
	total := HeaderSize + length
	if len(buf) < total {
		return 0, nil, 0, ErrTruncated
	}

	return t, buf[HeaderSize:total], total, nil
}

// SplitFrames decodes every complete frame at the front of buf, returning
// the decoded frames and the leftover bytes (a partial frame) that were
// not consumed. SplitFrames never returns ErrTruncated: a
// trailing partial frame is simply left unconsumed for the caller to
// append future reads to. It still returns ErrInvalidStreamType if an
// unrecognized type byte is encountered.
func SplitFrames(buf []byte) (frames []Decoded, remainder []byte, err error) {
	offset := 0
	for offset < len(buf) {
		t, payload, consumed, uerr := Unframe(buf[offset:])
		if uerr != nil {
			if errors.Is(uerr, ErrTruncated) {
				break
			}
			return frames, buf[offset:], uerr
		}
		frames = append(frames, Decoded{Type: t, Payload: payload})
		offset += consumed
	}
	return frames, buf[offset:], nil
}

// Decoded is one frame produced by SplitFrames.
type Decoded struct {
	Type    StreamType
	Payload []byte
}
