package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// HeaderSize is the width of the length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds the declared payload length a decoder will
	// accept. A peer announcing more than this is misbehaving; accepting it
	// would let a single frame exhaust server memory.
	DefaultMaxFrameSize = 1 << 20 // 1 MiB

	// DefaultChunkSize is the ceiling for the Binary payload of one DATA
	// frame. Base64 expansion plus the JSON envelope must still fit under
	// the frame limit, so this is kept well below DefaultMaxFrameSize.
	DefaultChunkSize = 64 << 10 // 64 KiB
)

// Encode serializes body and writes it to w as one length-prefixed frame.
func Encode(w io.Writer, body *Body) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal frame body: %w", err)
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	// Single write so a frame is never split by a concurrent writer.
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, header[:]...)
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads frames from a byte stream. It is not safe for concurrent
// use; each connection owns exactly one Decoder.
type Decoder struct {
	r        io.Reader
	maxFrame uint32
}

// NewDecoder returns a Decoder reading from r. maxFrame caps the declared
// payload length; zero selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrame uint32) *Decoder {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{r: r, maxFrame: maxFrame}
}

// Decode blocks until one full frame is available and returns its body.
//
// A clean connection close between frames returns io.EOF. A close in the
// middle of a frame returns io.ErrUnexpectedEOF. An oversized length prefix
// or an unparseable payload returns a *ReasonError with ReasonFraming,
// which is connection-fatal: the stream position is no longer trustworthy.
func (d *Decoder) Decode() (*Body, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > d.maxFrame {
		return nil, Errorf(ReasonFraming, "declared payload of %d bytes exceeds limit of %d", length, d.maxFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	var body Body
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, Errorf(ReasonFraming, "malformed frame payload: %v", err)
	}

	switch body.Type {
	case TypeRequest, TypeResponse, TypeData, TypeError:
	default:
		return nil, Errorf(ReasonFraming, "unknown message type %q", body.Type)
	}

	return &body, nil
}
