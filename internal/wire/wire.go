// ABOUTME: Wire protocol for hub, listener, and client connections over loopback TCP.
// ABOUTME: Frames are CBOR-encoded with a big-endian uint32 length prefix.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/2389/courier/internal/errcode"
)

// FrameType discriminates control and data frames.
type FrameType string

const (
	TypeRegister   FrameType = "register"
	TypeUnregister FrameType = "unregister"
	TypeRoute      FrameType = "route"
	TypeAck        FrameType = "ack"
	TypeError      FrameType = "error"
	TypeDiscover   FrameType = "discover"
	TypeIdentities FrameType = "identities"
	TypeShutdown   FrameType = "shutdown"
	TypePing       FrameType = "ping"
)

// MaxPayloadSize is the largest message payload the hub will route.
const MaxPayloadSize = 1 << 20 // 1 MiB

// MaxFrameSize caps the encoded frame, leaving headroom over the payload
// cap for the envelope fields.
const MaxFrameSize = 2 << 20

// Frame is the single envelope exchanged on every connection. Fields not
// relevant to a frame type are omitted from the encoding.
type Frame struct {
	Type      FrameType `cbor:"type"`
	ID        string    `cbor:"id,omitempty"`
	From      string    `cbor:"from,omitempty"`
	To        string    `cbor:"to,omitempty"`
	Payload   string    `cbor:"payload,omitempty"`
	Timestamp time.Time `cbor:"timestamp,omitempty"`
	Force     bool      `cbor:"force,omitempty"`

	// Error frames.
	Code    string         `cbor:"code,omitempty"`
	Message string         `cbor:"message,omitempty"`
	Details map[string]any `cbor:"details,omitempty"`

	// Identities frames (discover replies).
	Identities []IdentityInfo `cbor:"identities,omitempty"`
}

// IdentityInfo is one registry entry in a discover snapshot.
type IdentityInfo struct {
	Name         string    `cbor:"name" json:"name"`
	RegisteredAt time.Time `cbor:"registered_at" json:"registered_at"`
	Connected    bool      `cbor:"connected" json:"connected"`
}

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewRoute builds a data frame carrying one message. A fresh UUID becomes
// the message ID, which doubles as the recipient's dedup key.
func NewRoute(from, to, payload string) *Frame {
	return &Frame{
		Type:      TypeRoute,
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewError converts a structured error into an error frame.
func NewError(err error) *Frame {
	e := errcode.As(err)
	return &Frame{
		Type:    TypeError,
		Code:    string(e.Code),
		Message: e.Message,
		Details: e.Details,
	}
}

// Err reconstructs the structured error carried by an error frame.
func (f *Frame) Err() error {
	if f.Type != TypeError {
		return nil
	}
	return &errcode.Error{
		Code:    errcode.Code(f.Code),
		Message: f.Message,
		Details: f.Details,
	}
}

// WriteFrame encodes f and writes it with a length prefix. The caller
// controls blocking via a prior SetWriteDeadline.
func WriteFrame(conn net.Conn, f *Frame) error {
	body, err := encMode.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return errcode.New(errcode.MessageTooLarge,
			"frame of %d bytes exceeds limit", len(body)).With("limit", MaxFrameSize)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. Oversized frames are rejected
// before the body is read so a misbehaving peer cannot force a large
// allocation.
func ReadFrame(conn net.Conn) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, errcode.New(errcode.MessageTooLarge,
			"incoming frame of %d bytes exceeds limit", size).With("limit", MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	var f Frame
	if err := decMode.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &f, nil
}

// WriteFrameTimeout writes f with a bounded deadline, clearing it after.
func WriteFrameTimeout(conn net.Conn, f *Frame, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer conn.SetWriteDeadline(time.Time{})
	return WriteFrame(conn, f)
}

// ReadFrameTimeout reads one frame with a bounded deadline, clearing it after.
func ReadFrameTimeout(conn net.Conn, timeout time.Duration) (*Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})
	return ReadFrame(conn)
}
