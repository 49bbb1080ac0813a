package distributed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types. START, RESUME and CANCEL flow host to worker; SUSPEND,
// FINISH and HEARTBEAT flow worker to host.
const (
	MsgStart     = "start"
	MsgSuspend   = "suspend"
	MsgResume    = "resume"
	MsgFinish    = "finish"
	MsgCancel    = "cancel"
	MsgHeartbeat = "heartbeat"
)

// Message is the envelope for every frame of a session. A session is one
// connection carrying one sample from START to FINISH.
type Message struct {
	Type       string                 `cbor:"type"`
	RunID      string                 `cbor:"run_id,omitempty"`
	SampleID   int                    `cbor:"sample_id"`
	Body       string                 `cbor:"body,omitempty"`
	Seed       uint64                 `cbor:"seed,omitempty"`
	Policy     string                 `cbor:"policy,omitempty"`
	Heartbeat  time.Duration          `cbor:"heartbeat,omitempty"`
	Keys       []string               `cbor:"keys,omitempty"`
	Blackboard *blackboard.Blackboard `cbor:"blackboard,omitempty"`
	Status     string                 `cbor:"status,omitempty"`
	ErrorType  string                 `cbor:"error_type,omitempty"`
	Error      string                 `cbor:"error,omitempty"`
}

// WriteMessage writes a length-prefixed CBOR message to w.
// The frame format is: 4-byte big-endian length prefix followed by the CBOR payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed CBOR message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// FinishError rebuilds the body error carried by a FINISH frame.
func FinishError(msg *Message) error {
	if model.Status(msg.Status) != model.StatusFailed {
		return nil
	}
	var cause error
	if msg.ErrorType == "Cancelled" {
		cause = model.ErrCancelled
	} else {
		cause = errors.New(msg.Error)
	}
	return &model.BodyRuntimeError{SampleID: msg.SampleID, Type: msg.ErrorType, Err: cause}
}
