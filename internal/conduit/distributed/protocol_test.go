package distributed

import (
	"bytes"
	"errors"
	"testing"

	"github.com/seantiz/forge/internal/blackboard"
	"github.com/seantiz/forge/internal/model"
)

func TestWriteReadSuspend(t *testing.T) {
	bb := blackboard.New()
	bb.Set("State", blackboard.Vector(0.1, 0.2))
	nested := blackboard.New()
	nested.Set("Depth", blackboard.Scalar(3))
	bb.Set("Custom Settings", blackboard.Map(nested))

	original := Message{
		Type:       MsgSuspend,
		RunID:      "01RUN",
		SampleID:   4,
		Keys:       []string{"Action"},
		Blackboard: bb,
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Type != MsgSuspend || decoded.SampleID != 4 || decoded.RunID != "01RUN" {
		t.Errorf("envelope = %+v", decoded)
	}
	if len(decoded.Keys) != 1 || decoded.Keys[0] != "Action" {
		t.Errorf("Keys = %v, want [Action]", decoded.Keys)
	}
	if !bb.Equal(decoded.Blackboard) {
		t.Error("blackboard changed across the wire")
	}
}

func TestWriteReadHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &Message{Type: MsgHeartbeat}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Type != MsgHeartbeat || decoded.Blackboard != nil {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	// Only 2 bytes instead of 4, should fail to read length prefix.
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var msg Message
	if err := ReadMessage(buf, &msg); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0xa0})

	var msg Message
	if err := ReadMessage(&buf, &msg); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	// Length prefix claims MaxMessageSize + 1; rejected before allocating.
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var msg Message
	if err := ReadMessage(&buf, &msg); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestFinishError(t *testing.T) {
	if err := FinishError(&Message{Status: string(model.StatusFinished)}); err != nil {
		t.Errorf("finished sample error = %v, want nil", err)
	}

	err := FinishError(&Message{SampleID: 3, Status: string(model.StatusFailed), ErrorType: "Cancelled", Error: "sample cancelled"})
	if !errors.Is(err, model.ErrCancelled) {
		t.Errorf("cancelled finish = %v, want ErrCancelled", err)
	}

	err = FinishError(&Message{SampleID: 3, Status: string(model.StatusFailed), ErrorType: "MissingKeyError", Error: `blackboard key "Action" is not set`})
	var rerr *model.BodyRuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %T, want *BodyRuntimeError", err)
	}
	if rerr.Type != "MissingKeyError" || rerr.SampleID != 3 || rerr.Err.Error() != `blackboard key "Action" is not set` {
		t.Errorf("rerr = %+v", rerr)
	}
}
