package wire

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Tag: Query, Body: []byte("SELECT 1\x00")}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Tag != msg.Tag || !bytes.Equal(got.Body, msg.Body) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestReadMessageShortRead(t *testing.T) {
	buf := bytes.NewBuffer([]byte{'Q', 0, 0, 0})
	if _, err := ReadMessage(buf); err != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestReadMessageOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('Q')
	lenBuf := make([]byte, 4)
	// Declare a length far beyond maxFrameLen.
	lenBuf[0] = 0xFF
	lenBuf[1] = 0xFF
	lenBuf[2] = 0xFF
	lenBuf[3] = 0xFF
	buf.Write(lenBuf)

	_, err := ReadMessage(&buf)
	var oversize *ErrOversizeFrame
	if err == nil {
		t.Fatal("expected error")
	}
	if !asOversize(err, &oversize) {
		t.Fatalf("expected ErrOversizeFrame, got %v (%T)", err, err)
	}
}

func asOversize(err error, target **ErrOversizeFrame) bool {
	if e, ok := err.(*ErrOversizeFrame); ok {
		*target = e
		return true
	}
	return false
}

func TestWriteMany(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		{Tag: ParseComplete, Body: nil},
		{Tag: BindComplete, Body: nil},
	}
	if err := WriteMany(&buf, msgs); err != nil {
		t.Fatalf("write many: %v", err)
	}
	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Tag != want.Tag {
			t.Fatalf("tag mismatch: got %c want %c", got.Tag, want.Tag)
		}
	}
}

func TestFrameReaderResumable(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Tag: Query, Body: []byte("SELECT 1\x00")}
	WriteMessage(&buf, msg)

	fr := NewFrameReader(&buf)
	got, err := fr.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Tag != msg.Tag || !bytes.Equal(got.Body, msg.Body) {
		t.Fatalf("mismatch: got %+v want %+v", got, msg)
	}
}

func TestBuildAndParseCancelRequest(t *testing.T) {
	raw := BuildCancelRequest(4242, 99)
	got, err := ReadStartupMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.IsCancelRequest || got.BackendPID != 4242 || got.BackendSecret != 99 {
		t.Fatalf("unexpected cancel request: %+v", got)
	}
}

func TestBuildAndParseStartupMessage(t *testing.T) {
	raw := BuildStartupMessage(map[string]string{"user": "alice", "database": "app"})
	got, err := ReadStartupMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Params["user"] != "alice" || got.Params["database"] != "app" {
		t.Fatalf("unexpected params: %+v", got.Params)
	}
}
