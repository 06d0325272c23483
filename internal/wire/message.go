// Package wire implements the PostgreSQL v3 wire protocol's message
// framing: tagged, length-prefixed byte buffers read from and written to
// a stream, plus the distinct startup-message/CancelRequest read path.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frontend message tags.
const (
	Query       byte = 'Q'
	Parse       byte = 'P'
	Bind        byte = 'B'
	Describe    byte = 'D'
	Execute     byte = 'E'
	Sync        byte = 'S'
	Flush       byte = 'H'
	Close       byte = 'C'
	Terminate   byte = 'X'
	CopyData    byte = 'd'
	CopyDone    byte = 'c'
	CopyFail    byte = 'f'
	PasswordMsg byte = 'p'
)

// Backend message tags.
const (
	Authentication      byte = 'R'
	ParameterStatus     byte = 'S'
	BackendKeyData      byte = 'K'
	ReadyForQuery       byte = 'Z'
	RowDescription      byte = 'T'
	DataRow             byte = 'D'
	CommandComplete     byte = 'C'
	EmptyQueryResponse  byte = 'I'
	ErrorResponse       byte = 'E'
	NoticeResponse      byte = 'N'
	CopyInResponse      byte = 'G'
	CopyOutResponse     byte = 'H'
	CopyBothResponse    byte = 'W'
	ParseComplete       byte = '1'
	BindComplete        byte = '2'
	CloseComplete       byte = '3'
	NoData              byte = 'n'
	ParameterDescription byte = 't'
	NotificationResponse byte = 'A'
	NegotiateProtoVer    byte = 'v'
)

// Transaction status bytes carried in ReadyForQuery.
const (
	TxIdle  byte = 'I'
	TxBlock byte = 'T'
	TxError byte = 'E'
)

const (
	protoVersion3   = 3 << 16
	sslRequestCode  = 80877103
	cancelRequestCode = 80877102
	maxStartupLen   = 10000
	maxFrameLen     = 1 << 24 // OversizeFrame cap; configurable cap lives above this package
)

// Message is an owned byte buffer holding one protocol frame: a one-byte
// tag, a 4-byte big-endian length (inclusive of itself, exclusive of the
// tag byte), and a body. Invariants: Tag is the frame's tag byte; Body is
// the frame's payload with no length prefix attached.
type Message struct {
	Tag  byte
	Body []byte
}

// ErrShortRead is returned when the stream ends before a full frame (or
// the startup/length prefix) has been read.
var ErrShortRead = io.ErrUnexpectedEOF

// ErrOversizeFrame is returned when a declared frame length exceeds the
// configured cap.
type ErrOversizeFrame struct {
	Declared int
	Max      int
}

func (e *ErrOversizeFrame) Error() string {
	return fmt.Sprintf("oversize frame: declared length %d exceeds max %d", e.Declared, e.Max)
}

// ReadMessage reads one tagged frame from r. Fails with ErrShortRead on
// premature EOF or *ErrOversizeFrame if the declared length exceeds
// maxFrameLen.
func ReadMessage(r io.Reader) (Message, error) {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return Message{}, ErrShortRead
	}
	if _, err := io.ReadFull(r, head[1:5]); err != nil {
		return Message{}, ErrShortRead
	}
	declared := int(binary.BigEndian.Uint32(head[1:5]))
	bodyLen := declared - 4
	if bodyLen < 0 || declared > maxFrameLen {
		return Message{}, &ErrOversizeFrame{Declared: declared, Max: maxFrameLen}
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, ErrShortRead
		}
	}
	return Message{Tag: head[0], Body: body}, nil
}

// WriteMessage writes the raw frame for msg.
func WriteMessage(w io.Writer, msg Message) error {
	buf := make([]byte, 1+4+len(msg.Body))
	buf[0] = msg.Tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(msg.Body)))
	copy(buf[5:], msg.Body)
	_, err := w.Write(buf)
	return err
}

// WriteMany writes msgs in order. If w is also a Flusher, Flush is called
// once after all messages have been written.
func WriteMany(w io.Writer, msgs []Message) error {
	for _, m := range msgs {
		if err := WriteMessage(w, m); err != nil {
			return err
		}
	}
	if f, ok := w.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Flusher is implemented by buffered writers that need an explicit flush
// after WriteMany.
type Flusher interface {
	Flush() error
}

// Validate checks that a Message's Body length is within the frame cap;
// the Tag is not checked.
func (m Message) Validate() error {
	if len(m.Body) > maxFrameLen {
		return &ErrOversizeFrame{Declared: len(m.Body) + 4, Max: maxFrameLen}
	}
	return nil
}
