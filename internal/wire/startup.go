package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StartupMessage is the unlabeled, length-prefixed frame a frontend sends
// to open a session: a protocol-version int32 followed by a null-terminated
// key/value parameter list, terminated by an empty key. CancelRequest uses
// the same shape with a distinct protocol code and a fixed 8-byte body.
type StartupMessage struct {
	ProtocolVersion uint32
	Params          map[string]string
	Raw             []byte // the full frame, including its 4-byte length prefix

	// IsCancelRequest, BackendPID and BackendSecret are populated instead
	// of Params when ProtocolVersion is the CancelRequest code.
	IsCancelRequest bool
	BackendPID      uint32
	BackendSecret   uint32
}

// ReadStartupMessage reads one length-prefixed, untagged frame and parses
// it as either a regular startup message, an SSLRequest/GSSENCRequest (the
// caller is expected to loop after handling the 1-byte response), or a
// CancelRequest.
func ReadStartupMessage(r io.Reader) (StartupMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return StartupMessage{}, ErrShortRead
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if msgLen < 8 || msgLen > maxStartupLen {
		return StartupMessage{}, fmt.Errorf("invalid startup message length: %d", msgLen)
	}

	body := make([]byte, msgLen-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return StartupMessage{}, ErrShortRead
	}

	raw := make([]byte, msgLen)
	copy(raw[:4], lenBuf[:])
	copy(raw[4:], body)

	protoVersion := binary.BigEndian.Uint32(body[:4])

	if protoVersion == cancelRequestCode {
		if len(body) < 12 {
			return StartupMessage{}, fmt.Errorf("short CancelRequest body")
		}
		return StartupMessage{
			ProtocolVersion: protoVersion,
			Raw:             raw,
			IsCancelRequest: true,
			BackendPID:      binary.BigEndian.Uint32(body[4:8]),
			BackendSecret:   binary.BigEndian.Uint32(body[8:12]),
		}, nil
	}

	if protoVersion == sslRequestCode || isGSSENCRequest(protoVersion) {
		return StartupMessage{ProtocolVersion: protoVersion, Raw: raw}, nil
	}

	params := make(map[string]string)
	data := body[4:]
	for len(data) > 1 {
		keyEnd := indexByte(data, 0)
		if keyEnd < 0 {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := indexByte(data, 0)
		if valEnd < 0 {
			break
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		params[key] = value
	}

	return StartupMessage{ProtocolVersion: protoVersion, Params: params, Raw: raw}, nil
}

const gssencRequestCode = 80877104

func isGSSENCRequest(v uint32) bool { return v == gssencRequestCode }

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// IsSSLRequest reports whether a StartupMessage is an SSLRequest.
func (s StartupMessage) IsSSLRequest() bool { return s.ProtocolVersion == sslRequestCode }

// IsGSSENCRequest reports whether a StartupMessage is a GSSENCRequest.
func (s StartupMessage) IsGSSENCRequest() bool { return isGSSENCRequest(s.ProtocolVersion) }

// BuildStartupMessage serializes params into a fresh startup message frame
// at protocol 3.0, for use when (re)connecting to a backend.
func BuildStartupMessage(params map[string]string) []byte {
	var bodyTail []byte
	for k, v := range params {
		bodyTail = append(bodyTail, k...)
		bodyTail = append(bodyTail, 0)
		bodyTail = append(bodyTail, v...)
		bodyTail = append(bodyTail, 0)
	}
	bodyTail = append(bodyTail, 0)

	body := make([]byte, 4+len(bodyTail))
	binary.BigEndian.PutUint32(body[:4], protoVersion3)
	copy(body[4:], bodyTail)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	return msg
}

// BuildCancelRequest serializes a CancelRequest frame for the given backend
// key data, to be sent over a fresh side connection per spec.
func BuildCancelRequest(pid, secret uint32) []byte {
	msg := make([]byte, 16)
	binary.BigEndian.PutUint32(msg[0:4], 16)
	binary.BigEndian.PutUint32(msg[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(msg[8:12], pid)
	binary.BigEndian.PutUint32(msg[12:16], secret)
	return msg
}
