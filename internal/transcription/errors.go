package transcription

import (
	"fmt"
)

// ConnError reports a failed connection attempt: token retrieval, dial, or
// handshake. There is no automatic retry; the caller decides.
type ConnError struct {
	Op  string // "token" or "dial"
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// DisconnectError reports an unexpected close while actively capturing.
// Local capture keeps running; outbound frames are discarded until a new
// connection is initialized.
type DisconnectError struct {
	Err error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("connection closed mid-stream: %v", e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// RemoteError is an error event delivered by the transcription service
// inside an otherwise well-formed message.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transcription service error %s: %s", e.Code, e.Message)
}
