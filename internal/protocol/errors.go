package protocol

import "errors"

// Framing errors. The server's read loop ends the session on
// ErrMalformedFrame and ErrOversizeFrame. ErrUnknownType is not returned
// by this package: Decode passes unknown tags through to the dispatcher,
// and a body too short for the envelope header fails with
// ErrMalformedFrame.
var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrOversizeFrame  = errors.New("protocol: oversize frame")
	ErrUnknownType    = errors.New("protocol: unknown message type")
)
