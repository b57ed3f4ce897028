// Package protocol implements the clisend wire protocol: length-prefixed
// JSON frames exchanged between client and server, the typed field payloads
// carried inside them, and the error taxonomy surfaced on the wire.
//
// Frame layout:
//
//	[4-byte big-endian payload length][JSON body of exactly that length]
//
// The JSON body is a Body value. File contents never travel as one giant
// frame: they are split into DATA frames of at most the negotiated chunk
// size, correlated by a transfer ID, so per-transfer memory stays bounded
// and chunks from concurrent sessions can interleave on the connection
// server side.
package protocol

import (
	"errors"
	"fmt"
)

// MessageType classifies a frame body.
type MessageType string

const (
	TypeRequest  MessageType = "REQUEST"
	TypeResponse MessageType = "RESPONSE"
	TypeData     MessageType = "DATA"
	TypeError    MessageType = "ERROR"
)

// Commands understood by the server. The handshake command is CmdHello;
// everything else requires an authenticated session.
const (
	CmdHello  = "hello"
	CmdList   = "ls"
	CmdCopy   = "cp"
	CmdPut    = "put"
	CmdRemove = "rm"
	CmdCut    = "cut"
	CmdExit   = "exit"
)

// Body is the structured payload of one frame.
//
// Fields is command-specific; see the typed structs in fields.go and the
// EncodeFields/DecodeFields helpers. Binary is only populated on DATA
// frames and rides JSON as base64.
type Body struct {
	Type    MessageType    `json:"type"`
	Command string         `json:"command,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Binary  []byte         `json:"binary,omitempty"`
}

// Reason is a machine-readable failure code carried in ERROR frames.
type Reason string

const (
	// Connection-fatal: the offending session is closed.
	ReasonFraming           Reason = "FRAMING_ERROR"
	ReasonProtocolViolation Reason = "PROTOCOL_VIOLATION"

	// Session-recoverable: reported as an ERROR frame, session continues.
	ReasonUnknownCommand Reason = "UNKNOWN_COMMAND"
	ReasonNotFound       Reason = "NOT_FOUND"
	ReasonNotADirectory  Reason = "NOT_A_DIRECTORY"
	ReasonIsADirectory   Reason = "IS_A_DIRECTORY"
	ReasonQuotaExceeded  Reason = "QUOTA_EXCEEDED"
	ReasonConflict       Reason = "CONFLICT"
	ReasonPathViolation  Reason = "PATH_VIOLATION"
	ReasonIOError        Reason = "IO_ERROR"

	// ReasonUnavailable is reported when a worker role has shut down and
	// commands of that kind can no longer be served.
	ReasonUnavailable Reason = "SERVICE_UNAVAILABLE"

	// ReasonRefused is sent to connections rejected at the front door
	// because the server is at its session limit.
	ReasonRefused Reason = "REFUSED"
)

// ReasonError is a protocol-visible failure: a reason code plus a
// human-readable detail. Internal errors are wrapped into one of these
// before being written to the wire.
type ReasonError struct {
	Reason Reason
	Detail string
}

func (e *ReasonError) Error() string {
	return string(e.Reason) + ": " + e.Detail
}

// Fatal reports whether the failure terminates the connection.
func (e *ReasonError) Fatal() bool {
	return e.Reason == ReasonFraming || e.Reason == ReasonProtocolViolation
}

// Errorf builds a ReasonError with a formatted detail.
func Errorf(reason Reason, format string, v ...any) *ReasonError {
	return &ReasonError{Reason: reason, Detail: fmt.Sprintf(format, v...)}
}

// AsReasonError extracts a ReasonError from an error chain.
func AsReasonError(err error) (*ReasonError, bool) {
	var re *ReasonError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
