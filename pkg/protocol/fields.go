package protocol

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Typed views over Body.Fields. The wire keeps fields as a free-form JSON
// object; these structs give handlers and the client a checked shape on
// both ends. Conversion goes through mapstructure so JSON's float64
// numbers land in the integer fields they belong to.

// HelloFields is the first request of a session.
type HelloFields struct {
	Alias string `mapstructure:"alias" json:"alias"`
}

// HelloAckFields acknowledges a completed handshake.
type HelloAckFields struct {
	SessionID string `mapstructure:"session_id" json:"session_id"`
	Message   string `mapstructure:"message" json:"message"`
}

// ListFields asks for a directory listing. An empty path means the share
// root.
type ListFields struct {
	Path string `mapstructure:"path" json:"path"`
}

// ListEntry is one row of a listing response.
type ListEntry struct {
	Name  string `mapstructure:"name" json:"name"`
	IsDir bool   `mapstructure:"is_dir" json:"is_dir"`
	Size  int64  `mapstructure:"size" json:"size"`
}

// ListAckFields carries the listing back to the client.
type ListAckFields struct {
	Path    string      `mapstructure:"path" json:"path"`
	Entries []ListEntry `mapstructure:"entries" json:"entries"`
}

// CopyFields asks the server to stream a file to the client. Used by both
// cp and cut.
type CopyFields struct {
	Path string `mapstructure:"path" json:"path"`
}

// TransferStartFields opens a DATA sequence: the server announces the
// transfer ID and total size before the first chunk (cp, cut), or grants
// an upload slot (put).
type TransferStartFields struct {
	TransferID string `mapstructure:"transfer_id" json:"transfer_id"`
	Path       string `mapstructure:"path" json:"path"`
	Size       int64  `mapstructure:"size" json:"size"`
}

// DataFields tags one DATA frame with its transfer and position. The chunk
// bytes themselves travel in Body.Binary.
type DataFields struct {
	TransferID string `mapstructure:"transfer_id" json:"transfer_id"`
	Offset     int64  `mapstructure:"offset" json:"offset"`
}

// TransferEndFields terminates a DATA sequence in either direction: the
// sender reports how many bytes it pushed, the receiver acknowledges how
// many it consumed. For cut, the client's acknowledgment is the delivery
// confirmation that gates the delete.
type TransferEndFields struct {
	TransferID string `mapstructure:"transfer_id" json:"transfer_id"`
	Bytes      int64  `mapstructure:"bytes" json:"bytes"`
}

// PutFields asks to upload a file of a known size.
type PutFields struct {
	Path string `mapstructure:"path" json:"path"`
	Size int64  `mapstructure:"size" json:"size"`
}

// PutAckFields confirms a committed upload.
type PutAckFields struct {
	TransferID string `mapstructure:"transfer_id" json:"transfer_id"`
	Path       string `mapstructure:"path" json:"path"`
	Size       int64  `mapstructure:"size" json:"size"`
}

// RemoveFields asks to delete a file.
type RemoveFields struct {
	Path string `mapstructure:"path" json:"path"`
}

// RemoveAckFields confirms a delete.
type RemoveAckFields struct {
	Path string `mapstructure:"path" json:"path"`
}

// ErrorFields is the payload of every ERROR frame.
type ErrorFields struct {
	Reason string `mapstructure:"reason" json:"reason"`
	Detail string `mapstructure:"detail" json:"detail"`
}

// EncodeFields converts a typed field struct into the wire representation.
func EncodeFields(v any) map[string]any {
	out := map[string]any{}
	// Decoding struct -> map cannot fail for the field types above.
	_ = mapstructure.Decode(v, &out)
	return out
}

// DecodeFields converts raw frame fields into a typed struct. Weak typing
// is enabled because JSON delivers every number as float64.
func DecodeFields(fields map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build field decoder: %w", err)
	}
	if err := dec.Decode(fields); err != nil {
		return Errorf(ReasonProtocolViolation, "bad request fields: %v", err)
	}
	return nil
}

// ErrorBody builds the ERROR frame for a failure, unwrapping the reason
// code when the error carries one and falling back to IO_ERROR otherwise.
func ErrorBody(command string, err error) *Body {
	reason := ReasonIOError
	detail := err.Error()
	if re, ok := AsReasonError(err); ok {
		reason = re.Reason
		detail = re.Detail
	}
	return &Body{
		Type:    TypeError,
		Command: command,
		Fields: EncodeFields(ErrorFields{
			Reason: string(reason),
			Detail: detail,
		}),
	}
}
