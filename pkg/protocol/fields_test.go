package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFields_TypedRoundTripThroughWire(t *testing.T) {
	// Numbers must survive JSON (which decodes them as float64) and land
	// back in their integer fields.
	body := &Body{
		Type:    TypeResponse,
		Command: CmdPut,
		Fields: EncodeFields(TransferStartFields{
			TransferID: "t-123",
			Path:       "/docs/report.pdf",
			Size:       1 << 33, // larger than 32 bits
		}),
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, body))

	got, err := NewDecoder(&buf, 0).Decode()
	require.NoError(t, err)

	var start TransferStartFields
	require.NoError(t, DecodeFields(got.Fields, &start))
	assert.Equal(t, "t-123", start.TransferID)
	assert.Equal(t, "/docs/report.pdf", start.Path)
	assert.Equal(t, int64(1<<33), start.Size)
}

func TestFields_ListEntries(t *testing.T) {
	ack := ListAckFields{
		Path: "/",
		Entries: []ListEntry{
			{Name: "docs", IsDir: true},
			{Name: "notes.txt", Size: 17},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Body{
		Type:    TypeResponse,
		Command: CmdList,
		Fields:  EncodeFields(ack),
	}))

	got, err := NewDecoder(&buf, 0).Decode()
	require.NoError(t, err)

	var decoded ListAckFields
	require.NoError(t, DecodeFields(got.Fields, &decoded))
	assert.Equal(t, ack, decoded)
}

func TestDecodeFields_BadShape(t *testing.T) {
	var hello HelloFields
	err := DecodeFields(map[string]any{"alias": map[string]any{"not": "a string"}}, &hello)
	require.Error(t, err)

	re, ok := AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonProtocolViolation, re.Reason)
}

func TestErrorBody(t *testing.T) {
	body := ErrorBody(CmdRemove, Errorf(ReasonNotFound, "no such file"))
	assert.Equal(t, TypeError, body.Type)
	assert.Equal(t, CmdRemove, body.Command)

	var fields ErrorFields
	require.NoError(t, DecodeFields(body.Fields, &fields))
	assert.Equal(t, string(ReasonNotFound), fields.Reason)
	assert.Equal(t, "no such file", fields.Detail)
}
