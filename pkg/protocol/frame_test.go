package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	bodies := []*Body{
		{
			Type:    TypeRequest,
			Command: CmdHello,
			Fields:  map[string]any{"alias": "ana"},
		},
		{
			Type:    TypeResponse,
			Command: CmdList,
			Fields: map[string]any{
				"path":    "/",
				"entries": []any{map[string]any{"name": "a.txt", "is_dir": false, "size": float64(42)}},
			},
		},
		{
			Type:    TypeData,
			Command: CmdCopy,
			Fields:  map[string]any{"transfer_id": "t-1", "offset": float64(0)},
			Binary:  []byte{0x00, 0x01, 0xff, 0xfe, '\n'},
		},
		{
			Type:   TypeError,
			Fields: map[string]any{"reason": "NOT_FOUND", "detail": "no such file"},
		},
	}

	var buf bytes.Buffer
	for _, body := range bodies {
		require.NoError(t, Encode(&buf, body))
	}

	dec := NewDecoder(&buf, 0)
	for _, want := range bodies {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Command, got.Command)
		assert.Equal(t, want.Fields, got.Fields)
		assert.Equal(t, want.Binary, got.Binary)
	}

	_, err := dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecode_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)
	buf.Write(header[:])

	dec := NewDecoder(&buf, 1024)
	_, err := dec.Decode()
	require.Error(t, err)

	re, ok := AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonFraming, re.Reason)
	assert.True(t, re.Fatal())
}

func TestDecode_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString(`{"type":"REQ`)

	dec := NewDecoder(&buf, 0)
	_, err := dec.Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecode_MalformedJSON(t *testing.T) {
	payload := []byte("this is not json")
	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	buf.Write(header[:])
	buf.Write(payload)

	dec := NewDecoder(&buf, 0)
	_, err := dec.Decode()
	re, ok := AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonFraming, re.Reason)
}

func TestDecode_UnknownMessageType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Body{Type: MessageType("PING")}))

	dec := NewDecoder(&buf, 0)
	_, err := dec.Decode()
	re, ok := AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonFraming, re.Reason)
}

func TestDecode_LengthMatchesPayload(t *testing.T) {
	var buf bytes.Buffer
	body := &Body{Type: TypeData, Binary: bytes.Repeat([]byte{0xaa}, DefaultChunkSize)}
	require.NoError(t, Encode(&buf, body))

	declared := binary.BigEndian.Uint32(buf.Bytes()[:HeaderSize])
	assert.Equal(t, int(declared), buf.Len()-HeaderSize)
}
