// Package client implements the protocol side of a clisend client: dialing
// the server, the hello handshake, and one method per command. Console
// interaction, argument parsing, and download directory handling belong to
// the caller.
package client

import (
	"fmt"
	"io"
	"net"

	"github.com/clisend/clisend/pkg/protocol"
)

// ProgressFunc is invoked after every chunk with the bytes moved so far
// and the expected total. May be nil.
type ProgressFunc func(done, total int64)

// Client is one authenticated connection to a clisend server. Not safe for
// concurrent use: the protocol is strictly request/response per session.
type Client struct {
	conn      net.Conn
	dec       *protocol.Decoder
	alias     string
	sessionID string
	chunkSize int
}

// Options tunes a client. Zero values select protocol defaults.
type Options struct {
	MaxFrameSize uint32
	ChunkSize    int
}

// Dial connects to addr, performs the hello handshake with alias, and
// returns an authenticated client.
func Dial(addr, alias string, opts Options) (*Client, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = protocol.DefaultChunkSize
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:      conn,
		dec:       protocol.NewDecoder(conn, opts.MaxFrameSize),
		alias:     alias,
		chunkSize: opts.ChunkSize,
	}

	if err := c.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// SessionID returns the identifier the server assigned at handshake.
func (c *Client) SessionID() string { return c.sessionID }

// Close tears down the connection without the exit exchange.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) hello() error {
	err := c.send(&protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdHello,
		Fields:  protocol.EncodeFields(protocol.HelloFields{Alias: c.alias}),
	})
	if err != nil {
		return err
	}

	body, err := c.recv()
	if err != nil {
		return err
	}
	if err := asError(body); err != nil {
		return err
	}
	if body.Type != protocol.TypeResponse || body.Command != protocol.CmdHello {
		return fmt.Errorf("unexpected handshake reply: %s %s", body.Type, body.Command)
	}

	var ack protocol.HelloAckFields
	if err := protocol.DecodeFields(body.Fields, &ack); err != nil {
		return err
	}
	c.sessionID = ack.SessionID
	return nil
}

// List fetches the directory listing for path ("" means the share root).
func (c *Client) List(path string) ([]protocol.ListEntry, error) {
	body, err := c.call(&protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdList,
		Fields:  protocol.EncodeFields(protocol.ListFields{Path: path}),
	})
	if err != nil {
		return nil, err
	}

	var ack protocol.ListAckFields
	if err := protocol.DecodeFields(body.Fields, &ack); err != nil {
		return nil, err
	}
	return ack.Entries, nil
}

// Copy downloads the file at path into w and returns the byte count.
func (c *Client) Copy(path string, w io.Writer, progress ProgressFunc) (int64, error) {
	_, received, err := c.download(protocol.CmdCopy, path, w, progress)
	return received, err
}

// Cut downloads the file at path into w, then acknowledges full delivery
// so the server deletes the source. If the download came up short the
// acknowledgment still goes out with the real byte count and the server
// keeps the file.
func (c *Client) Cut(path string, w io.Writer, progress ProgressFunc) (int64, error) {
	transferID, received, err := c.download(protocol.CmdCut, path, w, progress)
	if err != nil {
		return received, err
	}

	err = c.send(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdCut,
		Fields: protocol.EncodeFields(protocol.TransferEndFields{
			TransferID: transferID,
			Bytes:      received,
		}),
	})
	if err != nil {
		return received, err
	}

	// Final word from the server: deleted, or retained with a reason.
	body, err := c.recv()
	if err != nil {
		return received, err
	}
	if err := asError(body); err != nil {
		return received, err
	}
	return received, nil
}

// download runs the shared receive side of cp and cut.
func (c *Client) download(cmd, path string, w io.Writer, progress ProgressFunc) (string, int64, error) {
	body, err := c.call(&protocol.Body{
		Type:    protocol.TypeRequest,
		Command: cmd,
		Fields:  protocol.EncodeFields(protocol.CopyFields{Path: path}),
	})
	if err != nil {
		return "", 0, err
	}

	var start protocol.TransferStartFields
	if err := protocol.DecodeFields(body.Fields, &start); err != nil {
		return "", 0, err
	}

	var received int64
	for {
		body, err := c.recv()
		if err != nil {
			return start.TransferID, received, err
		}
		if err := asError(body); err != nil {
			return start.TransferID, received, err
		}

		switch body.Type {
		case protocol.TypeData:
			if _, err := w.Write(body.Binary); err != nil {
				return start.TransferID, received, fmt.Errorf("write download: %w", err)
			}
			received += int64(len(body.Binary))
			if progress != nil {
				progress(received, start.Size)
			}

		case protocol.TypeResponse:
			var end protocol.TransferEndFields
			if err := protocol.DecodeFields(body.Fields, &end); err != nil {
				return start.TransferID, received, err
			}
			if received != end.Bytes {
				return start.TransferID, received, fmt.Errorf(
					"download truncated: got %d bytes, server sent %d", received, end.Bytes)
			}
			return start.TransferID, received, nil

		default:
			return start.TransferID, received, fmt.Errorf("unexpected %s frame during download", body.Type)
		}
	}
}

// Put uploads size bytes from r to path on the server.
func (c *Client) Put(path string, r io.Reader, size int64, progress ProgressFunc) error {
	body, err := c.call(&protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdPut,
		Fields:  protocol.EncodeFields(protocol.PutFields{Path: path, Size: size}),
	})
	if err != nil {
		return err
	}

	var start protocol.TransferStartFields
	if err := protocol.DecodeFields(body.Fields, &start); err != nil {
		return err
	}

	var sent int64
	buf := make([]byte, c.chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			werr := c.send(&protocol.Body{
				Type:    protocol.TypeData,
				Command: protocol.CmdPut,
				Fields: protocol.EncodeFields(protocol.DataFields{
					TransferID: start.TransferID,
					Offset:     sent,
				}),
				Binary: buf[:n],
			})
			if werr != nil {
				return werr
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, size)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tell the server to discard the partial upload.
			c.send(protocol.ErrorBody(protocol.CmdPut, fmt.Errorf("local read failed: %w", err)))
			return fmt.Errorf("read upload source: %w", err)
		}
	}

	err = c.send(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdPut,
		Fields: protocol.EncodeFields(protocol.TransferEndFields{
			TransferID: start.TransferID,
			Bytes:      sent,
		}),
	})
	if err != nil {
		return err
	}

	body, err = c.recv()
	if err != nil {
		return err
	}
	return asError(body)
}

// Remove deletes the file at path on the server.
func (c *Client) Remove(path string) error {
	_, err := c.call(&protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdRemove,
		Fields:  protocol.EncodeFields(protocol.RemoveFields{Path: path}),
	})
	return err
}

// Exit performs the polite shutdown exchange and closes the connection.
func (c *Client) Exit() error {
	defer c.conn.Close()

	err := c.send(&protocol.Body{Type: protocol.TypeRequest, Command: protocol.CmdExit})
	if err != nil {
		return err
	}
	_, err = c.recv()
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

// call sends a request and returns its non-error reply.
func (c *Client) call(req *protocol.Body) (*protocol.Body, error) {
	if err := c.send(req); err != nil {
		return nil, err
	}
	body, err := c.recv()
	if err != nil {
		return nil, err
	}
	if err := asError(body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) send(body *protocol.Body) error {
	return protocol.Encode(c.conn, body)
}

func (c *Client) recv() (*protocol.Body, error) {
	return c.dec.Decode()
}

// asError converts an ERROR frame into a ReasonError; other frames pass.
func asError(body *protocol.Body) error {
	if body.Type != protocol.TypeError {
		return nil
	}
	var fields protocol.ErrorFields
	if err := protocol.DecodeFields(body.Fields, &fields); err != nil {
		return err
	}
	return &protocol.ReasonError{
		Reason: protocol.Reason(fields.Reason),
		Detail: fields.Detail,
	}
}
