// Package session implements the per-connection protocol engine: the
// handshake, the authenticated command loop, path validation against the
// shared root, and the orchestration of worker pool calls that satisfy
// each command.
//
// A session owns its connection for the whole lifetime and is driven by a
// single goroutine, so commands from one client are processed strictly in
// the order they arrive and frame writes never interleave.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/clisend/clisend/internal/logger"
	"github.com/clisend/clisend/internal/ratelimiter"
	"github.com/clisend/clisend/pkg/metrics"
	"github.com/clisend/clisend/pkg/protocol"
	"github.com/clisend/clisend/pkg/translog"
	"github.com/clisend/clisend/pkg/worker"
)

// State is the lifecycle of a session.
type State int

const (
	StateHandshake State = iota
	StateAuthenticated
	StateClosed
)

// Options carries the immutable collaborators a session needs. All fields
// are required except Metrics, which defaults to a no-op.
type Options struct {
	SharedRoot   string
	ChunkSize    int
	MaxFrameSize uint32
	Pool         *worker.Pool
	Limiter      *ratelimiter.ChunkLimiter
	Metrics      metrics.ServerMetrics
}

// Session is the state machine for one client connection.
type Session struct {
	ID    string
	peer  string
	alias string
	state State

	conn net.Conn
	dec  *protocol.Decoder

	root      string
	chunkSize int
	pool      *worker.Pool
	limiter   *ratelimiter.ChunkLimiter
	metrics   metrics.ServerMetrics

	// pending tracks transfer IDs with worker-side state, so teardown can
	// release them if the session dies mid-transfer.
	pending map[string]pendingKind
}

type pendingKind int

const (
	pendingRead pendingKind = iota
	pendingWrite
)

// errExit signals a clean client-requested shutdown of the command loop.
var errExit = fmt.Errorf("session exit")

// connError marks failures writing to or reading from the socket. They are
// always fatal and never answered with an ERROR frame.
type connError struct{ err error }

func (e *connError) Error() string { return e.err.Error() }
func (e *connError) Unwrap() error { return e.err }

// New wraps an accepted connection in a session. The session starts in
// HANDSHAKE; call Run to drive it.
func New(conn net.Conn, opts Options) *Session {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewServerMetrics()
	}
	return &Session{
		ID:        uuid.NewString(),
		peer:      conn.RemoteAddr().String(),
		state:     StateHandshake,
		conn:      conn,
		dec:       protocol.NewDecoder(conn, opts.MaxFrameSize),
		root:      opts.SharedRoot,
		chunkSize: opts.ChunkSize,
		pool:      opts.Pool,
		limiter:   opts.Limiter,
		metrics:   m,
		pending:   make(map[string]pendingKind),
	}
}

// Alias returns the post-handshake identity, or "" before authentication.
func (s *Session) Alias() string { return s.alias }

// Peer returns the remote address.
func (s *Session) Peer() string { return s.peer }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Close forcibly closes the underlying connection, unblocking a Run that
// is waiting on the socket. Used for server shutdown.
func (s *Session) Close() error { return s.conn.Close() }

// Run drives the session until the client disconnects, violates the
// protocol, or asks to exit. It always leaves the connection closed and
// the session in StateClosed.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ctx)

	if err := s.handshake(ctx); err != nil {
		s.finish(err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		body, err := s.dec.Decode()
		if err != nil {
			s.finish(s.readError(err))
			return
		}

		if body.Type != protocol.TypeRequest {
			s.finish(protocol.Errorf(protocol.ReasonProtocolViolation,
				"expected a REQUEST frame, got %s", body.Type))
			return
		}

		if err := s.dispatch(ctx, body); err != nil {
			if err == errExit {
				return
			}
			if done := s.finishCommand(body.Command, err); done {
				return
			}
		}
	}
}

// handshake consumes the first frame, which must be a hello request with a
// non-empty alias. Identification only: any alias is accepted, there is no
// credential check.
func (s *Session) handshake(ctx context.Context) error {
	body, err := s.dec.Decode()
	if err != nil {
		return s.readError(err)
	}

	if body.Type != protocol.TypeRequest || body.Command != protocol.CmdHello {
		return protocol.Errorf(protocol.ReasonProtocolViolation,
			"session not established: the first frame must be a hello request")
	}

	var hello protocol.HelloFields
	if err := protocol.DecodeFields(body.Fields, &hello); err != nil {
		return err
	}
	if strings.TrimSpace(hello.Alias) == "" {
		return protocol.Errorf(protocol.ReasonProtocolViolation, "alias must not be empty")
	}

	s.alias = hello.Alias
	s.state = StateAuthenticated
	logger.Info("session %s: %s connected from %s", s.ID, s.alias, s.peer)
	s.logOp(ctx, translog.OpConnect, "", nil, "connected from "+s.peer)

	return s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdHello,
		Fields: protocol.EncodeFields(protocol.HelloAckFields{
			SessionID: s.ID,
			Message:   "welcome, " + s.alias,
		}),
	})
}

func (s *Session) dispatch(ctx context.Context, body *protocol.Body) error {
	logger.Debug("session %s: %s -> %s", s.ID, s.alias, body.Command)

	switch body.Command {
	case protocol.CmdList:
		return s.handleList(ctx, body)
	case protocol.CmdCopy:
		return s.handleCopy(ctx, body)
	case protocol.CmdPut:
		return s.handlePut(ctx, body)
	case protocol.CmdRemove:
		return s.handleRemove(ctx, body)
	case protocol.CmdCut:
		return s.handleCut(ctx, body)
	case protocol.CmdExit:
		return s.handleExit(ctx)
	case protocol.CmdHello:
		return protocol.Errorf(protocol.ReasonProtocolViolation, "session already established")
	default:
		return protocol.Errorf(protocol.ReasonUnknownCommand, "unknown command %q", body.Command)
	}
}

func (s *Session) handleList(ctx context.Context, body *protocol.Body) error {
	var req protocol.ListFields
	if err := protocol.DecodeFields(body.Fields, &req); err != nil {
		return err
	}

	ref, err := ResolvePath(s.root, req.Path)
	if err != nil {
		s.logOp(ctx, translog.OpList, req.Path, err, "")
		return err
	}

	entries, err := s.pool.Reader.List(ctx, ref.Abs)
	s.logOp(ctx, translog.OpList, ref.Rel, err, "")
	if err != nil {
		return err
	}

	return s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdList,
		Fields: protocol.EncodeFields(protocol.ListAckFields{
			Path:    ref.Rel,
			Entries: entries,
		}),
	})
}

func (s *Session) handleCopy(ctx context.Context, body *protocol.Body) error {
	var req protocol.CopyFields
	if err := protocol.DecodeFields(body.Fields, &req); err != nil {
		return err
	}

	ref, err := ResolvePath(s.root, req.Path)
	if err != nil {
		s.logOp(ctx, translog.OpGet, req.Path, err, "")
		return err
	}

	receipt, err := s.streamFile(ctx, protocol.CmdCopy, ref)
	s.logOp(ctx, translog.OpGet, ref.Rel, err, receipt.detail())
	return err
}

func (s *Session) handleCut(ctx context.Context, body *protocol.Body) error {
	var req protocol.CopyFields
	if err := protocol.DecodeFields(body.Fields, &req); err != nil {
		return err
	}

	ref, err := ResolvePath(s.root, req.Path)
	if err != nil {
		s.logOp(ctx, translog.OpCut, req.Path, err, "")
		return err
	}

	// Phase one: confirmed copy. The receipt is the explicit precondition
	// for the delete; without a client acknowledgment of full delivery the
	// source file is never touched.
	receipt, err := s.streamFile(ctx, protocol.CmdCut, ref)
	if err != nil {
		s.logOp(ctx, translog.OpCut, ref.Rel, err, receipt.detail())
		return err
	}

	confirmed, err := s.awaitDeliveryAck(receipt)
	if err != nil {
		s.logOp(ctx, translog.OpCut, ref.Rel, err, receipt.detail())
		return err
	}
	if !confirmed {
		err := protocol.Errorf(protocol.ReasonIOError,
			"delivery not confirmed; source file retained")
		s.logOp(ctx, translog.OpCut, ref.Rel, err, receipt.detail())
		return err
	}

	// Phase two: the delete, only now that delivery is confirmed.
	if err := s.pool.Writer.Remove(ctx, ref.Abs); err != nil {
		s.logOp(ctx, translog.OpCut, ref.Rel, err, receipt.detail())
		return err
	}

	s.logOp(ctx, translog.OpCut, ref.Rel, nil, receipt.detail())
	return s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdCut,
		Fields:  protocol.EncodeFields(protocol.RemoveAckFields{Path: ref.Rel}),
	})
}

// deliveryReceipt records what a streamed copy actually delivered. For cut
// it must be confirmed by the client before the source may be deleted.
type deliveryReceipt struct {
	transferID string
	size       int64
	sent       int64
}

func (r deliveryReceipt) detail() string {
	if r.transferID == "" {
		return ""
	}
	return fmt.Sprintf("%d of %d bytes", r.sent, r.size)
}

// streamFile sends the file behind ref as a transfer-start response, a
// bounded DATA sequence, and a transfer-end response.
func (s *Session) streamFile(ctx context.Context, cmd string, ref PathRef) (deliveryReceipt, error) {
	transferID := uuid.NewString()

	size, err := s.pool.Reader.Open(ctx, transferID, ref.Abs)
	if err != nil {
		return deliveryReceipt{}, err
	}
	s.pending[transferID] = pendingRead
	receipt := deliveryReceipt{transferID: transferID, size: size}

	err = s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: cmd,
		Fields: protocol.EncodeFields(protocol.TransferStartFields{
			TransferID: transferID,
			Path:       ref.Rel,
			Size:       size,
		}),
	})
	if err != nil {
		s.abandonTransfer(transferID)
		return receipt, err
	}

	for receipt.sent < size {
		if err := s.limiter.Wait(ctx); err != nil {
			s.abandonTransfer(transferID)
			return receipt, err
		}

		chunk, err := s.pool.Reader.ReadChunk(ctx, transferID, s.chunkSize)
		if err != nil {
			s.abandonTransfer(transferID)
			return receipt, err
		}

		err = s.writeFrame(&protocol.Body{
			Type:    protocol.TypeData,
			Command: cmd,
			Fields: protocol.EncodeFields(protocol.DataFields{
				TransferID: transferID,
				Offset:     chunk.Offset,
			}),
			Binary: chunk.Data,
		})
		if err != nil {
			s.abandonTransfer(transferID)
			return receipt, err
		}

		receipt.sent += int64(len(chunk.Data))
		s.metrics.BytesTransferred("out", len(chunk.Data))
		if chunk.EOF {
			break
		}
	}
	delete(s.pending, transferID)

	err = s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: cmd,
		Fields: protocol.EncodeFields(protocol.TransferEndFields{
			TransferID: transferID,
			Bytes:      receipt.sent,
		}),
	})
	return receipt, err
}

// awaitDeliveryAck reads the client's transfer-end acknowledgment for a cut
// and reports whether it confirms full delivery.
func (s *Session) awaitDeliveryAck(receipt deliveryReceipt) (bool, error) {
	body, err := s.dec.Decode()
	if err != nil {
		return false, s.readError(err)
	}

	switch {
	case body.Type == protocol.TypeResponse && body.Command == protocol.CmdCut:
		var ack protocol.TransferEndFields
		if err := protocol.DecodeFields(body.Fields, &ack); err != nil {
			return false, err
		}
		return ack.TransferID == receipt.transferID && ack.Bytes == receipt.size, nil
	case body.Type == protocol.TypeError:
		// The client could not persist the download; keep the source.
		return false, nil
	default:
		return false, protocol.Errorf(protocol.ReasonProtocolViolation,
			"expected delivery acknowledgment for transfer %s", receipt.transferID)
	}
}

func (s *Session) handlePut(ctx context.Context, body *protocol.Body) error {
	var req protocol.PutFields
	if err := protocol.DecodeFields(body.Fields, &req); err != nil {
		return err
	}

	ref, err := ResolvePath(s.root, req.Path)
	if err != nil {
		s.logOp(ctx, translog.OpPut, req.Path, err, "")
		return err
	}

	transferID := uuid.NewString()
	if err := s.pool.Writer.BeginPut(ctx, transferID, ref.Abs, req.Size); err != nil {
		s.logOp(ctx, translog.OpPut, ref.Rel, err, "")
		return err
	}
	s.pending[transferID] = pendingWrite

	err = s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdPut,
		Fields: protocol.EncodeFields(protocol.TransferStartFields{
			TransferID: transferID,
			Path:       ref.Rel,
			Size:       req.Size,
		}),
	})
	if err != nil {
		s.abandonTransfer(transferID)
		return err
	}

	received, err := s.receivePut(ctx, transferID, ref)
	delete(s.pending, transferID)
	detail := fmt.Sprintf("%d bytes", received)
	s.logOp(ctx, translog.OpPut, ref.Rel, err, detail)
	if err != nil {
		return err
	}

	return s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdPut,
		Fields: protocol.EncodeFields(protocol.PutAckFields{
			TransferID: transferID,
			Path:       ref.Rel,
			Size:       received,
		}),
	})
}

// receivePut consumes the client's DATA sequence for an upload and commits
// it. A failed append (quota, disk) aborts the upload but keeps reading
// until the client's terminator so the session stays in sync with the
// stream; the first failure is what gets reported.
func (s *Session) receivePut(ctx context.Context, transferID string, ref PathRef) (int64, error) {
	var received int64
	var pending error

	for {
		body, err := s.dec.Decode()
		if err != nil {
			s.pool.Writer.AbortPut(ctx, transferID)
			return received, s.readError(err)
		}

		switch body.Type {
		case protocol.TypeData:
			var df protocol.DataFields
			if err := protocol.DecodeFields(body.Fields, &df); err != nil {
				s.pool.Writer.AbortPut(ctx, transferID)
				return received, err
			}
			if df.TransferID != transferID {
				s.pool.Writer.AbortPut(ctx, transferID)
				return received, protocol.Errorf(protocol.ReasonProtocolViolation,
					"DATA frame for unexpected transfer %s", df.TransferID)
			}
			if pending != nil {
				continue // draining after a failed append
			}

			if err := s.limiter.Wait(ctx); err != nil {
				s.pool.Writer.AbortPut(ctx, transferID)
				return received, err
			}
			if err := s.pool.Writer.AppendPut(ctx, transferID, body.Binary); err != nil {
				pending = err // writer already aborted the upload
				continue
			}
			received += int64(len(body.Binary))
			s.metrics.BytesTransferred("in", len(body.Binary))

		case protocol.TypeResponse:
			if body.Command != protocol.CmdPut {
				s.pool.Writer.AbortPut(ctx, transferID)
				return received, protocol.Errorf(protocol.ReasonProtocolViolation,
					"expected put terminator, got %q", body.Command)
			}
			if pending != nil {
				return received, pending
			}
			if err := s.pool.Writer.CommitPut(ctx, transferID); err != nil {
				return received, err
			}
			return received, nil

		case protocol.TypeError:
			// Client gave up; nothing to answer.
			s.pool.Writer.AbortPut(ctx, transferID)
			if pending != nil {
				return received, pending
			}
			return received, protocol.Errorf(protocol.ReasonIOError, "upload aborted by client")

		default:
			s.pool.Writer.AbortPut(ctx, transferID)
			return received, protocol.Errorf(protocol.ReasonProtocolViolation,
				"unexpected %s frame during upload", body.Type)
		}
	}
}

func (s *Session) handleRemove(ctx context.Context, body *protocol.Body) error {
	var req protocol.RemoveFields
	if err := protocol.DecodeFields(body.Fields, &req); err != nil {
		return err
	}

	ref, err := ResolvePath(s.root, req.Path)
	if err != nil {
		s.logOp(ctx, translog.OpRemove, req.Path, err, "")
		return err
	}

	err = s.pool.Writer.Remove(ctx, ref.Abs)
	s.logOp(ctx, translog.OpRemove, ref.Rel, err, "")
	if err != nil {
		return err
	}

	return s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdRemove,
		Fields:  protocol.EncodeFields(protocol.RemoveAckFields{Path: ref.Rel}),
	})
}

func (s *Session) handleExit(_ context.Context) error {
	s.writeFrame(&protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdExit,
		Fields:  protocol.EncodeFields(protocol.HelloAckFields{Message: "goodbye, " + s.alias}),
	})
	return errExit
}

// finishCommand reports a command failure to the client. Returns true when
// the failure was fatal and the session must stop.
func (s *Session) finishCommand(command string, err error) bool {
	var ce *connError
	if errors.As(err, &ce) {
		logger.Debug("session %s: connection lost: %v", s.ID, ce.err)
		return true
	}

	if re, ok := protocol.AsReasonError(err); ok && re.Fatal() {
		s.finish(err)
		return true
	}

	logger.Debug("session %s: %s failed: %v", s.ID, command, err)
	if werr := s.writeFrame(protocol.ErrorBody(command, err)); werr != nil {
		return true
	}
	return false
}

// finish closes out a fatal failure, telling the client why when the
// socket still works.
func (s *Session) finish(err error) {
	if err == nil {
		return
	}
	var ce *connError
	if errors.As(err, &ce) {
		if ce.err != io.EOF {
			logger.Debug("session %s: connection lost: %v", s.ID, ce.err)
		}
		return
	}
	logger.Warn("session %s: closing: %v", s.ID, err)
	s.writeFrame(protocol.ErrorBody("", err))
}

// readError classifies a Decode failure: framing violations keep their
// reason, everything else (EOF included) is a connection error.
func (s *Session) readError(err error) error {
	if re, ok := protocol.AsReasonError(err); ok {
		return re
	}
	return &connError{err: err}
}

func (s *Session) writeFrame(body *protocol.Body) error {
	if err := protocol.Encode(s.conn, body); err != nil {
		return &connError{err: err}
	}
	return nil
}

// abandonTransfer releases worker-side state for a transfer that will not
// finish. Best-effort: the worker may still be busy with it.
func (s *Session) abandonTransfer(transferID string) {
	kind, ok := s.pending[transferID]
	if !ok {
		return
	}
	delete(s.pending, transferID)

	ctx := context.Background()
	switch kind {
	case pendingRead:
		s.pool.Reader.Close(ctx, transferID)
	case pendingWrite:
		s.pool.Writer.AbortPut(ctx, transferID)
	}
}

// teardown moves the session to CLOSED, cancels leftover transfers, and
// records the disconnect.
func (s *Session) teardown(ctx context.Context) {
	wasAuthenticated := s.state == StateAuthenticated
	s.state = StateClosed
	s.conn.Close()

	for transferID, kind := range s.pending {
		op := translog.OpGet
		if kind == pendingWrite {
			op = translog.OpPut
		}
		s.abandonTransfer(transferID)
		s.logFailedTransfer(transferID, op)
	}

	if wasAuthenticated {
		s.logOp(context.WithoutCancel(ctx), translog.OpDisconnect, "", nil, "")
		logger.Info("session %s: %s disconnected", s.ID, s.alias)
	}
}

func (s *Session) logFailedTransfer(transferID string, op translog.Operation) {
	_, err := s.pool.Log.Append(context.Background(), translog.Entry{
		Alias:     s.alias,
		Operation: op,
		Outcome:   translog.OutcomeFailed,
		Detail:    "client disconnected (transfer " + transferID + ")",
	})
	if err != nil {
		logger.Warn("session %s: translog append failed: %v", s.ID, err)
	}
}

// logOp appends one entry for a completed operation and feeds the metrics.
// A log store failure is reported, not fatal: the client's operation has
// already succeeded or failed on its own terms.
func (s *Session) logOp(ctx context.Context, op translog.Operation, target string, opErr error, detail string) {
	outcome := translog.OutcomeOK
	if opErr != nil {
		outcome = translog.OutcomeFailed
		if detail == "" {
			detail = failureDetail(opErr)
		} else {
			detail += ": " + failureDetail(opErr)
		}
	}

	if op != translog.OpConnect && op != translog.OpDisconnect {
		s.metrics.TransferCompleted(string(op), string(outcome))
	}

	_, err := s.pool.Log.Append(context.WithoutCancel(ctx), translog.Entry{
		Alias:      s.alias,
		Operation:  op,
		TargetPath: target,
		Outcome:    outcome,
		Detail:     detail,
	})
	if err != nil {
		logger.Warn("session %s: translog append failed: %v", s.ID, err)
	}
}

func failureDetail(err error) string {
	var ce *connError
	if errors.As(err, &ce) {
		return "client disconnected"
	}
	if re, ok := protocol.AsReasonError(err); ok {
		return re.Detail
	}
	return err.Error()
}
