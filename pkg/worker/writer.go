package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clisend/clisend/pkg/protocol"
)

// Writer performs every filesystem mutation. Running all mutations on one
// goroutine serializes conflicting operations; a per-path claim map on top
// of that rejects a second upload to a target that already has one in
// flight, so two concurrent puts can never interleave bytes.
//
// Uploads land in a hidden temp file next to the target and become visible
// only through the final rename, so a failed or aborted upload never leaves
// a partial file behind.
type Writer struct {
	*role
	maxFileSize int64
	claims      map[string]string // target path -> transfer ID
	uploads     map[string]*putTransfer
}

type putTransfer struct {
	target  string
	tmp     *os.File
	tmpPath string
	written int64
}

type beginPutOp struct {
	transferID string
	path       string
	size       int64
}

type appendPutOp struct {
	transferID string
	data       []byte
}

type commitPutOp struct {
	transferID string
}

type abortPutOp struct {
	transferID string
}

type removeOp struct {
	path string
}

func newWriter(maxFileSize int64) *Writer {
	w := &Writer{
		role:        newRole("writer", queueDepth),
		maxFileSize: maxFileSize,
		claims:      make(map[string]string),
		uploads:     make(map[string]*putTransfer),
	}
	go w.run(w.handle)
	return w
}

func (w *Writer) handle(op any) (any, error) {
	switch op := op.(type) {
	case beginPutOp:
		return nil, w.beginPut(op)
	case appendPutOp:
		return nil, w.appendPut(op)
	case commitPutOp:
		return nil, w.commitPut(op)
	case abortPutOp:
		w.abortPut(op.transferID)
		return nil, nil
	case removeOp:
		return nil, w.remove(op.path)
	default:
		return nil, fmt.Errorf("writer: unknown operation %T", op)
	}
}

// BeginPut claims the target path for an upload and opens its temp file.
// Fails with CONFLICT if another upload to the same path is in flight and
// with QUOTA_EXCEEDED if the declared size already busts the limit.
func (w *Writer) BeginPut(ctx context.Context, transferID, path string, size int64) error {
	_, err := w.submit(ctx, beginPutOp{transferID: transferID, path: path, size: size})
	return err
}

// AppendPut appends one chunk to the upload's temp file. On a quota breach
// the upload is aborted and QUOTA_EXCEEDED returned; the temp file is gone
// and the claim released.
func (w *Writer) AppendPut(ctx context.Context, transferID string, data []byte) error {
	_, err := w.submit(ctx, appendPutOp{transferID: transferID, data: data})
	return err
}

// CommitPut makes the upload durable and atomically renames it into place.
func (w *Writer) CommitPut(ctx context.Context, transferID string) error {
	_, err := w.submit(ctx, commitPutOp{transferID: transferID})
	return err
}

// AbortPut discards an in-flight upload. Aborting an unknown transfer is a
// no-op, so cleanup paths can call it unconditionally.
func (w *Writer) AbortPut(ctx context.Context, transferID string) error {
	_, err := w.submit(ctx, abortPutOp{transferID: transferID})
	return err
}

// Remove deletes the file at path. Directories are rejected.
func (w *Writer) Remove(ctx context.Context, path string) error {
	_, err := w.submit(ctx, removeOp{path: path})
	return err
}

func (w *Writer) beginPut(op beginPutOp) error {
	if holder, claimed := w.claims[op.path]; claimed {
		return protocol.Errorf(protocol.ReasonConflict, "another upload to this path is in progress (transfer %s)", holder)
	}
	if w.maxFileSize > 0 && op.size > w.maxFileSize {
		return protocol.Errorf(protocol.ReasonQuotaExceeded, "declared size %d exceeds limit of %d bytes", op.size, w.maxFileSize)
	}
	if info, err := os.Stat(op.path); err == nil && info.IsDir() {
		return protocol.Errorf(protocol.ReasonIsADirectory, "target is a directory")
	}

	dir := filepath.Dir(op.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".clisend-put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	w.claims[op.path] = op.transferID
	w.uploads[op.transferID] = &putTransfer{
		target:  op.path,
		tmp:     tmp,
		tmpPath: tmp.Name(),
	}
	return nil
}

func (w *Writer) appendPut(op appendPutOp) error {
	t, ok := w.uploads[op.transferID]
	if !ok {
		return protocol.Errorf(protocol.ReasonNotFound, "unknown transfer %s", op.transferID)
	}

	if w.maxFileSize > 0 && t.written+int64(len(op.data)) > w.maxFileSize {
		w.abortPut(op.transferID)
		return protocol.Errorf(protocol.ReasonQuotaExceeded, "upload exceeds limit of %d bytes", w.maxFileSize)
	}

	n, err := t.tmp.Write(op.data)
	t.written += int64(n)
	if err != nil {
		w.abortPut(op.transferID)
		return fmt.Errorf("write upload chunk: %w", err)
	}
	return nil
}

func (w *Writer) commitPut(op commitPutOp) error {
	t, ok := w.uploads[op.transferID]
	if !ok {
		return protocol.Errorf(protocol.ReasonNotFound, "unknown transfer %s", op.transferID)
	}

	if err := t.tmp.Sync(); err != nil {
		w.abortPut(op.transferID)
		return fmt.Errorf("sync upload: %w", err)
	}
	if err := t.tmp.Close(); err != nil {
		w.abortPut(op.transferID)
		return fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(t.tmpPath, t.target); err != nil {
		os.Remove(t.tmpPath)
		w.release(op.transferID)
		return fmt.Errorf("rename upload into place: %w", err)
	}

	w.release(op.transferID)
	return nil
}

func (w *Writer) abortPut(transferID string) {
	t, ok := w.uploads[transferID]
	if !ok {
		return
	}
	t.tmp.Close()
	os.Remove(t.tmpPath)
	w.release(transferID)
}

func (w *Writer) release(transferID string) {
	if t, ok := w.uploads[transferID]; ok {
		delete(w.claims, t.target)
		delete(w.uploads, transferID)
	}
}

func (w *Writer) remove(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return protocol.Errorf(protocol.ReasonNotFound, "no such file")
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return protocol.Errorf(protocol.ReasonIsADirectory, "refusing to remove a directory")
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
