package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/clisend/clisend/pkg/protocol"
)

// Reader serves read-only filesystem requests: directory listings and
// chunked file streaming for downloads. It owns the open file handles of
// in-flight download transfers, keyed by transfer ID.
//
// The size of a file is captured when the transfer is opened and exactly
// that many bytes are streamed, so a file growing mid-transfer cannot
// desynchronize the announced and delivered byte counts.
type Reader struct {
	*role
	transfers map[string]*readTransfer
}

type readTransfer struct {
	file      *os.File
	size      int64
	remaining int64
	offset    int64
}

type listOp struct {
	path string
}

type openReadOp struct {
	transferID string
	path       string
}

// Chunk is one piece of a streamed download.
type Chunk struct {
	Data   []byte
	Offset int64
	EOF    bool
}

type readChunkOp struct {
	transferID string
	max        int
}

type closeReadOp struct {
	transferID string
}

func newReader() *Reader {
	r := &Reader{
		role:      newRole("reader", queueDepth),
		transfers: make(map[string]*readTransfer),
	}
	go r.run(r.handle)
	return r
}

func (r *Reader) handle(op any) (any, error) {
	switch op := op.(type) {
	case listOp:
		return r.list(op)
	case openReadOp:
		return r.open(op)
	case readChunkOp:
		return r.chunk(op)
	case closeReadOp:
		r.close(op.transferID)
		return nil, nil
	default:
		return nil, fmt.Errorf("reader: unknown operation %T", op)
	}
}

// List enumerates the entries of the directory at path (already resolved
// and validated by the caller).
func (r *Reader) List(ctx context.Context, path string) ([]protocol.ListEntry, error) {
	v, err := r.submit(ctx, listOp{path: path})
	if err != nil {
		return nil, err
	}
	return v.([]protocol.ListEntry), nil
}

// Open prepares a download transfer for the file at path and returns its
// size. The handle stays open until Close or until the last chunk is read.
func (r *Reader) Open(ctx context.Context, transferID, path string) (int64, error) {
	v, err := r.submit(ctx, openReadOp{transferID: transferID, path: path})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// ReadChunk returns the next chunk of the transfer, at most max bytes. EOF
// is set on the chunk that exhausts the captured file size; the handle is
// closed automatically at that point.
func (r *Reader) ReadChunk(ctx context.Context, transferID string, max int) (Chunk, error) {
	v, err := r.submit(ctx, readChunkOp{transferID: transferID, max: max})
	if err != nil {
		return Chunk{}, err
	}
	return v.(Chunk), nil
}

// Close abandons an in-flight download transfer, releasing its handle.
// Closing an unknown transfer is a no-op.
func (r *Reader) Close(ctx context.Context, transferID string) error {
	_, err := r.submit(ctx, closeReadOp{transferID: transferID})
	return err
}

func (r *Reader) list(op listOp) (any, error) {
	info, err := os.Stat(op.path)
	if os.IsNotExist(err) {
		return nil, protocol.Errorf(protocol.ReasonNotFound, "no such directory")
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", op.path, err)
	}
	if !info.IsDir() {
		return nil, protocol.Errorf(protocol.ReasonNotADirectory, "not a directory")
	}

	dirents, err := os.ReadDir(op.path)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", op.path, err)
	}

	entries := make([]protocol.ListEntry, 0, len(dirents))
	for _, de := range dirents {
		entry := protocol.ListEntry{Name: de.Name(), IsDir: de.IsDir()}
		if !de.IsDir() {
			if fi, err := de.Info(); err == nil {
				entry.Size = fi.Size()
			}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (r *Reader) open(op openReadOp) (any, error) {
	info, err := os.Stat(op.path)
	if os.IsNotExist(err) {
		return nil, protocol.Errorf(protocol.ReasonNotFound, "no such file")
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", op.path, err)
	}
	if info.IsDir() {
		return nil, protocol.Errorf(protocol.ReasonIsADirectory, "is a directory")
	}

	file, err := os.Open(op.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", op.path, err)
	}

	// An empty file has no chunks to read, so no handle or transfer state
	// is retained; the open above only verified readability.
	if info.Size() == 0 {
		file.Close()
		return info.Size(), nil
	}

	r.transfers[op.transferID] = &readTransfer{
		file:      file,
		size:      info.Size(),
		remaining: info.Size(),
	}
	return info.Size(), nil
}

func (r *Reader) chunk(op readChunkOp) (any, error) {
	t, ok := r.transfers[op.transferID]
	if !ok {
		return nil, protocol.Errorf(protocol.ReasonNotFound, "unknown transfer %s", op.transferID)
	}

	if t.remaining == 0 {
		r.close(op.transferID)
		return Chunk{Offset: t.offset, EOF: true}, nil
	}

	max := int64(op.max)
	if max > t.remaining {
		max = t.remaining
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(t.file, buf)
	if err != nil {
		r.close(op.transferID)
		return nil, fmt.Errorf("read chunk of transfer %s: %w", op.transferID, err)
	}

	chunk := Chunk{Data: buf[:n], Offset: t.offset}
	t.offset += int64(n)
	t.remaining -= int64(n)
	if t.remaining == 0 {
		r.close(op.transferID)
		chunk.EOF = true
	}
	return chunk, nil
}

func (r *Reader) close(transferID string) {
	if t, ok := r.transfers[transferID]; ok {
		t.file.Close()
		delete(r.transfers, transferID)
	}
}
