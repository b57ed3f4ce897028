package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clisend/clisend/internal/ratelimiter"
	"github.com/clisend/clisend/pkg/client"
	"github.com/clisend/clisend/pkg/protocol"
	"github.com/clisend/clisend/pkg/translog"
	"github.com/clisend/clisend/pkg/worker"
)

type testServer struct {
	*Server
	root  string
	store *translog.Store
}

func (ts *testServer) addr() string { return ts.Addr().String() }

func startTestServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()

	root := t.TempDir()
	store, err := translog.Open(filepath.Join(t.TempDir(), "translog"), false)
	require.NoError(t, err)

	pool := worker.NewPool(store, 0)
	srv := New(Config{
		Host:        "127.0.0.1",
		Port:        0,
		SharedRoot:  root,
		MaxSessions: maxSessions,
	}, pool, ratelimiter.New(0, 0))
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-serveDone:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
		pool.Stop()
		store.Close()
	})

	return &testServer{Server: srv, root: root, store: store}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_FullExchange(t *testing.T) {
	ts := startTestServer(t, 0)
	content := bytes.Repeat([]byte("clisend"), 5000) // forces multiple chunks

	c, err := client.Dial(ts.addr(), "ana", client.Options{ChunkSize: 8192})
	require.NoError(t, err)
	defer c.Close()

	// Fresh share: empty listing.
	entries, err := c.List("")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Upload, then see it in the listing.
	require.NoError(t, c.Put("docs/report.bin", bytes.NewReader(content), int64(len(content)), nil))

	entries, err = c.List("docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.bin", entries[0].Name)
	assert.Equal(t, int64(len(content)), entries[0].Size)

	// Download it back intact; cp leaves the source in place.
	var buf bytes.Buffer
	n, err := c.Copy("docs/report.bin", &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())
	_, err = os.Stat(filepath.Join(ts.root, "docs", "report.bin"))
	require.NoError(t, err)

	// Cut downloads and, once acknowledged, deletes the source.
	buf.Reset()
	n, err = c.Cut("docs/report.bin", &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())
	_, err = os.Stat(filepath.Join(ts.root, "docs", "report.bin"))
	assert.True(t, os.IsNotExist(err))

	// Removing it again reports NOT_FOUND.
	err = c.Remove("docs/report.bin")
	re, ok := protocol.AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonNotFound, re.Reason)

	require.NoError(t, c.Exit())

	// Every operation above left a log entry, in order.
	waitFor(t, "disconnect log entry", func() bool {
		entries, err := ts.store.Query(context.Background(), translog.Filter{Operation: translog.OpDisconnect})
		return err == nil && len(entries) == 1
	})
	logged, err := ts.store.Query(context.Background(), translog.Filter{Alias: "ana"})
	require.NoError(t, err)

	var ops []translog.Operation
	for _, e := range logged {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []translog.Operation{
		translog.OpConnect,
		translog.OpList,
		translog.OpPut,
		translog.OpList,
		translog.OpGet,
		translog.OpCut,
		translog.OpRemove,
		translog.OpDisconnect,
	}, ops)

	// The failed remove is the one FAILED entry.
	for _, e := range logged {
		if e.Operation == translog.OpRemove {
			assert.Equal(t, translog.OutcomeFailed, e.Outcome)
		} else {
			assert.Equal(t, translog.OutcomeOK, e.Outcome)
		}
	}
}

func TestServer_RequestBeforeHelloIsFatal(t *testing.T) {
	ts := startTestServer(t, 0)

	conn, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	defer conn.Close()
	dec := protocol.NewDecoder(conn, 0)

	require.NoError(t, protocol.Encode(conn, &protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdList,
	}))

	body, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, body.Type)

	var fields protocol.ErrorFields
	require.NoError(t, protocol.DecodeFields(body.Fields, &fields))
	assert.Equal(t, string(protocol.ReasonProtocolViolation), fields.Reason)

	// The server hangs up after the violation.
	_, err = dec.Decode()
	assert.Error(t, err)
}

func TestServer_EmptyAliasRejected(t *testing.T) {
	ts := startTestServer(t, 0)

	conn, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	defer conn.Close()
	dec := protocol.NewDecoder(conn, 0)

	require.NoError(t, protocol.Encode(conn, &protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdHello,
		Fields:  protocol.EncodeFields(protocol.HelloFields{Alias: "   "}),
	}))

	body, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, body.Type)
}

func TestServer_PathTraversalRejected(t *testing.T) {
	ts := startTestServer(t, 0)

	c, err := client.Dial(ts.addr(), "mallory", client.Options{})
	require.NoError(t, err)
	defer c.Close()

	err = c.Remove("../../etc/passwd")
	re, ok := protocol.AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonPathViolation, re.Reason)

	// The session survives the rejected command.
	_, err = c.List("")
	assert.NoError(t, err)
}

func TestServer_ConcurrentPutSamePathConflicts(t *testing.T) {
	ts := startTestServer(t, 0)

	// First uploader claims the path and stalls mid-transfer.
	connA, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	defer connA.Close()
	decA := protocol.NewDecoder(connA, 0)

	require.NoError(t, protocol.Encode(connA, &protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdHello,
		Fields:  protocol.EncodeFields(protocol.HelloFields{Alias: "first"}),
	}))
	body, err := decA.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResponse, body.Type)

	require.NoError(t, protocol.Encode(connA, &protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdPut,
		Fields:  protocol.EncodeFields(protocol.PutFields{Path: "shared.txt", Size: 5}),
	}))
	body, err = decA.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResponse, body.Type)
	var start protocol.TransferStartFields
	require.NoError(t, protocol.DecodeFields(body.Fields, &start))

	// Second uploader targeting the same path is turned away.
	c, err := client.Dial(ts.addr(), "second", client.Options{})
	require.NoError(t, err)
	defer c.Close()

	err = c.Put("shared.txt", bytes.NewReader([]byte("steal")), 5, nil)
	re, ok := protocol.AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonConflict, re.Reason)

	// The first upload still completes normally.
	require.NoError(t, protocol.Encode(connA, &protocol.Body{
		Type:    protocol.TypeData,
		Command: protocol.CmdPut,
		Fields:  protocol.EncodeFields(protocol.DataFields{TransferID: start.TransferID}),
		Binary:  []byte("mine!"),
	}))
	require.NoError(t, protocol.Encode(connA, &protocol.Body{
		Type:    protocol.TypeResponse,
		Command: protocol.CmdPut,
		Fields:  protocol.EncodeFields(protocol.TransferEndFields{TransferID: start.TransferID, Bytes: 5}),
	}))
	body, err = decA.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResponse, body.Type)

	data, err := os.ReadFile(filepath.Join(ts.root, "shared.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mine!", string(data))
}

func TestServer_CutDisconnectKeepsSource(t *testing.T) {
	ts := startTestServer(t, 0)
	source := filepath.Join(ts.root, "precious.txt")
	require.NoError(t, os.WriteFile(source, []byte("do not lose me"), 0o644))

	conn, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	dec := protocol.NewDecoder(conn, 0)

	require.NoError(t, protocol.Encode(conn, &protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdHello,
		Fields:  protocol.EncodeFields(protocol.HelloFields{Alias: "flaky"}),
	}))
	_, err = dec.Decode()
	require.NoError(t, err)

	// Ask for the cut, take the transfer start, then vanish without the
	// delivery acknowledgment.
	require.NoError(t, protocol.Encode(conn, &protocol.Body{
		Type:    protocol.TypeRequest,
		Command: protocol.CmdCut,
		Fields:  protocol.EncodeFields(protocol.CopyFields{Path: "precious.txt"}),
	}))
	body, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeResponse, body.Type)
	require.NoError(t, conn.Close())

	waitFor(t, "session teardown", func() bool { return len(ts.Sessions()) == 0 })

	data, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, "do not lose me", string(data))

	// The interrupted cut is on record as a failure.
	logged, err := ts.store.Query(context.Background(), translog.Filter{Operation: translog.OpCut})
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, translog.OutcomeFailed, logged[0].Outcome)
}

func TestServer_SessionLimitRefusesExtraConnections(t *testing.T) {
	ts := startTestServer(t, 1)

	first, err := client.Dial(ts.addr(), "holder", client.Options{})
	require.NoError(t, err)
	defer first.Close()

	_, err = client.Dial(ts.addr(), "latecomer", client.Options{})
	re, ok := protocol.AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonRefused, re.Reason)

	// The held session still works, and its slot frees up on exit.
	_, err = first.List("")
	require.NoError(t, err)
	require.NoError(t, first.Exit())

	waitFor(t, "slot release", func() bool { return len(ts.Sessions()) == 0 })

	second, err := client.Dial(ts.addr(), "latecomer", client.Options{})
	require.NoError(t, err)
	second.Close()
}

func TestServer_PutQuotaExceededReported(t *testing.T) {
	root := t.TempDir()
	store, err := translog.Open(filepath.Join(t.TempDir(), "translog"), false)
	require.NoError(t, err)
	pool := worker.NewPool(store, 16) // 16 byte cap

	srv := New(Config{Host: "127.0.0.1", SharedRoot: root}, pool, ratelimiter.New(0, 0))
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		pool.Stop()
		store.Close()
	})

	c, err := client.Dial(srv.Addr().String(), "greedy", client.Options{})
	require.NoError(t, err)
	defer c.Close()

	err = c.Put("big.bin", bytes.NewReader(make([]byte, 64)), 64, nil)
	re, ok := protocol.AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonQuotaExceeded, re.Reason)

	_, statErr := os.Stat(filepath.Join(root, "big.bin"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestServer_DownloadMatchesLargeFile(t *testing.T) {
	ts := startTestServer(t, 0)

	// Larger than any single chunk, not chunk-aligned.
	content := bytes.Repeat([]byte{0xA5}, protocol.DefaultChunkSize*3+17)
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, "blob"), content, 0o644))

	c, err := client.Dial(ts.addr(), "bulk", client.Options{})
	require.NoError(t, err)
	defer c.Close()

	var buf bytes.Buffer
	var calls int
	n, err := c.Copy("blob", &buf, func(done, total int64) {
		calls++
		assert.Equal(t, int64(len(content)), total)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.True(t, bytes.Equal(content, buf.Bytes()))
	assert.GreaterOrEqual(t, calls, 4)
}

func TestServer_EmptyFileCopyAndCut(t *testing.T) {
	ts := startTestServer(t, 0)
	source := filepath.Join(ts.root, "empty.txt")
	require.NoError(t, os.WriteFile(source, nil, 0o644))

	c, err := client.Dial(ts.addr(), "ana", client.Options{})
	require.NoError(t, err)
	defer c.Close()

	var buf bytes.Buffer
	n, err := c.Copy("empty.txt", &buf, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())
	_, err = os.Stat(source)
	require.NoError(t, err)

	// Repeated empty copies must not accumulate reader-side state.
	for i := 0; i < 20; i++ {
		_, err := c.Copy("empty.txt", io.Discard, nil)
		require.NoError(t, err)
	}

	n, err = c.Cut("empty.txt", io.Discard, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = os.Stat(source)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_StopUnblocksServe(t *testing.T) {
	pool := worker.NewPool(nil, 0)
	defer pool.Stop()

	srv := New(Config{Host: "127.0.0.1", SharedRoot: t.TempDir()}, pool, ratelimiter.New(0, 0))
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	// A closed listener must end the accept loop even without a context
	// cancellation, not leave it retrying forever.
	srv.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestServer_DownloadMissingFile(t *testing.T) {
	ts := startTestServer(t, 0)

	c, err := client.Dial(ts.addr(), "ana", client.Options{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Copy("nope.txt", io.Discard, nil)
	re, ok := protocol.AsReasonError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonNotFound, re.Reason)
}
