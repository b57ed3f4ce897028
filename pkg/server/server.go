// Package server implements the connection server: it accepts TCP
// connections, enforces the global session limit, and runs one session
// state machine per connection.
//
// All blocking disk and log work happens in the shared worker pool; the
// per-connection goroutines only ever block on their own socket or on a
// worker reply, so one client's slow disk never stalls another's frames.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/clisend/clisend/internal/logger"
	"github.com/clisend/clisend/internal/ratelimiter"
	"github.com/clisend/clisend/pkg/metrics"
	"github.com/clisend/clisend/pkg/protocol"
	"github.com/clisend/clisend/pkg/session"
	"github.com/clisend/clisend/pkg/worker"
)

// Config is the immutable server configuration, fixed at construction.
type Config struct {
	Host         string
	Port         int
	SharedRoot   string
	MaxSessions  int
	MaxFrameSize uint32
	ChunkSize    int
}

// Server accepts connections and owns the registry of live sessions.
type Server struct {
	cfg     Config
	pool    *worker.Pool
	limiter *ratelimiter.ChunkLimiter
	metrics metrics.ServerMetrics

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session.Session
	wg       sync.WaitGroup
}

// New creates a server. The pool and limiter are shared across all
// sessions; limits come from cfg and never change afterwards.
func New(cfg Config, pool *worker.Pool, limiter *ratelimiter.ChunkLimiter) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.DefaultChunkSize
	}
	return &Server{
		cfg:      cfg,
		pool:     pool,
		limiter:  limiter,
		metrics:  metrics.NewServerMetrics(),
		sessions: make(map[string]*session.Session),
	}
}

// Listen binds the listening socket. Safe to call once before Serve; Serve
// calls it implicitly when needed. Split out so callers (and tests using
// port 0) can learn the bound address before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// It returns after every session goroutine has finished.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	logger.Info("clisend server listening on %s (shared root %s)", s.Addr(), s.cfg.SharedRoot)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	var acceptDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}

			// Transient failures such as fd exhaustion must not spin the
			// loop hot; back off and retry.
			if acceptDelay == 0 {
				acceptDelay = 5 * time.Millisecond
			} else {
				acceptDelay *= 2
				if acceptDelay > time.Second {
					acceptDelay = time.Second
				}
			}
			logger.Warn("accept: %v; retrying in %v", err, acceptDelay)
			time.Sleep(acceptDelay)
			continue
		}
		acceptDelay = 0

		if !s.tryAdmit() {
			s.wg.Add(1)
			go s.refuse(conn)
			continue
		}

		sess := session.New(conn, session.Options{
			SharedRoot:   s.cfg.SharedRoot,
			ChunkSize:    s.cfg.ChunkSize,
			MaxFrameSize: s.cfg.MaxFrameSize,
			Pool:         s.pool,
			Limiter:      s.limiter,
			Metrics:      s.metrics,
		})
		s.register(sess)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unregister(sess)
			sess.Run(ctx)
		}()
	}
}

// Stop closes the listener and every live session's connection. Session
// goroutines observe the closed sockets and exit.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, sess := range s.sessions {
		sess.Close()
	}
}

// Sessions returns a snapshot of the live sessions. Exposed for operators
// and tests; the server stays the sole owner of the registry.
func (s *Server) Sessions() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// tryAdmit reserves a session slot. Refusal happens at the front door so
// an over-limit server sheds load instead of queueing it.
func (s *Server) tryAdmit() bool {
	if s.cfg.MaxSessions <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) < s.cfg.MaxSessions
}

func (s *Server) register(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.metrics.SessionOpened()
}

func (s *Server) unregister(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	s.metrics.SessionClosed()
}

// refuse tells an over-limit client why it is being dropped, then closes.
func (s *Server) refuse(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger.Warn("refusing connection from %s: session limit of %d reached",
		conn.RemoteAddr(), s.cfg.MaxSessions)
	s.metrics.SessionRefused()

	protocol.Encode(conn, protocol.ErrorBody("", protocol.Errorf(
		protocol.ReasonRefused, "server is at its session limit, try again later")))
}
