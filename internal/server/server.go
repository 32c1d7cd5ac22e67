// Package server carries protocol lines over a websocket so the engine can be
// driven remotely. One session at a time owns the protocol handler.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsIdlePingInterval = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	sendBuffer         = 64
)

// Protocol is the command handler a session drives.
type Protocol interface {
	Execute(line string) bool
	SetOutput(w io.Writer)
}

// Server exposes a Protocol over HTTP.
type Server struct {
	proto    Protocol
	log      zerolog.Logger
	busy     atomic.Bool
	upgrader websocket.Upgrader
}

// New creates a server for proto.
func New(proto Protocol, log zerolog.Logger) *Server {
	return &Server{
		proto:    proto,
		log:      log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "busy": s.busy.Load()})
	})
	r.Get("/ws", s.serveWS)
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
		close(serverErrCh)
	}()
	s.log.Info().Str("addr", addr).Msg("listening")

	select {
	case <-ctx.Done():
	case err, ok := <-serverErrCh:
		if ok {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn().Err(err).Msg("graceful shutdown failed")
		return server.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.busy.CompareAndSwap(false, true) {
		http.Error(w, "a session is already active", http.StatusConflict)
		return
	}
	defer s.busy.Store(false)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	sess := newSession()
	s.proto.SetOutput(sess)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := sess.writeWithHeartbeat(conn); err != nil {
			s.log.Debug().Err(err).Msg("websocket write failed")
		}
	}()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("session started")

	defer func() {
		// Let a running search print its bestmove before detaching.
		s.proto.Execute("stop")
		s.proto.SetOutput(io.Discard)
		sess.close()
		<-writerDone
		s.log.Info().Str("remote", r.RemoteAddr).Msg("session ended")
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range strings.Split(string(msg), "\n") {
			// quit ends the session, not the process.
			if strings.TrimSpace(line) == "quit" {
				return
			}
			s.proto.Execute(line)
		}
	}
}

// session turns protocol output into one websocket message per line.
type session struct {
	mu   sync.Mutex
	buf  []byte
	send chan []byte

	quit     chan struct{}
	quitOnce sync.Once
}

func newSession() *session {
	return &session{
		send: make(chan []byte, sendBuffer),
		quit: make(chan struct{}),
	}
}

func (s *session) close() { s.quitOnce.Do(func() { close(s.quit) }) }

// Write queues every complete line. Output is dropped once the session is
// closed.
func (s *session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), s.buf[:i]...)
		s.buf = s.buf[i+1:]
		select {
		case s.send <- line:
		case <-s.quit:
			s.buf = s.buf[:0]
			return len(p), nil
		}
	}
	return len(p), nil
}

func (s *session) writeWithHeartbeat(conn *websocket.Conn) error {
	// A dead connection must not leave writers blocked.
	defer s.close()

	ticker := time.NewTicker(wsIdlePingInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		select {
		case msg := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
			lastWrite = time.Now()
		case <-ticker.C:
			if time.Since(lastWrite) < wsIdlePingInterval {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return err
			}
			lastWrite = time.Now()
		case <-s.quit:
			// Flush what was queued before the session closed.
			for {
				select {
				case msg := <-s.send:
					conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
