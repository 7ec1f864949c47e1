package server

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"chatline/internal/config"
	"chatline/internal/cred"
	"chatline/internal/metrics"
	"chatline/internal/room"
	"chatline/internal/token"

	"github.com/rs/zerolog/log"
)

// Tap receives a copy of every broadcast line, used by the ops live
// tail. Implementations must not block.
type Tap interface {
	Publish(room, line string)
}

type noopTap struct{}

func (noopTap) Publish(string, string) {}

// Server accepts TLS connections and runs one session goroutine per
// connection. The session list here is the whole-server announcement
// list; it is guarded independently from per-room member sets.
type Server struct {
	cfg    config.Config
	creds  *cred.Store
	tokens *token.Registry
	rooms  *room.Registry
	tap    Tap

	mu       sync.Mutex
	sessions map[*session]struct{}
	ln       net.Listener
	closed   atomic.Bool
}

func New(cfg config.Config, creds *cred.Store, tokens *token.Registry, rooms *room.Registry) *Server {
	return &Server{
		cfg:      cfg,
		creds:    creds,
		tokens:   tokens,
		rooms:    rooms,
		tap:      noopTap{},
		sessions: make(map[*session]struct{}),
	}
}

// SetTap installs the broadcast tap. Must be called before
// ListenAndServe.
func (s *Server) SetTap(t Tap) { s.tap = t }

// Rooms exposes the room registry for the ops surface.
func (s *Server) Rooms() *room.Registry { return s.rooms }

// ListenAndServe blocks accepting connections until Shutdown closes
// the listener. A failure in one session never reaches the accept
// loop.
func (s *Server) ListenAndServe() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	if err != nil {
		return err
	}
	ln, err := tls.Listen("tcp", s.cfg.ChatAddr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("addr", s.cfg.ChatAddr).Msg("chat server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("accept")
			continue
		}
		sess := newSession(s, conn)
		s.addSession(sess)
		go sess.handle()
	}
}

// Shutdown stops the accept loop and closes every live session.
func (s *Server) Shutdown() {
	s.closed.Store(true)
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	metrics.Connections.Inc()
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()
	if ok {
		metrics.Connections.Dec()
	}
}

// announce sends a line to every connected session except the sender.
func (s *Server) announce(line string, exclude *session) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess != exclude {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.Send(line)
	}
}
