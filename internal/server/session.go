package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"chatline/internal/metrics"
	"chatline/internal/room"

	"github.com/rs/zerolog/log"
)

// session is one independent sequential flow per connection. Room
// transitions happen on the session's own goroutine, so leave, default
// room update, join and history replay never interleave with another
// transition for the same session.
type session struct {
	srv  *Server
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex

	role        role
	username    string
	fingerprint string

	curName string
	cur     *room.Room
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{srv: srv, conn: conn, br: bufio.NewReader(conn)}
}

// Send writes one line. Write errors surface later as a failed read on
// the peer's side; a dropped connection is a normal disconnect.
func (s *session) Send(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.conn.Write([]byte(line + "\n"))
}

func (s *session) readLine() (string, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) handle() {
	defer s.cleanup()

	res, err := s.authenticate()
	if err != nil {
		if !errors.Is(err, errLockout) && !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Msg("handshake ended")
		}
		return
	}
	s.username = res.username
	s.role = res.role

	if res.role == roleAgent {
		s.agentLoop(res.room)
		return
	}

	if !res.tokenAuth {
		s.srv.announce(serverPrefix+s.username+" has joined the chat.", s)
	}
	s.joinRoom(res.room, !res.tokenAuth)
	s.chatLoop()
}

func (s *session) joinRoom(name string, announce bool) {
	s.cur = s.srv.rooms.Join(name, s)
	s.curName = name
	s.Send("You have joined room: " + name)
	if announce {
		s.broadcast(serverPrefix + s.username + " has joined the room.")
	}
	for _, msg := range s.cur.LastMessages() {
		s.Send(msg)
	}
}

func (s *session) broadcast(line string) {
	s.cur.Broadcast(line, s)
	s.srv.tap.Publish(s.curName, line)
}

func (s *session) chatLoop() {
	for {
		line, err := s.readLine()
		if err != nil {
			return
		}

		switch {
		case line == heartbeat:
			s.Send(heartbeatAck)

		case strings.Contains(line, "TOKEN:") || hexDigestRe.MatchString(line):
			// Token values and fingerprint-shaped digests never make
			// it into a room transcript.
			metrics.BlockedMessagesTotal.Inc()
			s.Send(serverPrefix + "Message blocked for security reasons.")

		case strings.EqualFold(line, modeLogin) || strings.EqualFold(line, modeRegister):
			s.Send(serverPrefix + "Message blocked to prevent confusion with authentication commands.")

		case strings.HasPrefix(line, cmdJoin):
			target := strings.TrimSpace(line[len(cmdJoin):])
			switch {
			case target == "":
				s.Send("Room name cannot be empty.")
			case target == s.curName:
				s.Send("You're already in that room.")
			default:
				s.transition(target, "You have joined room: "+target)
			}

		case strings.HasPrefix(line, cmdLeave):
			s.transition(room.Default, "You have left the room and joined the '"+room.Default+"' room.")

		case line == cmdListRooms:
			s.Send("Available rooms: " + strings.Join(s.srv.rooms.ListRoomNames(), " / "))

		case strings.Contains(line, botMention):
			s.broadcast(s.username + ": " + line)
			if bw, ok := s.srv.rooms.BotWriter(s.curName); ok {
				bw.Send(line)
			} else {
				s.Send(serverPrefix + "No bot is available in this room.")
			}

		default:
			s.broadcast(s.username + ": " + line)
		}
	}
}

// transition moves the session to the target room as one atomic unit:
// leave announcement, membership swap, default room persistence,
// confirmation, join announcement, history replay.
func (s *session) transition(target, confirm string) {
	s.broadcast(serverPrefix + s.username + " has left the room.")
	s.srv.rooms.Leave(s.curName, s)

	old := s.curName
	s.cur = s.srv.rooms.Join(target, s)
	s.curName = target
	s.srv.tokens.UpdateDefaultRoom(s.username, s.fingerprint, target)

	s.Send(confirm)
	s.broadcast(serverPrefix + s.username + " has joined the room.")
	for _, msg := range s.cur.LastMessages() {
		s.Send(msg)
	}
	log.Info().Str("username", s.username).Str("from", old).Str("to", target).Msg("room change")
}

// agentLoop handles a bot session: its "chat" lines are generated
// replies addressed to the room it serves.
func (s *session) agentLoop(botRoom string) {
	s.srv.rooms.SetBotWriter(botRoom, s)
	defer func() {
		if bw, ok := s.srv.rooms.BotWriter(botRoom); ok && bw == room.Member(s) {
			s.srv.rooms.ClearBotWriter(botRoom)
		}
	}()

	for {
		line, err := s.readLine()
		if err != nil {
			return
		}

		switch {
		case line == heartbeat:
			s.Send(heartbeatAck)

		case strings.HasPrefix(line, botLinePrefix):
			rm := s.srv.rooms.GetOrCreate(botRoom)
			rm.Broadcast(line, s)
			s.srv.tap.Publish(botRoom, line)
			metrics.BotRepliesTotal.Inc()

		case strings.HasPrefix(line, changeRoom):
			target := strings.TrimSpace(line[len(changeRoom):])
			if target != "" && target != botRoom {
				s.srv.rooms.ClearBotWriter(botRoom)
				botRoom = target
				s.srv.rooms.SetBotWriter(botRoom, s)
				log.Info().Str("room", botRoom).Msg("agent changed room")
			}

		case line == cmdShutdown:
			log.Info().Str("room", botRoom).Msg("agent shutting down")
			return
		}
	}
}

func (s *session) cleanup() {
	if s.cur != nil {
		s.srv.rooms.Leave(s.curName, s)
	}
	s.srv.removeSession(s)
	_ = s.conn.Close()

	if s.username != "" && s.role == roleHuman {
		s.srv.announce(serverPrefix+s.username+" has left the chat.", s)
	}
	log.Info().Str("remote", s.conn.RemoteAddr().String()).Msg("client disconnected")
}
