package server

import (
	"errors"
	"strings"

	"chatline/internal/cred"
	"chatline/internal/metrics"
	"chatline/internal/room"

	"github.com/rs/zerolog/log"
)

type role int

const (
	roleHuman role = iota
	roleAgent
)

type authResult struct {
	username  string
	role      role
	room      string
	tokenAuth bool
}

// errLockout ends the handshake for good; other rejections let the
// client retry from AUTH_REQUEST.
var errLockout = errors.New("too many failed login attempts")

// authenticate drives the handshake state machine until the session is
// authenticated or the connection is no longer worth keeping.
func (s *session) authenticate() (*authResult, error) {
	for {
		s.Send(msgAuthRequest)
		res, err := s.performAuth()
		if err != nil {
			return nil, err
		}
		if res != nil {
			metrics.AuthTotal.WithLabelValues("success").Inc()
			return res, nil
		}
		metrics.AuthTotal.WithLabelValues("fail").Inc()
	}
}

func (s *session) performAuth() (*authResult, error) {
	line, err := s.readLine()
	if err != nil {
		return nil, err
	}

	fingerprint := line
	var presented string
	if i := strings.Index(line, tokenMarker); i >= 0 {
		fingerprint = line[:i]
		presented = line[i+len(tokenMarker):]
	}
	s.fingerprint = fingerprint

	// Fast paths: presented token first, then bare device recognition
	// for clients that kept their device identity but lost the token
	// file. Every success rotates the token.
	if presented != "" {
		if username, ok := s.srv.tokens.Resolve(presented, fingerprint); ok {
			log.Info().Str("username", username).Msg("authenticated via token")
			return s.succeedRotating(username, true)
		}
	}
	if username, ok := s.srv.tokens.ResolveByFingerprint(fingerprint); ok {
		log.Info().Str("username", username).Msg("authenticated via device fingerprint")
		return s.succeedRotating(username, true)
	}

	mode, err := s.readLine()
	if err != nil {
		return nil, err
	}

	if mode == modeBot {
		return s.authBot()
	}

	switch strings.ToLower(strings.TrimSpace(mode)) {
	case modeRegister:
		return s.authRegister(fingerprint)
	case modeLogin:
		return s.authLogin(fingerprint)
	default:
		s.Send(msgAuthFail + " Invalid mode (must be 'login' or 'register')")
		return nil, nil
	}
}

// succeedRotating issues a replacement token for the fingerprint and
// reports it, with the resolved default room, back to the client.
func (s *session) succeedRotating(username string, returning bool) (*authResult, error) {
	defaultRoom := s.srv.tokens.DefaultRoom(s.fingerprint)
	value, err := s.srv.tokens.Issue(username, s.fingerprint, defaultRoom)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("token issue")
		s.Send(msgAuthFail + " Server error")
		return nil, nil
	}

	greeting := "Welcome, "
	if returning {
		greeting = "Welcome back, "
	}
	s.Send(msgAuthSuccess + " " + greeting + username + "!" + tokenMarker + value + "|ROOM:" + defaultRoom)
	s.Send(availableCommands)
	s.Send(availableBotCmd)
	return &authResult{username: username, role: roleHuman, room: defaultRoom, tokenAuth: returning}, nil
}

func (s *session) authRegister(fingerprint string) (*authResult, error) {
	s.Send(promptUsername)
	username, err := s.readLine()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(username) == "" {
		s.Send(msgAuthFail + " Username cannot be empty")
		return nil, nil
	}
	if s.srv.creds.Exists(username) {
		s.Send(msgAuthFail + " Username already exists")
		return nil, nil
	}

	s.Send(promptPassword)
	password, err := s.readLine()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(password) == "" {
		s.Send(msgAuthFail + " Password cannot be empty")
		return nil, nil
	}

	if err := s.srv.creds.Register(username, password); err != nil {
		if errors.Is(err, cred.ErrUsernameTaken) {
			s.Send(msgAuthFail + " Username already exists")
		} else {
			log.Error().Err(err).Str("username", username).Msg("register")
			s.Send(msgAuthFail + " Registration failed")
		}
		return nil, nil
	}

	value, err := s.srv.tokens.Issue(username, fingerprint, room.Default)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("token issue")
		s.Send(msgAuthFail + " Server error")
		return nil, nil
	}

	log.Info().Str("username", username).Msg("registered")
	s.Send(msgAuthSuccess + " Welcome, " + username + "!" + tokenMarker + value + "|ROOM:" + room.Default)
	s.Send(availableCommands)
	s.Send(availableBotCmd)
	return &authResult{username: username, role: roleHuman, room: room.Default}, nil
}

func (s *session) authLogin(fingerprint string) (*authResult, error) {
	for attempt := 0; attempt < maxLoginAttempts; attempt++ {
		s.Send(promptUsername)
		username, err := s.readLine()
		if err != nil {
			return nil, err
		}
		s.Send(promptPassword)
		password, err := s.readLine()
		if err != nil {
			return nil, err
		}

		if !s.srv.creds.Exists(username) {
			s.Send(msgAuthFail + " Username does not exist")
			continue
		}
		if !s.srv.creds.Verify(username, password) {
			s.Send(msgAuthFail + " Invalid password")
			continue
		}

		defaultRoom := s.srv.tokens.DefaultRoom(fingerprint)
		value, err := s.srv.tokens.Issue(username, fingerprint, defaultRoom)
		if err != nil {
			log.Error().Err(err).Str("username", username).Msg("token issue")
			s.Send(msgAuthFail + " Server error")
			return nil, nil
		}

		log.Info().Str("username", username).Str("room", defaultRoom).Msg("logged in")
		s.Send(msgAuthSuccess + " Welcome, " + username + "!" + tokenMarker + value + "|ROOM:" + defaultRoom)
		s.Send(availableCommands)
		s.Send(availableBotCmd)
		return &authResult{username: username, role: roleHuman, room: defaultRoom}, nil
	}

	metrics.AuthTotal.WithLabelValues("lockout").Inc()
	s.Send(msgAuthFail + " Too many failed login attempts.")
	return nil, errLockout
}

// authBot is the reserved identity path for automated agents. The
// shared secret is a deployment setting, not a user password, and no
// token is issued.
func (s *session) authBot() (*authResult, error) {
	secret, err := s.readLine()
	if err != nil {
		return nil, err
	}
	if secret != s.srv.cfg.BotSecret {
		s.Send(msgAuthFail + " Invalid bot credentials")
		return nil, nil
	}

	s.Send(promptBotRoom)
	botRoom, err := s.readLine()
	if err != nil {
		return nil, err
	}
	botRoom = strings.TrimSpace(botRoom)
	if botRoom == "" {
		s.Send(msgAuthFail + " Room name cannot be empty")
		return nil, nil
	}

	s.Send(msgAuthSuccess)
	log.Info().Str("room", botRoom).Msg("agent authenticated")
	return &authResult{username: "AI_Bot", role: roleAgent, room: botRoom}, nil
}
