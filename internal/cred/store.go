package cred

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

// Store level errors, callers map them to protocol reasons.
var (
	ErrUsernameTaken = errors.New("username taken")
	ErrEmptyUsername = errors.New("username cannot be empty")
	ErrEmptyPassword = errors.New("password cannot be empty")
)

const (
	saltSize    = 16
	pbkdf2Iters = 10000
	digestSize  = 32
)

type credentials struct {
	passwordHash []byte
	salt         []byte
}

// Store keeps username→(hash, salt) in memory, backed by an append-only
// record file. Records are replayed at startup; a duplicate username in
// the file wins by last write.
type Store struct {
	mu    sync.RWMutex
	users map[string]credentials
	path  string

	fileMu sync.Mutex
}

func NewStore(path string) *Store {
	s := &Store{users: make(map[string]credentials), path: path}
	s.load()
	return s
}

func (s *Store) load() {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", s.path).Msg("open credential file")
		}
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.Split(sc.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		hash, err := hex.DecodeString(parts[1])
		if err != nil {
			continue
		}
		salt, err := hex.DecodeString(parts[2])
		if err != nil {
			continue
		}
		s.users[parts[0]] = credentials{passwordHash: hash, salt: salt}
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("read credential file")
	}
	log.Info().Int("users", len(s.users)).Msg("credential store loaded")
}

func hashPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iters, digestSize, sha256.New)
}

// Exists reports whether a username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// Register creates a new credential with a fresh random salt. The record
// is appended to the backing file best-effort; the in-memory entry is
// authoritative either way.
func (s *Store) Register(username, password string) error {
	if strings.TrimSpace(username) == "" {
		return ErrEmptyUsername
	}
	if strings.TrimSpace(password) == "" {
		return ErrEmptyPassword
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	c := credentials{passwordHash: hashPassword(password, salt), salt: salt}

	s.mu.Lock()
	if _, ok := s.users[username]; ok {
		s.mu.Unlock()
		return ErrUsernameTaken
	}
	s.users[username] = c
	s.mu.Unlock()

	s.appendRecord(username, c)
	return nil
}

// Verify recomputes the digest with the stored salt and compares in
// constant time. Unknown usernames verify false.
func (s *Store) Verify(username, password string) bool {
	s.mu.RLock()
	c, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	attempt := hashPassword(password, c.salt)
	return subtle.ConstantTimeCompare(attempt, c.passwordHash) == 1
}

func (s *Store) appendRecord(username string, c credentials) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("open credential file for append")
		return
	}
	defer f.Close()

	record := username + ":" + hex.EncodeToString(c.passwordHash) + ":" + hex.EncodeToString(c.salt) + "\n"
	if _, err := f.WriteString(record); err != nil {
		log.Error().Err(err).Str("username", username).Msg("append credential record")
	}
}
