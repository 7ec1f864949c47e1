package token

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const tokenSize = 32

// Token binds an opaque credential to a device fingerprint. LastAccess
// is atomic so lookups can refresh it while holding only the read lock.
type Token struct {
	Username    string
	Fingerprint string
	DefaultRoom string
	Value       string
	CreatedAt   time.Time
	lastAccess  atomic.Int64
}

func newToken(username, fingerprint, room, value string) *Token {
	t := &Token{
		Username:    username,
		Fingerprint: fingerprint,
		DefaultRoom: room,
		Value:       value,
		CreatedAt:   time.Now(),
	}
	t.lastAccess.Store(t.CreatedAt.UnixNano())
	return t
}

func (t *Token) touch() { t.lastAccess.Store(time.Now().UnixNano()) }

// LastAccess returns the time of the most recent successful resolve.
func (t *Token) LastAccess() time.Time { return time.Unix(0, t.lastAccess.Load()) }

// Registry keeps the fingerprint→token and username→tokens indexes.
// At most one live token exists per fingerprint: Issue replaces and
// invalidates whatever the fingerprint held before.
type Registry struct {
	mu            sync.RWMutex
	byFingerprint map[string]*Token
	byUsername    map[string]map[string]*Token

	path        string
	ttl         time.Duration
	defaultRoom string

	fileMu sync.Mutex
}

func NewRegistry(path string, ttl time.Duration, defaultRoom string) *Registry {
	return &Registry{
		byFingerprint: make(map[string]*Token),
		byUsername:    make(map[string]map[string]*Token),
		path:          path,
		ttl:           ttl,
		defaultRoom:   defaultRoom,
	}
}

// Issue generates a fresh token for the fingerprint, replacing any
// existing one. The snapshot write happens on a separate goroutine so
// callers never block on disk.
func (r *Registry) Issue(username, fingerprint, room string) (string, error) {
	raw := make([]byte, tokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	value := base64.StdEncoding.EncodeToString(raw)
	t := newToken(username, fingerprint, room, value)

	r.mu.Lock()
	r.removeLocked(r.byFingerprint[fingerprint])
	r.byFingerprint[fingerprint] = t
	bucket := r.byUsername[username]
	if bucket == nil {
		bucket = make(map[string]*Token)
		r.byUsername[username] = bucket
	}
	bucket[value] = t
	r.mu.Unlock()

	log.Debug().Str("username", username).Str("fingerprint", fingerprint).Msg("token issued")
	go r.Save()
	return value, nil
}

// removeLocked unlinks a token from both indexes. Caller holds the
// write lock.
func (r *Registry) removeLocked(t *Token) {
	if t == nil {
		return
	}
	if cur := r.byFingerprint[t.Fingerprint]; cur == t {
		delete(r.byFingerprint, t.Fingerprint)
	}
	if bucket := r.byUsername[t.Username]; bucket != nil {
		delete(bucket, t.Value)
		if len(bucket) == 0 {
			delete(r.byUsername, t.Username)
		}
	}
}

// Resolve matches a presented token value against the fingerprint's
// current binding, falling back to a scan by value in case the device
// re-registered under another fingerprint.
func (r *Registry) Resolve(value, fingerprint string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t := r.byFingerprint[fingerprint]; t != nil {
		if bucket := r.byUsername[t.Username]; bucket != nil {
			if match := bucket[value]; match != nil {
				match.touch()
				return match.Username, true
			}
		}
	}
	for _, bucket := range r.byUsername {
		if t := bucket[value]; t != nil {
			t.touch()
			return t.Username, true
		}
	}
	return "", false
}

// ResolveByFingerprint accepts a recognized device that lost its token
// file but kept its device identity.
func (r *Registry) ResolveByFingerprint(fingerprint string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.byFingerprint[fingerprint]
	if t == nil {
		return "", false
	}
	t.touch()
	return t.Username, true
}

// DefaultRoom returns the room recorded for the fingerprint's current
// token, or the server default room.
func (r *Registry) DefaultRoom(fingerprint string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.byFingerprint[fingerprint]; t != nil && t.DefaultRoom != "" {
		return t.DefaultRoom
	}
	return r.defaultRoom
}

// UpdateDefaultRoom re-issues the fingerprint's token with a new
// default room, keeping rotation semantics.
func (r *Registry) UpdateDefaultRoom(username, fingerprint, room string) {
	r.mu.RLock()
	_, ok := r.byFingerprint[fingerprint]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if _, err := r.Issue(username, fingerprint, room); err != nil {
		log.Error().Err(err).Str("username", username).Msg("update default room")
	}
}

// RemoveForUsername revokes every token held by a username.
func (r *Registry) RemoveForUsername(username string) {
	r.mu.Lock()
	bucket := r.byUsername[username]
	for _, t := range bucket {
		if cur := r.byFingerprint[t.Fingerprint]; cur == t {
			delete(r.byFingerprint, t.Fingerprint)
		}
	}
	delete(r.byUsername, username)
	r.mu.Unlock()

	if len(bucket) > 0 {
		go r.Save()
	}
}

// PurgeExpired drops tokens idle past the TTL. Run at startup before
// the server accepts connections.
func (r *Registry) PurgeExpired() int {
	cutoff := time.Now().Add(-r.ttl)

	var stale []*Token
	r.mu.RLock()
	for _, t := range r.byFingerprint {
		if t.LastAccess().Before(cutoff) {
			stale = append(stale, t)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	r.mu.Lock()
	for _, t := range stale {
		r.removeLocked(t)
	}
	r.mu.Unlock()

	log.Info().Int("purged", len(stale)).Msg("expired tokens purged")
	return len(stale)
}
