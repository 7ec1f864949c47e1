package token

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

// snapshotVersion guards the on-disk layout. Bump when tokenRecord
// changes shape.
const snapshotVersion = 1

type tokenRecord struct {
	Username    string    `cbor:"1,keyasint"`
	Fingerprint string    `cbor:"2,keyasint"`
	DefaultRoom string    `cbor:"3,keyasint"`
	Value       string    `cbor:"4,keyasint"`
	CreatedAt   time.Time `cbor:"5,keyasint"`
	LastAccess  time.Time `cbor:"6,keyasint"`
}

type snapshot struct {
	Version int           `cbor:"1,keyasint"`
	Tokens  []tokenRecord `cbor:"2,keyasint"`
}

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeUnixMicro
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("token: CBOR encoder initialization failed: " + err.Error())
	}
}

// Save serializes the full fingerprint→token map wholesale. Safe to
// call concurrently; writes are serialized by their own lock so disk
// I/O never blocks index lookups.
func (r *Registry) Save() {
	r.mu.RLock()
	records := make([]tokenRecord, 0, len(r.byFingerprint))
	for _, t := range r.byFingerprint {
		records = append(records, tokenRecord{
			Username:    t.Username,
			Fingerprint: t.Fingerprint,
			DefaultRoom: t.DefaultRoom,
			Value:       t.Value,
			CreatedAt:   t.CreatedAt,
			LastAccess:  t.LastAccess(),
		})
	}
	r.mu.RUnlock()

	data, err := encMode.Marshal(snapshot{Version: snapshotVersion, Tokens: records})
	if err != nil {
		log.Error().Err(err).Msg("encode token snapshot")
		return
	}

	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", r.path).Msg("write token snapshot")
		return
	}
	log.Debug().Int("tokens", len(records)).Msg("token snapshot saved")
}

// Load replaces the in-memory indexes with the snapshot contents.
// A missing file is a clean first start.
func (r *Registry) Load() error {
	r.fileMu.Lock()
	data, err := os.ReadFile(r.path)
	r.fileMu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info().Msg("no token snapshot found, starting empty")
			return nil
		}
		return err
	}

	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode token snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("token snapshot version %d not supported", snap.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFingerprint = make(map[string]*Token, len(snap.Tokens))
	r.byUsername = make(map[string]map[string]*Token)
	for _, rec := range snap.Tokens {
		t := newToken(rec.Username, rec.Fingerprint, rec.DefaultRoom, rec.Value)
		t.CreatedAt = rec.CreatedAt
		t.lastAccess.Store(rec.LastAccess.UnixNano())
		r.byFingerprint[rec.Fingerprint] = t
		bucket := r.byUsername[rec.Username]
		if bucket == nil {
			bucket = make(map[string]*Token)
			r.byUsername[rec.Username] = bucket
		}
		bucket[rec.Value] = t
	}
	log.Info().Int("tokens", len(snap.Tokens)).Msg("token snapshot loaded")
	return nil
}
