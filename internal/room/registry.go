package room

import (
	"sort"
	"sync"

	"chatline/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Spawner manages the automated agent attached to each non-default
// room: Spawn starts one when the room first appears, Retire signals
// its connection to terminate when the room empties.
type Spawner interface {
	Spawn(room string)
	Retire(room string)
}

type noopSpawner struct{}

func (noopSpawner) Spawn(string)  {}
func (noopSpawner) Retire(string) {}

// Registry owns the room set. Creation and teardown hold the registry
// lock across the whole check-and-mutate sequence so concurrent joins
// cannot create duplicates and teardown cannot race a late join.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	logPath func(room string) string
	spawner Spawner

	botMu      sync.Mutex
	botWriters map[string]Member
}

func NewRegistry(logPath func(room string) string) *Registry {
	r := &Registry{
		rooms:      make(map[string]*Room),
		logPath:    logPath,
		spawner:    noopSpawner{},
		botWriters: make(map[string]Member),
	}
	// The default room exists eagerly and survives emptiness.
	r.rooms[Default] = newRoom(Default, logPath(Default))
	metrics.Rooms.Set(1)
	return r
}

// SetSpawner installs the agent lifecycle hook. Must be called before
// the server accepts connections.
func (r *Registry) SetSpawner(s Spawner) { r.spawner = s }

// GetOrCreate returns the named room, creating it on first use.
// Creating any room other than the default spawns its agent.
func (r *Registry) GetOrCreate(name string) *Room {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		rm = newRoom(name, r.logPath(name))
		r.rooms[name] = rm
		metrics.Rooms.Set(float64(len(r.rooms)))
	}
	r.mu.Unlock()

	if !ok && name != Default {
		log.Info().Str("room", name).Msg("room created, spawning agent")
		go r.spawner.Spawn(name)
	}
	return rm
}

// Join adds the member to the named room, creating the room if needed.
func (r *Registry) Join(name string, m Member) *Room {
	rm := r.GetOrCreate(name)
	rm.add(m)
	return rm
}

// Leave removes the member. A non-default room that becomes empty is
// destroyed: its transcript log is deleted and its agent retired.
func (r *Registry) Leave(name string, m Member) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	rm.remove(m)
	destroy := rm.empty() && name != Default
	if destroy {
		delete(r.rooms, name)
		metrics.Rooms.Set(float64(len(r.rooms)))
	}
	r.mu.Unlock()

	if destroy {
		log.Info().Str("room", name).Msg("room empty, destroying")
		rm.deleteLog()
		r.ClearBotWriter(name)
		go r.spawner.Retire(name)
	}
}

// ListRoomNames returns every room name, the default room first and the
// rest sorted lexicographically.
func (r *Registry) ListRoomNames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		if name != Default {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(names)
	return append([]string{Default}, names...)
}

// BotWriter returns the agent session registered for the room, if any.
func (r *Registry) BotWriter(name string) (Member, bool) {
	r.botMu.Lock()
	defer r.botMu.Unlock()
	m, ok := r.botWriters[name]
	return m, ok
}

// SetBotWriter registers the agent session bound to a room.
func (r *Registry) SetBotWriter(name string, m Member) {
	r.botMu.Lock()
	r.botWriters[name] = m
	r.botMu.Unlock()
}

// ClearBotWriter drops the agent registration for a room.
func (r *Registry) ClearBotWriter(name string) {
	r.botMu.Lock()
	delete(r.botWriters, name)
	r.botMu.Unlock()
}
