package bot

import (
	"sync"

	"chatline/internal/llm"

	"github.com/rs/zerolog/log"
)

// Manager implements the room registry's Spawner: one agent per
// non-default room, started when the room appears and shut down when
// it empties.
type Manager struct {
	opts Options
	gen  llm.Generator

	mu     sync.Mutex
	agents map[string]*Agent
}

func NewManager(opts Options, gen llm.Generator) *Manager {
	return &Manager{opts: opts, gen: gen, agents: make(map[string]*Agent)}
}

func (m *Manager) Spawn(room string) {
	m.mu.Lock()
	if _, ok := m.agents[room]; ok {
		m.mu.Unlock()
		return
	}
	a := NewAgent(m.opts, room, m.gen)
	m.agents[room] = a
	m.mu.Unlock()

	log.Info().Str("room", room).Msg("spawning agent")
	go a.Run()
}

func (m *Manager) Retire(room string) {
	m.mu.Lock()
	a := m.agents[room]
	delete(m.agents, room)
	m.mu.Unlock()

	if a != nil {
		log.Info().Str("room", room).Msg("retiring agent")
		a.Shutdown()
	}
}

// Shutdown retires every agent, used at server shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.agents = make(map[string]*Agent)
	m.mu.Unlock()

	for _, a := range agents {
		a.Shutdown()
	}
}
