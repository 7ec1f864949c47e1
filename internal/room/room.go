package room

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"chatline/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Default is the always-present room. It is created at startup and is
// never destroyed.
const Default = "general"

const historySize = 5

// Member receives broadcast lines. Sessions implement it.
type Member interface {
	Send(line string)
}

// Room is a named broadcast group. The member set and the transcript
// log append are serialized by the room lock, so delivery order within
// one room matches arrival order.
type Room struct {
	name    string
	logPath string

	mu      sync.Mutex
	members map[Member]struct{}
}

func newRoom(name, logPath string) *Room {
	return &Room{name: name, logPath: logPath, members: make(map[Member]struct{})}
}

func (r *Room) Name() string { return r.name }

func (r *Room) add(m Member) {
	r.mu.Lock()
	r.members[m] = struct{}{}
	r.mu.Unlock()
}

func (r *Room) remove(m Member) {
	r.mu.Lock()
	delete(r.members, m)
	r.mu.Unlock()
}

func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

// Online returns the current member count.
func (r *Room) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Broadcast appends the line to the room transcript and delivers it to
// every member except the sender. Log failures are best-effort: the
// line is still delivered.
func (r *Room) Broadcast(line string, exclude Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.appendLog(line)
	for m := range r.members {
		if m != exclude {
			m.Send(line)
		}
	}
	metrics.MessagesTotal.Inc()
}

func (r *Room) appendLog(line string) {
	f, err := os.OpenFile(r.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("open room log")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("append room log")
	}
}

// LastMessages returns up to the last five transcript lines in original
// order, skipping local-echo lines.
func (r *Room) LastMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.logPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var tail []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "You:") {
			continue
		}
		tail = append(tail, line)
		if len(tail) > historySize {
			tail = tail[1:]
		}
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("read room log")
	}
	return tail
}

func (r *Room) deleteLog() {
	if err := os.Remove(r.logPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("room", r.name).Msg("delete room log")
	}
}
