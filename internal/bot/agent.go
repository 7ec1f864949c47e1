// Package bot runs the automated reply agents. Each non-default room
// gets one agent: a chat client authenticated through the reserved
// AI_BOT path that answers @bot mentions via the response generator.
package bot

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatline/internal/client"
	"chatline/internal/llm"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	maxContextLines = 5
	generateTimeout = 30 * time.Second

	replyCooldownBusy = "Please wait a moment before asking again..."
	replyGenerateFail = "I'm having trouble thinking right now..."
)

type Options struct {
	Addr   string
	CAFile string
	Secret string

	// LogPath maps a room name to its transcript file, the agent's
	// source of conversation context.
	LogPath func(room string) string

	Cooldown          time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBackoff  time.Duration
}

// Agent is one bot session. It reconnects with a fixed backoff until
// Shutdown and rate-limits calls to the response generator.
type Agent struct {
	opts Options
	gen  llm.Generator

	roomMu sync.Mutex
	room   string

	// limiter enforces the reply cooldown: one generation per
	// cooldown window, mentions in between get the canned wait reply.
	limiter *rate.Limiter

	running atomic.Bool

	connMu   sync.Mutex
	conn     net.Conn
	lastRecv atomic.Int64
}

func NewAgent(opts Options, room string, gen llm.Generator) *Agent {
	return &Agent{
		opts:    opts,
		gen:     gen,
		room:    room,
		limiter: rate.NewLimiter(rate.Every(opts.Cooldown), 1),
	}
}

func (a *Agent) Room() string {
	a.roomMu.Lock()
	defer a.roomMu.Unlock()
	return a.room
}

// ChangeRoom re-targets the agent and notifies the server.
func (a *Agent) ChangeRoom(newRoom string) {
	a.roomMu.Lock()
	a.room = newRoom
	a.roomMu.Unlock()
	a.send("CHANGE_ROOM:" + newRoom)
}

// Run connects and serves until Shutdown. Connection failures retry
// forever with the configured backoff.
func (a *Agent) Run() {
	a.running.Store(true)
	for a.running.Load() {
		err := a.runOnce()
		if !a.running.Load() {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("room", a.Room()).Msg("agent connection lost, retrying")
		}
		time.Sleep(a.opts.ReconnectBackoff)
	}
}

// Shutdown stops the reconnect loop and drops the live connection.
func (a *Agent) Shutdown() {
	a.running.Store(false)
	a.closeConn()
}

func (a *Agent) runOnce() error {
	tlsCfg, err := client.TLSConfig(a.opts.CAFile)
	if err != nil {
		return err
	}
	conn, err := tls.Dial("tcp", a.opts.Addr, tlsCfg)
	if err != nil {
		return err
	}
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer a.closeConn()

	br := bufio.NewReader(conn)
	if err := a.handshake(br); err != nil {
		return err
	}
	log.Info().Str("room", a.Room()).Msg("agent connected")
	a.lastRecv.Store(time.Now().UnixNano())

	stop := make(chan struct{})
	defer close(stop)
	go a.heartbeat(stop)

	return a.readLoop(br)
}

func (a *Agent) handshake(br *bufio.Reader) error {
	for tries := 0; ; tries++ {
		if tries >= 5 {
			return errors.New("no AUTH_REQUEST from server")
		}
		line, err := readLine(br)
		if err != nil {
			return err
		}
		if line == "AUTH_REQUEST" {
			break
		}
	}

	room := a.Room()
	a.send("BOT_DEVICE_" + room)
	a.send("AI_BOT")
	a.send(a.opts.Secret)

	line, err := readLine(br)
	if err != nil {
		return err
	}
	if strings.HasPrefix(line, "Enter room to join:") {
		a.send(room)
		line, err = readLine(br)
		if err != nil {
			return err
		}
	}
	if !strings.HasPrefix(line, "AUTH_SUCCESS") {
		return fmt.Errorf("agent authentication rejected: %s", line)
	}
	return nil
}

func (a *Agent) readLoop(br *bufio.Reader) error {
	for {
		line, err := readLine(br)
		if err != nil {
			if !a.running.Load() {
				return nil
			}
			return err
		}
		a.lastRecv.Store(time.Now().UnixNano())

		switch {
		case line == "HEARTBEAT":
			a.send("HEARTBEAT_ACK")
		case line == "HEARTBEAT_ACK":
			// already counted by lastRecv
		case strings.Contains(line, "@bot"):
			a.send("[Bot]: " + a.reply(line))
		}
	}
}

// reply produces the bot's answer for a mention, honoring the
// generation cooldown.
func (a *Agent) reply(mention string) string {
	if !a.limiter.Allow() {
		return replyCooldownBusy
	}

	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	prompt := a.buildPrompt(mention)
	text, err := a.gen.Generate(ctx, prompt)
	if err != nil {
		log.Error().Err(err).Str("room", a.Room()).Msg("response generation")
		return replyGenerateFail
	}
	// The protocol is line-oriented; keep replies on one line.
	return strings.Join(strings.Fields(text), " ")
}

func (a *Agent) buildPrompt(mention string) string {
	var b strings.Builder
	if ctx := a.roomContext(); len(ctx) > 0 {
		b.WriteString("Recent conversation context:\n")
		for _, line := range ctx {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Please respond to this: ")
	b.WriteString(strings.TrimSpace(strings.ReplaceAll(mention, "@bot", "")))
	return b.String()
}

// roomContext returns the last few transcript lines, skipping bot
// output and blanks.
func (a *Agent) roomContext() []string {
	f, err := os.Open(a.opts.LogPath(a.Room()))
	if err != nil {
		return nil
	}
	defer f.Close()

	var tail []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "[Bot]") || strings.TrimSpace(line) == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > maxContextLines {
			tail = tail[1:]
		}
	}
	return tail
}

func (a *Agent) heartbeat(stop <-chan struct{}) {
	send := time.NewTicker(a.opts.HeartbeatInterval)
	check := time.NewTicker(a.opts.HeartbeatTimeout / 4)
	defer send.Stop()
	defer check.Stop()

	for {
		select {
		case <-stop:
			return
		case <-send.C:
			a.send("HEARTBEAT")
		case <-check.C:
			idle := time.Since(time.Unix(0, a.lastRecv.Load()))
			if idle > a.opts.HeartbeatTimeout {
				log.Warn().Dur("idle", idle).Str("room", a.Room()).Msg("agent heartbeat timeout")
				a.closeConn()
				return
			}
		}
	}
}

func (a *Agent) send(line string) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		_, _ = a.conn.Write([]byte(line + "\n"))
	}
}

func (a *Agent) closeConn() {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
