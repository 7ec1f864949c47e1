// Package client holds the connection plumbing shared by the human
// client and the automated agent: TLS dialing, device fingerprinting,
// token persistence and the heartbeat/reconnect discipline.
package client

import (
	"bufio"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const tokenFile = "auth_token.txt"

type Options struct {
	Addr    string
	CAFile  string
	DataDir string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBackoff  time.Duration
}

// Client is one live connection to the chat server plus the local
// device state that survives reconnects.
type Client struct {
	opts        Options
	fingerprint string
	tokenPath   string

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader

	lastRecv atomic.Int64
}

func New(opts Options) (*Client, error) {
	fp, err := Fingerprint(opts.DataDir)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:        opts,
		fingerprint: fp,
		tokenPath:   filepath.Join(opts.DataDir, tokenFile),
	}, nil
}

func (c *Client) FingerprintValue() string { return c.fingerprint }

// Connect dials the server, waits for AUTH_REQUEST and presents the
// device fingerprint with the saved token if one exists. The rest of
// the handshake flows through ReadLine/Send to the caller.
func (c *Client) Connect() error {
	tlsCfg, err := TLSConfig(c.opts.CAFile)
	if err != nil {
		return err
	}
	conn, err := tls.Dial("tcp", c.opts.Addr, tlsCfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.mu.Unlock()
	c.lastRecv.Store(time.Now().UnixNano())

	for {
		line, err := c.ReadLine()
		if err != nil {
			c.Close()
			return err
		}
		if line == "AUTH_REQUEST" {
			break
		}
	}

	if token := c.LoadToken(); token != "" {
		c.Send(c.fingerprint + "|TOKEN:" + token)
	} else {
		c.Send(c.fingerprint)
	}
	return nil
}

func (c *Client) ReadLine() (string, error) {
	c.mu.Lock()
	br := c.br
	c.mu.Unlock()
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	c.lastRecv.Store(time.Now().UnixNano())
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) Send(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_, _ = c.conn.Write([]byte(line + "\n"))
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// HandleAuthSuccess persists the rotated token from an AUTH_SUCCESS
// line and returns the human-readable message part with the secret
// stripped.
func (c *Client) HandleAuthSuccess(line string) string {
	msg := line
	if i := strings.Index(line, "|TOKEN:"); i >= 0 {
		msg = line[:i]
		rest := line[i+len("|TOKEN:"):]
		token := rest
		if j := strings.Index(rest, "|ROOM:"); j >= 0 {
			token = rest[:j]
		}
		c.SaveToken(strings.TrimSpace(token))
	}
	return msg
}

func (c *Client) LoadToken() string {
	data, err := os.ReadFile(c.tokenPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *Client) SaveToken(token string) {
	if err := os.WriteFile(c.tokenPath, []byte(token+"\n"), 0o600); err != nil {
		log.Error().Err(err).Str("path", c.tokenPath).Msg("save auth token")
	}
}

// RunHeartbeat sends HEARTBEAT on the configured interval and tears
// the connection down when nothing has been received for longer than
// the timeout. It returns when stop is closed or the connection dies.
func (c *Client) RunHeartbeat(stop <-chan struct{}) {
	send := time.NewTicker(c.opts.HeartbeatInterval)
	check := time.NewTicker(c.opts.HeartbeatTimeout / 4)
	defer send.Stop()
	defer check.Stop()

	for {
		select {
		case <-stop:
			return
		case <-send.C:
			c.Send("HEARTBEAT")
		case <-check.C:
			idle := time.Since(time.Unix(0, c.lastRecv.Load()))
			if idle > c.opts.HeartbeatTimeout {
				log.Warn().Dur("idle", idle).Msg("heartbeat timeout, dropping connection")
				c.Close()
				return
			}
		}
	}
}
