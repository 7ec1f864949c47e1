package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"chatline/internal/config"
	"chatline/internal/cred"
	"chatline/internal/room"
	"chatline/internal/token"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Config{
		DataDir:   t.TempDir(),
		BotSecret: "bot_password",
		TokenTTL:  24 * time.Hour,
	}
	creds := cred.NewStore(cfg.CredentialFile())
	tokens := token.NewRegistry(cfg.TokenSnapshotFile(), cfg.TokenTTL, room.Default)
	rooms := room.NewRegistry(cfg.RoomLogFile)
	return New(cfg, creds, tokens, rooms)
}

// testClient drives one end of a net.Pipe session. A background reader
// drains server output into a channel so session writes never block.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	sess := newSession(srv, serverConn)
	srv.addSession(sess)
	go sess.handle()

	tc := &testClient{t: t, conn: clientConn, lines: make(chan string, 64)}
	go func() {
		sc := bufio.NewScanner(clientConn)
		for sc.Scan() {
			tc.lines <- sc.Text()
		}
		close(tc.lines)
	}()
	t.Cleanup(func() { _ = clientConn.Close() })
	return tc
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) next() string {
	c.t.Helper()
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.t.Fatal("connection closed while expecting a line")
		}
		return line
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for a line")
		return ""
	}
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	if got := c.next(); got != want {
		c.t.Fatalf("got %q, want %q", got, want)
	}
}

func (c *testClient) expectPrefix(prefix string) string {
	c.t.Helper()
	got := c.next()
	if !strings.HasPrefix(got, prefix) {
		c.t.Fatalf("got %q, want prefix %q", got, prefix)
	}
	return got
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection still open, expected close")
		}
	}
}

// register walks the full registration handshake and returns the issued
// token value.
func (c *testClient) register(fingerprint, username, password string) string {
	c.t.Helper()
	c.expect(msgAuthRequest)
	c.send(fingerprint)
	c.send(modeRegister)
	c.expect(promptUsername)
	c.send(username)
	c.expect(promptPassword)
	c.send(password)
	success := c.expectPrefix(msgAuthSuccess + " Welcome, " + username + "!" + tokenMarker)
	c.expect(availableCommands)
	c.expect(availableBotCmd)
	c.expect("You have joined room: " + room.Default)
	// history replay ends with this user's own join announcement
	for c.next() != serverPrefix+username+" has joined the room." {
	}
	return tokenValue(c.t, success)
}

func tokenValue(t *testing.T, line string) string {
	t.Helper()
	i := strings.Index(line, tokenMarker)
	j := strings.Index(line, "|ROOM:")
	if i < 0 || j < 0 || j <= i {
		t.Fatalf("no token in %q", line)
	}
	return line[i+len(tokenMarker) : j]
}

func TestRegisterHandshake(t *testing.T) {
	srv := newTestServer(t)
	tc := dial(t, srv)

	value := tc.register("fp-alice", "alice", "secret")
	if value == "" {
		t.Fatal("registration issued an empty token")
	}
	if !srv.creds.Exists("alice") {
		t.Error("credential store has no entry for alice")
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	srv := newTestServer(t)
	dial(t, srv).register("fp-alice", "alice", "secret")

	tc := dial(t, srv)
	tc.expect(msgAuthRequest)
	tc.send("fp-bob")
	tc.send(modeRegister)
	tc.expect(promptUsername)
	tc.send("alice")
	tc.expect(msgAuthFail + " Username already exists")
	tc.expect(msgAuthRequest)
}

func TestLoginHandshake(t *testing.T) {
	srv := newTestServer(t)
	dial(t, srv).register("fp-alice", "alice", "secret")

	tc := dial(t, srv)
	tc.expect(msgAuthRequest)
	tc.send("fp-new-device")
	tc.send(modeLogin)
	tc.expect(promptUsername)
	tc.send("alice")
	tc.expect(promptPassword)
	tc.send("secret")
	tc.expectPrefix(msgAuthSuccess + " Welcome, alice!" + tokenMarker)
}

func TestLogin_LockoutClosesConnection(t *testing.T) {
	srv := newTestServer(t)
	dial(t, srv).register("fp-alice", "alice", "secret")

	tc := dial(t, srv)
	tc.expect(msgAuthRequest)
	tc.send("fp-new-device")
	tc.send(modeLogin)
	for i := 0; i < maxLoginAttempts; i++ {
		tc.expect(promptUsername)
		tc.send("alice")
		tc.expect(promptPassword)
		tc.send("wrong")
		if i < maxLoginAttempts-1 {
			tc.expect(msgAuthFail + " Invalid password")
		}
	}
	tc.expect(msgAuthFail + " Invalid password")
	tc.expect(msgAuthFail + " Too many failed login attempts.")
	tc.expectClosed()
}

func TestLogin_UnknownUsernameRetries(t *testing.T) {
	srv := newTestServer(t)
	tc := dial(t, srv)

	tc.expect(msgAuthRequest)
	tc.send("fp-x")
	tc.send(modeLogin)
	tc.expect(promptUsername)
	tc.send("nobody")
	tc.expect(promptPassword)
	tc.send("whatever")
	tc.expect(msgAuthFail + " Username does not exist")
	tc.expect(promptUsername)
}

func TestTokenReauthRotates(t *testing.T) {
	srv := newTestServer(t)

	first := dial(t, srv)
	old := first.register("fp-alice", "alice", "secret")
	_ = first.conn.Close()

	// Returning device presents its saved token and gets a fresh one.
	second := dial(t, srv)
	second.expect(msgAuthRequest)
	second.send("fp-alice" + tokenMarker + old)
	success := second.expectPrefix(msgAuthSuccess + " Welcome back, alice!" + tokenMarker)
	rotated := tokenValue(t, success)
	if rotated == old {
		t.Fatal("reauthentication reused the presented token")
	}
	second.expect(availableCommands)
	second.expect(availableBotCmd)
	second.expect("You have joined room: " + room.Default)
	_ = second.conn.Close()

	// The superseded value no longer authenticates, even from the
	// original fingerprint: the server falls through to mode selection.
	third := dial(t, srv)
	third.expect(msgAuthRequest)
	third.send("fp-other" + tokenMarker + old)
	third.send("badmode")
	third.expect(msgAuthFail + " Invalid mode (must be 'login' or 'register')")
	third.expect(msgAuthRequest)
}

func TestFingerprintFallback(t *testing.T) {
	srv := newTestServer(t)
	first := dial(t, srv)
	first.register("fp-alice", "alice", "secret")
	_ = first.conn.Close()

	// Same device without its token file still authenticates.
	tc := dial(t, srv)
	tc.expect(msgAuthRequest)
	tc.send("fp-alice")
	tc.expectPrefix(msgAuthSuccess + " Welcome back, alice!" + tokenMarker)
}

func TestChatLoop_Heartbeat(t *testing.T) {
	srv := newTestServer(t)
	tc := dial(t, srv)
	tc.register("fp-alice", "alice", "secret")

	tc.send(heartbeat)
	tc.expect(heartbeatAck)
}

func TestChatLoop_SecurityFilter(t *testing.T) {
	srv := newTestServer(t)
	tc := dial(t, srv)
	tc.register("fp-alice", "alice", "secret")

	tc.send("my token is TOKEN:abc")
	tc.expect(serverPrefix + "Message blocked for security reasons.")

	tc.send(strings.Repeat("ab", 32))
	tc.expect(serverPrefix + "Message blocked for security reasons.")

	tc.send("LOGIN")
	tc.expect(serverPrefix + "Message blocked to prevent confusion with authentication commands.")
}

func TestChatLoop_BroadcastExcludesSender(t *testing.T) {
	srv := newTestServer(t)
	alice := dial(t, srv)
	alice.register("fp-alice", "alice", "secret")

	bob := dial(t, srv)
	bob.register("fp-bob", "bob", "secret")
	alice.expect(serverPrefix + "bob has joined the chat.")
	alice.expect(serverPrefix + "bob has joined the room.")

	bob.send("hello everyone")
	alice.expect("bob: hello everyone")

	select {
	case line := <-bob.lines:
		t.Fatalf("sender received its own broadcast: %q", line)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChatLoop_RoomCommands(t *testing.T) {
	srv := newTestServer(t)
	tc := dial(t, srv)
	tc.register("fp-alice", "alice", "secret")

	tc.send(cmdJoin)
	tc.expect("Room name cannot be empty.")

	tc.send(cmdJoin + room.Default)
	tc.expect("You're already in that room.")

	tc.send(cmdJoin + "lobby")
	tc.expect("You have joined room: lobby")
	tc.expect(serverPrefix + "alice has joined the room.")

	tc.send(cmdListRooms)
	tc.expect("Available rooms: " + room.Default + " / lobby")

	tc.send(cmdLeave)
	tc.expect("You have left the room and joined the '" + room.Default + "' room.")
	tc.expect(serverPrefix + "alice has joined the room.")
	tc.expect(serverPrefix + "alice has left the room.")
	tc.expect(serverPrefix + "alice has joined the room.")

	tc.send(cmdListRooms)
	tc.expect("Available rooms: " + room.Default)
}

func TestBotAuth_InvalidSecret(t *testing.T) {
	srv := newTestServer(t)
	tc := dial(t, srv)

	tc.expect(msgAuthRequest)
	tc.send("BOT_DEVICE_lobby")
	tc.send(modeBot)
	tc.send("wrong-secret")
	tc.expect(msgAuthFail + " Invalid bot credentials")
	tc.expect(msgAuthRequest)
}

func botHandshake(t *testing.T, srv *Server, botRoom string) *testClient {
	t.Helper()
	tc := dial(t, srv)
	tc.expect(msgAuthRequest)
	tc.send("BOT_DEVICE_" + botRoom)
	tc.send(modeBot)
	tc.send("bot_password")
	tc.expect(promptBotRoom)
	tc.send(botRoom)
	tc.expect(msgAuthSuccess)
	return tc
}

func TestBotMentionRouting(t *testing.T) {
	srv := newTestServer(t)
	bot := botHandshake(t, srv, "lobby")

	alice := dial(t, srv)
	alice.register("fp-alice", "alice", "secret")
	// the agent session is on the whole-server announcement list
	bot.expect(serverPrefix + "alice has joined the chat.")
	alice.send(cmdJoin + "lobby")
	alice.expect("You have joined room: lobby")
	alice.expect(serverPrefix + "alice has joined the room.")

	// Mention reaches the agent as the raw line, reply comes back as a
	// room broadcast.
	alice.send("hey @bot how are you")
	bot.expect("hey @bot how are you")
	bot.send(botLinePrefix + " doing fine")
	alice.expect(botLinePrefix + " doing fine")
}

func TestBotMention_NoAgent(t *testing.T) {
	srv := newTestServer(t)
	tc := dial(t, srv)
	tc.register("fp-alice", "alice", "secret")

	tc.send("@bot anyone home")
	tc.expect(serverPrefix + "No bot is available in this room.")
}

func TestBotChangeRoom(t *testing.T) {
	srv := newTestServer(t)
	bot := botHandshake(t, srv, "lobby")

	bot.send(changeRoom + "den")
	// room change is processed on the agent's session goroutine; the
	// heartbeat ack proves the line was consumed.
	bot.send(heartbeat)
	bot.expect(heartbeatAck)

	if _, ok := srv.rooms.BotWriter("lobby"); ok {
		t.Error("agent still registered for the old room")
	}
	if _, ok := srv.rooms.BotWriter("den"); !ok {
		t.Error("agent not registered for the new room")
	}
}

func TestBotShutdownCommand(t *testing.T) {
	srv := newTestServer(t)
	bot := botHandshake(t, srv, "lobby")

	bot.send(cmdShutdown)
	bot.expectClosed()
	if _, ok := srv.rooms.BotWriter("lobby"); ok {
		t.Error("agent still registered after shutdown")
	}
}
