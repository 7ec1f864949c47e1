package server

import "regexp"

// Handshake and chat-loop tokens. The protocol is newline-terminated
// UTF-8 text over TLS.
const (
	msgAuthRequest = "AUTH_REQUEST"
	msgAuthSuccess = "AUTH_SUCCESS"
	msgAuthFail    = "AUTH_FAIL"

	promptUsername = "Enter username:"
	promptPassword = "Enter password:"
	promptBotRoom  = "Enter room to join:"

	modeLogin    = "login"
	modeRegister = "register"
	modeBot      = "AI_BOT"

	cmdJoin      = "/join "
	cmdLeave     = "/leave"
	cmdListRooms = "/listrooms"
	cmdShutdown  = "/shutdown"

	botMention    = "@bot"
	botLinePrefix = "[Bot]:"
	changeRoom    = "CHANGE_ROOM:"

	heartbeat    = "HEARTBEAT"
	heartbeatAck = "HEARTBEAT_ACK"

	tokenMarker  = "|TOKEN:"
	serverPrefix = "[Server] "

	availableCommands = "AVAILABLE COMMANDS: /join <room_name> - Join/Create chat room :/leave - Leave room&return to default : /listrooms - List all rooms."
	availableBotCmd   = "AVAILABLE BOT COMMAND: @bot + message"

	maxLoginAttempts = 3
)

// hexDigestRe matches lines that are exactly the shape of a SHA-256
// hex digest, the same shape as a device fingerprint.
var hexDigestRe = regexp.MustCompile(`^[a-f0-9]{64}$`)
