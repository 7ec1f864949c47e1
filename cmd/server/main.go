package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatline/internal/bot"
	"chatline/internal/config"
	"chatline/internal/cred"
	"chatline/internal/llm"
	clog "chatline/internal/log"
	"chatline/internal/ops"
	"chatline/internal/room"
	"chatline/internal/server"
	"chatline/internal/token"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env)

	creds := cred.NewStore(cfg.CredentialFile())

	tokens := token.NewRegistry(cfg.TokenSnapshotFile(), cfg.TokenTTL, room.Default)
	if err := tokens.Load(); err != nil {
		// A bad snapshot means lost sessions, not a dead server.
		log.Error().Err(err).Msg("token snapshot load, starting empty")
	}
	tokens.PurgeExpired()

	rooms := room.NewRegistry(cfg.RoomLogFile)

	gen := llm.NewOpenAIGenerator(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	agents := bot.NewManager(bot.Options{
		Addr:              dialAddr(cfg.ChatAddr),
		CAFile:            cfg.TLSCAFile,
		Secret:            cfg.BotSecret,
		LogPath:           cfg.RoomLogFile,
		Cooldown:          cfg.BotCooldown,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconnectBackoff:  cfg.ReconnectBackoff,
	}, gen)
	rooms.SetSpawner(agents)

	srv := server.New(cfg, creds, tokens, rooms)
	hub := ops.NewHub()
	srv.SetTap(hub)
	go ops.Serve(cfg.OpsAddr, hub, rooms)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down, saving tokens")
		agents.Shutdown()
		tokens.Save()
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
	tokens.Save()
}

// dialAddr turns a listen address like ":8443" into something the
// in-process agents can dial.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
