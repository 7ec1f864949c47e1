package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"chatline/internal/client"
	"chatline/internal/config"
	clog "chatline/internal/log"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env)

	addr := os.Getenv("CHAT_SERVER_ADDR")
	if addr == "" {
		addr = "localhost" + cfg.ChatAddr
	}

	c, err := client.New(client.Options{
		Addr:              addr,
		CAFile:            cfg.TLSCAFile,
		DataDir:           cfg.DataDir,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconnectBackoff:  cfg.ReconnectBackoff,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("client init")
	}

	// One stdin pump for the whole process; lines go to whatever
	// connection is live.
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			c.Send(sc.Text())
		}
	}()

	for {
		if err := run(c); err != nil {
			fmt.Println("Disconnected, reconnecting...")
		}
		time.Sleep(cfg.ReconnectBackoff)
	}
}

func run(c *client.Client) error {
	if err := c.Connect(); err != nil {
		return err
	}
	stop := make(chan struct{})
	defer close(stop)
	go c.RunHeartbeat(stop)

	for {
		line, err := c.ReadLine()
		if err != nil {
			c.Close()
			return err
		}
		switch {
		case line == "HEARTBEAT_ACK":
			// keep-alive traffic stays off the screen
		case line == "HEARTBEAT":
			c.Send("HEARTBEAT_ACK")
		case strings.HasPrefix(line, "AUTH_SUCCESS"):
			fmt.Println(c.HandleAuthSuccess(line))
		default:
			fmt.Println(line)
		}
	}
}
