// Listener agent example: subscribes to a topic and logs every message it
// receives, publishing a periodic heartbeat while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/volttron/messagebus/public/agent"
)

func main() {
	identity := flag.String("agent-id", fmt.Sprintf("listener-%s", uuid.NewString()[:8]), "Agent identity")
	server := flag.String("server", "ws://localhost:8000", "Messagebus base URL")
	topic := flag.String("topic", "test/topic", "Topic to subscribe to")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "Heartbeat period (0 disables)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	a := agent.New(*identity, *server, log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer a.Close()

	messages, err := a.Subscribe(ctx, *topic)
	if err != nil {
		log.Fatal().Err(err).Str("topic", *topic).Msg("failed to subscribe")
	}
	log.Info().Str("topic", *topic).Msg("listening")

	if *heartbeat > 0 {
		a.StartHeartbeat(*heartbeat)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			log.Info().
				Str("topic", msg.Topic).
				Str("sender", msg.Sender).
				RawJSON("data", msg.Data).
				Msg("message received")
		}
	}
}
