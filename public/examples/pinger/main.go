// Pinger agent example: connects, checks broker liveness with a ping,
// subscribes to a topic, and publishes a message to it once a second.
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
	identity := flag.String("agent-id", fmt.Sprintf("pinger-%s", uuid.NewString()[:8]), "Agent identity")
	server := flag.String("server", "ws://localhost:8000", "Messagebus base URL")
	topic := flag.String("topic", "test/topic", "Topic to publish on")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	a := agent.New(*identity, *server, log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer a.Close()

	if err := a.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping failed")
	}
	log.Info().Msg("messagebus is alive")

	// Subscribe as well, to see messages from other publishers on the topic.
	messages, err := a.Subscribe(ctx, *topic)
	if err != nil {
		log.Fatal().Err(err).Str("topic", *topic).Msg("failed to subscribe")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			log.Info().Str("sender", msg.Sender).RawJSON("data", msg.Data).Msg("message received")
		case <-ticker.C:
			seq++
			data := map[string]any{"seq": seq, "from": a.Identity()}
			if err := a.Publish(ctx, *topic, data); err != nil {
				log.Warn().Err(err).Msg("publish failed")
				continue
			}
			log.Info().Int("seq", seq).Str("topic", *topic).Msg("published")
		}
	}
}
