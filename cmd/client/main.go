package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	sigctx "os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openhuddle/huddle/internal/api"
	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/core"
	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/rtc"
	"github.com/openhuddle/huddle/internal/session"
	"github.com/openhuddle/huddle/internal/signal"
)

func main() {
	ctx, cancel := sigctx.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		selfID  = flag.Int64("self", 0, "stable participant id")
		callID  = flag.String("call", "", "call id to join; empty creates a new call")
		creator = flag.Int64("creator", 0, "creator participant id (defaults to -self for new calls)")
	)
	flag.Parse()
	if *selfID == 0 {
		log.Fatal().Msg("-self is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	client := api.NewClient(cfg.APIURL)

	id := domain.CallID(*callID)
	creatorID := domain.ParticipantID(*creator)
	if id == "" {
		creatorID = domain.ParticipantID(*selfID)
		if id, err = client.CreateCall(ctx, creatorID); err != nil {
			log.Fatal().Err(err).Msg("create call")
		}
		fmt.Printf("call id: %s\n", id)
	}
	if err := client.JoinCall(ctx, id, domain.ParticipantID(*selfID)); err != nil {
		log.Fatal().Err(err).Str("call_id", string(id)).Msg("join call")
	}

	factory := func(remote domain.ParticipantID) (core.MediaConnection, error) {
		return rtc.New(rtc.DefaultConfig(), remote)
	}

	ctl := session.New(session.Options{
		CallID:       id,
		SelfID:       domain.ParticipantID(*selfID),
		CreatorID:    creatorID,
		Signal:       signal.New(cfg.HubURL),
		Fetcher:      client,
		Ender:        client,
		Media:        rtc.NewStaticSource(),
		Factory:      factory,
		PollInterval: cfg.PollInterval,
		BindingWait:  cfg.BindingWait,
	})

	if err := ctl.Start(ctx); err != nil {
		log.Fatal().Err(err).Str("call_id", string(id)).Msg("start session")
	}

	go readCommands(ctx, ctl)

	<-ctx.Done()
	leaveCtx := context.Background()
	if err := ctl.Leave(leaveCtx); err != nil {
		log.Warn().Err(err).Msg("leave")
	}
	log.Info().Msg("client exited")
}

// readCommands drives the session from stdin: plain lines go to chat,
// /mute /camera /who /end are commands.
func readCommands(ctx context.Context, ctl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/mute":
			on, err := ctl.ToggleMic()
			report(err)
			fmt.Printf("mic on: %v\n", on)
		case line == "/camera":
			on, err := ctl.ToggleCamera()
			report(err)
			fmt.Printf("camera on: %v\n", on)
		case line == "/who":
			for _, p := range ctl.Participants() {
				fmt.Printf("  %d connected=%v muted=%v camera=%v\n", p.ID, p.Connected, p.Muted, p.CameraOn)
			}
		case line == "/end":
			report(ctl.End(ctx))
		default:
			report(ctl.SendChat(line))
		}
	}
}

func report(err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}
