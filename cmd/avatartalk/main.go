// AvatarTalk is a terminal-driven live conversation with a remote avatar:
// microphone audio goes to a realtime speech service, the synthesized reply
// is lip-synced by a remote avatar renderer, and the video stream lands on a
// local surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/normanking/avatartalk/internal/audio"
	"github.com/normanking/avatartalk/internal/avatar"
	"github.com/normanking/avatartalk/internal/bus"
	"github.com/normanking/avatartalk/internal/config"
	"github.com/normanking/avatartalk/internal/logging"
	"github.com/normanking/avatartalk/internal/session"
	"github.com/normanking/avatartalk/internal/speech"
	"github.com/normanking/avatartalk/internal/store"
	"github.com/normanking/avatartalk/internal/video"
)

func main() {
	videoPath := flag.String("video", "", "write the avatar video stream to this file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	log := logger.Component("main")

	eventBus := bus.NewEventBus()

	configDir, err := config.GetConfigDir()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot resolve config directory")
	}
	creds := store.NewCredentials(filepath.Join(configDir, "secrets.json"), logger.Zerolog())
	defs := store.NewDefinitions(cfg.Session.CharacterFile, logger.Zerolog())

	var surfaceWriter io.Writer = io.Discard
	if *videoPath != "" {
		f, err := os.Create(*videoPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *videoPath).Msg("Cannot open video output")
		}
		defer f.Close()
		surfaceWriter = f
	}

	orch := session.NewOrchestrator(&session.Config{
		Speech: &speech.Config{
			APIKey:             cfg.Speech.APIKey,
			Model:              cfg.Speech.Model,
			Voice:              cfg.Speech.Voice,
			TurnDetection:      cfg.Speech.TurnDetection,
			TranscriptionModel: cfg.Speech.TranscriptionModel,
			RealtimeURL:        cfg.Speech.RealtimeURL,
			APIBaseURL:         cfg.Speech.APIBaseURL,
			ConnectTimeout:     cfg.Speech.ConnectTimeout,
		},
		Avatar: &avatar.Config{
			APIKey:         cfg.Avatar.APIKey,
			FaceID:         cfg.Avatar.FaceID,
			HandleSilence:  cfg.Avatar.HandleSilence,
			APIBaseURL:     cfg.Avatar.APIBaseURL,
			StreamURL:      cfg.Avatar.StreamURL,
			ConnectTimeout: cfg.Avatar.ConnectTimeout,
		},
		Capture: &audio.CaptureConfig{
			SampleRate:    cfg.Audio.SampleRate,
			FrameSize:     cfg.Audio.FrameSize,
			Channels:      1,
			VADThreshold:  cfg.Audio.VADThreshold,
			AccessTimeout: cfg.Audio.AccessTimeout,
		},
		PreviewTimeout: cfg.Session.PreviewTimeout,
		HealthInterval: cfg.Session.HealthInterval,
	}, session.Deps{
		Credentials: creds,
		Definitions: defs,
		Surface:     video.NewWriterSurface(surfaceWriter),
		NewCaptureDevice: func() audio.CaptureDevice {
			return audio.NewMalgoDevice(cfg.Audio.SampleRate, cfg.Audio.FrameSize)
		},
	}, eventBus, logger.Zerolog())
	defer orch.Destroy()

	watcher, err := config.Watch(filepath.Join(configDir, "config.yaml"), func(next *config.Config) {
		orch.SetVADThreshold(next.Audio.VADThreshold)
	}, logger.Zerolog())
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload unavailable")
	} else {
		defer watcher.Close()
	}

	eventBus.Subscribe(bus.EventTypeStatus, func(e bus.Event) {
		fmt.Printf("[%s/%s] %s\n", e.Data["category"], e.Data["level"], e.Data["message"])
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down")
		orch.Destroy()
		logger.Close()
		os.Exit(0)
	}()

	fmt.Println("avatartalk ready. Commands: preview, connect, start, mute, unmute, status, end, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		ctx := context.Background()
		switch strings.TrimSpace(scanner.Text()) {
		case "preview":
			if err := orch.StartPreview(ctx); err != nil {
				fmt.Printf("preview failed: %v\n", err)
			}
		case "connect":
			if err := orch.Initialize(ctx); err != nil {
				fmt.Printf("connect failed: %v\n", err)
			}
		case "start":
			if err := orch.StartSession(ctx); err != nil {
				fmt.Printf("start failed: %v\n", err)
			}
		case "mute":
			orch.SetMuted(true)
		case "unmute":
			orch.SetMuted(false)
		case "status":
			fmt.Printf("state: %s  muted: %v  preview: %v\n", orch.State(), orch.IsMuted(), orch.HasPreview())
			events := orch.Status()
			if len(events) > 10 {
				events = events[len(events)-10:]
			}
			for _, ev := range events {
				fmt.Printf("  %s [%s/%s] %s\n", ev.Timestamp.Format("15:04:05"), ev.Category, ev.Level, ev.Message)
			}
		case "end":
			if err := orch.EndSession(); err != nil {
				fmt.Printf("end failed: %v\n", err)
			}
		case "quit", "exit":
			return
		case "", "help":
			fmt.Println("commands: preview, connect, start, mute, unmute, status, end, quit")
		default:
			fmt.Println("unknown command; try help")
		}
	}
}
