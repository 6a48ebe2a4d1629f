// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command discord-reposter runs the reposter bot. It copies channel history
// between channels on request and forwards new messages live, on Discord,
// Mattermost, or both.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	up "go.mau.fi/util/configupgrade"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter/discord"
	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter/mattermost"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const sweepInterval = time.Minute

// adapter is a platform connection that delivers events until ctx ends.
type adapter interface {
	reposter.Platform
	Run(ctx context.Context, handler reposter.EventHandler) error
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("discord-reposter", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to the config file")
	noUpdate := flags.BoolP("no-update", "n", false, "don't save the upgraded config back to the file")
	generate := flags.BoolP("generate-config", "g", false, "write the example config to --config and exit")
	version := flags.BoolP("version", "v", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *version {
		fmt.Printf("discord-reposter %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return nil
	}
	if *generate {
		if err := os.WriteFile(*configPath, []byte(reposter.ExampleConfig), 0o600); err != nil {
			return fmt.Errorf("failed to write example config: %w", err)
		}
		fmt.Printf("Wrote example config to %s\n", *configPath)
		return nil
	}

	cfg, err := loadConfig(*configPath, !*noUpdate)
	if err != nil {
		return err
	}
	log, closeLog, err := buildLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, log)
}

// loadConfig upgrades the config file against the bundled example and
// parses the result.
func loadConfig(path string, save bool) (*reposter.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s doesn't exist, use --generate-config to create one", path)
	}
	data, _, err := up.Do(path, save, reposter.ConfigUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg reposter.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.PostProcess()
	if !cfg.Discord.Enabled && !cfg.Mattermost.Enabled {
		return nil, errors.New("no platform is enabled in the config")
	}
	return &cfg, nil
}

// buildLogger returns the process logger and a function closing its file.
func buildLogger(cfg reposter.LoggingConfig, stderr io.Writer) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var out io.Writer = stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.DateTime}
	}
	closeLog := func() {}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 7,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closeLog = func() { _ = file.Close() }
	}
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closeLog, nil
}

// platform pairs an adapter with the relay settings its bot runs with.
type platform struct {
	adapter adapter
	relay   reposter.RelayConfig
}

func openPlatforms(cfg *reposter.Config, log zerolog.Logger) ([]platform, error) {
	var platforms []platform
	if cfg.Discord.Enabled {
		if cfg.Discord.Token == "" {
			return nil, errors.New("discord is enabled but discord.token is empty")
		}
		client, err := discord.New(cfg.Discord.Token, log)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, platform{adapter: client, relay: cfg.Relay})
	}
	if cfg.Mattermost.Enabled {
		if cfg.Mattermost.ServerURL == "" || cfg.Mattermost.Token == "" {
			return nil, errors.New("mattermost is enabled but mattermost.server_url or mattermost.token is empty")
		}
		relay := cfg.Relay
		relay.DefaultPrefix = cfg.Mattermost.DefaultPrefix
		client := mattermost.New(cfg.Mattermost.ServerURL, cfg.Mattermost.Token, log)
		platforms = append(platforms, platform{adapter: client, relay: relay})
	}
	return platforms, nil
}

// serve runs one bot per enabled platform over a shared store until ctx is
// cancelled or an adapter fails.
func serve(ctx context.Context, cfg *reposter.Config, log zerolog.Logger) error {
	store, err := reposter.NewStore(&reposter.FileStorage{Path: cfg.Store.Path}, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	platforms, err := openPlatforms(cfg, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	bots := make([]*reposter.Bot, 0, len(platforms))
	for _, p := range platforms {
		bot := reposter.NewBot(p.adapter, store, p.relay, log)
		bots = append(bots, bot)
		g.Go(func() error {
			return p.adapter.Run(ctx, bot)
		})
		g.Go(func() error {
			bot.Pending().RunSweeper(ctx, sweepInterval, log)
			return nil
		})
	}
	log.Info().Int("platforms", len(platforms)).Str("version", Tag).Msg("Reposter started")

	err = g.Wait()
	for _, bot := range bots {
		bot.Wait()
	}
	log.Info().Msg("Reposter stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
