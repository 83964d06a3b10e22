// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wakeeper is a Mattermost bot that links WhatsApp numbers for
// approved users and keeps a private copy of every message they send,
// deleting the original for everyone.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/wakeeper/pkg/access"
	"github.com/aiku/wakeeper/pkg/archive"
	"github.com/aiku/wakeeper/pkg/bot"
	"github.com/aiku/wakeeper/pkg/config"
	"github.com/aiku/wakeeper/pkg/control"
	"github.com/aiku/wakeeper/pkg/mmchannel"
	"github.com/aiku/wakeeper/pkg/passkey"
	"github.com/aiku/wakeeper/pkg/relay"
	"github.com/aiku/wakeeper/pkg/session"
	"github.com/aiku/wakeeper/pkg/whatsapp"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("wakeeper", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "config.yaml", "path to the config file")
	generate := flagSet.BoolP("generate-config", "g", false, "write the example config to --config and exit")
	save := flagSet.Bool("save-config", false, "write fields missing from the config file back into it")
	showVersion := flagSet.BoolP("version", "v", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("wakeeper %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return nil
	}
	if *generate {
		if err := config.Generate(*configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote example config to %s\n", *configPath)
		return nil
	}

	cfg, err := config.Load(*configPath, *save)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	zerolog.DefaultContextLogger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return start(log.WithContext(ctx), cfg, *log)
}

func start(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting wakeeper")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	passkeys, err := passkey.Open(cfg.PasskeysPath())
	if err != nil {
		return err
	}
	acc, err := access.New(cfg.Admin(), passkeys, cfg.RosterPath(), log)
	if err != nil {
		return err
	}
	arch := archive.New(cfg.ArchiveDir(), archive.Options{Compress: cfg.Archive.Compress}, log)

	secret, err := cfg.ActionSecret()
	if err != nil {
		return err
	}
	signer, err := control.NewTokenSigner(secret, cfg.Mattermost.ActionTokenTTL)
	if err != nil {
		return err
	}
	ch := mmchannel.New(mmchannel.Config{
		ServerURL:     cfg.Mattermost.ServerURL,
		Token:         cfg.Mattermost.Token,
		PublicURL:     cfg.Mattermost.PublicURL,
		ListenAddr:    cfg.Mattermost.ListenAddr,
		CommandPrefix: cfg.Bot.CommandPrefix,
	}, signer, log)

	rel := relay.New(acc, ch, log)
	b := bot.New(acc, arch, rel, ch, bot.Options{
		CommandPrefix: cfg.Bot.CommandPrefix,
		PageSize:      cfg.Bot.PageSize,
	}, log)
	mgr := session.NewManager(whatsapp.New(cfg.SessionsDir(), log), acc, arch, b, session.Options{
		PurgeOnUnexpectedClose: cfg.Archive.PurgeOnUnexpectedClose,
		LinkTimeout:            cfg.WhatsApp.LinkTimeout,
	}, log)
	b.SetSessions(mgr)
	ch.SetHandler(b)

	if err := ch.Start(ctx); err != nil {
		mgr.Close()
		return fmt.Errorf("failed to start Mattermost channel: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mgr.Restore(gctx)
		log.Info().Int("linked", len(acc.AllLinkedIdentities())).Msg("Linked identities restored")
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ch.Stop(shutdownCtx)
		mgr.Close()
		return nil
	})
	return g.Wait()
}
