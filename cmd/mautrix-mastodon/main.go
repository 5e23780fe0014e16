// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-mastodon relays the direct messages of a Mastodon account
// into a single Matrix room and posts replies from that room back to
// Mastodon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-mastodon/pkg/connector"
	"github.com/aiku/mautrix-mastodon/pkg/onboard"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	Name        = "mautrix-mastodon"
	Description = "A Mastodon direct message relay for Matrix"
	Version     = "0.1.0"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var version = flag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - %s", Name, Description),
		fmt.Sprintf("%s [-hv] [-c <path>]", Name),
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(connector.ExitStartupFailed)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(connector.ExitOK)
	} else if *version {
		fmt.Printf("%s %s (%s, built at %s)\n", Name, Version, Commit, BuildTime)
		os.Exit(connector.ExitOK)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, *configPath)
	stop()
	os.Exit(code)
}

// run loads the config, completes it interactively, sets up logging and
// runs the bridge until ctx is done. It returns the process exit status.
func run(ctx context.Context, path string) int {
	cfg, err := connector.LoadConfig(path)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return connector.ExitCode(err)
	}

	prompter := &onboard.Prompter{}
	if _, err := onboard.Configure(ctx, cfg, prompter); err != nil {
		code := connector.ExitCode(err)
		if code != connector.ExitOK {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return code
	}
	if err := cfg.Validate(); err != nil {
		err = &connector.ConfigError{Path: path, Err: err, Parse: true}
		_, _ = fmt.Fprintln(os.Stderr, err)
		return connector.ExitCode(err)
	}
	if err := cfg.Save(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return connector.ExitCode(err)
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		return connector.ExitLoggerFailed
	}
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("tag", Tag).
		Msg("Initializing " + Name)

	br := connector.NewBridge(cfg, *log, prompter)
	err = br.Run(ctx)
	code := connector.ExitCode(err)
	switch {
	case code == connector.ExitDiscoveryFailed:
		log.Error().Err(err).Msg("Homeserver discovery failed, check matrix.user_id")
	case code != connector.ExitOK:
		log.Err(err).Msg("Bridge stopped")
	default:
		log.Info().Msg("Bye!")
	}
	return code
}
