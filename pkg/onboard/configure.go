// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package onboard

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/connector"
)

// NormalizeServerURL turns what the operator typed into a Mastodon server
// URL. A bare host name gets https://.
func NormalizeServerURL(input string) (string, error) {
	input = strings.TrimRight(strings.TrimSpace(input), "/")
	if input == "" {
		return "", fmt.Errorf("server URL is empty")
	}
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("server URL must use http or https, not %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL has no host")
	}
	return input, nil
}

// NormalizeUserID parses a Matrix user ID, adding the leading @ if missing.
func NormalizeUserID(input string) (id.UserID, error) {
	input = strings.TrimSpace(input)
	if input != "" && !strings.HasPrefix(input, "@") {
		input = "@" + input
	}
	userID := id.UserID(input)
	if _, _, err := userID.Parse(); err != nil {
		return "", fmt.Errorf("invalid Matrix user ID: %w", err)
	}
	return userID, nil
}

// Configure asks for the settings missing from cfg. It reports whether cfg
// was changed; saving it is up to the caller.
func Configure(ctx context.Context, cfg *connector.Config, prompter connector.Prompter) (bool, error) {
	changed := false
	if cfg.Mastodon.ServerURL == "" {
		serverURL, err := askValid(ctx, prompter, connector.Prompt{
			ID:           "mastodon_server_url",
			Title:        "Mastodon server",
			Instructions: "The server hosting the account whose direct messages are relayed.",
			Placeholder:  "mastodon.social",
		}, NormalizeServerURL)
		if err != nil {
			return false, err
		}
		cfg.Mastodon.ServerURL = serverURL
		changed = true
	}
	if cfg.Matrix.UserID == "" {
		userID, err := askValid(ctx, prompter, connector.Prompt{
			ID:           "matrix_user_id",
			Title:        "Matrix account",
			Instructions: "The Matrix user the bridge logs in as.",
			Placeholder:  "@bridge:example.org",
		}, NormalizeUserID)
		if err != nil {
			return false, err
		}
		cfg.Matrix.UserID = userID
		changed = true
	}
	return changed, nil
}

// askValid repeats prompt until parse accepts the answer.
func askValid[T any](ctx context.Context, prompter connector.Prompter, prompt connector.Prompt, parse func(string) (T, error)) (T, error) {
	for {
		answer, err := prompter.Ask(ctx, prompt)
		if err != nil {
			var zero T
			return zero, err
		}
		value, err := parse(answer)
		if err == nil {
			return value, nil
		}
		if r, ok := prompter.(connector.Retrier); ok {
			r.Retry(err.Error())
		}
	}
}
