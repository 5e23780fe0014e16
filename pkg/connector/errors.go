// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mattn/go-mastodon"
)

// ErrPromptAborted is returned by a Prompter when the operator cancels input.
var ErrPromptAborted = errors.New("prompt aborted")

// ConfigError is a failure to read, parse or write the config file.
type ConfigError struct {
	Path  string
	Err   error
	Parse bool
}

func (e *ConfigError) Error() string {
	if e.Parse {
		return fmt.Sprintf("failed to parse config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("failed to access config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthError means a network rejected the bridge's credentials. It is
// recovered by logging in again and never ends the process.
type AuthError struct {
	Network string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s rejected credentials: %v", e.Network, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DiscoveryError means the Matrix homeserver of the configured account could
// not be resolved. It ends the process with ExitDiscoveryFailed.
type DiscoveryError struct {
	ServerName string
	Err        error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover homeserver for %s: %v", e.ServerName, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// RelayErrorKind is the step of a relay that failed.
type RelayErrorKind string

const (
	KindFetch   RelayErrorKind = "fetch"
	KindSend    RelayErrorKind = "send"
	KindAck     RelayErrorKind = "ack"
	KindExtract RelayErrorKind = "extract"
	KindPost    RelayErrorKind = "post"
)

// RelayError is the failure of a single relayed item. It never affects other
// items of the same tick.
type RelayError struct {
	Kind RelayErrorKind
	Err  error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s failed: %v", e.Kind, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

func relayErr(kind RelayErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{Kind: kind, Err: err}
}

// Process exit statuses.
const (
	ExitOK              = 0
	ExitConfigFailed    = 10
	ExitConfigInvalid   = 11
	ExitLoggerFailed    = 12
	ExitDiscoveryFailed = 13
	ExitStartupFailed   = 14
)

// ExitCode maps an error returned by startup or Run to a process exit status.
func ExitCode(err error) int {
	var configErr *ConfigError
	var discoveryErr *DiscoveryError
	switch {
	case err == nil, errors.Is(err, ErrPromptAborted), errors.Is(err, context.Canceled):
		return ExitOK
	case errors.As(err, &discoveryErr):
		return ExitDiscoveryFailed
	case errors.As(err, &configErr):
		if configErr.Parse {
			return ExitConfigInvalid
		}
		return ExitConfigFailed
	default:
		return ExitStartupFailed
	}
}

// isUnauthorized reports whether a Mastodon API call was rejected with 401.
func isUnauthorized(err error) bool {
	var apiErr *mastodon.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// isRejected reports whether Mastodon refused a request as a client error,
// e.g. an invalid authorization code.
func isRejected(err error) bool {
	var apiErr *mastodon.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}
