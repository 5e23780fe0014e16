// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Credential file names inside the state directory.
const (
	AppCredentialFile  = "mastodon_app.yaml"
	UserCredentialFile = "mastodon_user.yaml"
	ChatCredentialFile = "matrix_session.yaml"
	SyncStoreDir       = "store"
)

// AppCredential is the Mastodon application registration.
type AppCredential struct {
	ServerURL    string `yaml:"server_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	AuthURI      string `yaml:"auth_uri"`
}

// UserCredential is the Mastodon user access token.
type UserCredential struct {
	AccessToken string `yaml:"access_token"`
}

// ChatCredential is everything needed to restore a Matrix session without
// logging in again.
type ChatCredential struct {
	Homeserver  string      `yaml:"homeserver"`
	UserID      id.UserID   `yaml:"user_id"`
	AccessToken string      `yaml:"access_token"`
	DeviceID    id.DeviceID `yaml:"device_id"`
}

// loadCredential reads a YAML credential file into v. It reports false
// without error when the file doesn't exist.
func loadCredential(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

// saveCredential writes v as YAML with owner-only permissions.
func saveCredential(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	return writePrivateFile(path, data)
}

// writePrivateFile atomically replaces path with data. The file is 0600 and
// a missing parent directory is created as 0700.
func writePrivateFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to restrict %s: %w", tmp.Name(), err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
