// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-mastodon"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Scopes requested when registering the Mastodon application.
var Scopes = []string{"read:statuses", "write:statuses", "read:accounts", "write:conversations"}

// OOBRedirectURI makes Mastodon display the authorization code instead of
// redirecting, so it can be pasted into the prompt.
const OOBRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

// Prompt describes one value requested from the operator.
type Prompt struct {
	ID           string
	Title        string
	Instructions string
	Placeholder  string
	Secret       bool
}

// Prompter asks the operator for input during login and onboarding.
// Implementations return ErrPromptAborted when the operator gives up.
type Prompter interface {
	Ask(ctx context.Context, prompt Prompt) (string, error)
}

// Retrier is implemented by prompters that can show why the last answer was
// refused on the next prompt.
type Retrier interface {
	Retry(msg string)
}

func (br *Bridge) retry(msg string) {
	if r, ok := br.Prompter.(Retrier); ok {
		r.Retry(msg)
	}
}

// SocialSession is the authenticated Mastodon session.
type SocialSession struct {
	Client    *mastodon.Client
	Self      *mastodon.Account
	ServerURL string
	// App is the registration used to log in again when the token is revoked.
	App *AppCredential
}

// ReferenceServer is the server whose status IDs notices refer to.
func (s *SocialSession) ReferenceServer() string {
	return s.ServerURL
}

// EnsureSocialSession registers the application if needed, logs in if
// needed and confirms the identity of the account. Rejected credentials
// lead back to the login prompt; other failures are retried.
func (br *Bridge) EnsureSocialSession(ctx context.Context) (*SocialSession, error) {
	log := br.Log.With().Str("component", "mastodon_session").Logger()

	app, err := br.loadOrRegisterApp(ctx)
	if err != nil {
		return nil, err
	}
	client := mastodon.NewClient(&mastodon.Config{
		Server:       app.ServerURL,
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
	})

	var user UserCredential
	found, err := loadCredential(br.Config.Path(UserCredentialFile), &user)
	if err != nil {
		return nil, err
	}
	if found && user.AccessToken != "" {
		client.Config.AccessToken = user.AccessToken
	} else if err := br.loginSocial(ctx, client, app); err != nil {
		return nil, err
	}

	for {
		me, err := client.GetAccountCurrentUser(ctx)
		if err == nil {
			log.Info().
				Str("display_name", me.DisplayName).
				Str("acct", me.Acct).
				Msg("Confirmed Mastodon identity")
			return &SocialSession{Client: client, Self: me, ServerURL: app.ServerURL, App: app}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isUnauthorized(err) {
			log.Warn().Err(&AuthError{Network: "mastodon", Err: err}).Msg("Mastodon token was rejected, logging in again")
			if err := br.loginSocial(ctx, client, app); err != nil {
				return nil, err
			}
			continue
		}
		log.Warn().Err(err).Dur("retry_in", br.Config.retryInterval()).Msg("Failed to confirm Mastodon identity")
		if err := sleepCtx(ctx, br.Config.retryInterval()); err != nil {
			return nil, err
		}
	}
}

// loadOrRegisterApp returns the stored application registration, creating
// one when there is none for the configured server.
func (br *Bridge) loadOrRegisterApp(ctx context.Context) (*AppCredential, error) {
	path := br.Config.Path(AppCredentialFile)
	var app AppCredential
	found, err := loadCredential(path, &app)
	if err != nil {
		return nil, err
	}
	if found && app.ClientID != "" && app.ServerURL == br.Config.Mastodon.ServerURL {
		return &app, nil
	}

	br.Log.Info().Str("server_url", br.Config.Mastodon.ServerURL).Msg("Registering Mastodon application")
	registered, err := mastodon.RegisterApp(ctx, &mastodon.AppConfig{
		Server:       br.Config.Mastodon.ServerURL,
		ClientName:   br.Config.Mastodon.ClientName,
		Scopes:       strings.Join(Scopes, " "),
		Website:      br.Config.Mastodon.Website,
		RedirectURIs: OOBRedirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register application: %w", err)
	}
	app = AppCredential{
		ServerURL:    br.Config.Mastodon.ServerURL,
		ClientID:     registered.ClientID,
		ClientSecret: registered.ClientSecret,
		RedirectURI:  OOBRedirectURI,
		AuthURI:      registered.AuthURI,
	}
	if err := saveCredential(path, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// loginSocial runs the authorization code flow until Mastodon accepts a code.
func (br *Bridge) loginSocial(ctx context.Context, client *mastodon.Client, app *AppCredential) error {
	for {
		code, err := br.Prompter.Ask(ctx, Prompt{
			ID:           "mastodon_auth_code",
			Title:        "Mastodon authorization code",
			Instructions: "Open this URL in your browser and paste the authorization code:\n" + app.AuthURI,
			Secret:       true,
		})
		if err != nil {
			return err
		}
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		err = client.AuthenticateToken(ctx, code, app.RedirectURI)
		if err == nil {
			break
		} else if isRejected(err) {
			br.Log.Warn().Err(&AuthError{Network: "mastodon", Err: err}).Msg("Authorization code was rejected, try again")
			br.retry("Authorization code was rejected")
			continue
		}
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if err := saveCredential(br.Config.Path(UserCredentialFile), &UserCredential{AccessToken: client.Config.AccessToken}); err != nil {
		return err
	}
	br.Log.Info().Msg("Logged in to Mastodon")
	return nil
}

// reauthenticate logs in to Mastodon again after the running session's
// token was rejected with cause, and confirms the account behind the new
// token.
func (br *Bridge) reauthenticate(ctx context.Context, cause error) error {
	br.Log.Warn().Err(&AuthError{Network: "mastodon", Err: cause}).Msg("Mastodon token was rejected, logging in again")
	if err := br.loginSocial(ctx, br.Social.Client, br.Social.App); err != nil {
		return err
	}
	me, err := br.Social.Client.GetAccountCurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm Mastodon identity: %w", err)
	}
	if me.ID != br.Social.Self.ID {
		br.Log.Warn().
			Str("old_acct", br.Social.Self.Acct).
			Str("acct", me.Acct).
			Msg("Logged in to a different Mastodon account")
	}
	br.Social.Self = me
	return nil
}

// ChatSession is the authenticated Matrix session.
type ChatSession struct {
	Client *mautrix.Client
	UserID id.UserID
	Store  *FileSyncStore
}

// EnsureChatSession restores the stored Matrix session, or discovers the
// homeserver and logs in with a password when there is none.
func (br *Bridge) EnsureChatSession(ctx context.Context) (*ChatSession, error) {
	var cred ChatCredential
	found, err := loadCredential(br.Config.Path(ChatCredentialFile), &cred)
	if err != nil {
		return nil, err
	}
	if found && cred.AccessToken != "" && cred.UserID == br.Config.Matrix.UserID {
		client, err := mautrix.NewClient(cred.Homeserver, cred.UserID, cred.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to restore Matrix client: %w", err)
		}
		client.DeviceID = cred.DeviceID
		br.Log.Info().
			Str("user_id", cred.UserID.String()).
			Str("device_id", cred.DeviceID.String()).
			Msg("Restored Matrix session")
		return br.newChatSession(client), nil
	}

	homeserver, err := br.ResolveHomeserver(ctx, br.Config.Matrix.UserID)
	if err != nil {
		return nil, err
	}
	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if err := br.loginChat(ctx, client, br.Config.Matrix.UserID); err != nil {
		return nil, err
	}
	return br.newChatSession(client), nil
}

func (br *Bridge) newChatSession(client *mautrix.Client) *ChatSession {
	store := NewFileSyncStore(br.Config.Path(SyncStoreDir))
	client.Store = store
	client.Log = br.Log.With().Str("component", "matrix_client").Logger()
	return &ChatSession{Client: client, UserID: client.UserID, Store: store}
}

// ResolveHomeserver finds the client API base URL of userID's server using
// .well-known discovery. Servers without a well-known file are assumed to
// serve the API themselves over HTTPS. Network failures are not retried.
func (br *Bridge) ResolveHomeserver(ctx context.Context, userID id.UserID) (string, error) {
	_, serverName, err := userID.Parse()
	if err != nil {
		return "", &DiscoveryError{ServerName: string(userID), Err: err}
	}
	wellKnown, err := br.discover(ctx, serverName)
	if err != nil {
		return "", &DiscoveryError{ServerName: serverName, Err: err}
	}
	if wellKnown == nil || wellKnown.Homeserver.BaseURL == "" {
		return "https://" + serverName, nil
	}
	br.Log.Info().
		Str("server_name", serverName).
		Str("homeserver", wellKnown.Homeserver.BaseURL).
		Msg("Discovered homeserver")
	return wellKnown.Homeserver.BaseURL, nil
}

// loginChat logs in with a password until the homeserver accepts it and
// persists the resulting session.
func (br *Bridge) loginChat(ctx context.Context, client *mautrix.Client, userID id.UserID) error {
	var resp *mautrix.RespLogin
	for {
		password, err := br.Prompter.Ask(ctx, Prompt{
			ID:           "matrix_password",
			Title:        "Matrix password",
			Instructions: fmt.Sprintf("Password for %s on %s", userID, client.HomeserverURL),
			Secret:       true,
		})
		if err != nil {
			return err
		}
		resp, err = client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: userID.String(),
			},
			Password:                 password,
			DeviceID:                 client.DeviceID,
			InitialDeviceDisplayName: br.Config.Matrix.DeviceName,
			StoreCredentials:         true,
		})
		if err == nil {
			break
		} else if errors.Is(err, mautrix.MForbidden) {
			br.Log.Warn().Err(&AuthError{Network: "matrix", Err: err}).Msg("Password was rejected, try again")
			br.retry("Password was rejected")
			continue
		}
		return fmt.Errorf("failed to log in to Matrix: %w", err)
	}

	cred := &ChatCredential{
		Homeserver:  client.HomeserverURL.String(),
		UserID:      resp.UserID,
		AccessToken: resp.AccessToken,
		DeviceID:    resp.DeviceID,
	}
	if err := saveCredential(br.Config.Path(ChatCredentialFile), cred); err != nil {
		return err
	}
	br.Log.Info().
		Str("user_id", resp.UserID.String()).
		Str("device_id", resp.DeviceID.String()).
		Msg("Logged in to Matrix")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
