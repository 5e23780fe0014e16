// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

// EventQueueSize is how many sync events may wait for the loop.
const EventQueueSize = 64

// Bridge holds both sessions and the room state. All relay work runs on the
// goroutine that called Run.
type Bridge struct {
	Config   *Config
	Log      zerolog.Logger
	Prompter Prompter

	Social *SocialSession
	Chat   *ChatSession
	Rooms  *RoomGuardian

	events   chan Event
	discover func(ctx context.Context, serverName string) (*mautrix.ClientWellKnown, error)
}

// NewBridge creates a bridge. Sessions are established by Start.
func NewBridge(cfg *Config, log zerolog.Logger, prompter Prompter) *Bridge {
	return &Bridge{
		Config:   cfg,
		Log:      log,
		Prompter: prompter,
		events:   make(chan Event, EventQueueSize),
		discover: mautrix.DiscoverClientAPI,
	}
}

// Start establishes both sessions, seeds the room state and greets the
// active room. The Matrix session comes first so that a homeserver which
// can't be discovered fails before anything else is set up.
func (br *Bridge) Start(ctx context.Context) error {
	chat, err := br.EnsureChatSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to establish Matrix session: %w", err)
	}
	br.Chat = chat
	social, err := br.EnsureSocialSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to establish Mastodon session: %w", err)
	}
	br.Social = social

	br.Rooms = NewRoomGuardian(chat.Client, br.Log, br.Config.settleTimeout())
	br.Rooms.greet = br.Greet
	if err := br.setupSyncer(); err != nil {
		return err
	}
	if err := br.reconcileRooms(ctx); err != nil {
		return err
	}
	if roomID, ok := br.Rooms.Settled(ctx); ok {
		br.Greet(ctx, roomID)
	}
	return nil
}

// reconcileRooms seeds the room guardian, logging in again if the stored
// Matrix token is no longer valid.
func (br *Bridge) reconcileRooms(ctx context.Context) error {
	for {
		err := br.Rooms.Reconcile(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, mautrix.MUnknownToken):
			br.Log.Warn().Err(&AuthError{Network: "matrix", Err: err}).Msg("Matrix token was rejected, logging in again")
			if err := br.loginChat(ctx, br.Chat.Client, br.Chat.UserID); err != nil {
				return err
			}
		default:
			br.Log.Warn().Err(err).Dur("retry_in", br.Config.retryInterval()).Msg("Failed to list joined rooms")
			if err := sleepCtx(ctx, br.Config.retryInterval()); err != nil {
				return err
			}
		}
	}
}

// Run starts the bridge and processes ticks and sync events until ctx is
// done. The first tick runs immediately.
func (br *Bridge) Run(ctx context.Context) error {
	if err := br.Start(ctx); err != nil {
		return err
	}
	syncDone := br.startSync(ctx)
	ticker := time.NewTicker(br.Config.pollInterval())
	defer ticker.Stop()

	br.Log.Info().Dur("poll_interval", br.Config.pollInterval()).Msg("Bridge started")
	if err := br.Dispatch(ctx, Event{Kind: EventTick}); err != nil {
		_ = br.stop(syncDone)
		return err
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			return br.stop(syncDone)
		case <-ticker.C:
			err = br.Dispatch(ctx, Event{Kind: EventTick})
		case evt := <-br.events:
			err = br.Dispatch(ctx, evt)
		case syncErr := <-syncDone:
			var restartErr error
			syncDone, restartErr = br.restartSync(ctx, syncErr)
			if restartErr != nil {
				_ = br.stop(nil)
				return restartErr
			}
		}
		if err != nil {
			_ = br.stop(syncDone)
			return err
		}
	}
}

// stop ends the sync goroutine and flushes the sync store.
func (br *Bridge) stop(syncDone <-chan error) error {
	br.Log.Info().Msg("Shutting down")
	br.Chat.Client.StopSync()
	if syncDone != nil {
		<-syncDone
	}
	if err := br.Chat.Store.Flush(); err != nil {
		br.Log.Warn().Err(err).Msg("Failed to flush sync store")
	}
	return nil
}
