// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// setupSyncer registers the sync listeners. The room cache listener goes
// first because DontProcessOldEvents stops the remaining listeners on the
// initial sync.
func (br *Bridge) setupSyncer() error {
	syncer, ok := br.Chat.Client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unsupported syncer %T", br.Chat.Client.Syncer)
	}
	br.Rooms.Attach(syncer)
	syncer.OnSync(br.Chat.Client.DontProcessOldEvents)
	syncer.OnEventType(event.StateMember, br.handleMember)
	syncer.OnEventType(event.EventMessage, br.handleMessage)
	return nil
}

// startSync runs the Matrix sync loop in a goroutine. The returned channel
// receives its exit error.
func (br *Bridge) startSync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- br.Chat.Client.SyncWithContext(ctx)
	}()
	return done
}

// restartSync handles an exited sync loop. A rejected token leads back to the
// password prompt; other errors are retried after the retry interval. A nil
// channel is returned when ctx is done or the operator gave up logging in.
func (br *Bridge) restartSync(ctx context.Context, err error) (<-chan error, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	switch {
	case errors.Is(err, mautrix.MUnknownToken):
		br.Log.Warn().Err(&AuthError{Network: "matrix", Err: err}).Msg("Matrix token was rejected, logging in again")
		err = br.loginChat(ctx, br.Chat.Client, br.Chat.UserID)
		if err == nil {
			break
		} else if ctx.Err() != nil {
			return nil, nil
		} else if errors.Is(err, ErrPromptAborted) {
			return nil, err
		}
		fallthrough
	default:
		br.Log.Warn().Err(err).Dur("retry_in", br.Config.retryInterval()).Msg("Matrix sync stopped")
		if sleepCtx(ctx, br.Config.retryInterval()) != nil {
			return nil, nil
		}
	}
	return br.startSync(ctx), nil
}
