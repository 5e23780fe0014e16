// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventKind is the type of work handled by the loop.
type EventKind int

const (
	EventTick EventKind = iota
	EventInvite
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventInvite:
		return "invite"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one unit of work for the loop.
type Event struct {
	Kind EventKind
	// RoomID is the invited room of an EventInvite.
	RoomID id.RoomID
	// Message is the room message of an EventMessage.
	Message *event.Event
}

// Dispatch handles a single event to completion. Relay failures are logged
// and left for later; the returned error is non-nil only when the operator
// aborted a new login, which ends the loop.
func (br *Bridge) Dispatch(ctx context.Context, evt Event) error {
	var err error
	switch evt.Kind {
	case EventTick:
		err = br.RelayOutbound(ctx)
	case EventInvite:
		if err := br.Rooms.HandleInvite(ctx, evt.RoomID); err != nil {
			br.Log.Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to handle invite")
		}
	case EventMessage:
		_, err = br.relayInbound(ctx, evt.Message)
	default:
		br.Log.Warn().Stringer("kind", evt.Kind).Msg("Unknown event kind")
	}
	if errors.Is(err, ErrPromptAborted) {
		return err
	}
	return nil
}

// enqueue hands an event from the sync goroutine to the loop.
func (br *Bridge) enqueue(ctx context.Context, evt Event) {
	select {
	case br.events <- evt:
	case <-ctx.Done():
	}
}

// handleMember turns invites of the bridge user into EventInvite.
func (br *Bridge) handleMember(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != br.Chat.UserID.String() {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	br.Log.Info().
		Stringer("room_id", evt.RoomID).
		Stringer("inviter", evt.Sender).
		Msg("Received invite")
	br.enqueue(ctx, Event{Kind: EventInvite, RoomID: evt.RoomID})
}

// handleMessage turns room messages of other users into EventMessage.
func (br *Bridge) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == br.Chat.UserID {
		return
	}
	br.enqueue(ctx, Event{Kind: EventMessage, Message: evt})
}
