// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/mattn/go-mastodon"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
)

// RelayOutbound relays every unread conversation to the active room and marks
// it read. Nothing happens while membership is not settled. Only a failed
// fetch is returned; failures of single conversations are logged and the
// conversation stays unread for the next tick. A rejected token leads to a
// new login, and relaying resumes on the next tick.
func (br *Bridge) RelayOutbound(ctx context.Context) error {
	roomID, ok := br.Rooms.Settled(ctx)
	if !ok {
		return nil
	}

	var pg *mastodon.Pagination
	if br.Config.Mastodon.PollLimit > 0 {
		pg = &mastodon.Pagination{Limit: int64(br.Config.Mastodon.PollLimit)}
	}
	convs, durations, err := br.fetchConversations(ctx, pg)
	if err != nil {
		if isUnauthorized(err) {
			return br.reauthenticate(ctx, err)
		}
		err = relayErr(KindFetch, fmt.Errorf("failed to get conversations: %w", err))
		br.Log.Err(err).Msg("Failed to poll Mastodon")
		return err
	}

	for _, conv := range convs {
		if conv == nil || !conv.Unread {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		br.relayConversation(ctx, roomID, conv, durations)
	}
	return nil
}

// relayConversation sends one conversation and acknowledges it only after
// the send succeeded.
func (br *Bridge) relayConversation(ctx context.Context, roomID id.RoomID, conv *mastodon.Conversation, durations map[mastodon.ID]time.Duration) {
	log := br.Log.With().
		Str("component", "outbound").
		Str("conversation_id", string(conv.ID)).
		Logger()

	thread := mastodonfmt.FromConversation(conv)
	if thread == nil {
		log.Debug().Msg("Skipping conversation without statuses")
		return
	}
	applyDurations(thread, conv.LastStatus, durations)
	log = log.With().
		Str("status_id", thread.StatusID).
		Str("sender", thread.SenderAcct).
		Logger()

	rendered := mastodonfmt.Render(thread, mastodonfmt.ReferenceURL(br.Social.ReferenceServer(), conv.LastStatus.ID))
	resp, err := br.Chat.Client.SendMessageEvent(ctx, roomID, event.EventMessage, rendered.Notice())
	if err != nil {
		log.Err(relayErr(KindSend, err)).Msg("Failed to relay conversation, will retry")
		return
	}
	if err := br.Social.Client.MarkConversationAsRead(ctx, conv.ID); err != nil {
		log.Err(relayErr(KindAck, err)).Stringer("event_id", resp.EventID).Msg("Failed to mark conversation as read")
		return
	}
	log.Info().
		Str("sender_name", thread.SenderName).
		Stringer("event_id", resp.EventID).
		Msg("Relayed conversation")
}
