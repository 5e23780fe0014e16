// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// greetingParams returns the template parameters for the current sessions.
func (br *Bridge) greetingParams() GreetingParams {
	params := GreetingParams{Server: br.Config.Mastodon.ServerURL}
	if br.Social != nil && br.Social.Self != nil {
		params.Name = br.Social.Self.DisplayName
		params.Acct = br.Social.Self.Acct
		if params.Name == "" {
			params.Name = params.Acct
		}
	}
	if br.Chat != nil {
		params.UserID = br.Chat.UserID
	}
	return params
}

// Greet announces the bridge in roomID. The greeting is markdown; an empty
// greeting template disables it.
func (br *Bridge) Greet(ctx context.Context, roomID id.RoomID) {
	text := br.Config.FormatGreeting(br.greetingParams())
	if text == "" {
		return
	}
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = event.MsgNotice
	if _, err := br.Chat.Client.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		br.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send greeting")
		return
	}
	br.Log.Info().Stringer("room_id", roomID).Msg("Sent greeting")
}
