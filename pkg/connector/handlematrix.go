// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"

	"github.com/mattn/go-mastodon"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
	"github.com/aiku/mautrix-mastodon/pkg/connector/matrixfmt"
)

// Feedback is the reaction put on a Matrix reply to report what happened to it.
type Feedback string

const (
	FeedbackPending Feedback = "⏳"
	FeedbackSuccess Feedback = "✅"
	FeedbackFailure Feedback = "❌"
)

// RelayInbound posts a Matrix reply to a relayed notice as a Mastodon reply
// to the original status and reacts with the outcome. Messages that aren't
// such replies are ignored. The returned feedback is FeedbackPending when
// the message was ignored or ctx ended mid-flight.
func (br *Bridge) RelayInbound(ctx context.Context, evt *event.Event) Feedback {
	feedback, _ := br.relayInbound(ctx, evt)
	return feedback
}

// relayInbound is RelayInbound that also returns the error of a failed
// relay, so the loop can stop when a new Mastodon login was aborted.
func (br *Bridge) relayInbound(ctx context.Context, evt *event.Event) (Feedback, error) {
	if evt == nil || evt.Sender == br.Chat.UserID {
		return FeedbackPending, nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return FeedbackPending, nil
	}
	log := br.Log.With().
		Str("component", "inbound").
		Stringer("event_id", evt.ID).
		Stringer("sender", evt.Sender).
		Logger()

	prefix := mastodonfmt.ReferencePrefix(br.Social.ReferenceServer())
	if !isBridgeCandidate(content.Body, prefix, br.Chat.UserID) &&
		!isBridgeCandidate(content.FormattedBody, prefix, br.Chat.UserID) {
		log.Debug().Msg("Ignoring message that doesn't reply to a relayed notice")
		return FeedbackPending, nil
	}

	reply, err := matrixfmt.ExtractReply(content, br.Social.ReferenceServer())
	if matrixfmt.IsNotBridgeTraffic(err) {
		log.Debug().Err(err).Msg("Ignoring message that doesn't reply to a relayed notice")
		return FeedbackPending, nil
	}

	feedback := FeedbackSuccess
	if err != nil {
		err = relayErr(KindExtract, err)
	} else {
		err = br.postReply(ctx, evt.Sender, reply)
	}
	switch {
	case err != nil && ctx.Err() != nil:
		feedback = FeedbackPending
		log.Warn().Err(err).Msg("Interrupted while relaying reply")
	case err != nil:
		feedback = FeedbackFailure
		log.Err(err).Msg("Failed to relay reply to Mastodon")
	default:
		log.Info().Str("origin_id", string(reply.OriginID)).Msg("Relayed reply to Mastodon")
	}

	br.sendFeedback(ctx, evt, feedback)
	return feedback, err
}

// postReply fetches the origin status and posts reply under it. A rejected
// token leads to a new login and one more attempt.
func (br *Bridge) postReply(ctx context.Context, sender id.UserID, reply *matrixfmt.Reply) error {
	err := br.tryPostReply(ctx, sender, reply)
	if !isUnauthorized(err) {
		return err
	}
	if err := br.reauthenticate(ctx, err); err != nil {
		return fmt.Errorf("failed to log in to Mastodon again: %w", err)
	}
	return br.tryPostReply(ctx, sender, reply)
}

func (br *Bridge) tryPostReply(ctx context.Context, sender id.UserID, reply *matrixfmt.Reply) error {
	origin, err := br.Social.Client.GetStatus(ctx, reply.OriginID)
	if err != nil {
		return relayErr(KindFetch, fmt.Errorf("failed to get status %s: %w", reply.OriginID, err))
	}
	toot := &mastodon.Toot{
		Status:      replyMentions(origin, br.Social.Self) + reply.Text + matrixfmt.Attribution(br.displayName(ctx, sender)),
		InReplyToID: origin.ID,
		SpoilerText: origin.SpoilerText,
		Visibility:  origin.Visibility,
	}
	if _, err := br.Social.Client.PostStatus(ctx, toot); err != nil {
		return relayErr(KindPost, fmt.Errorf("failed to post reply to %s: %w", origin.ID, err))
	}
	return nil
}

// displayName resolves the Matrix display name of userID, falling back to
// the user ID itself.
func (br *Bridge) displayName(ctx context.Context, userID id.UserID) string {
	resp, err := br.Chat.Client.GetDisplayName(ctx, userID)
	if err != nil || resp.DisplayName == "" {
		if err != nil {
			br.Log.Debug().Err(err).Stringer("user_id", userID).Msg("Failed to get display name")
		}
		return userID.String()
	}
	return resp.DisplayName
}

// sendFeedback reacts to evt when membership is settled and evt is in the
// active room. Failures are only logged.
func (br *Bridge) sendFeedback(ctx context.Context, evt *event.Event, feedback Feedback) {
	roomID, ok := br.Rooms.Settled(ctx)
	if !ok || roomID != evt.RoomID {
		return
	}
	if _, err := br.Chat.Client.SendReaction(ctx, roomID, evt.ID, string(feedback)); err != nil {
		br.Log.Debug().Err(err).Stringer("event_id", evt.ID).Msg("Failed to send feedback reaction")
	}
}
