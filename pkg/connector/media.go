// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/mattn/go-mastodon"

	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
)

// rawConversation holds the attachment metadata go-mastodon doesn't decode.
type rawConversation struct {
	LastStatus *struct {
		MediaAttachments []struct {
			ID   mastodon.ID `json:"id"`
			Meta struct {
				Original struct {
					Duration float64 `json:"duration"`
				} `json:"original"`
			} `json:"meta"`
		} `json:"media_attachments"`
	} `json:"last_status"`
}

// fetchConversations gets the conversation list along with the playing time
// of audio and video attachments, keyed by attachment ID.
func (br *Bridge) fetchConversations(ctx context.Context, pg *mastodon.Pagination) ([]*mastodon.Conversation, map[mastodon.ID]time.Duration, error) {
	// A copy of the client keeps the raw body capture local to this call.
	client := *br.Social.Client
	var raw bytes.Buffer
	client.JSONWriter = &raw

	convs, err := client.GetConversations(ctx, pg)
	if err != nil {
		return nil, nil, err
	}
	var rawConvs []rawConversation
	if err := json.Unmarshal(raw.Bytes(), &rawConvs); err != nil {
		br.Log.Debug().Err(err).Msg("Failed to decode attachment metadata")
		return convs, nil, nil
	}
	durations := make(map[mastodon.ID]time.Duration)
	for _, conv := range rawConvs {
		if conv.LastStatus == nil {
			continue
		}
		for _, att := range conv.LastStatus.MediaAttachments {
			if att.Meta.Original.Duration > 0 {
				durations[att.ID] = time.Duration(att.Meta.Original.Duration * float64(time.Second))
			}
		}
	}
	return convs, durations, nil
}

// applyDurations copies known durations onto the attachments of thread,
// which were built from status in the same order.
func applyDurations(thread *mastodonfmt.Thread, status *mastodon.Status, durations map[mastodon.ID]time.Duration) {
	for i, att := range status.MediaAttachments {
		if i >= len(thread.Attachments) {
			return
		}
		if d, ok := durations[att.ID]; ok {
			thread.Attachments[i].Duration = d
		}
	}
}
