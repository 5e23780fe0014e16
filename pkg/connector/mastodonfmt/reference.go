// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mastodonfmt

import (
	"regexp"
	"strings"

	"github.com/mattn/go-mastodon"
)

// ReferenceVersion identifies the layout of ReferencePath. Bump it together
// with ReferencePath and keep recognizing old layouts in ReferencePattern.
const ReferenceVersion = 1

// ReferencePath is the path between the server URL and the status ID in the
// canonical "view this status" URL embedded in every notice.
const ReferencePath = "/web/statuses/"

// ReferencePrefix returns the URL prefix shared by all references on server.
func ReferencePrefix(serverURL string) string {
	return strings.TrimRight(serverURL, "/") + ReferencePath
}

// ReferenceURL returns the canonical URL of a status on the bridge's own server.
// Status IDs are local to that server, which is why the status' own URL
// (pointing at the author's server) is not used.
func ReferenceURL(serverURL string, statusID mastodon.ID) string {
	return ReferencePrefix(serverURL) + string(statusID)
}

// ReferencePattern matches a reference URL on serverURL and captures the status ID.
func ReferencePattern(serverURL string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(ReferencePrefix(serverURL)) + `([0-9A-Za-z]+)`)
}

// FindReference returns the last status ID referenced in text, if any.
func FindReference(serverURL, text string) (mastodon.ID, bool) {
	matches := ReferencePattern(serverURL).FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return mastodon.ID(matches[len(matches)-1][1]), true
}

// FromConversation flattens a Mastodon conversation into a Thread.
// Conversations without a last status yield nil.
func FromConversation(conv *mastodon.Conversation) *Thread {
	if conv == nil || conv.LastStatus == nil {
		return nil
	}
	thread := FromStatus(conv.LastStatus)
	thread.ID = string(conv.ID)
	thread.Unread = conv.Unread
	return thread
}

// FromStatus flattens a single status into a Thread without conversation state.
func FromStatus(status *mastodon.Status) *Thread {
	thread := &Thread{
		SenderName:  status.Account.DisplayName,
		SenderAcct:  status.Account.Acct,
		SenderURL:   status.Account.URL,
		Content:     status.Content,
		SpoilerText: status.SpoilerText,
		StatusID:    string(status.ID),
		StatusURL:   status.URL,
	}
	for _, att := range status.MediaAttachments {
		thread.Attachments = append(thread.Attachments, Attachment{
			Description: att.Description,
			Type:        att.Type,
			URL:         att.URL,
			Width:       int(att.Meta.Original.Width),
			Height:      int(att.Meta.Original.Height),
		})
	}
	return thread
}
