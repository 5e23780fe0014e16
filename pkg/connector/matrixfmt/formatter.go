// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt recovers Mastodon replies from Matrix reply events.
package matrixfmt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-mastodon"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"

	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
)

// ReplyDelimiter closes the quoted reply fallback in HTML bodies. Everything
// after the last occurrence is the reply itself.
const ReplyDelimiter = "</mx-reply>"

// PlainQuotePrefix starts each quoted line of a plain text reply fallback.
const PlainQuotePrefix = "> "

// AttributionFormat is the line appended to replies posted on Mastodon.
const AttributionFormat = "— %s (via Matrix)"

var (
	ErrNoReplyDelimiter = errors.New("message is not a reply with fallback")
	ErrNoReference      = errors.New("quoted message has no status reference")
	ErrEmptyReply       = errors.New("reply text is empty")
)

// Reply is a reply to a relayed notice.
type Reply struct {
	// OriginID is the local status ID found in the quoted notice.
	OriginID mastodon.ID
	// Text is the plain text written by the Matrix user.
	Text string
}

// IsNotBridgeTraffic reports whether err means the message was never a
// reply to a relayed notice, as opposed to a broken one.
func IsNotBridgeTraffic(err error) bool {
	return errors.Is(err, ErrNoReplyDelimiter) || errors.Is(err, ErrNoReference)
}

// ExtractReply extracts a reply from message content, preferring the HTML
// body and falling back to the plain text body.
func ExtractReply(content *event.MessageEventContent, serverURL string) (*Reply, error) {
	if content == nil {
		return nil, ErrNoReplyDelimiter
	}
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return ExtractReplyHTML(content.FormattedBody, serverURL)
	}
	return ExtractReplyPlain(content.Body, serverURL)
}

// ExtractReplyHTML extracts a reply from an HTML body with an mx-reply fallback.
func ExtractReplyHTML(body, serverURL string) (*Reply, error) {
	idx := strings.LastIndex(body, ReplyDelimiter)
	if idx < 0 {
		return nil, ErrNoReplyDelimiter
	}
	return buildReply(body[:idx], format.HTMLToText(body[idx+len(ReplyDelimiter):]), serverURL)
}

// ExtractReplyPlain extracts a reply from a plain text body whose leading
// lines quote the original message.
func ExtractReplyPlain(body, serverURL string) (*Reply, error) {
	lines := strings.Split(body, "\n")
	var quoted []string
	i := 0
	for ; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], PlainQuotePrefix) && lines[i] != ">" {
			break
		}
		quoted = append(quoted, strings.TrimPrefix(lines[i], ">"))
	}
	if len(quoted) == 0 || i >= len(lines) || lines[i] != "" {
		return nil, ErrNoReplyDelimiter
	}
	return buildReply(strings.Join(quoted, "\n"), strings.Join(lines[i+1:], "\n"), serverURL)
}

func buildReply(quoted, text, serverURL string) (*Reply, error) {
	originID, ok := mastodonfmt.FindReference(serverURL, quoted)
	if !ok {
		return nil, ErrNoReference
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w (origin %s)", ErrEmptyReply, originID)
	}
	return &Reply{OriginID: originID, Text: text}, nil
}

// Attribution returns the separator and attribution line appended to a reply
// written by the named Matrix user.
func Attribution(name string) string {
	return "\n\n" + fmt.Sprintf(AttributionFormat, name)
}
