// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mastodonfmt converts Mastodon direct conversations to Matrix notices.
package mastodonfmt

import (
	"fmt"
	"html"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// AttributionPrefix opens every rendered notice. Inbound replies are only
// considered bridge traffic when the quoted notice still carries it.
const AttributionPrefix = "Received message from"

// NoDescription stands in for attachments without alt text.
const NoDescription = "no description"

// Attachment is a media attachment of a relayed status.
type Attachment struct {
	Description string
	Type        string
	URL         string
	Width       int
	Height      int
	Duration    time.Duration
}

// Thread is the unread state of one Mastodon conversation, flattened to what
// the relay needs. Content is the HTML body of the last status.
type Thread struct {
	ID          string
	Unread      bool
	SenderName  string
	SenderAcct  string
	SenderURL   string
	Content     string
	SpoilerText string
	Attachments []Attachment
	StatusID    string
	StatusURL   string
}

// Rendered holds the parallel plain text and HTML renderings of a thread.
type Rendered struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Notice returns the rendering as m.notice message content.
func (r *Rendered) Notice() *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgNotice,
		Body:          r.Body,
		Format:        r.Format,
		FormattedBody: r.FormattedBody,
	}
}

// Render converts a thread to Matrix message content. reference is the
// canonical URL of the status (see ReferenceURL); it is always the last line
// so that replies quoting the notice carry it.
func Render(thread *Thread, reference string) *Rendered {
	if thread == nil {
		return &Rendered{}
	}

	var plain, rich strings.Builder

	name := thread.SenderName
	if name == "" {
		name = thread.SenderAcct
	}
	fmt.Fprintf(&plain, "%s %s (@%s)", AttributionPrefix, name, thread.SenderAcct)
	if thread.SenderURL != "" {
		fmt.Fprintf(&plain, " <%s>", thread.SenderURL)
	}
	plain.WriteString(":\n")
	fmt.Fprintf(&rich, "<p>%s %s (@%s):</p>",
		AttributionPrefix,
		link(thread.SenderURL, name),
		html.EscapeString(thread.SenderAcct))

	body := strings.TrimSpace(format.HTMLToText(thread.Content))
	if thread.SpoilerText != "" {
		fmt.Fprintf(&plain, "[CW: %s]\n", thread.SpoilerText)
		fmt.Fprintf(&rich, `<p><strong>CW:</strong> %s</p><blockquote><span data-mx-spoiler="%s">%s</span></blockquote>`,
			html.EscapeString(thread.SpoilerText),
			html.EscapeString(thread.SpoilerText),
			thread.Content)
	} else {
		fmt.Fprintf(&rich, "<blockquote>%s</blockquote>", thread.Content)
	}
	if body != "" {
		plain.WriteString(body)
		plain.WriteString("\n")
	}

	if len(thread.Attachments) > 0 {
		plain.WriteString("Attachments:\n")
		rich.WriteString("<p>Attachments:</p><ul>")
		for _, att := range thread.Attachments {
			desc := att.Description
			if desc == "" {
				desc = NoDescription
			}
			meta := AttachmentMeta(att)
			fmt.Fprintf(&plain, "- %s (%s)", desc, meta)
			if att.URL != "" {
				fmt.Fprintf(&plain, " <%s>", att.URL)
			}
			plain.WriteString("\n")
			fmt.Fprintf(&rich, "<li>%s (%s)</li>", link(att.URL, desc), html.EscapeString(meta))
		}
		rich.WriteString("</ul>")
	}

	plain.WriteString(reference)
	fmt.Fprintf(&rich, `<p><a href="%s">%s</a></p>`, html.EscapeString(reference), html.EscapeString(reference))

	return &Rendered{
		Body:          plain.String(),
		Format:        event.FormatHTML,
		FormattedBody: rich.String(),
	}
}

// AttachmentMeta describes an attachment as "type", "type, WxH" or
// "type, H:MM:SS". Dimensions need both width and height.
func AttachmentMeta(att Attachment) string {
	meta := att.Type
	if meta == "" {
		meta = "unknown"
	}
	switch {
	case att.Width > 0 && att.Height > 0:
		meta += fmt.Sprintf(", %dx%d", att.Width, att.Height)
	case att.Duration > 0:
		meta += ", " + FormatDuration(att.Duration)
	}
	return meta
}

// FormatDuration formats d as H:MM:SS, truncated to whole seconds.
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

func link(href, text string) string {
	if href == "" {
		return html.EscapeString(text)
	}
	return `<a href="` + html.EscapeString(href) + `">` + html.EscapeString(text) + `</a>`
}
