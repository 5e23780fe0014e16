// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a relay between the direct conversations of
// one Mastodon account and a single Matrix room.
//
// Unread Mastodon conversations are posted into the room as notices. A
// Matrix user answering one of those notices with a reply gets the reply
// posted on Mastodon in the same conversation, and the Matrix message is
// annotated with a reaction telling whether that worked.
//
// # Core Types
//
// [Bridge] is the context object shared by every component. It owns both
// sessions, the room guardian and the event queue.
//
// [SocialSession] is the authenticated Mastodon session. [ChatSession] is the
// authenticated Matrix session including its sync loop and sync store.
//
// [RoomGuardian] keeps the bridge in at most one room. Relays only send when
// the guardian reports the membership as settled.
//
// # Correlation
//
// There is no message mapping table. Every notice ends with the canonical
// URL of the status it relays (see [mastodonfmt.ReferenceURL]) and replies are
// correlated by finding that URL in the quoted part of the reply fallback.
//
// # Sub-packages
//
//   - mastodonfmt renders Mastodon conversations as Matrix notices.
//   - matrixfmt extracts replies to those notices from Matrix messages.
package connector
