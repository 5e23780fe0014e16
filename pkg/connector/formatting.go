// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"strings"

	"github.com/mattn/go-mastodon"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
)

// isBridgeCandidate checks, without any network call, whether body can be a
// reply to a relayed notice: it must quote the reference prefix, the bridge's
// own user ID and the attribution marker.
func isBridgeCandidate(body, referencePrefix string, self id.UserID) bool {
	return body != "" &&
		strings.Contains(body, referencePrefix) &&
		strings.Contains(body, self.String()) &&
		strings.Contains(body, mastodonfmt.AttributionPrefix)
}

// replyMentions returns the mentions that keep a reply in the same
// conversation as origin: its author and everyone it mentions, except self.
func replyMentions(origin *mastodon.Status, self *mastodon.Account) string {
	var selfAcct string
	if self != nil {
		selfAcct = self.Acct
	}
	seen := map[string]bool{selfAcct: true}
	var out strings.Builder
	add := func(acct string) {
		if acct == "" || seen[acct] {
			return
		}
		seen[acct] = true
		out.WriteString("@" + acct + " ")
	}
	add(origin.Account.Acct)
	for _, mention := range origin.Mentions {
		add(mention.Acct)
	}
	return out.String()
}
