// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mastodonfmt_test

import (
	"fmt"

	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
)

func ExampleRender() {
	thread := &mastodonfmt.Thread{
		SenderName: "Alice",
		SenderAcct: "alice@remote.example",
		Content:    "hello",
		StatusID:   "109",
	}
	msg := mastodonfmt.Render(thread, mastodonfmt.ReferenceURL("https://social.example", "109"))
	fmt.Println(msg.Body)
	// Output:
	// Received message from Alice (@alice@remote.example):
	// hello
	// https://social.example/web/statuses/109
}
