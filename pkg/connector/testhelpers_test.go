// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-mastodon"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mastodon/pkg/connector/mastodonfmt"
)

const (
	botUserID   id.UserID = "@bot:example.org"
	aliceUserID id.UserID = "@alice:example.org"
	testRoomID  id.RoomID = "!room:example.org"
	otherRoomID id.RoomID = "!other:example.org"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// callLog is the call recorder shared by the fake servers.
type callLog struct {
	mu    sync.Mutex
	calls []endpointCall
}

func (c *callLog) record(method, path, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (c *callLog) Calls() []endpointCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// CallsTo returns the calls whose path contains fragment.
func (c *callLog) CallsTo(method, fragment string) []endpointCall {
	var out []endpointCall
	for _, call := range c.Calls() {
		if call.Method == method && strings.Contains(call.Path, fragment) {
			out = append(out, call)
		}
	}
	return out
}

func (c *callLog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fakeMastodon simulates the parts of the Mastodon API the bridge uses.
type fakeMastodon struct {
	callLog
	Server *httptest.Server

	mu sync.Mutex
	// Conversations is returned by GET /api/v1/conversations. Marking one
	// read flips its Unread flag.
	Conversations []*mastodon.Conversation
	// Statuses maps status ID to status for GET /api/v1/statuses/:id.
	Statuses map[mastodon.ID]*mastodon.Status
	// Posted holds the form values of every created status.
	Posted []url.Values
	// Tokens maps access tokens to the account they authenticate.
	Tokens map[string]*mastodon.Account
	// Codes maps authorization codes to the access token they yield.
	Codes map[string]string
	// FailEndpoints makes requests whose path contains a key return 500.
	FailEndpoints map[string]bool
	// FailPosts makes status creation return 500.
	FailPosts bool
	// RevokedTokens makes API requests with one of these access tokens fail
	// with 401.
	RevokedTokens map[string]bool
	// RawConversations, when set, is served verbatim by
	// GET /api/v1/conversations instead of Conversations.
	RawConversations string
}

func newFakeMastodon(t *testing.T) *fakeMastodon {
	f := &fakeMastodon{
		Statuses:      make(map[mastodon.ID]*mastodon.Status),
		Tokens:        make(map[string]*mastodon.Account),
		Codes:         make(map[string]string),
		FailEndpoints: make(map[string]bool),
		RevokedTokens: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

// Revoke makes token fail with 401 from now on.
func (f *fakeMastodon) Revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RevokedTokens[token] = true
}

func (f *fakeMastodon) account(r *http.Request) *mastodon.Account {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return f.Tokens[token]
}

func (f *fakeMastodon) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	f.mu.Lock()
	defer f.mu.Unlock()
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if strings.HasPrefix(r.URL.Path, "/api/v1/") && f.RevokedTokens[token] {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "The access token was revoked"})
		return
	}
	for fragment := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, fragment) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "fake error"})
			return
		}
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/api/v1/apps":
		form, _ := url.ParseQuery(string(body))
		writeJSON(w, http.StatusOK, map[string]string{
			"id":            "1",
			"name":          form.Get("client_name"),
			"redirect_uri":  form.Get("redirect_uris"),
			"client_id":     "client-id",
			"client_secret": "client-secret",
		})

	case r.Method == http.MethodPost && path == "/oauth/token":
		form, _ := url.ParseQuery(string(body))
		token, ok := f.Codes[form.Get("code")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "Bearer"})

	case r.Method == http.MethodGet && path == "/api/v1/accounts/verify_credentials":
		acc := f.account(r)
		if acc == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "The access token is invalid"})
			return
		}
		writeJSON(w, http.StatusOK, acc)

	case r.Method == http.MethodGet && path == "/api/v1/conversations":
		if f.RawConversations != "" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, f.RawConversations)
			return
		}
		writeJSON(w, http.StatusOK, f.Conversations)

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/api/v1/conversations/") && strings.HasSuffix(path, "/read"):
		convID := mastodon.ID(strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/conversations/"), "/read"))
		for _, conv := range f.Conversations {
			if conv.ID == convID {
				conv.Unread = false
				writeJSON(w, http.StatusOK, conv)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Record not found"})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v1/statuses/"):
		status, ok := f.Statuses[mastodon.ID(strings.TrimPrefix(path, "/api/v1/statuses/"))]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Record not found"})
			return
		}
		writeJSON(w, http.StatusOK, status)

	case r.Method == http.MethodPost && path == "/api/v1/statuses":
		if f.FailPosts {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "fake error"})
			return
		}
		form, _ := url.ParseQuery(string(body))
		f.Posted = append(f.Posted, form)
		writeJSON(w, http.StatusOK, &mastodon.Status{
			ID:          mastodon.ID(fmt.Sprintf("posted-%d", len(f.Posted))),
			Content:     form.Get("status"),
			InReplyToID: form.Get("in_reply_to_id"),
			Visibility:  form.Get("visibility"),
		})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found: " + path})
	}
}

// PostedStatuses returns the form values of the created statuses.
func (f *fakeMastodon) PostedStatuses() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Posted)
}

// Unread returns the IDs of the conversations that are still unread.
func (f *fakeMastodon) Unread() []mastodon.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mastodon.ID
	for _, conv := range f.Conversations {
		if conv.Unread {
			out = append(out, conv.ID)
		}
	}
	return out
}

// fakeMatrix simulates the parts of the Matrix client-server API the bridge
// uses. Joins and leaves are reported to OnMembership, which tests wire to
// the room guardian the way a sync response would.
type fakeMatrix struct {
	callLog
	Server *httptest.Server

	mu sync.Mutex
	// Joined is the live joined room list.
	Joined []id.RoomID
	// DisplayNames maps user IDs to display names.
	DisplayNames map[id.UserID]string
	// Passwords maps user IDs to their password for /login.
	Passwords map[id.UserID]string
	// FailSends makes the next N message sends fail with 500.
	FailSends int
	// FailEndpoints makes requests whose path contains a key return 500.
	FailEndpoints map[string]bool
	// RevokedTokens makes requests with one of these access tokens fail
	// with M_UNKNOWN_TOKEN.
	RevokedTokens map[string]bool
	// OnMembership is called after a successful join or leave.
	OnMembership func(joined, left []id.RoomID)

	nextEvent int
	syncs     int
}

// sentEvent is a message or reaction received by the fake homeserver.
type sentEvent struct {
	RoomID    id.RoomID
	EventType string
	Content   map[string]any
}

func newFakeMatrix(t *testing.T) *fakeMatrix {
	f := &fakeMatrix{
		DisplayNames:  make(map[id.UserID]string),
		Passwords:     make(map[id.UserID]string),
		FailEndpoints: make(map[string]bool),
		RevokedTokens: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMatrix) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if strings.HasSuffix(r.URL.Path, "/sync") {
		f.handleSync(w, r)
		return
	}
	f.record(r.Method, r.URL.Path, string(body))

	f.mu.Lock()
	if f.RevokedTokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")] {
		f.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "Unknown access token"})
		return
	}
	for fragment := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, fragment) {
			f.mu.Unlock()
			writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN", "error": "fake error"})
			return
		}
	}

	path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && path == "/login":
		var req struct {
			Identifier struct {
				User string `json:"user"`
			} `json:"identifier"`
			Password string `json:"password"`
			DeviceID string `json:"device_id"`
		}
		_ = json.Unmarshal(body, &req)
		userID := id.UserID(req.Identifier.User)
		if pw, ok := f.Passwords[userID]; !ok || pw != req.Password {
			writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "Invalid password"})
			return
		}
		deviceID := req.DeviceID
		if deviceID == "" {
			deviceID = "DEVICE"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"user_id":      userID.String(),
			"access_token": "matrix-token",
			"device_id":    deviceID,
		})

	case r.Method == http.MethodGet && path == "/joined_rooms":
		rooms := slices.Clone(f.Joined)
		if rooms == nil {
			rooms = []id.RoomID{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"joined_rooms": rooms})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "rooms" && parts[2] == "join",
		r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "join":
		roomID := id.RoomID(parts[1])
		if !slices.Contains(f.Joined, roomID) {
			f.Joined = append(f.Joined, roomID)
		}
		f.notify([]id.RoomID{roomID}, nil)
		writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID.String()})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "rooms" && parts[2] == "leave":
		roomID := id.RoomID(parts[1])
		f.Joined = slices.DeleteFunc(f.Joined, func(joined id.RoomID) bool { return joined == roomID })
		f.notify(nil, []id.RoomID{roomID})
		writeJSON(w, http.StatusOK, map[string]any{})

	case r.Method == http.MethodPut && len(parts) == 5 && parts[0] == "rooms" && parts[2] == "send":
		if parts[3] == event.EventMessage.Type && f.FailSends > 0 {
			f.FailSends--
			writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN", "error": "send failed"})
			return
		}
		f.nextEvent++
		writeJSON(w, http.StatusOK, map[string]string{"event_id": fmt.Sprintf("$event%d", f.nextEvent)})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "profile" && parts[2] == "displayname":
		name, ok := f.DisplayNames[id.UserID(parts[1])]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "Profile not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"displayname": name})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "user" && parts[2] == "filter":
		writeJSON(w, http.StatusOK, map[string]string{"filter_id": "1"})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": "not found: " + path})
	}
}

// handleSync answers long polls with an empty response after a short wait.
// Sync calls aren't recorded.
func (f *fakeMatrix) handleSync(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
		return
	case <-time.After(20 * time.Millisecond):
	}
	f.mu.Lock()
	f.syncs++
	batch := fmt.Sprintf("s%d", f.syncs)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"next_batch": batch})
}

// notify reports a membership change before the response is written, the
// way a sync would usually race ahead of it. Must be called with mu held.
func (f *fakeMatrix) notify(joined, left []id.RoomID) {
	if f.OnMembership != nil {
		f.OnMembership(joined, left)
	}
}

// SetJoined replaces the live joined room list.
func (f *fakeMatrix) SetJoined(rooms ...id.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Joined = rooms
}

// Sent returns the events sent with the given event type.
func (f *fakeMatrix) Sent(eventType event.Type) []sentEvent {
	var out []sentEvent
	for _, call := range f.CallsTo(http.MethodPut, "/send/"+eventType.Type+"/") {
		parts := strings.Split(strings.TrimPrefix(call.Path, "/_matrix/client/v3/rooms/"), "/")
		var content map[string]any
		_ = json.Unmarshal([]byte(call.Body), &content)
		out = append(out, sentEvent{RoomID: id.RoomID(parts[0]), EventType: parts[2], Content: content})
	}
	return out
}

// newTestConfig returns a processed config rooted in a temp state dir.
func newTestConfig(t *testing.T, mastodonURL string) *Config {
	t.Helper()
	cfg := &Config{
		Mastodon: MastodonConfig{ServerURL: mastodonURL},
		Matrix:   MatrixConfig{UserID: botUserID, SettleTimeout: 1},
		Bridge: BridgeConfig{
			StateDir: t.TempDir(),
			Greeting: "Hello, relaying messages for {{.Name}} (@{{.Acct}}).",
		},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// newTestBridge returns a bridge with both sessions pointed at the fakes and
// the room guardian cache fed by the fake homeserver.
func newTestBridge(t *testing.T, md *fakeMastodon, mx *fakeMatrix) *Bridge {
	t.Helper()
	br := NewBridge(newTestConfig(t, md.Server.URL), zerolog.Nop(), nil)

	client, err := mautrix.NewClient(mx.Server.URL, botUserID, "matrix-token")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	br.Chat = &ChatSession{Client: client, UserID: botUserID, Store: NewFileSyncStore(br.Config.Path(SyncStoreDir))}
	br.Social = &SocialSession{
		Client: mastodon.NewClient(&mastodon.Config{
			Server:      md.Server.URL,
			AccessToken: "mastodon-token",
		}),
		Self:      &mastodon.Account{ID: "1", Acct: "bot", DisplayName: "BOFH Bot"},
		ServerURL: md.Server.URL,
		App: &AppCredential{
			ServerURL:   md.Server.URL,
			ClientID:    "client-id",
			RedirectURI: OOBRedirectURI,
			AuthURI:     md.Server.URL + "/oauth/authorize",
		},
	}
	br.Rooms = NewRoomGuardian(client, zerolog.Nop(), time.Second)
	br.Rooms.greet = br.Greet
	mx.mu.Lock()
	mx.OnMembership = br.Rooms.applyMembership
	mx.mu.Unlock()
	return br
}

// settle puts the bridge in rooms on both the live and cached views.
func settle(br *Bridge, mx *fakeMatrix, rooms ...id.RoomID) {
	mx.SetJoined(rooms...)
	br.Rooms.applyMembership(rooms, nil)
}

// newStatus returns a direct status from alice.
func newStatus(statusID mastodon.ID, content string) *mastodon.Status {
	return &mastodon.Status{
		ID:         statusID,
		URL:        "https://remote.example/@alice/" + string(statusID),
		Content:    content,
		Visibility: "direct",
		Account: mastodon.Account{
			ID:          "2",
			Acct:        "alice@remote.example",
			DisplayName: "Alice",
			URL:         "https://remote.example/@alice",
		},
		Mentions: []mastodon.Mention{{ID: "1", Acct: "bot"}},
	}
}

// newConversation wraps a status in an unread conversation.
func newConversation(convID mastodon.ID, status *mastodon.Status) *mastodon.Conversation {
	return &mastodon.Conversation{
		ID:         convID,
		Unread:     true,
		LastStatus: status,
		Accounts:   []*mastodon.Account{&status.Account},
	}
}

// replyEvent builds a Matrix reply quoting the notice rendered for status.
func replyEvent(br *Bridge, status *mastodon.Status, text string) *event.Event {
	rendered := mastodonfmt.Render(mastodonfmt.FromStatus(status), mastodonfmt.ReferenceURL(br.Social.ServerURL, status.ID))
	formatted := fmt.Sprintf(
		`<mx-reply><blockquote><a href="https://matrix.to/#/%s/$notice">In reply to</a> <a href="https://matrix.to/#/%s">%s</a><br>%s</blockquote></mx-reply>%s`,
		testRoomID, botUserID, botUserID, rendered.FormattedBody, text,
	)
	var plain strings.Builder
	for i, line := range strings.Split(rendered.Body, "\n") {
		if i == 0 {
			line = "<" + botUserID.String() + "> " + line
		}
		plain.WriteString("> " + line + "\n")
	}
	plain.WriteString("\n" + text)
	return &event.Event{
		Type:   event.EventMessage,
		ID:     "$reply",
		RoomID: testRoomID,
		Sender: aliceUserID,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          plain.String(),
			Format:        event.FormatHTML,
			FormattedBody: formatted,
		}},
	}
}

// queuePrompter answers prompts from a fixed list and records them.
type queuePrompter struct {
	mu      sync.Mutex
	answers []string
	asked   []Prompt
	retries []string
}

func (p *queuePrompter) Ask(_ context.Context, prompt Prompt) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, prompt)
	if len(p.answers) == 0 {
		return "", ErrPromptAborted
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}

func (p *queuePrompter) Asked() []Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.asked)
}

func (p *queuePrompter) Retry(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = append(p.retries, msg)
}

func (p *queuePrompter) Retries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.retries)
}
