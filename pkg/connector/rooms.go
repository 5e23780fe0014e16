// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// RoomState is the membership state last reported to the operator.
type RoomState int

const (
	RoomAbsent RoomState = iota
	RoomJoined
	RoomTransition
)

func (s RoomState) String() string {
	switch s {
	case RoomAbsent:
		return "absent"
	case RoomJoined:
		return "joined"
	case RoomTransition:
		return "transition"
	default:
		return fmt.Sprintf("RoomState(%d)", int(s))
	}
}

// settlePollInterval is how often HandleInvite rechecks membership while
// waiting for a join to show up in sync.
var settlePollInterval = 250 * time.Millisecond

// RoomGuardian keeps the bridge in at most one Matrix room. The cached view
// is fed by the sync goroutine; everything else runs on the loop goroutine.
type RoomGuardian struct {
	client        *mautrix.Client
	log           zerolog.Logger
	settleTimeout time.Duration
	// greet is called after a fresh join has settled.
	greet func(ctx context.Context, roomID id.RoomID)

	lock     sync.Mutex
	cached   map[id.RoomID]struct{}
	reported RoomState
	active   id.RoomID
}

// NewRoomGuardian creates a guardian for client.
func NewRoomGuardian(client *mautrix.Client, log zerolog.Logger, settleTimeout time.Duration) *RoomGuardian {
	return &RoomGuardian{
		client:        client,
		log:           log.With().Str("component", "room_guardian").Logger(),
		settleTimeout: settleTimeout,
		cached:        make(map[id.RoomID]struct{}),
		reported:      -1,
	}
}

// Attach registers the cache listener on syncer. It must be registered
// before any listener that can stop event processing.
func (rg *RoomGuardian) Attach(syncer *mautrix.DefaultSyncer) {
	syncer.OnSync(func(_ context.Context, resp *mautrix.RespSync, _ string) bool {
		rg.applyMembership(slices.Collect(maps.Keys(resp.Rooms.Join)), slices.Collect(maps.Keys(resp.Rooms.Leave)))
		return true
	})
}

// applyMembership updates the cached view from one sync response.
func (rg *RoomGuardian) applyMembership(joined, left []id.RoomID) {
	rg.lock.Lock()
	defer rg.lock.Unlock()
	for _, roomID := range joined {
		rg.cached[roomID] = struct{}{}
	}
	for _, roomID := range left {
		delete(rg.cached, roomID)
	}
}

// cachedRooms returns a copy of the cached room set.
func (rg *RoomGuardian) cachedRooms() map[id.RoomID]struct{} {
	rg.lock.Lock()
	defer rg.lock.Unlock()
	return maps.Clone(rg.cached)
}

// Reconcile seeds the cached view from the live membership. It is used once
// at startup before sync delivers the first response.
func (rg *RoomGuardian) Reconcile(ctx context.Context) error {
	resp, err := rg.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	rg.lock.Lock()
	rg.cached = make(map[id.RoomID]struct{}, len(resp.JoinedRooms))
	for _, roomID := range resp.JoinedRooms {
		rg.cached[roomID] = struct{}{}
	}
	rg.lock.Unlock()
	rg.report(resp.JoinedRooms, true)
	return nil
}

// Settled reports the active room when the live membership equals the
// cached view and exactly one room is joined.
func (rg *RoomGuardian) Settled(ctx context.Context) (id.RoomID, bool) {
	resp, err := rg.client.JoinedRooms(ctx)
	if err != nil {
		rg.log.Warn().Err(err).Msg("Failed to list joined rooms")
		return "", false
	}
	cached := rg.cachedRooms()
	settled := len(cached) == len(resp.JoinedRooms)
	for _, roomID := range resp.JoinedRooms {
		if _, ok := cached[roomID]; !ok {
			settled = false
			break
		}
	}
	roomID := rg.report(resp.JoinedRooms, settled)
	return roomID, settled && roomID != ""
}

// ActiveRoom returns the room the bridge was last seen settled in.
func (rg *RoomGuardian) ActiveRoom() id.RoomID {
	rg.lock.Lock()
	defer rg.lock.Unlock()
	return rg.active
}

// report updates the active room and logs membership transitions once.
func (rg *RoomGuardian) report(live []id.RoomID, settled bool) id.RoomID {
	state := RoomTransition
	var active id.RoomID
	switch {
	case !settled:
	case len(live) == 0:
		state = RoomAbsent
	case len(live) == 1:
		state = RoomJoined
		active = live[0]
	}

	rg.lock.Lock()
	changed := state != rg.reported || (state == RoomJoined && active != rg.active)
	rg.reported = state
	if state != RoomTransition {
		rg.active = active
	}
	rg.lock.Unlock()

	if !changed {
		return active
	}
	switch {
	case state == RoomAbsent:
		rg.log.Info().Msg("Not in any room, invite the bridge to a room to start relaying")
	case state == RoomJoined:
		rg.log.Info().Stringer("room_id", active).Msg("Relaying to room")
	case settled:
		rg.log.Warn().Int("joined_rooms", len(live)).Msg("Joined to more than one room, waiting for an invite to pick one")
	default:
		rg.log.Debug().Int("joined_rooms", len(live)).Msg("Room membership is changing")
	}
	return active
}

// HandleInvite moves the bridge into roomID. Every other room is left first,
// then the invite is accepted and the greeting is sent once sync has caught
// up. An invite to the room the bridge already solely occupies does nothing.
func (rg *RoomGuardian) HandleInvite(ctx context.Context, roomID id.RoomID) error {
	log := rg.log.With().Stringer("room_id", roomID).Logger()
	resp, err := rg.client.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	if len(resp.JoinedRooms) == 1 && resp.JoinedRooms[0] == roomID {
		log.Debug().Msg("Already in invited room")
		return nil
	}

	alreadyJoined := false
	for _, joined := range resp.JoinedRooms {
		if joined == roomID {
			alreadyJoined = true
			continue
		}
		if _, err := rg.client.LeaveRoom(ctx, joined); err != nil {
			return fmt.Errorf("failed to leave %s: %w", joined, err)
		}
		log.Info().Stringer("left_room_id", joined).Msg("Left room")
	}
	if !alreadyJoined {
		if _, err := rg.client.JoinRoomByID(ctx, roomID); err != nil {
			return fmt.Errorf("failed to join %s: %w", roomID, err)
		}
		log.Info().Msg("Accepted invite")
	}

	if err := rg.waitSettled(ctx); err != nil {
		return err
	}
	if !alreadyJoined && rg.greet != nil {
		rg.greet(ctx, roomID)
	}
	return nil
}

// waitSettled blocks until Settled holds or the settle timeout passes.
func (rg *RoomGuardian) waitSettled(ctx context.Context) error {
	deadline := time.Now().Add(rg.settleTimeout)
	for {
		if _, ok := rg.Settled(ctx); ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("membership did not settle within %s", rg.settleTimeout)
		}
		if err := sleepCtx(ctx, settlePollInterval); err != nil {
			return err
		}
	}
}
