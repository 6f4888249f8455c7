package sync

import (
	"context"
	"time"

	"github.com/matheus3301/roomsync/internal/filter"
	"github.com/matheus3301/roomsync/internal/protocol"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// recover walks the first two stages of the recovery ladder for an
// unhealthy client: an immediate retry, then a soft restart with
// conservative options. Each failing stage warns at most once per window.
// It never blocks longer than the two grace periods.
func (c *Coordinator) recover(ctx context.Context, s *session) {
	key := "connection-unhealthy:" + s.userID
	state := s.client.State()
	if !c.gov.ShouldAttempt(key) {
		c.gov.WarnOnce(key+":suspended", "connection recovery suspended after repeated failures",
			zap.String("user_id", s.userID), zap.String("state", string(state)))
		return
	}
	c.gov.RecordAttempt(key)

	if s.client.RetryImmediately() && c.waitHealthy(ctx, s.client, c.cfg.RetryGrace) {
		c.gov.RecordSuccess(key)
		s.logger.Info("connection recovered by immediate retry")
		return
	}
	c.gov.WarnOnce(key+":retry", "connection unhealthy; immediate retry did not recover it",
		zap.String("user_id", s.userID), zap.String("state", string(state)))
	if ctx.Err() != nil {
		return
	}

	s.client.Stop()
	if err := s.client.Start(ctx, protocol.ConservativeStart); err != nil {
		s.logger.Debug("soft restart failed to start", zap.Error(err))
	} else if c.waitHealthy(ctx, s.client, c.cfg.RestartGrace) {
		c.gov.RecordSuccess(key)
		s.logger.Info("connection recovered by soft restart")
		return
	}
	c.gov.WarnOnce(key+":restart", "soft restart did not recover the connection; continuing with available rooms",
		zap.String("user_id", s.userID), zap.String("state", string(s.client.State())))
}

// waitHealthy polls client until it is healthy or grace elapses.
func (c *Coordinator) waitHealthy(ctx context.Context, client protocol.Client, grace time.Duration) bool {
	deadline := c.clk.Now().Add(grace)
	for {
		if client.State().Healthy() {
			return true
		}
		if !c.clk.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.clk.After(c.cfg.PollInterval):
		}
	}
}

// remediate is the third ladder stage. When no room matched the platform
// but a persisted anchor room exists, it fetches the room, then tries to
// join it. It returns the anchor id, rooms to admit without further
// filtering, and whether a placeholder should stand in for the anchor.
func (c *Coordinator) remediate(ctx context.Context, s *session, matched []*protocol.Room) (id.RoomID, []*protocol.Room, bool) {
	if c.anchors == nil || s.client == nil {
		return "", nil, false
	}
	anchorStr, ok := c.anchors.AnchorRoom(ctx, s.userID, s.platformName)
	if !ok {
		return "", nil, false
	}
	anchor := id.RoomID(anchorStr)
	key := "no-rooms-found-for-platform:" + s.platformName + ":" + s.userID
	if len(matched) > 0 {
		c.gov.RecordSuccess(key)
		return anchor, nil, false
	}

	if !c.gov.ShouldAttempt(key) {
		c.gov.WarnOnce(key+":suspended", "anchor room remediation suspended",
			zap.String("user_id", s.userID), zap.String("anchor", anchorStr))
		return anchor, nil, true
	}
	c.gov.RecordAttempt(key)

	if room, err := s.client.FetchRoom(ctx, anchor); err == nil && filter.Membership(room) {
		s.setRemediated(anchor)
		c.gov.RecordSuccess(key)
		s.logger.Info("anchor room fetched directly", zap.String("anchor", anchorStr))
		return anchor, []*protocol.Room{room}, false
	} else if err != nil {
		s.logger.Debug("anchor fetch failed", zap.String("anchor", anchorStr), zap.Error(err))
	}

	if err := s.client.JoinRoom(ctx, anchor); err != nil {
		c.gov.WarnOnce(key, "anchor room unreachable; showing placeholder",
			zap.String("user_id", s.userID), zap.String("anchor", anchorStr), zap.Error(err))
		return anchor, nil, true
	}
	room, err := s.client.FetchRoom(ctx, anchor)
	if err != nil || room == nil || room.Membership != event.MembershipJoin {
		// Joined, but the room only arrives with the next sync.
		s.logger.Info("anchor room joined; waiting for it to sync", zap.String("anchor", anchorStr))
		return anchor, nil, true
	}
	s.setRemediated(anchor)
	c.gov.RecordSuccess(key)
	s.logger.Info("anchor room joined", zap.String("anchor", anchorStr))
	return anchor, []*protocol.Room{room}, false
}
