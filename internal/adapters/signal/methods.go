package signal

import (
	"context"
	"encoding/json"

	"github.com/voxhall/groupcall/internal/core"
	"github.com/voxhall/groupcall/internal/domain"
)

// callParams identifies the call in every per-call request.
type callParams struct {
	CallID     int64 `json:"call_id"`
	AccessHash int64 `json:"access_hash"`
}

func refParams(call domain.CallRef) callParams {
	return callParams{CallID: call.ID, AccessHash: call.AccessHash}
}

func (c *Client) CreateCall(ctx context.Context, scheduleDate int64) (domain.CallRef, error) {
	var out struct {
		CallID     int64 `json:"call_id"`
		AccessHash int64 `json:"access_hash"`
	}
	params := struct {
		ScheduleDate int64 `json:"schedule_date,omitempty"`
	}{ScheduleDate: scheduleDate}
	if err := c.request(ctx, "call.create", params, &out); err != nil {
		return domain.CallRef{}, err
	}
	return domain.CallRef{ID: out.CallID, AccessHash: out.AccessHash}, nil
}

func (c *Client) JoinCall(ctx context.Context, req core.JoinRequest) ([]byte, error) {
	params := struct {
		callParams
		JoinAs     domain.PeerID   `json:"join_as"`
		InviteHash string          `json:"invite_hash,omitempty"`
		Muted      bool            `json:"muted,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}{
		callParams: refParams(req.Call),
		JoinAs:     req.JoinAs,
		InviteHash: req.InviteHash,
		Muted:      req.Muted,
		Payload:    req.Payload,
	}
	var out json.RawMessage
	if err := c.request(ctx, "call.join", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LeaveCall(ctx context.Context, call domain.CallRef, ssrc uint32) error {
	params := struct {
		callParams
		Ssrc uint32 `json:"source"`
	}{refParams(call), ssrc}
	return c.request(ctx, "call.leave", params, nil)
}

func (c *Client) DiscardCall(ctx context.Context, call domain.CallRef) error {
	return c.request(ctx, "call.discard", refParams(call), nil)
}

func (c *Client) EditParticipant(ctx context.Context, call domain.CallRef, peer domain.PeerID, edit core.ParticipantEdit) error {
	params := struct {
		callParams
		Peer       domain.PeerID `json:"peer"`
		Muted      *bool         `json:"muted,omitempty"`
		Volume     *int          `json:"volume,omitempty"`
		RaiseHand  *bool         `json:"raise_hand,omitempty"`
		VideoMuted *bool         `json:"video_stopped,omitempty"`
	}{refParams(call), peer, edit.Muted, edit.Volume, edit.RaiseHand, edit.VideoMuted}
	return c.request(ctx, "call.edit_participant", params, nil)
}

func (c *Client) EditTitle(ctx context.Context, call domain.CallRef, title string) error {
	params := struct {
		callParams
		Title string `json:"title"`
	}{refParams(call), title}
	return c.request(ctx, "call.edit_title", params, nil)
}

func (c *Client) InviteUsers(ctx context.Context, call domain.CallRef, users []domain.PeerID) error {
	params := struct {
		callParams
		Users []domain.PeerID `json:"users"`
	}{refParams(call), users}
	return c.request(ctx, "call.invite", params, nil)
}

func (c *Client) ToggleRecording(ctx context.Context, call domain.CallRef, start bool, title string) error {
	params := struct {
		callParams
		Start bool   `json:"start"`
		Title string `json:"title,omitempty"`
	}{refParams(call), start, title}
	return c.request(ctx, "call.toggle_record", params, nil)
}

func (c *Client) StartScheduled(ctx context.Context, call domain.CallRef) error {
	return c.request(ctx, "call.start_scheduled", refParams(call), nil)
}

func (c *Client) ToggleStartSubscription(ctx context.Context, call domain.CallRef, subscribed bool) error {
	params := struct {
		callParams
		Subscribed bool `json:"subscribed"`
	}{refParams(call), subscribed}
	return c.request(ctx, "call.toggle_start_subscription", params, nil)
}

func (c *Client) CheckLiveness(ctx context.Context, call domain.CallRef, ssrcs []uint32) ([]uint32, error) {
	params := struct {
		callParams
		Sources []uint32 `json:"sources"`
	}{refParams(call), ssrcs}
	var out struct {
		Sources []uint32 `json:"sources"`
	}
	if err := c.request(ctx, "call.check_join", params, &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

func (c *Client) FetchBroadcastPart(ctx context.Context, call domain.CallRef, timeMs int64, scale int32, limit int32) (core.BroadcastChunk, error) {
	params := struct {
		callParams
		TimeMs int64 `json:"time_ms"`
		Scale  int32 `json:"scale"`
		Limit  int32 `json:"limit"`
	}{refParams(call), timeMs, scale, limit}
	var out struct {
		Bytes     []byte  `json:"bytes"`
		Timestamp float64 `json:"timestamp"`
		Redirect  bool    `json:"redirect,omitempty"`
	}
	if err := c.request(ctx, "call.broadcast_part", params, &out); err != nil {
		return core.BroadcastChunk{}, err
	}
	return core.BroadcastChunk{
		Bytes:             out.Bytes,
		ResponseTimestamp: out.Timestamp,
		Redirect:          out.Redirect,
	}, nil
}

func (c *Client) ResolveParticipants(ctx context.Context, call domain.CallRef, ssrcs []uint32) error {
	params := struct {
		callParams
		Sources []uint32 `json:"sources"`
	}{refParams(call), ssrcs}
	return c.request(ctx, "call.resolve_participants", params, nil)
}

func (c *Client) NotifySpeaking(ctx context.Context, call domain.CallRef) error {
	return c.request(ctx, "call.speaking", refParams(call), nil)
}
