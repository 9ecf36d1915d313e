// Package api is the REST client for the call lifecycle collaborator:
// create/join/end plus the periodic full-state snapshot the reconciler
// merges against push events.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// getJSON performs a GET, drains the body and decodes into v.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// postJSON sends body and decodes the reply into out when out != nil.
func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusForbidden {
		return domain.ErrNotCreator
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %s", url, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type lifecycleReq struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

// CreateCall registers a new call with creator as its owner.
func (c *Client) CreateCall(ctx context.Context, creator domain.ParticipantID) (domain.CallID, error) {
	var out struct {
		CallID domain.CallID `json:"call_id"`
	}
	err := c.postJSON(ctx, c.BaseURL+"/api/calls", lifecycleReq{ParticipantID: creator}, &out)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	return out.CallID, nil
}

// JoinCall records the participant on the call record.
func (c *Client) JoinCall(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error {
	url := fmt.Sprintf("%s/api/calls/%s/join", c.BaseURL, callID)
	if err := c.postJSON(ctx, url, lifecycleReq{ParticipantID: id}, nil); err != nil {
		return fmt.Errorf("join call %s: %w", callID, err)
	}
	return nil
}

// EndCall terminates the call for everyone. The hub enforces that only
// the creator may do this and answers 403 otherwise.
func (c *Client) EndCall(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error {
	url := fmt.Sprintf("%s/api/calls/%s/end", c.BaseURL, callID)
	if err := c.postJSON(ctx, url, lifecycleReq{ParticipantID: id}, nil); err != nil {
		if errors.Is(err, domain.ErrNotCreator) {
			return err
		}
		return fmt.Errorf("end call %s: %w", callID, err)
	}
	return nil
}

// FetchState reads the point-in-time snapshot {participants, messages}.
func (c *Client) FetchState(ctx context.Context, callID domain.CallID) (*proto.StateSnapshot, error) {
	url := fmt.Sprintf("%s/api/calls/%s/state", c.BaseURL, callID)
	var snap proto.StateSnapshot
	if err := c.getJSON(ctx, url, &snap); err != nil {
		return nil, fmt.Errorf("fetch state for call %s: %w", callID, err)
	}
	return &snap, nil
}
