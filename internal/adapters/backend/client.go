package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	// ParticipantHeader names the caller. It is honored only next to a valid
	// service token; other callers are identified by the session cookie.
	ParticipantHeader = "X-Participant-ID"
	// ServiceTokenHeader lets the relay act on sessions it does not own.
	ServiceTokenHeader = "X-Service-Token"
)

// ErrorBody is the JSON error shape of the session endpoints.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// GrantRequest is the body of POST /api/sessions/:id/participants.
type GrantRequest struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	DisplayName   string               `json:"display_name,omitempty"`
}

// Identity is the body of GET /api/me.
type Identity struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

// VerifyRequest is the body of POST /api/sessions/:id/verify.
type VerifyRequest struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
}

// Client talks to the session endpoints over HTTP on behalf of one caller.
// The caller is either asserted with a service token or learned from the
// cookie the relay issues, see Identity.
type Client struct {
	base    *url.URL
	caller  domain.ParticipantID
	service string
	http    *http.Client
}

var (
	_ core.AuthorizationGate = (*Client)(nil)
	_ core.SessionDirectory  = (*Client)(nil)
)

func NewClient(baseURL string, caller domain.ParticipantID, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{base: u, caller: caller, http: &http.Client{Timeout: timeout, Jar: jar}}, nil
}

// Jar holds the identity cookie; share it with the signaling dialer so both
// speak as the same participant.
func (c *Client) Jar() http.CookieJar { return c.http.Jar }

// Identity asks the relay who this client is, obtaining the identity cookie
// on first use. Without a service token the answer becomes the caller.
func (c *Client) Identity(ctx context.Context) (domain.ParticipantID, error) {
	var id Identity
	if err := c.do(ctx, http.MethodGet, "/api/me", c.caller, nil, &id); err != nil {
		return "", err
	}
	if c.service == "" {
		c.caller = id.ParticipantID
	}
	return id.ParticipantID, nil
}

// WithServiceToken makes every request carry token in ServiceTokenHeader.
func (c *Client) WithServiceToken(token string) *Client {
	c.service = token
	return c
}

func (c *Client) CreateSession(ctx context.Context, initiator domain.ParticipantID) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := c.do(ctx, http.MethodPost, "/api/sessions", initiator, nil, &info)
	return info, err
}

func (c *Client) EndSession(ctx context.Context, sessionID domain.SessionID) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(string(sessionID)), c.caller, nil, nil)
}

func (c *Client) Grant(ctx context.Context, sessionID domain.SessionID, participant domain.ParticipantID, displayName string) error {
	body := GrantRequest{ParticipantID: participant, DisplayName: displayName}
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(string(sessionID))+"/participants", c.caller, body, nil)
}

func (c *Client) Authorize(ctx context.Context, sessionID domain.SessionID, participant domain.ParticipantID) (domain.SessionInfo, error) {
	var info domain.SessionInfo
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(string(sessionID))+"/verify", participant,
		VerifyRequest{ParticipantID: participant}, &info)
	return info, err
}

func (c *Client) do(ctx context.Context, method, path string, caller domain.ParticipantID, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.service != "" {
		req.Header.Set(ServiceTokenHeader, c.service)
		if caller != "" {
			req.Header.Set(ParticipantHeader, string(caller))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		log.Debug().Str("module", "backend.client").Str("path", path).Str("code", eb.Code).Msg("backend error")
		return core.ErrorFromCode(eb.Code, eb.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
