package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrAuthRequired is returned when the server rejects the caller's
// credentials. Hydration treats it differently from transport failures.
var ErrAuthRequired = errors.New("authentication required")

// Token is a short-lived board-scoped credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// StateResponse carries one of the hydration answer shapes.
type StateResponse struct {
	NoContent bool
	Diff      []byte
	Snapshot  []byte
	Updates   [][]byte
}

// Client talks to the board server's REST surface.
type Client struct {
	baseURL      string
	sessionToken string
	clientID     string
	http         *http.Client
}

func NewClient(baseURL, sessionToken, clientID string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		sessionToken: sessionToken,
		clientID:     clientID,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenRequest struct {
	BoardID    string `json:"boardId"`
	ShareToken string `json:"shareToken,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// FetchToken exchanges the session token for a board token.
func (c *Client) FetchToken(ctx context.Context, boardID, shareToken string) (*Token, error) {
	body, err := json.Marshal(tokenRequest{BoardID: boardID, ShareToken: shareToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tokens", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.sessionToken)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return nil, ErrAuthRequired
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed with status %d", res.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return nil, err
	}

	return &Token{
		Value:     tr.Token,
		ExpiresAt: time.Unix(tr.ExpiresAt, 0),
	}, nil
}

type stateEnvelope struct {
	Snapshot string   `json:"snapshot"`
	Updates  []string `json:"updates"`
}

// FetchState requests the board state, optionally diffed against a
// state vector. The server answers with nothing new, a binary diff, or
// a JSON envelope holding a snapshot or an update list.
func (c *Client) FetchState(ctx context.Context, boardID, token, vector string) (*StateResponse, error) {
	url := c.baseURL + "/v1/boards/" + boardID + "/state"
	if vector != "" {
		url += "?sv=" + vector
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNoContent:
		return &StateResponse{NoContent: true}, nil
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, ErrAuthRequired
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("state request failed with status %d", res.StatusCode)
	}

	if strings.HasPrefix(res.Header.Get("Content-Type"), "application/octet-stream") {
		diff, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		return &StateResponse{Diff: diff}, nil
	}

	var env stateEnvelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return nil, err
	}

	out := &StateResponse{}
	if env.Snapshot != "" {
		raw, err := base64.StdEncoding.DecodeString(env.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot encoding: %w", err)
		}
		out.Snapshot = raw
		return out, nil
	}
	for _, u := range env.Updates {
		raw, err := base64.StdEncoding.DecodeString(u)
		if err != nil {
			// skip fragments that do not decode; the rest still apply
			continue
		}
		out.Updates = append(out.Updates, raw)
	}

	return out, nil
}

// PostUpdate appends one binary update to the board's durable log.
func (c *Client) PostUpdate(ctx context.Context, boardID, token string, payload []byte) error {
	url := c.baseURL + "/v1/boards/" + boardID + "/updates"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.clientID != "" {
		req.Header.Set("X-Client-Id", c.clientID)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return ErrAuthRequired
	}
	if res.StatusCode != http.StatusAccepted && res.StatusCode != http.StatusOK {
		return fmt.Errorf("update request failed with status %d", res.StatusCode)
	}

	return nil
}

// SyncURL builds the websocket address for the realtime sync endpoint.
func (c *Client) SyncURL(boardID, token string) string {
	ws := c.baseURL
	if strings.HasPrefix(ws, "https://") {
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	} else if strings.HasPrefix(ws, "http://") {
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/v1/boards/" + boardID + "/sync?token=" + token
}

// ClientID identifies this session on posted updates.
func (c *Client) ClientID() string {
	return c.clientID
}
