package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/internal/hub"
)

// Client talks to a callcore server on behalf of one user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

func NewClient(baseURL, token string, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends a JSON request and decodes the JSON response into out, if any.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CallInfo mirrors the server's call response.
type CallInfo struct {
	calls.CallSession
	Incoming *struct {
		CallerName     string   `json:"caller_name"`
		CallerPhotoURL *string  `json:"caller_photo_url"`
		Media          []string `json:"media"`
	} `json:"incoming,omitempty"`
}

func (c *Client) Call(ctx context.Context, callee uuid.UUID, threadID string, offer json.RawMessage) (*CallInfo, error) {
	out := new(CallInfo)
	body := map[string]any{"callee_id": callee, "thread_id": threadID, "offer": offer}
	if err := c.do(ctx, http.MethodPost, "/api/calls", body, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, callID uuid.UUID) (*CallInfo, error) {
	out := new(CallInfo)
	if err := c.do(ctx, http.MethodGet, "/api/calls/"+callID.String(), nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Accept(ctx context.Context, callID uuid.UUID, answer json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/api/calls/"+callID.String()+"/accept", map[string]any{"answer": answer}, nil)
}

// Action posts one of decline, end or connected.
func (c *Client) Action(ctx context.Context, callID uuid.UUID, action string) error {
	return c.do(ctx, http.MethodPost, "/api/calls/"+callID.String()+"/"+action, nil, nil)
}

func (c *Client) Candidate(ctx context.Context, callID uuid.UUID, candidate json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/api/calls/"+callID.String()+"/candidates", map[string]any{"candidate": candidate}, nil)
}

func (c *Client) Reachable(ctx context.Context, userID uuid.UUID) (bool, error) {
	var out struct {
		Reachable bool `json:"reachable"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/presence/"+userID.String(), nil, &out); err != nil {
		return false, err
	}
	return out.Reachable, nil
}

// Watch opens the event stream and calls onFrame for every frame until ctx
// is done or the stream closes.
func (c *Client) Watch(ctx context.Context, onFrame func(hub.Frame)) error {
	u, err := url.Parse(c.baseURL + "/api/events")
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var frame hub.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream broken: %w", err)
		}
		onFrame(frame)
	}
}

// sessionDescription builds a minimal SDP document. The CLI negotiates no
// media, so the body only has to be well formed.
func sessionDescription(kind string) json.RawMessage {
	sdp := strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 127.0.0.1",
		"s=callctl",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=rtpmap:111 opus/48000/2",
		"",
	}, "\r\n")

	data, _ := json.Marshal(map[string]string{"type": kind, "sdp": sdp})
	return data
}
