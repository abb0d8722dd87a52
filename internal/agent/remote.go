package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultTimeout   = 30 * time.Second
	maxRetries       = 3
	retryBaseDelay   = 500 * time.Millisecond
)

// RemoteOption configures a Remote backend, the same functional-option
// shape as cursor.ClientOption.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the http.Client used for request/response calls.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.httpClient = c }
}

// WithLogger attaches a logger used for request/retry/event tracing.
func WithLogger(logger *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = logger }
}

// WithDialer overrides the websocket dialer used by SubscribeToEvents.
func WithDialer(d *websocket.Dialer) RemoteOption {
	return func(r *Remote) { r.dialer = d }
}

// Remote is a Backend reached over HTTP for request/response calls and a
// websocket for the session event stream, grounded on
// nickmisasi-mattermost-plugin-cursor's cursor.Client (retry-bounded
// doRequest, functional options) for the HTTP half and on the
// injected-transport shape of goadesign-goa-ai's anthropic.Client for the
// overall Client/New split. The concrete JSON/WS wire schema is this
// package's own invention, not any one upstream agent protocol.
type Remote struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	mu      sync.Mutex
	streams map[string]*websocket.Conn
}

// NewRemote creates a Remote backend talking to baseURL (e.g.
// "http://127.0.0.1:4317").
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		streams:    make(map[string]*websocket.Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) wsURL(path string) string {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return r.baseURL + path
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	return u.String()
}

// doRequest issues an HTTP call with exponential-backoff retry on
// transport errors, 429, and 5xx — the same retry policy as
// cursor.clientImpl.doRequest.
func (r *Remote) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
			r.logger.Warn("agent remote request failed", "method", method, "path", path, "attempt", attempt, "error", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}
		if resp.StatusCode == 404 {
			return nil, ErrSessionNotFound
		}
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("agent remote: status %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		return nil, fmt.Errorf("agent remote: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}

func (r *Remote) Connect(ctx context.Context) error {
	_, err := r.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

func (r *Remote) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.streams {
		_ = conn.Close()
		delete(r.streams, id)
	}
	return nil
}

type createSessionRequest struct {
	Directory string `json:"directory"`
	Provider  string `json:"providerId"`
	Model     string `json:"modelId"`
	PlanMode  bool   `json:"planMode"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

func (r *Remote) CreateSession(ctx context.Context, opts CreateSessionOptions) (string, error) {
	body, err := r.doRequest(ctx, http.MethodPost, "/sessions", createSessionRequest{
		Directory: opts.Directory,
		Provider:  opts.Model.ProviderID,
		Model:     opts.Model.ModelID,
		PlanMode:  opts.PlanMode,
	})
	if err != nil {
		return "", err
	}
	var resp createSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding createSession response: %w", err)
	}
	return resp.SessionID, nil
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type promptResponse struct {
	Reply string `json:"reply"`
}

func (r *Remote) SendPrompt(ctx context.Context, sessionID, prompt string) (string, error) {
	body, err := r.doRequest(ctx, http.MethodPost, "/sessions/"+sessionID+"/prompt", promptRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	var resp promptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding sendPrompt response: %w", err)
	}
	return resp.Reply, nil
}

func (r *Remote) SendPromptAsync(ctx context.Context, sessionID, prompt string) error {
	_, err := r.doRequest(ctx, http.MethodPost, "/sessions/"+sessionID+"/prompt-async", promptRequest{Prompt: prompt})
	return err
}

// SubscribeToEvents opens a websocket to the session's event stream and
// translates frames into Event values on a background goroutine until ctx
// is canceled or Unsubscribe is called.
func (r *Remote) SubscribeToEvents(ctx context.Context, sessionID string, h EventHandler) (Unsubscribe, error) {
	conn, _, err := r.dialer.DialContext(ctx, r.wsURL("/sessions/"+sessionID+"/events"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	r.mu.Lock()
	r.streams[sessionID] = conn
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
				h(ev)
			}
		}
	}()

	return func() {
		_ = conn.Close()
		<-done
		r.mu.Lock()
		delete(r.streams, sessionID)
		r.mu.Unlock()
	}, nil
}

func (r *Remote) AbortSession(ctx context.Context, sessionID string) error {
	_, err := r.doRequest(ctx, http.MethodPost, "/sessions/"+sessionID+"/abort", nil)
	return err
}

type replyQuestionRequest struct {
	Answer string `json:"answer"`
}

func (r *Remote) ReplyToQuestion(ctx context.Context, sessionID, questionID, answer string) error {
	_, err := r.doRequest(ctx, http.MethodPost, "/sessions/"+sessionID+"/questions/"+questionID, replyQuestionRequest{Answer: answer})
	return err
}

type replyPermissionRequest struct {
	Allow bool `json:"allow"`
}

func (r *Remote) ReplyToPermission(ctx context.Context, sessionID, permissionID string, allow bool) error {
	_, err := r.doRequest(ctx, http.MethodPost, "/sessions/"+sessionID+"/permissions/"+permissionID, replyPermissionRequest{Allow: allow})
	return err
}

type listModelsResponse struct {
	Models []Model `json:"models"`
}

func (r *Remote) ListModels(ctx context.Context) ([]Model, error) {
	body, err := r.doRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	var resp listModelsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding listModels response: %w", err)
	}
	return resp.Models, nil
}
