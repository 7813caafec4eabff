package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/schema"
)

// MaxDocumentSize bounds documents read from the network.
const MaxDocumentSize = 8 << 20

// ErrDocumentTooLarge is returned when a remote document exceeds
// MaxDocumentSize. The document is not returned cut short.
var ErrDocumentTooLarge = errors.New("remote document too large")

// TokenSource returns a bearer token proving ownership of id. An empty
// token sends no Authorization header.
type TokenSource func(ctx context.Context, id string) (string, error)

// HTTPMirror is the client of a mirror server:
//
//	GET  /v1/documents/{id}        read (404 when absent)
//	PUT  /v1/documents/{id}        push the four sections
//	GET  /v1/documents/{id}/watch  websocket, one text message per change
type HTTPMirror struct {
	base   string
	client *http.Client
	token  TokenSource
	logger zerolog.Logger
}

// NewHTTPMirror creates a client for the server at baseURL.
func NewHTTPMirror(baseURL string, token TokenSource, logger zerolog.Logger) (*HTTPMirror, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: http backend needs a URL", ErrNotConfigured)
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid mirror URL %q", ErrNotConfigured, baseURL)
	}
	return &HTTPMirror{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		token:  token,
		logger: logger.With().Str("component", "mirror").Str("backend", "http").Logger(),
	}, nil
}

func (m *HTTPMirror) documentURL(id string) string {
	return m.base + "/v1/documents/" + url.PathEscape(id)
}

func (m *HTTPMirror) header(ctx context.Context, id string) (http.Header, error) {
	h := http.Header{}
	if m.token == nil {
		return h, nil
	}
	token, err := m.token(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h, nil
}

func (m *HTTPMirror) do(ctx context.Context, method, id string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.documentURL(id), rd)
	if err != nil {
		return nil, err
	}
	h, err := m.header(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Header = h
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return m.client.Do(req)
}

// Pull implements Mirror.
func (m *HTTPMirror) Pull(ctx context.Context, id string) ([]byte, bool, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, false, err
	}

	resp, err := m.do(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get remote document: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, statusError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize+1))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read remote document: %w", err)
	}
	if len(data) > MaxDocumentSize {
		return nil, false, fmt.Errorf("%w: more than %d bytes", ErrDocumentTooLarge, MaxDocumentSize)
	}
	return data, true, nil
}

// Push implements Mirror.
func (m *HTTPMirror) Push(ctx context.Context, id string, doc schema.Document) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}

	body, err := sectionsJSON(doc)
	if err != nil {
		return err
	}

	resp, err := m.do(ctx, http.MethodPut, id, body)
	if err != nil {
		return fmt.Errorf("failed to push remote document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	return nil
}

// Subscribe implements Mirror.
func (m *HTTPMirror) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}

	h, err := m.header(ctx, id)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, m.documentURL(id)+"/watch", &websocket.DialOptions{
		HTTPHeader: h,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open watch: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open watch: %w", err)
	}
	conn.SetReadLimit(MaxDocumentSize)

	feedCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	sub.goFeed(func() {
		for {
			_, data, err := conn.Read(feedCtx)
			if err != nil {
				if feedCtx.Err() != nil {
					return
				}
				sub.fail(fmt.Errorf("watch: %w", err))
				return
			}
			sub.send(Change{Data: data})
		}
	})

	return sub, nil
}

// Close implements Mirror.
func (m *HTTPMirror) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(msg))
	if text == "" {
		return fmt.Errorf("mirror server: %s", resp.Status)
	}
	return fmt.Errorf("mirror server: %s: %s", resp.Status, text)
}
