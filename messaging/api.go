package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client. REST
	// fallback sends rely on it rather than on a timeout of their own.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. History pages are the
	// largest payload.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// defaultHistoryPageSize is used when the caller passes size <= 0.
	defaultHistoryPageSize = 50
)

// API is the REST collaborator used for fallback sends, history and
// read receipts. *APIClient satisfies it.
type API interface {
	SendMessage(ctx context.Context, req SendRequest) (Message, error)
	History(ctx context.Context, conversationID string, page, size int) (HistoryPage, error)
	MarkRead(ctx context.Context, messageIDs []string) error
}

// SendRequest is the body of a REST send. ConversationID is omitted for
// the first message to a new counterpart; the server creates the
// conversation.
type SendRequest struct {
	ConversationID string      `json:"conversationId,omitempty"`
	RecipientID    string      `json:"recipientId"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	ProvisionalID  string      `json:"provisionalId"`
}

// HistoryPage is one page of a conversation's messages, oldest first.
type HistoryPage struct {
	Content []Message `json:"content"`
	Last    bool      `json:"last"`
}

// apiError is the error body returned by the messaging API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e apiError) text() string {
	if e.Message != "" {
		return e.Message
	}

	return e.Error
}

// APIClient talks to the messaging REST API.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewAPIClient creates a REST client for baseURL authenticating with
// token. If httpClient is nil, a client with a 30-second timeout and a
// same-host redirect policy is created.
func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &APIClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates a response body to 256 bytes and
// replaces control characters so it is safe to log.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request with an optional JSON body and decodes a JSON
// response into result.
func (c *APIClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", chaterrors.ErrAPIRequest, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, refused connections and DNS failures are transient.
		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", chaterrors.ErrAPIRequest, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := sanitizeResponseBody(respBody)

		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.text() != "" {
			detail = apiErr.text()
		}

		err := fmt.Errorf("%w: %s %s returned status %d: %s", chaterrors.ErrAPIResponse, method, endpoint, resp.StatusCode, detail)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// SendMessage posts a message. The provisional id travels with it so the
// result can be reconciled against the optimistic entry.
func (c *APIClient) SendMessage(ctx context.Context, sr SendRequest) (Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", sr, &msg); err != nil {
		return Message{}, fmt.Errorf("sending message: %w", err)
	}

	if msg.ID == "" {
		return Message{}, fmt.Errorf("sending message: %w: response has no id", chaterrors.ErrAPIResponse)
	}

	return msg, nil
}

// History fetches one page of a conversation's messages.
func (c *APIClient) History(ctx context.Context, conversationID string, page, size int) (HistoryPage, error) {
	if size <= 0 {
		size = defaultHistoryPageSize
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	endpoint := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var hp HistoryPage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &hp); err != nil {
		return HistoryPage{}, fmt.Errorf("fetching history: %w", err)
	}

	return hp, nil
}

// MarkRead marks messages as read.
func (c *APIClient) MarkRead(ctx context.Context, messageIDs []string) error {
	if err := c.do(ctx, http.MethodPost, "/api/messages/read", readBody{MessageIDs: messageIDs}, nil); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
