package fetch

import (
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

	"github.com/iago/session-insights/internal/domain"
)

// MarkerHeader mirrors the server header that tags every derived response,
// including 304s.
const MarkerHeader = "X-Progress-Marker"

var ErrUnexpectedStatus = errors.New("unexpected response status")

// StatusError is returned for responses outside 200, 202 and 304.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("derived fetch status=%d", e.StatusCode)
	}
	return fmt.Sprintf("derived fetch status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues conditional derived-payload requests.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Request is captured when a check is issued and never mutated afterwards.
// SubjectID doubles as the tag compared against the current target when the
// response arrives.
type Request struct {
	SubjectID string
	Kind      domain.Kind
	Marker    int64
	Seq       uint64
}

type Response struct {
	Unchanged  bool
	Status     domain.Status
	Marker     int64
	Stale      bool
	ComputedAt time.Time
	Payload    json.RawMessage
	RetryAfter time.Duration
}

type derivedBody struct {
	Status     domain.Status   `json:"status"`
	Marker     *int64          `json:"marker"`
	Stale      bool            `json:"stale"`
	ComputedAt *time.Time      `json:"computed_at"`
	Payload    json.RawMessage `json:"payload"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewClient(config ClientConfig) *Client {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		token:      strings.TrimSpace(config.Token),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

// Check asks for the derived payload of request.SubjectID. A request marker
// of domain.NoMarker forces a full response.
func (c *Client) Check(ctx context.Context, request Request) (Response, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf(
		"%s/v1/subjects/%s/derived/%s",
		c.baseURL,
		url.PathEscape(request.SubjectID),
		url.PathEscape(string(request.Kind)),
	)
	if request.Marker != domain.NoMarker {
		endpoint += "?as_of=" + strconv.FormatInt(request.Marker, 10)
	}

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Response{}, fmt.Errorf("create derived request: %w", err)
	}
	httpRequest.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return Response{}, fmt.Errorf("derived transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, 8<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read derived body: %w", err)
	}

	switch httpResponse.StatusCode {
	case http.StatusNotModified:
		marker, err := strconv.ParseInt(httpResponse.Header.Get(MarkerHeader), 10, 64)
		if err != nil {
			marker = request.Marker
		}
		return Response{Unchanged: true, Status: domain.StatusReady, Marker: marker}, nil
	case http.StatusOK, http.StatusAccepted:
		var decoded derivedBody
		if err := json.Unmarshal(body, &decoded); err != nil {
			return Response{}, fmt.Errorf("decode derived body: %w", err)
		}
		response := Response{
			Status:     decoded.Status,
			Marker:     domain.NoMarker,
			Stale:      decoded.Stale,
			Payload:    decoded.Payload,
			RetryAfter: parseRetryAfter(httpResponse.Header.Get("Retry-After")),
		}
		if decoded.Marker != nil {
			response.Marker = *decoded.Marker
		}
		if decoded.ComputedAt != nil {
			response.ComputedAt = *decoded.ComputedAt
		}
		return response, nil
	default:
		statusErr := &StatusError{StatusCode: httpResponse.StatusCode}
		var decoded errorBody
		if json.Unmarshal(body, &decoded) == nil {
			statusErr.Code = decoded.Error.Code
			statusErr.Message = decoded.Error.Message
		}
		return Response{}, statusErr
	}
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
