package offlinesync

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

	"github.com/agentworkforce/offlinecrud/internal/offline"
)

var (
	ErrUnreachable     = errors.New("remote unreachable")
	ErrSessionRequired = errors.New("session required")
)

// APIError is an application-level failure: a non-2xx status or an envelope
// with success=false.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: http %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: http %d: %s", e.StatusCode, e.Message)
}

// RedirectError reports a 3xx answer, which the API only sends when the
// session is gone.
type RedirectError struct {
	StatusCode int
	Location   string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirected (http %d) to %s", e.StatusCode, e.Location)
}

func (e *RedirectError) Is(target error) bool {
	return target == ErrSessionRequired
}

type RemoteClient interface {
	List(ctx context.Context) ([]offline.Record, error)
	Create(ctx context.Context, record offline.Record) (offline.Record, error)
	Update(ctx context.Context, record offline.Record) error
	Delete(ctx context.Context, id string) error
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type recordBody struct {
	Name    string      `json:"nombre"`
	Balance json.Number `json:"saldo"`
}

func bodyFor(record offline.Record) recordBody {
	return recordBody{Name: record.Name, Balance: json.Number(record.Balance.String())}
}

type HTTPClient struct {
	baseURL      string
	resourcePath string
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
}

// NewHTTPClient talks to the customers API at baseURL+resourcePath. Redirects
// are never followed; they surface as *RedirectError.
func NewHTTPClient(baseURL, resourcePath string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	resourcePath = "/" + strings.Trim(strings.TrimSpace(resourcePath), "/")
	if resourcePath == "/" {
		resourcePath = "/api/clientes"
	}
	var hc http.Client
	if httpClient != nil {
		hc = *httpClient
	} else {
		hc.Timeout = 15 * time.Second
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPClient{
		baseURL:      baseURL,
		resourcePath: resourcePath,
		httpClient:   &hc,
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
	}
}

func (c *HTTPClient) List(ctx context.Context) ([]offline.Record, error) {
	var records []offline.Record
	if err := c.doJSON(ctx, http.MethodGet, c.resourcePath, nil, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []offline.Record{}
	}
	return records, nil
}

func (c *HTTPClient) Create(ctx context.Context, record offline.Record) (offline.Record, error) {
	var created offline.Record
	if err := c.doJSON(ctx, http.MethodPost, c.resourcePath, bodyFor(record), &created); err != nil {
		return offline.Record{}, err
	}
	if created.Name == "" {
		created.Name = record.Name
		created.Balance = record.Balance
	}
	return created, nil
}

func (c *HTTPClient) Update(ctx context.Context, record offline.Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return offline.ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodPut, c.recordPath(record.ID), bodyFor(record), nil)
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return offline.ErrInvalidInput
	}
	return c.doJSON(ctx, http.MethodDelete, c.recordPath(id), nil, nil)
}

func (c *HTTPClient) recordPath(id string) string {
	return c.resourcePath + "/" + url.PathEscape(strings.TrimSpace(id))
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	idempotent := method != http.MethodPost
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if idempotent && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %w", ErrUnreachable, readErr)
		}

		if resp.StatusCode >= 300 && resp.StatusCode <= 399 {
			return &RedirectError{StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
		}
		if retryableStatus(resp, idempotent) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var env envelope
		decodeErr := json.Unmarshal(payloadBytes, &env)
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			message := env.Error
			if decodeErr != nil || message == "" {
				message = http.StatusText(resp.StatusCode)
			}
			return &APIError{StatusCode: resp.StatusCode, Message: message}
		}
		if len(bytes.TrimSpace(payloadBytes)) == 0 {
			return nil
		}
		if decodeErr != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "malformed response envelope"}
		}
		if !env.Success {
			return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
		}
		if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}
		return json.Unmarshal(env.Data, out)
	}
}

// retryableStatus reports whether resp may be retried. POSTs are only retried
// when the server reports it did not process them.
func retryableStatus(resp *http.Response, idempotent bool) bool {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "":
		return true
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return idempotent
	}
	return false
}

func correlationID() string {
	return fmt.Sprintf("offline_%d", time.Now().UnixNano())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
