package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type fulfillClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time

	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

func newFulfillClient() (*fulfillClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("FULFILLMENT_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.fulfillment.example.com"
	}
	apiKey := strings.TrimSpace(os.Getenv("FULFILLMENT_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("fulfillment api key is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("FULFILLMENT_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("FULFILLMENT_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &fulfillClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiKeyHdr:  apiKeyHeader,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    time.Tick(interval),
		maxRetries: 3,
		sleep:      sleepWithContext,
	}, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type fulfillListResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

// fetchState makes the page-retry loop an explicit machine so the
// transitions are testable with an injected sleep.
type fetchState int

const (
	fetchIdle fetchState = iota
	fetchFetching
	fetchRetrying
	fetchDone
	fetchFailed
)

// fatalHTTPError marks responses that a retry cannot fix.
type fatalHTTPError struct {
	status int
	body   string
}

func (e *fatalHTTPError) Error() string {
	return fmt.Sprintf("fulfillment api error %d: %s", e.status, e.body)
}

// getList fetches one page, retrying transient failures with backoff.
// Client errors (4xx) fail immediately; network errors and 5xx retry up
// to maxRetries before the run terminates as failed.
func (c *fulfillClient) getList(ctx context.Context, path string, params url.Values) (fulfillListResponse, error) {
	state := fetchIdle
	var attempt int
	var lastErr error

	for {
		switch state {
		case fetchIdle, fetchRetrying:
			if state == fetchRetrying {
				backoff := time.Second * time.Duration(1<<min(attempt, 4))
				if err := c.sleep(ctx, backoff); err != nil {
					return fulfillListResponse{}, err
				}
			}
			state = fetchFetching

		case fetchFetching:
			attempt++
			resp, err := c.getOnce(ctx, path, params)
			if err == nil {
				return resp, nil
			}
			lastErr = err

			var fatal *fatalHTTPError
			if errors.As(err, &fatal) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				state = fetchFailed
			} else if attempt > c.maxRetries {
				state = fetchFailed
			} else {
				state = fetchRetrying
			}

		case fetchFailed:
			return fulfillListResponse{}, lastErr

		case fetchDone:
			return fulfillListResponse{}, nil
		}
	}
}

func (c *fulfillClient) getOnce(ctx context.Context, path string, params url.Values) (fulfillListResponse, error) {
	select {
	case <-ctx.Done():
		return fulfillListResponse{}, ctx.Err()
	case <-c.limiter:
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fulfillListResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fulfillListResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fulfillListResponse{}, &fatalHTTPError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fulfillListResponse{}, fmt.Errorf("fulfillment api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed fulfillListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fulfillListResponse{}, err
	}
	return parsed, nil
}

func (r fulfillListResponse) records() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

func (r fulfillListResponse) exhausted() bool {
	return r.NextCursor == "" || (r.HasMore != nil && !*r.HasMore)
}
