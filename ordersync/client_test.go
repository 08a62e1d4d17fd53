package ordersync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func testClient(serverURL string) *fulfillClient {
	return &fulfillClient{
		baseURL:    serverURL,
		apiKey:     "test-key",
		apiKeyHdr:  "X-API-Key",
		http:       &http.Client{Timeout: 5 * time.Second},
		limiter:    time.Tick(time.Microsecond),
		maxRetries: 3,
		sleep:      func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func TestGetList_PassesAuthAndParams(t *testing.T) {
	var gotKey, gotSince string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotSince = r.URL.Query().Get("updated_since")
		w.Write([]byte(`{"data":[{"id":"s1"}],"next_cursor":""}`))
	}))
	defer server.Close()

	c := testClient(server.URL)
	params := url.Values{}
	params.Set("updated_since", "2024-01-01")
	resp, err := c.getList(context.Background(), "/v1/shipments", params)
	if err != nil {
		t.Fatalf("getList: %v", err)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotSince != "2024-01-01" {
		t.Errorf("updated_since = %q", gotSince)
	}
	if len(resp.records()) != 1 {
		t.Errorf("records = %d, want 1", len(resp.records()))
	}
	if !resp.exhausted() {
		t.Error("empty cursor should mean exhausted")
	}
}

func TestGetList_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"data":[{"id":"s1"}]}`))
	}))
	defer server.Close()

	var backoffs []time.Duration
	c := testClient(server.URL)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return nil
	}

	resp, err := c.getList(context.Background(), "/v1/shipments", nil)
	if err != nil {
		t.Fatalf("getList: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(backoffs) != 2 {
		t.Fatalf("backoffs = %v, want 2 sleeps", backoffs)
	}
	if backoffs[1] <= backoffs[0] {
		t.Errorf("backoff should grow: %v", backoffs)
	}
	if len(resp.records()) != 1 {
		t.Errorf("records = %d, want 1", len(resp.records()))
	}
}

func TestGetList_GivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.getList(context.Background(), "/v1/shipments", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want initial + 3 retries", attempts)
	}
}

func TestGetList_ClientErrorIsFatal(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.getList(context.Background(), "/v1/shipments", nil)
	var fatal *fatalHTTPError
	if !errors.As(err, &fatal) {
		t.Fatalf("want fatalHTTPError, got %v", err)
	}
	if fatal.status != http.StatusUnauthorized {
		t.Errorf("status = %d", fatal.status)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, 4xx must not retry", attempts)
	}
}

func TestGetList_CancelDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := testClient(server.URL)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.getList(ctx, "/v1/shipments", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestFulfillListResponse_Exhausted(t *testing.T) {
	hasMore := true
	noMore := false
	cases := []struct {
		name string
		resp fulfillListResponse
		want bool
	}{
		{"no cursor", fulfillListResponse{}, true},
		{"cursor present", fulfillListResponse{NextCursor: "abc"}, false},
		{"has_more false wins", fulfillListResponse{NextCursor: "abc", HasMore: &noMore}, true},
		{"has_more true with cursor", fulfillListResponse{NextCursor: "abc", HasMore: &hasMore}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.resp.exhausted(); got != tc.want {
				t.Errorf("exhausted() = %v, want %v", got, tc.want)
			}
		})
	}
}
