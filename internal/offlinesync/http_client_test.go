package offlinesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/offlinecrud/internal/offline"
	"github.com/shopspring/decimal"
)

func fastClient(baseURL string, hc *http.Client) *HTTPClient {
	c := NewHTTPClient(baseURL, "/api/clientes", hc)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"error":"retry"}`))
			return
		}
		if r.URL.Path != "/api/clientes" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[{"id":7,"nombre":"Ana","saldo":"12.50"}]}`))
	}))
	defer server.Close()

	records, err := fastClient(server.URL, server.Client()).List(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(records) != 1 || records[0].ID != "7" || !records[0].Balance.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected records %+v", records)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientCreateSendsBodyWithoutIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/clientes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected correlation id header")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if _, ok := body["id"]; ok {
			t.Errorf("expected no id in create body, got %v", body)
		}
		if body["nombre"] != "Ana" || body["saldo"] != 10.5 {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":41,"nombre":"Ana","saldo":10.5}}`))
	}))
	defer server.Close()

	created, err := fastClient(server.URL, server.Client()).Create(context.Background(), offline.Record{
		ID:      "temp_x",
		Name:    "Ana",
		Balance: decimal.RequireFromString("10.5"),
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID != "41" {
		t.Fatalf("expected server id 41, got %q", created.ID)
	}
}

func TestHTTPClientCreateIsNotRetriedAfterTimeout(t *testing.T) {
	var inserts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := atomic.AddInt32(&inserts, 1)
		if id == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":` + strconv.Itoa(int(id)) + `,"nombre":"Ana","saldo":1}}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, &http.Client{Timeout: 50 * time.Millisecond})
	_, err := client.Create(context.Background(), offline.Record{Name: "Ana", Balance: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for timed out create, got %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if got := atomic.LoadInt32(&inserts); got != 1 {
		t.Fatalf("expected exactly 1 server-side insert, got %d", got)
	}
}

func TestHTTPClientCreateRetriesOnlyWhenServerRefused(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Query().Get("mode") == "500":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"error":"boom"}`))
		case call == 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"success":true,"data":{"id":9,"nombre":"Ana","saldo":1}}`))
		}
	}))
	defer server.Close()

	client := fastClient(server.URL, server.Client())
	created, err := client.Create(context.Background(), offline.Record{Name: "Ana", Balance: decimal.NewFromInt(1)})
	if err != nil || created.ID != "9" {
		t.Fatalf("expected retry after 503 with Retry-After, got %+v %v", created, err)
	}

	atomic.StoreInt32(&calls, 0)
	client.resourcePath = "/api/clientes?mode=500"
	_, err = client.Create(context.Background(), offline.Record{Name: "Ana", Balance: decimal.NewFromInt(1)})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 APIError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a 500 create not to be retried, got %d calls", got)
	}
}

func TestHTTPClientMapsEnvelopeFailureToAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPut {
			_, _ = w.Write([]byte(`{"success":false,"error":"saldo invalido"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"cliente no encontrado"}`))
	}))
	defer server.Close()
	client := fastClient(server.URL, server.Client())

	err := client.Update(context.Background(), offline.Record{ID: "3", Name: "Ana"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusOK || apiErr.Message != "saldo invalido" {
		t.Fatalf("expected envelope APIError, got %v", err)
	}
	err = client.Delete(context.Background(), "3")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "cliente no encontrado" {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestHTTPClientDoesNotFollowRedirects(t *testing.T) {
	var loginHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/clientes", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&loginHits, 1)
		_, _ = w.Write([]byte("<html>login</html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := fastClient(server.URL, server.Client()).List(context.Background())
	if !errors.Is(err, ErrSessionRequired) {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
	var redirect *RedirectError
	if !errors.As(err, &redirect) || redirect.Location != "/login" {
		t.Fatalf("expected redirect to /login, got %v", err)
	}
	if atomic.LoadInt32(&loginHits) != 0 {
		t.Fatalf("expected redirect not to be followed")
	}
}

func TestHTTPClientReportsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := fastClient(url, &http.Client{Timeout: time.Second})
	client.maxRetries = 1
	_, err := client.List(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
	c := NewHTTPClient("", "", nil)
	if got := c.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms backoff, got %s", got)
	}
	if got := c.retryDelay(1, "60"); got != c.maxDelay {
		t.Fatalf("expected retry-after capped at max delay, got %s", got)
	}
}
