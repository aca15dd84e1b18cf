package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	api := New(ReadyProbe{}, "test", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["service"] != serviceName || body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	api := New(ReadyProbe{Store: pingerFunc(func(context.Context) error {
		return errors.New("connection refused")
	})}, "test", nil)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("error not reported: %s", rec.Body.String())
	}
}

func TestReadyOK(t *testing.T) {
	api := New(ReadyProbe{Store: pingerFunc(func(context.Context) error { return nil })}, "test", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestInfoAndUnknownRoute(t *testing.T) {
	api := New(ReadyProbe{}, "1.2.3", nil)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	api.now = func() time.Time { return fixed }

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if !strings.Contains(rec.Body.String(), "2026-03-01T10:00:00Z") {
		t.Fatalf("unexpected info: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/payments", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	api := New(ReadyProbe{}, "test", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestEventsDisabledWithoutBus(t *testing.T) {
	api := New(ReadyProbe{}, "test", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestEventsStreamFiltersByKind(t *testing.T) {
	bus := events.New()
	srv := httptest.NewServer(New(ReadyProbe{}, "test", bus).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?kind=authorisation", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("missing preamble: %q %v", line, err)
	}

	bus.Publish(events.StatusChanged{Kind: events.KindConsent, ObjectType: domain.ObjectAIS, ID: "c1", From: "RECEIVED", To: "VALID"})
	bus.Publish(events.StatusChanged{Kind: events.KindAuthorisation, ObjectType: domain.ObjectPIS, ID: "a1", From: "RECEIVED", To: "FINALISED"})

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt events.StatusChanged
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != events.KindAuthorisation || evt.ID != "a1" {
			t.Fatalf("filter leaked %+v", evt)
		}
		return
	}
}
