package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
)

func TestHTTPDeliverer_PostsPayloadWithSessionHeader(t *testing.T) {
	var gotKey, gotBody, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(SessionKeyHeader)
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL, time.Second)
	item := persistence.WorkItem{ID: "w1", AccountID: "A1", Payload: `{"kind":"review"}`}
	if err := d.Deliver(context.Background(), "task:T1:agent:ag1:A1:v1", item); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotKey != "task:T1:agent:ag1:A1:v1" {
		t.Fatalf("session key header = %q", gotKey)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotBody != `{"kind":"review"}` {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestHTTPDeliverer_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL, time.Second)
	err := d.Deliver(context.Background(), "k", persistence.WorkItem{ID: "w1"})
	if err == nil {
		t.Fatal("expected an error for 503")
	}
}

func TestHTTPDeliverer_UnreachableEndpoint(t *testing.T) {
	d := NewHTTPDeliverer("http://127.0.0.1:1/none", 200*time.Millisecond)
	if err := d.Deliver(context.Background(), "k", persistence.WorkItem{ID: "w1"}); err == nil {
		t.Fatal("expected a connection error")
	}
}

func TestLogDeliverer_NeverFails(t *testing.T) {
	d := LogDeliverer{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := d.Deliver(context.Background(), "k", persistence.WorkItem{ID: "w1"}); err != nil {
		t.Fatalf("log deliverer: %v", err)
	}
}
