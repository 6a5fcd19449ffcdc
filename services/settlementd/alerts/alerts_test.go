package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ops" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "ops", time.Second)
	err := n.Notify(context.Background(), Alert{Severity: SeverityCritical, Title: "refund failed", Message: "502"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Severity != SeverityCritical || got.Title != "refund failed" {
		t.Fatalf("unexpected alert: %+v", got)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	failing := NotifierFunc(func(context.Context, Alert) error { return errors.New("down") })
	err := Fanout{rec, failing, nil}.Notify(context.Background(), Alert{Severity: SeverityWarning})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if rec.Count(SeverityWarning) != 1 {
		t.Fatalf("recorder should still receive the alert")
	}
	if rec.Alerts[0].RaisedAt.IsZero() {
		t.Fatalf("fanout should stamp RaisedAt")
	}
}
