package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDecisionOutcome(t *testing.T) {
	cases := []struct {
		name     string
		decision Decision
		want     Outcome
	}{
		{name: "allowed", decision: Decision{Allowed: true}, want: OutcomeClean},
		{name: "censored", decision: Decision{Allowed: true, Censored: true}, want: OutcomeCensored},
		{name: "blocked flag", decision: Decision{Allowed: true, Blocked: true}, want: OutcomeBlocked},
		{name: "blocked wins over censored", decision: Decision{Blocked: true, Censored: true}, want: OutcomeBlocked},
		{name: "refused", decision: Decision{Allowed: false}, want: OutcomeBlocked},
		{name: "refused but censored", decision: Decision{Allowed: false, Censored: true}, want: OutcomeCensored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.decision.Outcome(); got != tc.want {
				t.Fatalf("Outcome() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCheckSendsRequestAndDecodesDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Content != "Llámame al 600123123" || req.ConversationID != "c1" || req.SenderID != "u1" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"allowed":true,"blocked":false,"censored":true,"content":"Llámame al [redacted]"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "key-1", time.Second)
	decision, err := client.Check(context.Background(), Request{Content: "Llámame al 600123123", ConversationID: "c1", SenderID: "u1"})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if decision.Outcome() != OutcomeCensored || decision.Content == nil || *decision.Content != "Llámame al [redacted]" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestCheckReportsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", time.Second).Check(context.Background(), Request{Content: "hola"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for 502, got %v", err)
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()
	_, err = NewClient(garbage.URL, "", time.Second).Check(context.Background(), Request{Content: "hola"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for bad body, got %v", err)
	}
}

func TestCheckTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", 20*time.Millisecond).Check(context.Background(), Request{Content: "hola"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
}
