package narrative

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestClient(endpoint string, maxRetries int) (*HTTPClient, *[]time.Duration) {
	client := NewHTTPClient(domain.NarrativeConfig{
		Endpoint:       endpoint,
		TimeoutSeconds: 2,
		MaxRetries:     maxRetries,
	})
	var sleeps []time.Duration
	client.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return client, &sleeps
}

func completionRequest() *domain.CompletionRequest {
	return &domain.CompletionRequest{
		Prompt:    "describe",
		MaxTokens: 128,
	}
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"all clear"}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(srv.URL, 3)
	text, err := client.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != "all clear" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestCompleteRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"text":"eventually"}`))
	}))
	defer srv.Close()

	client, sleeps := newTestClient(srv.URL, 3)
	text, err := client.Complete(context.Background(), completionRequest())
	if err != nil {
		t.Fatalf("Complete failed after retries: %v", err)
	}
	if text != "eventually" {
		t.Errorf("unexpected text %q", text)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	// 1s then 2s between the three attempts.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("backoff %d: expected %v, got %v", i, d, (*sleeps)[i])
		}
	}
}

func TestCompleteRateLimitDoublesBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, sleeps := newTestClient(srv.URL, 3)
	_, err := client.Complete(context.Background(), completionRequest())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if domain.NarrativeErrKind(err) != domain.NarrativeRateLimited {
		t.Errorf("expected rate_limited kind, got %s", domain.NarrativeErrKind(err))
	}
	// Each rate-limit doubles on top of the normal doubling: 2s then 8s.
	want := []time.Duration{2 * time.Second, 8 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), *sleeps)
	}
	for i, d := range want {
		if (*sleeps)[i] != d {
			t.Errorf("backoff %d: expected %v, got %v", i, d, (*sleeps)[i])
		}
	}
}

func TestCompleteErrorTaxonomy(t *testing.T) {
	t.Run("Timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Drain the body so the server watches for client disconnect;
			// otherwise the context is never cancelled and Close deadlocks.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		}))
		defer srv.Close()

		client := NewHTTPClient(domain.NarrativeConfig{
			Endpoint:   srv.URL,
			MaxRetries: 1,
		})
		client.sleep = func(time.Duration) {}

		_, err := client.Complete(context.Background(), &domain.CompletionRequest{
			Prompt:         "x",
			TimeoutSeconds: 1,
		})
		if domain.NarrativeErrKind(err) != domain.NarrativeTimeout {
			t.Errorf("expected timeout kind, got %v (%s)", err, domain.NarrativeErrKind(err))
		}
	})

	t.Run("MalformedReply", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()

		client, _ := newTestClient(srv.URL, 1)
		_, err := client.Complete(context.Background(), completionRequest())
		if domain.NarrativeErrKind(err) != domain.NarrativeMalformedResponse {
			t.Errorf("expected malformed_response kind, got %v", err)
		}
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		client, _ := newTestClient(srv.URL, 1)
		_, err := client.Complete(context.Background(), completionRequest())
		if domain.NarrativeErrKind(err) != domain.NarrativeOtherError {
			t.Errorf("expected other kind, got %v", err)
		}
	})

	t.Run("NoEndpoint", func(t *testing.T) {
		client, _ := newTestClient("", 1)
		if _, err := client.Complete(context.Background(), completionRequest()); err == nil {
			t.Error("expected error without an endpoint")
		}
	})
}
