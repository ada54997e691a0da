package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteAnalyze(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/analyze" {
			http.NotFound(w, r)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if len(req.Transcript) != 1 || req.Transcript[0].Role != "user" {
			http.Error(w, "unexpected transcript", 400)
			return
		}
		json.NewEncoder(w).Encode(Result{
			WellnessScore: 8,
			Alerts:        []Alert{{Type: AlertHealth, Severity: SeverityMedium, Message: "Detected health signal"}},
			Summary:       "Detected 1 alert(s) during the call.",
			CheckinID:     "chk-1",
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	res, err := c.Analyze(context.Background(), Request{
		Transcript:      []Message{{Role: "user", Content: "I fell down"}},
		ElderID:         "elder-1",
		DurationSeconds: 42,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.WellnessScore != 8 || len(res.Alerts) != 1 || res.CheckinID != "chk-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRemoteAnalyzeServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	_, err := c.Analyze(context.Background(), Request{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrAnalysisFailure) {
		t.Fatalf("expected ErrAnalysisFailure, got %v", err)
	}
}

func TestRemoteAnalyzeBadBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	_, err := c.Analyze(context.Background(), Request{})
	if !errors.Is(err, ErrAnalysisFailure) {
		t.Fatalf("expected ErrAnalysisFailure for malformed body, got %v", err)
	}
}
