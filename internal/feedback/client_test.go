package feedback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchReturnsNarrative(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.QuizID != "quiz-1" || req.RawScore != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Response{Feedback: "solid work on fractions", FinalScore: 1})
	}))
	defer server.Close()

	c := NewClient(server.URL, server.Client())
	resp, err := c.Fetch(context.Background(), Request{
		UserID:         "u1",
		QuizID:         "quiz-1",
		SessionID:      "s1",
		RawScore:       2,
		TotalQuestions: 3,
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Feedback != "solid work on fractions" {
		t.Fatalf("feedback = %q", resp.Feedback)
	}
}

func TestFetchWithoutURL(t *testing.T) {
	c := NewClient("", nil)
	if _, err := c.Fetch(context.Background(), Request{}); err == nil {
		t.Fatal("expected error when the service is not configured")
	}
}

func TestDefaultClientCarriesTimeout(t *testing.T) {
	c := NewClient("http://example.invalid/feedback", nil)
	if c.client.Timeout == 0 {
		t.Fatal("default client must not wait on a hung feedback service forever")
	}
}
