// Package feedback requests the asynchronous performance narrative after a
// session is scored.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// QuestionAnswer is one graded answer forwarded to the feedback service.
type QuestionAnswer struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
	Correct    bool   `json:"correct"`
}

// Request carries the scored session to the feedback service.
type Request struct {
	UserID             string           `json:"userId"`
	QuizID             string           `json:"quizId"`
	SessionID          string           `json:"sessionId"`
	RawScore           int              `json:"rawScore"`
	TotalQuestions     int              `json:"totalQuestions"`
	PerQuestionAnswers []QuestionAnswer `json:"perQuestionAnswers"`
}

// Response is the service's narrative payload.
type Response struct {
	Feedback         string `json:"feedback"`
	FinalScore       int    `json:"finalScore"`
	HintsUsed        int    `json:"hintsUsed"`
	EmotionalSummary string `json:"emotionalSummary,omitempty"`
}

type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{url: url, client: client}
}

// Fetch requests the narrative. Callers treat any error as a soft failure:
// the numeric result is already final and the narrative is simply omitted.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	if c.url == "" {
		return Response{}, fmt.Errorf("feedback service not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("feedback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("feedback service returned %d", resp.StatusCode)
	}

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("decode feedback: %w", err)
	}
	return decoded, nil
}
