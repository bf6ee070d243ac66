// Package hint fetches externally-generated hints, caches them per question,
// and tracks which questions consumed a scored hint.
package hint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"quiz-runtime-service/internal/domain"
	"quiz-runtime-service/internal/monitoring"
)

// Mood is the learner's reply to the fallback mood-check prompt.
type Mood string

const (
	MoodConfused   Mood = "confused"
	MoodFrustrated Mood = "frustrated"
	MoodOkay       Mood = "okay"
)

// Negative reports whether the mood unlocks the scripted-hint escalation.
func (m Mood) Negative() bool {
	return m == MoodConfused || m == MoodFrustrated
}

// Request carries the question context sent to the hint service.
type Request struct {
	UserID        string   `json:"userId"`
	SessionID     string   `json:"sessionId"`
	QuestionID    string   `json:"questionId"`
	QuestionIndex int      `json:"questionIndex"`
	QuestionText  string   `json:"questionText"`
	Options       []string `json:"options"`
}

type hintResponse struct {
	Hint             string `json:"hint"`
	AlreadyRequested bool   `json:"alreadyRequested"`
}

// Controller owns hint retrieval for one session. One successful fetch per
// question is cached for the rest of the session; the penalty set is
// append-only and per-question.
type Controller struct {
	url    string
	client *http.Client
	log    *zap.Logger
	sf     singleflight.Group

	mu        sync.Mutex
	cache     map[int]string
	usage     map[int]struct{}
	escalated map[int]struct{}
}

func NewController(url string, client *http.Client, log *zap.Logger) *Controller {
	if client == nil {
		// Never the zero-timeout default client: a hung hint service must
		// resolve into the scripted-hint fallback, not wait forever.
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Controller{
		url:       url,
		client:    client,
		log:       log,
		cache:     make(map[int]string),
		usage:     make(map[int]struct{}),
		escalated: make(map[int]struct{}),
	}
}

// Fetch returns the hint for a question, calling the service at most once per
// question for the whole session. Repeat requests are served from cache and
// incur no additional penalty. The second return value reports a cache hit.
func (c *Controller) Fetch(ctx context.Context, req Request) (string, bool, error) {
	c.mu.Lock()
	if hint, ok := c.cache[req.QuestionIndex]; ok {
		c.mu.Unlock()
		monitoring.HintsServed.WithLabelValues("cached").Inc()
		return hint, true, nil
	}
	c.mu.Unlock()

	result, err, _ := c.sf.Do(strconv.Itoa(req.QuestionIndex), func() (interface{}, error) {
		c.mu.Lock()
		if hint, ok := c.cache[req.QuestionIndex]; ok {
			c.mu.Unlock()
			return hint, nil
		}
		c.mu.Unlock()

		hint, err := c.fetchRemote(ctx, req)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.cache[req.QuestionIndex] = hint
		c.usage[req.QuestionIndex] = struct{}{}
		c.mu.Unlock()
		return hint, nil
	})
	if err != nil {
		c.log.Warn("hint fetch failed, falling back to scripted escalation",
			zap.Int("question", req.QuestionIndex), zap.Error(err))
		return "", false, domain.ErrHintUnavailable
	}
	monitoring.HintsServed.WithLabelValues("remote").Inc()
	return result.(string), false, nil
}

func (c *Controller) fetchRemote(ctx context.Context, req Request) (string, error) {
	if c.url == "" {
		return "", fmt.Errorf("hint service not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("hint request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hint service returned %d", resp.StatusCode)
	}

	var decoded hintResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode hint: %w", err)
	}
	if decoded.Hint == "" {
		return "", fmt.Errorf("hint service returned empty hint")
	}
	return decoded.Hint, nil
}

// ResolveMood handles the learner's reply to the mood-check prompt shown
// after a failed fetch. A negative mood unlocks scripted hints for the
// question; otherwise the control is dismissed with nothing shown.
func (c *Controller) ResolveMood(question int, mood Mood) bool {
	if !mood.Negative() {
		return false
	}
	c.mu.Lock()
	c.escalated[question] = struct{}{}
	c.mu.Unlock()
	return true
}

// Escalated reports whether scripted hints are unlocked for a question.
func (c *Controller) Escalated(question int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.escalated[question]
	return ok
}

// MarkUsed records a question in the penalty set. Idempotent: the penalty is
// per-question, not per-hint-reveal.
func (c *Controller) MarkUsed(question int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage[question] = struct{}{}
}

// Used reports whether a question already carries the hint penalty.
func (c *Controller) Used(question int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.usage[question]
	return ok
}

// PenaltyCount is the number of distinct questions that consumed a hint.
func (c *Controller) PenaltyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.usage)
}

// Usage returns the hinted question indices in ascending order.
func (c *Controller) Usage() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.usage))
	for i := range c.usage {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
