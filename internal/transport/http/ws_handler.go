// Package http exposes the session runtime to the hosting page over a
// websocket control channel.
package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quiz-runtime-service/internal/app"
	"quiz-runtime-service/internal/capture"
	"quiz-runtime-service/internal/domain"
	"quiz-runtime-service/internal/hint"
)

type WSHandler struct {
	service  *app.RuntimeService
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.RuntimeService, log *zap.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type joinedPayload struct {
	SessionID string               `json:"sessionId"`
	QuizID    string               `json:"quizId"`
	Questions []app.PublicQuestion `json:"questions"`
}

type answerPayload struct {
	QuestionIndex int    `json:"questionIndex"`
	OptionIndex   *int   `json:"optionIndex,omitempty"`
	Text          string `json:"text,omitempty"`
}

type flagPayload struct {
	QuestionIndex int `json:"questionIndex"`
}

type navigatePayload struct {
	Direction string `json:"direction"` // next, previous, jump
	Index     int    `json:"index"`
}

type filterPayload struct {
	Filter string `json:"filter"`
}

type moodPayload struct {
	QuestionIndex int    `json:"questionIndex"`
	Mood          string `json:"mood"`
}

type revealPayload struct {
	QuestionIndex int `json:"questionIndex"`
}

type attachPayload struct {
	Mount string `json:"mount"`
}

type capturePayload struct {
	IntervalSeconds int `json:"intervalSeconds"`
	Quality         int `json:"quality"`
}

type moodCheckPayload struct {
	QuestionIndex int `json:"questionIndex"`
}

// ServeWS upgrades the request, starts a session for the query's quiz and
// user, and pumps state snapshots out while dispatching commands in. The
// session's lifetime is the connection's: a disconnect releases the camera.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	userID := r.URL.Query().Get("userId")
	if quizID == "" || userID == "" {
		http.Error(w, "missing quizId or userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	session, err := h.service.StartSession(r.Context(), quizID, userID)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer h.service.EndSession(session.ID())

	updates, cancel := session.Subscribe()
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}()

	// Queue joined before the snapshot forwarder starts so the page always
	// sees the quiz content before the first state frame.
	send <- outboundMessage[any]{Type: "joined", Payload: joinedPayload{
		SessionID: session.ID(),
		QuizID:    session.QuizID(),
		Questions: session.PublicQuestions(),
	}}

	go func() {
		defer close(updatesDone)
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "state", Payload: snap}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Every(time.Second/30), 50)
	var pending sync.WaitGroup

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if !limiter.Allow() {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "rate limit exceeded"}}
			continue
		}
		h.dispatch(r, session, send, writerDone, &pending, inbound)
	}

	close(closeSignals)
	<-updatesDone
	pending.Wait()
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(r *http.Request, session *app.Session, send chan<- outboundMessage[any], writerDone <-chan struct{}, pending *sync.WaitGroup, inbound inboundMessage) {
	fail := func(message string) {
		send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: message}}
	}

	switch inbound.Type {
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid answer payload")
			return
		}
		answer := domain.FreeTextAnswer(payload.Text)
		if payload.OptionIndex != nil {
			answer = domain.ChoiceAnswer(*payload.OptionIndex)
		}
		if !session.SelectAnswer(payload.QuestionIndex, answer) {
			fail("answer rejected")
		}

	case "flag":
		var payload flagPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid flag payload")
			return
		}
		if !session.ToggleFlag(r.Context(), payload.QuestionIndex) {
			fail("flag rejected")
		}

	case "navigate":
		var payload navigatePayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid navigate payload")
			return
		}
		switch payload.Direction {
		case "next":
			session.Next()
		case "previous":
			session.Previous()
		case "jump":
			session.JumpTo(payload.Index)
		default:
			fail("unknown navigation direction")
		}

	case "filter":
		var payload filterPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid filter payload")
			return
		}
		if !session.SetFilter(domain.FilterKind(payload.Filter)) {
			fail("unknown filter")
		}

	case "requestHint":
		// The fetch can be slow; it must never hold up the read loop, so the
		// learner can keep navigating and answering while it is in flight.
		// The outcome carries the question index it was requested for.
		pending.Add(1)
		go func() {
			defer pending.Done()
			var msg outboundMessage[any]
			outcome, ok := session.RequestHint(r.Context())
			switch {
			case !ok:
				msg = outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "hints unavailable after submit"}}
			case outcome.MoodCheck:
				msg = outboundMessage[any]{Type: "moodCheck", Payload: moodCheckPayload{QuestionIndex: outcome.QuestionIndex}}
			default:
				msg = outboundMessage[any]{Type: "hint", Payload: outcome}
			}
			select {
			case send <- msg:
			case <-writerDone:
			}
		}()

	case "mood":
		var payload moodPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid mood payload")
			return
		}
		session.ResolveMood(payload.QuestionIndex, hint.Mood(payload.Mood))

	case "revealHint":
		var payload revealPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid reveal payload")
			return
		}
		scripted, ok := session.RevealScriptedHint(payload.QuestionIndex)
		if !ok {
			fail("no scripted hint available")
			return
		}
		send <- outboundMessage[any]{Type: "scriptedHint", Payload: scripted}

	case "attachPreview":
		var payload attachPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid attach payload")
			return
		}
		if !session.AttachPreview(payload.Mount) {
			fail("no active stream to attach")
		}

	case "startCapture":
		var payload capturePayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			fail("invalid capture payload")
			return
		}
		if !session.StartCapture(capture.CaptureOptions{
			Interval: time.Duration(payload.IntervalSeconds) * time.Second,
			Quality:  payload.Quality,
		}) {
			fail("capture unavailable")
		}

	case "stopCapture":
		session.StopCapture()

	case "submit":
		result, ok := session.Submit(r.Context())
		if result == nil && !ok {
			fail("submit rejected")
			return
		}
		send <- outboundMessage[any]{Type: "result", Payload: result}

	default:
		fail("unsupported message type")
	}
}
