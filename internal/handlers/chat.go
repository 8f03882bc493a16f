package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/firelion/insight-web-ui/internal/chat"
	"github.com/firelion/insight-web-ui/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// flowWatchdogTimeout bounds how long the flow display may show a spinning step after the
// stream stalls. It is a UI safety net, not a stream timeout.
const flowWatchdogTimeout = 2 * time.Minute

type sessionView struct {
	ID   string
	Name string

	Active bool
}

type messageView struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	Suggestions []string

	StreamingState string
}

type flowView struct {
	Route routeView
	Steps []chat.Step
}

// routeView carries the route decision shown next to the step chain.
type routeView struct {
	ID     chat.RouteID
	Reason string
}

type homePageData struct {
	Sessions         []sessionView
	CurrentSessionID string
	Messages         []messageView
	Flow             flowView
}

// HandleHome renders the home page: the session list and, when a session is selected, its
// transcript and the current flow display.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sessions, err := m.store.Sessions(r.Context())
	if err != nil {
		m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("session_id")

	data := homePageData{
		CurrentSessionID: sessionID,
	}
	for _, s := range sessions {
		data.Sessions = append(data.Sessions, sessionView{
			ID:     s.ID,
			Name:   s.Name,
			Active: s.ID == sessionID,
		})
	}

	if sessionID != "" {
		messages, err := m.store.Messages(r.Context(), sessionID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, msg := range messages {
			data.Messages = append(data.Messages, m.renderMessageView(msg))
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleChats processes chat interactions through HTTP POST requests, managing both new
// session creation and message handling. It accepts user messages through form data,
// creates appropriate session contexts, and initiates asynchronous streaming of the
// agent's response.
//
// The handler expects a "message" form field and an optional "session_id" field. A new
// session additionally requires a "datasets" field naming the datasets to analyze,
// comma-separated. Responses stream to the browser through Server-Sent Events; the
// handler itself returns the rendered chatbox (new session) or the rendered user message.
//
// Precondition failures (no message, no datasets, a stream already in flight on the
// session) are rejected before any state mutation.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	var (
		session models.Session
		err     error
	)

	sessionID := r.FormValue("session_id")
	// We track if this is a new session to determine the appropriate template rendering strategy
	isNewSession := false
	if sessionID == "" {
		session, err = m.newSession(r.FormValue("datasets"))
		if err != nil {
			m.logger.Error("Failed to create new session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		isNewSession = true
	} else {
		session, err = m.findSession(r.Context(), sessionID)
		if err != nil {
			m.logger.Error("Failed to find session",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	eng, err := m.engine(r.Context(), session)
	if err != nil {
		m.logger.Error("Failed to create engine",
			slog.String("sessionID", session.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Surface the single-in-flight guard to the caller before going async. The engine
	// enforces it again inside Send.
	if eng.InFlight() {
		m.logger.Warn("Stream already in flight", slog.String("sessionID", session.ID))
		http.Error(w, "a response is still streaming for this session", http.StatusConflict)
		return
	}

	// Start the exchange; all further updates reach the browser over SSE.
	go m.runExchange(session, eng, msg)

	if isNewSession {
		data := homePageData{
			CurrentSessionID: session.ID,
			Messages: []messageView{
				{
					ID:             uuid.New().String(),
					Role:           string(models.RoleUser),
					Content:        template.HTML(template.HTMLEscapeString(msg)),
					Timestamp:      time.Now(),
					StreamingState: "ended",
				},
			},
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	err = m.templates.ExecuteTemplate(w, "user_message", messageView{
		ID:             uuid.New().String(),
		Role:           string(models.RoleUser),
		Content:        template.HTML(template.HTMLEscapeString(msg)),
		Timestamp:      time.Now(),
		StreamingState: "ended",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) newSession(datasets string) (models.Session, error) {
	var datasetIDs []string
	for _, id := range strings.Split(datasets, ",") {
		if id = strings.TrimSpace(id); id != "" {
			datasetIDs = append(datasetIDs, id)
		}
	}
	if len(datasetIDs) == 0 {
		return models.Session{}, chat.ErrNoDataset
	}

	newSession := models.Session{
		ID:         uuid.New().String(),
		DatasetIDs: datasetIDs,
		CreatedAt:  time.Now(),
	}
	newSessionID, err := m.store.AddSession(context.Background(), newSession)
	if err != nil {
		return models.Session{}, err
	}
	newSession.ID = newSessionID

	if err := m.publishSessions(newSession.ID); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}

	return newSession, nil
}

func (m Main) findSession(ctx context.Context, sessionID string) (models.Session, error) {
	sessions, err := m.store.Sessions(ctx)
	if err != nil {
		return models.Session{}, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return models.Session{}, errors.New("session not found")
}

// runExchange drives one Send to completion, republishing the rendered transcript and the
// flow display on every event, and persists the exchange once it terminates.
func (m Main) runExchange(session models.Session, eng *chat.Engine, utterance string) {
	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, sessionTopic(session.ID))
	}()

	watchdog := chat.NewFlowWatchdog(eng, flowWatchdogTimeout, func() {
		route, steps := eng.FlowSnapshot()
		m.publishFlow(session.ID, eng, route, steps)
	})
	defer watchdog.Stop()

	publishMsg := func(msg *models.Message, _ models.ToolCall) {
		m.publishMessage(session.ID, msg)
	}

	handlers := chat.Handlers{
		OnTextDelta: func(msg *models.Message, _ string) {
			m.publishMessage(session.ID, msg)
		},
		OnToolCallOpened: publishMsg,
		OnToolResolved:   publishMsg,
		OnToolFailed:     publishMsg,
		OnFlowUpdate: func(route chat.RouteID, steps []chat.Step) {
			m.publishFlow(session.ID, eng, route, steps)
		},
		OnDone: func(msg *models.Message) {
			m.publishMessage(session.ID, msg)
			m.persistExchange(session, eng)
			m.maybeNameSession(session, utterance)
		},
		OnStreamError: func(msg *models.Message, err error) {
			m.logger.Error("Stream error",
				slog.String("sessionID", session.ID),
				slog.String(errLoggerKey, err.Error()))
			m.publishMessage(session.ID, msg)
			m.persistExchange(session, eng)
		},
	}

	if err := eng.Send(context.Background(), utterance, handlers); err != nil {
		m.logger.Warn("Send rejected",
			slog.String("sessionID", session.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// persistExchange writes the last user/assistant pair of the transcript to the store. The
// write happens only after the stream terminates; mid-stream the browser is served from
// the live engine state over SSE.
func (m Main) persistExchange(session models.Session, eng *chat.Engine) {
	transcript := eng.Transcript()
	if len(transcript) < 2 {
		return
	}

	for _, msg := range transcript[len(transcript)-2:] {
		if _, err := m.store.AddMessage(context.Background(), session.ID, msg); err != nil {
			m.logger.Error("Failed to persist message",
				slog.String("sessionID", session.ID),
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
		}
	}
}

// maybeNameSession derives a session name from the first utterance after the first
// exchange completes. Fire-and-forget; failures only log.
func (m Main) maybeNameSession(session models.Session, utterance string) {
	if session.Name != "" {
		return
	}

	session.Name = deriveSessionName(utterance)
	if err := m.store.UpdateSession(context.Background(), session); err != nil {
		m.logger.Error("Failed to update session name",
			slog.String("sessionID", session.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.publishSessions(session.ID); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}
}

func deriveSessionName(utterance string) string {
	const maxRunes = 24

	name := strings.TrimSpace(utterance)
	runes := []rune(name)
	if len(runes) <= maxRunes {
		return name
	}
	return string(runes[:maxRunes]) + "…"
}

func (m Main) publishMessage(sessionID string, msg *models.Message) {
	rendered, err := models.RenderMarkdown(models.RenderContents(msg))
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	state := "streaming"
	if !msg.Loading {
		state = "ended"
	}

	var sb strings.Builder
	err = m.templates.ExecuteTemplate(&sb, "ai_message", messageView{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        template.HTML(rendered),
		Timestamp:      msg.Timestamp,
		Suggestions:    msg.Suggestions,
		StreamingState: state,
	})
	if err != nil {
		m.logger.Error("Failed to execute ai_message template", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(e, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishFlow(sessionID string, eng *chat.Engine, route chat.RouteID, steps []chat.Step) {
	var sb strings.Builder
	err := m.templates.ExecuteTemplate(&sb, "flow_steps", flowView{
		Route: routeView{
			ID:     route,
			Reason: eng.Classification().Reason,
		},
		Steps: steps,
	})
	if err != nil {
		m.logger.Error("Failed to execute flow_steps template", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: flowSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(e, flowTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish flow", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishSessions(activeID string) error {
	sessions, err := m.store.Sessions(context.Background())
	if err != nil {
		return err
	}

	var sb strings.Builder
	for _, s := range sessions {
		err := m.templates.ExecuteTemplate(&sb, "session_title", sessionView{
			ID:     s.ID,
			Name:   s.Name,
			Active: s.ID == activeID,
		})
		if err != nil {
			return err
		}
	}

	e := &sse.Message{Type: sessionsSSEType}
	e.AppendData(sb.String())
	return m.sseSrv.Publish(e, sessionsSSETopic)
}

func (m Main) renderMessageView(msg *models.Message) messageView {
	rendered, err := models.RenderMarkdown(models.RenderContents(msg))
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		rendered = ""
	}

	state := "ended"
	if msg.Loading {
		state = "streaming"
	}

	return messageView{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        template.HTML(rendered),
		Timestamp:      msg.Timestamp,
		Suggestions:    msg.Suggestions,
		StreamingState: state,
	}
}
