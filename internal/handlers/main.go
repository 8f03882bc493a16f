package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	insightwebui "github.com/firelion/insight-web-ui"
	"github.com/firelion/insight-web-ui/internal/chat"
	"github.com/firelion/insight-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Store defines the interface for managing session and message persistence. It provides
// methods for creating, reading, and updating sessions and their associated messages. The
// engine's transcript is hydrated from here outside the live-stream path; live exchanges
// are persisted once they terminate.
type Store interface {
	Sessions(ctx context.Context) ([]models.Session, error)
	AddSession(ctx context.Context, session models.Session) (string, error)
	UpdateSession(ctx context.Context, session models.Session) error

	Messages(ctx context.Context, sessionID string) ([]*models.Message, error)
	AddMessage(ctx context.Context, sessionID string, message *models.Message) (string, error)
	UpdateMessage(ctx context.Context, sessionID string, message *models.Message) error
}

// Main handles the core functionality of the analysis chat application, managing
// server-sent events, HTML templates, and the session engines that consume the transport's
// event streams.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	transport  chat.Transport
	store      Store
	classifier chat.ClassifierConfig

	// One engine per session, created lazily and kept for the life of the process.
	engines   map[string]*chat.Engine
	enginesMu *sync.Mutex

	logger *slog.Logger
}

// SSE event types for real-time updates.
var (
	sessionsSSEType = sse.Type("sessions")
	messagesSSEType = sse.Type("messages")
	flowSSEType     = sse.Type("flow")
)

const (
	sessionsSSETopic = "sessions"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance with the provided Transport and Store
// implementations. It initializes the SSE server with default configurations and parses
// the required HTML templates from the embedded filesystem. The SSE server is configured
// to handle both default events and session-specific topics.
func NewMain(
	transport chat.Transport,
	store Store,
	classifier chat.ClassifierConfig,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		insightwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, sessionsSSETopic}

				// We add session-specific topics if the client requests updates for a
				// particular session's transcript and flow display.
				sessionID := s.Req.URL.Query().Get("session_id")
				if sessionID != "" {
					topics = append(topics, sessionTopic(sessionID), flowTopic(sessionID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:  tmpl,
		transport:  transport,
		store:      store,
		classifier: classifier,
		engines:    make(map[string]*chat.Engine),
		enginesMu:  &sync.Mutex{},
		logger:     logger,
	}, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

func flowTopic(sessionID string) string {
	return fmt.Sprintf("flow-%s", sessionID)
}

// HandleSSE serves the server-sent events endpoint the browser subscribes to.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// engine returns the session's engine, creating and hydrating it on first use.
func (m Main) engine(ctx context.Context, session models.Session) (*chat.Engine, error) {
	m.enginesMu.Lock()
	defer m.enginesMu.Unlock()

	if eng, ok := m.engines[session.ID]; ok {
		return eng, nil
	}

	eng := chat.NewEngine(m.transport, session, m.classifier, m.logger)

	messages, err := m.store.Messages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if err := eng.Hydrate(messages); err != nil {
		return nil, fmt.Errorf("failed to hydrate transcript: %w", err)
	}

	m.engines[session.ID] = eng
	return eng, nil
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate.
// After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
