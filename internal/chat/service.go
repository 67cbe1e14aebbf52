// Package chat implements the session orchestrator: the state machine that
// ties session storage, context aggregation, prompt assembly and the
// generation gateway together for each user turn.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okotova/sage/internal/domain"
	"github.com/okotova/sage/internal/llm"
	"github.com/okotova/sage/internal/prompt"
	"github.com/okotova/sage/internal/store"
)

// ErrSessionNotFound is returned when a session ID does not exist for the
// requesting user.
var ErrSessionNotFound = errors.New("session not found")

// failureReply is appended as a synthetic assistant message when the whole
// model chain is exhausted, so the conversation stays coherent and resumable.
const failureReply = "I'm having trouble reaching my tutoring models right now. " +
	"Your message is saved, please send it again in a moment."

const titleTimeout = 30 * time.Second

// Generator is the slice of the generation gateway the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Snapshotter is the slice of the context aggregator the orchestrator needs.
type Snapshotter interface {
	Snapshot(ctx context.Context, userID string) domain.ContextSnapshot
}

// Service orchestrates conversation turns. In-memory session state is
// authoritative for the current turn; durable writes are best-effort and
// reconciled per turn.
type Service struct {
	repo       store.Repository
	aggregator Snapshotter
	assembler  *prompt.Assembler
	gateway    Generator
	transcript TranscriptLogger
	logger     *slog.Logger

	mu    sync.Mutex
	users map[string]*userState
}

// userState holds one user's in-memory session registry.
type userState struct {
	sessions []*domain.Session          // newest-first
	active   map[domain.Modality]string // active session per surface, "" = draft
	locks    map[string]*sync.Mutex     // per-session send serialization
}

// NewService creates a session orchestrator.
func NewService(repo store.Repository, aggregator Snapshotter, assembler *prompt.Assembler, gateway Generator, transcript TranscriptLogger, logger *slog.Logger) *Service {
	if transcript == nil {
		transcript = NoopTranscriptLogger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		aggregator: aggregator,
		assembler:  assembler,
		gateway:    gateway,
		transcript: transcript,
		logger:     logger,
		users:      make(map[string]*userState),
	}
}

// SendInput describes one user turn.
type SendInput struct {
	UserID    string
	SessionID string // empty starts a new conversation
	Message   string
	Modality  domain.Modality
	// Directive is the user's optional personalization instruction.
	Directive string
	// DocumentText is the pre-extracted document body for document turns.
	DocumentText string
	// Channel names the surface for transcript logging.
	Channel string
}

// TurnResult is the settled outcome of one turn.
type TurnResult struct {
	Session *domain.Session
	Reply   domain.Message
	// Model names the chain entry that served the reply; empty when the
	// reply is a synthetic failure message.
	Model string
	// Created reports that this turn promoted a draft to a session.
	Created bool
	// Persisted is false when the durable write failed; the in-memory turn
	// still stands and the failure is surfaced to the caller.
	Persisted bool
}

// Send runs one conversation turn: lazily creates the session, appends the
// user message, assembles the prompt, invokes the generation gateway and
// appends exactly one assistant reply (generated or synthetic). Sends
// against the same session are serialized; other sessions proceed
// independently.
func (s *Service) Send(ctx context.Context, in SendInput) (*TurnResult, error) {
	if in.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if !in.Modality.IsValid() {
		in.Modality = domain.ModalityText
	}

	state, err := s.userState(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var session *domain.Session
	created := false
	if in.SessionID == "" {
		now := time.Now()
		session = &domain.Session{
			ID:        uuid.NewString(),
			UserID:    in.UserID,
			Title:     domain.ProvisionalTitle(in.Message),
			Modality:  in.Modality,
			CreatedAt: now,
			UpdatedAt: now,
		}
		state.sessions = append([]*domain.Session{session}, state.sessions...)
		state.active[session.Modality] = session.ID
		created = true
	} else {
		session = findSession(state.sessions, in.SessionID)
		if session == nil {
			s.mu.Unlock()
			return nil, ErrSessionNotFound
		}
	}
	lock, ok := state.locks[session.ID]
	if !ok {
		lock = &sync.Mutex{}
		state.locks[session.ID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   in.Message,
		CreatedAt: time.Now(),
	}
	if in.Modality == domain.ModalityVoice {
		userMsg.Kind = "voice"
	}

	// Optimistic in-memory append; history for the prompt excludes the
	// in-flight message.
	s.mu.Lock()
	if findSession(state.sessions, session.ID) == nil {
		// Deleted between the lookup and the lock acquisition.
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	history := append([]domain.Message(nil), session.Messages...)
	session.Messages = append(session.Messages, userMsg)
	s.mu.Unlock()

	s.logTurn(in, session.ID, "outbound", "user_message", in.Message, nil)

	snapshot := s.aggregator.Snapshot(ctx, in.UserID)
	snapshot.Directive = in.Directive

	messages := s.assembler.Assemble(prompt.Input{
		Persona:      personaFor(in.Modality),
		Snapshot:     snapshot,
		History:      history,
		UserMessage:  in.Message,
		DocumentText: in.DocumentText,
	})

	reply := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		CreatedAt: time.Now(),
	}
	model := ""
	result, genErr := s.gateway.Generate(ctx, llm.Request{Messages: messages})
	if genErr != nil {
		s.logger.Error("generation chain exhausted",
			"user_id", in.UserID, "session_id", session.ID, "error", genErr)
		reply.Content = failureReply
	} else {
		reply.Content = result.Text
		model = result.Model
	}

	s.mu.Lock()
	session.Messages = append(session.Messages, reply)
	session.UpdatedAt = time.Now()
	persistCopy := copySession(session)
	s.mu.Unlock()

	persisted := true
	if err := s.repo.UpsertSession(ctx, persistCopy); err != nil {
		// In-memory state stays authoritative; the failure is surfaced,
		// never silently dropped.
		persisted = false
		s.logger.Error("failed to persist session",
			"user_id", in.UserID, "session_id", session.ID, "error", err)
	}

	s.logTurn(in, session.ID, "inbound", "assistant_message", reply.Content, map[string]any{
		"model":     model,
		"synthetic": genErr != nil,
		"persisted": persisted,
	})

	if created {
		go s.generateTitle(session.ID, in.UserID, in.Message)
	}

	return &TurnResult{
		Session:   persistCopy,
		Reply:     reply,
		Model:     model,
		Created:   created,
		Persisted: persisted,
	}, nil
}

// ListSessions returns copies of the user's sessions, newest-first,
// optionally filtered by modality, along with the active session ID for
// that modality ("" means the surface is on a draft).
func (s *Service) ListSessions(ctx context.Context, userID string, modality domain.Modality) ([]*domain.Session, string, error) {
	state, err := s.userState(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []*domain.Session
	for _, session := range state.sessions {
		if modality != "" && session.Modality != modality {
			continue
		}
		sessions = append(sessions, copySession(session))
	}
	return sessions, state.active[modality], nil
}

// GetSession returns a copy of one session with its full message list.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	state, err := s.userState(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session := findSession(state.sessions, sessionID)
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return copySession(session), nil
}

// DeleteResult reports the outcome of a session deletion.
type DeleteResult struct {
	// ReplacementID is the session that becomes active when the deleted
	// session was the active one: the next most-recent session of the same
	// modality, or "" to fall back to a draft.
	ReplacementID string
	WasActive     bool
	// Persisted is false when the durable delete failed; the in-memory
	// removal stands.
	Persisted bool
}

// DeleteSession removes a session from the in-memory registry and the
// durable store. It waits for an in-flight send on the same session to
// settle first, so the send's final persist cannot resurrect the session
// in the store after the durable delete.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) (*DeleteResult, error) {
	state, err := s.userState(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	session := findSession(state.sessions, sessionID)
	if session == nil {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	lock := state.locks[sessionID]
	s.mu.Unlock()

	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	s.mu.Lock()
	session = findSession(state.sessions, sessionID)
	if session == nil {
		// Lost a race with another delete of the same session.
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}

	kept := state.sessions[:0:0]
	for _, existing := range state.sessions {
		if existing.ID != sessionID {
			kept = append(kept, existing)
		}
	}
	state.sessions = kept
	delete(state.locks, sessionID)

	result := &DeleteResult{Persisted: true}
	if state.active[session.Modality] == sessionID {
		result.WasActive = true
		for _, candidate := range state.sessions {
			if candidate.Modality == session.Modality {
				result.ReplacementID = candidate.ID
				break
			}
		}
		if result.ReplacementID == "" {
			delete(state.active, session.Modality)
		} else {
			state.active[session.Modality] = result.ReplacementID
		}
	}
	s.mu.Unlock()

	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		result.Persisted = false
		s.logger.Error("failed to delete session from store",
			"user_id", userID, "session_id", sessionID, "error", err)
	}

	return result, nil
}

// SetActive moves the active pointer for the session's modality. Used when
// the user switches conversations in the UI.
func (s *Service) SetActive(ctx context.Context, userID, sessionID string) error {
	state, err := s.userState(ctx, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session := findSession(state.sessions, sessionID)
	if session == nil {
		return ErrSessionNotFound
	}
	state.active[session.Modality] = sessionID
	return nil
}

// generateTitle asks the gateway for a short structured title and patches
// the session in place when it arrives. Failures are silent: the
// provisional title remains. The patch writes only the title column; it can
// land after later sends have grown the message list, so it must never
// rewrite the whole record.
func (s *Service) generateTitle(sessionID, userID, firstMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	result, err := s.gateway.Generate(ctx, llm.Request{
		Structured: true,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Text: `Generate a short title (at most five words) for a tutoring conversation that starts with the student message below. Respond with JSON: {"title": "..."}`},
			{Role: llm.RoleUser, Text: firstMessage},
		},
	})
	if err != nil {
		s.logger.Debug("title generation failed, keeping provisional title",
			"session_id", sessionID, "error", err)
		return
	}

	title, err := parseTitle(result.Structured)
	if err != nil || title == "" {
		s.logger.Debug("title generation returned no usable title",
			"session_id", sessionID, "error", err)
		return
	}

	s.mu.Lock()
	state, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	session := findSession(state.sessions, sessionID)
	if session == nil {
		// Deleted while the title was in flight.
		s.mu.Unlock()
		return
	}
	session.Title = title
	s.mu.Unlock()

	if err := s.repo.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		s.logger.Warn("failed to persist generated title",
			"session_id", sessionID, "error", err)
	}
}

// userState returns the user's in-memory registry, loading persisted
// sessions on first touch.
func (s *Service) userState(ctx context.Context, userID string) (*userState, error) {
	s.mu.Lock()
	if state, ok := s.users[userID]; ok {
		s.mu.Unlock()
		return state, nil
	}
	s.mu.Unlock()

	// Load outside the lock; a concurrent first touch may race, in which
	// case the already-stored state wins.
	sessions, err := s.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	state := &userState{
		sessions: sessions,
		active:   make(map[domain.Modality]string),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, session := range sessions {
		if _, ok := state.active[session.Modality]; !ok {
			state.active[session.Modality] = session.ID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[userID]; ok {
		return existing, nil
	}
	s.users[userID] = state
	return state, nil
}

func (s *Service) logTurn(in SendInput, sessionID, direction, eventType, content string, meta map[string]any) {
	channel := in.Channel
	if channel == "" {
		channel = "chat_http"
	}
	s.transcript.Log(TranscriptEvent{
		UserID:    in.UserID,
		SessionID: sessionID,
		Channel:   channel,
		Direction: direction,
		EventType: eventType,
		Content:   content,
		Meta:      meta,
	})
}

func personaFor(modality domain.Modality) prompt.Persona {
	switch modality {
	case domain.ModalityVoice:
		return prompt.PersonaVoice
	case domain.ModalityDocument:
		return prompt.PersonaDocument
	default:
		return prompt.PersonaTutor
	}
}

func findSession(sessions []*domain.Session, sessionID string) *domain.Session {
	for _, session := range sessions {
		if session.ID == sessionID {
			return session
		}
	}
	return nil
}

func copySession(session *domain.Session) *domain.Session {
	dup := *session
	dup.Messages = append([]domain.Message(nil), session.Messages...)
	return &dup
}
