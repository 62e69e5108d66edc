// Package chat composes the auth session, socket connection, and
// reconciler into the single state surface UI code consumes.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netra-labs/netra-go/internal/auth"
	"github.com/netra-labs/netra-go/internal/config"
	"github.com/netra-labs/netra-go/internal/protocol"
	"github.com/netra-labs/netra-go/internal/reconcile"
	"github.com/netra-labs/netra-go/internal/socket"
)

// ErrLoggedOut is returned by SendMessage once the session has been
// logged out (explicitly or by the refresh circuit breaker).
var ErrLoggedOut = errors.New("chat session logged out")

// completedFallback is appended when agent_completed carries no content.
const completedFallback = "Task completed successfully."

// Session is the composition root: one chat conversation against the
// Netra backend. Construct with NewSession, run with Start, release with
// Close. There is deliberately no package-level instance.
type Session struct {
	cfg    config.ChatConfig
	auth   *auth.Session
	conn   *socket.Connection
	rec    *reconcile.Reconciler
	logger *slog.Logger

	cancel context.CancelFunc

	mu               sync.Mutex
	messages         []Message
	errs             []string
	processing       bool
	totalSteps       int
	estimatedSeconds float64
	progress         Progress
	streamBuf        strings.Builder
	streaming        bool
	pendingApproval  *ApprovalRequest
	validation       map[string]bool
	subAgent         SubAgentState

	// Classification idempotence: frames at or below the high-water
	// delivery index have been consumed and are never re-applied.
	nextSeq      int64
	processedSeq int64
}

// NewSession wires the session from its parts.
func NewSession(authSession *auth.Session, conn *socket.Connection, rec *reconcile.Reconciler, cfg config.ChatConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:        cfg,
		auth:       authSession,
		conn:       conn,
		rec:        rec,
		logger:     logger,
		validation: make(map[string]bool),
	}

	// Registered once here: connection listeners accumulate, so a
	// Close-then-Start restart must not add another.
	s.conn.OnStateChange(func(st socket.State) {
		if st == socket.StateFailed {
			s.recordError("connection failed; reconnect required")
		}
	})
	return s
}

// Start registers the frame handler, starts the background loops
// (auto-refresh, reconciliation sweep), and connects the socket.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.conn.SetHandler(func(env protocol.Envelope) {
		s.mu.Lock()
		s.nextSeq++
		seq := s.nextSeq
		s.mu.Unlock()
		s.Apply(seq, env)
	})

	s.auth.StartAutoRefresh(runCtx)
	s.rec.Run(runCtx, s.cfg.SweepInterval, s.resend)

	if err := s.conn.Connect(runCtx); err != nil {
		return fmt.Errorf("start chat session: %w", err)
	}
	return nil
}

// Close stops background loops and disconnects. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.conn.Disconnect()
}

// SendMessage appends an optimistic user message and sends it. The
// returned entry carries the temp ID the server echo will be matched by.
func (s *Session) SendMessage(_ context.Context, content string) (reconcile.Optimistic, error) {
	if s.auth.LoggedOut() {
		return reconcile.Optimistic{}, ErrLoggedOut
	}

	opt := s.AddOptimistic(content)

	frame, err := protocol.EncodeUserMessage(protocol.UserMessage{
		Content: content,
		TempID:  opt.TempID,
	})
	if err != nil {
		return opt, fmt.Errorf("send message: %w", err)
	}
	if err := s.conn.Send(frame); err != nil {
		return opt, fmt.Errorf("send message: %w", err)
	}
	return opt, nil
}

// AddOptimistic records a locally visible user message awaiting server
// confirmation, without sending it.
func (s *Session) AddOptimistic(content string) reconcile.Optimistic {
	opt := s.rec.Add(content)

	s.mu.Lock()
	s.messages = append(s.messages, Message{
		ID:        opt.TempID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: opt.CreatedAt,
		TempID:    opt.TempID,
		Pending:   true,
	})
	s.mu.Unlock()
	return opt
}

// ClearMessages drops the conversation and its reconciliation entries.
func (s *Session) ClearMessages() {
	s.mu.Lock()
	s.messages = nil
	s.errs = nil
	s.streamBuf.Reset()
	s.streaming = false
	s.mu.Unlock()
	s.rec.Reset()
}

// resend re-transmits an optimistic message whose confirmation timed out.
func (s *Session) resend(opt reconcile.Optimistic) {
	frame, err := protocol.EncodeUserMessage(protocol.UserMessage{
		Content: opt.Content,
		TempID:  opt.TempID,
	})
	if err != nil {
		return
	}
	s.logger.Info("re-sending unconfirmed message", "temp_id", opt.TempID, "retry", opt.Retries)
	if err := s.conn.Send(frame); err != nil {
		s.logger.Warn("re-send failed", "temp_id", opt.TempID, "error", err)
	}
}

// Apply classifies one inbound frame. Frames at or below the processed
// high-water mark are skipped, so re-feeding an already-consumed
// delivery is a no-op.
func (s *Session) Apply(seq int64, env protocol.Envelope) {
	s.mu.Lock()
	if seq <= s.processedSeq {
		s.mu.Unlock()
		return
	}
	s.processedSeq = seq
	s.mu.Unlock()

	ev, err := protocol.DecodeEnvelope(env)
	if err != nil {
		s.recordError(fmt.Sprintf("bad frame: %v", err))
		return
	}
	s.applyEvent(ev)
}

func (s *Session) applyEvent(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.AgentStarted:
		s.mu.Lock()
		s.processing = true
		s.totalSteps = ev.TotalSteps
		s.estimatedSeconds = ev.EstimatedDuration
		s.mu.Unlock()

	case protocol.AgentCompleted:
		content := ev.Content
		if content == "" {
			content = completedFallback
		}
		s.mu.Lock()
		s.processing = false
		s.appendLocked(Message{Role: RoleAssistant, Content: content})
		s.mu.Unlock()

	case protocol.ErrorEvent:
		s.mu.Lock()
		s.processing = false
		s.errs = append(s.errs, ev.Message)
		s.appendLocked(Message{Role: RoleError, Content: ev.Message, SubAgent: ev.SubAgent})
		s.mu.Unlock()

	case protocol.ToolCall:
		s.mu.Lock()
		s.appendLocked(Message{Role: RoleTool, Content: summarizeToolCall(ev), Tool: ev.Tool})
		s.mu.Unlock()

	case protocol.SubAgentUpdate:
		s.mu.Lock()
		s.subAgent = SubAgentState{Name: ev.Name, Status: ev.Status, Tools: ev.Tools}
		s.mu.Unlock()

	case protocol.WorkflowProgress:
		s.mu.Lock()
		s.progress = Progress{CurrentStep: ev.CurrentStep, TotalSteps: ev.TotalSteps}
		s.mu.Unlock()

	case protocol.MessageChunk:
		s.mu.Lock()
		s.streamBuf.WriteString(ev.Content)
		if ev.IsComplete {
			s.streaming = false
			s.appendLocked(Message{Role: RoleAssistant, Content: s.streamBuf.String()})
			s.streamBuf.Reset()
		} else {
			s.streaming = true
		}
		s.mu.Unlock()

	case protocol.ValidationResult:
		s.mu.Lock()
		s.validation[ev.Field] = ev.Valid
		s.mu.Unlock()

	case protocol.ApprovalRequired:
		s.mu.Lock()
		s.pendingApproval = &ApprovalRequest{ID: ev.ApprovalID, Prompt: ev.Prompt}
		s.appendLocked(Message{Role: RoleSystem, Content: ev.Prompt})
		s.mu.Unlock()

	case protocol.UserMessageConfirmed:
		tempID, ok := s.rec.Confirm(ev)
		if !ok {
			// Not an echo of anything pending: a genuinely new message.
			s.mu.Lock()
			s.appendLocked(Message{ID: ev.MessageID, Role: RoleUser, Content: ev.Content})
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		for i := range s.messages {
			if s.messages[i].TempID == tempID {
				s.messages[i].Pending = false
				if ev.MessageID != "" {
					s.messages[i].ID = ev.MessageID
				}
				break
			}
		}
		s.mu.Unlock()

	case protocol.Pong:
		// Heartbeat echo; nothing to record.

	case protocol.UnknownEvent:
		s.logger.Debug("dropping unknown event type", "type", ev.Type)
	}
}

// appendLocked adds a message, filling ID and timestamp when absent.
func (s *Session) appendLocked(m Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, m)
}

func (s *Session) recordError(msg string) {
	s.mu.Lock()
	s.errs = append(s.errs, msg)
	s.mu.Unlock()
}

func summarizeToolCall(ev protocol.ToolCall) string {
	if len(ev.Args) == 0 {
		return ev.Tool
	}
	keys := make([]string, 0, len(ev.Args))
	for k := range ev.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Args[k]))
	}
	return fmt.Sprintf("%s(%s)", ev.Tool, strings.Join(parts, ", "))
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Errors returns a copy of accumulated error strings.
func (s *Session) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errs))
	copy(out, s.errs)
	return out
}

// Connected reports whether the socket is open.
func (s *Session) Connected() bool {
	return s.conn.Connected()
}

// ConnectionState returns the socket state.
func (s *Session) ConnectionState() socket.State {
	return s.conn.State()
}

// Authenticated reports whether the auth session still holds.
func (s *Session) Authenticated() bool {
	return !s.auth.LoggedOut()
}

// AgentStatus derives the agent run state from the processing flag.
func (s *Session) AgentStatus() AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return AgentRunning
	}
	return AgentIdle
}

// WorkflowProgress returns the current workflow position.
func (s *Session) WorkflowProgress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Streaming returns the partial assistant message and whether a stream
// is in progress.
func (s *Session) Streaming() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamBuf.String(), s.streaming
}

// PendingApproval returns the outstanding approval request, if any.
func (s *Session) PendingApproval() *ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingApproval == nil {
		return nil
	}
	cp := *s.pendingApproval
	return &cp
}

// ResolveApproval clears the outstanding approval request.
func (s *Session) ResolveApproval() {
	s.mu.Lock()
	s.pendingApproval = nil
	s.mu.Unlock()
}

// ValidationResults returns a copy of the field-validation map.
func (s *Session) ValidationResults() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.validation))
	for k, v := range s.validation {
		out[k] = v
	}
	return out
}

// SubAgent returns the last reported sub-agent state.
func (s *Session) SubAgent() SubAgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subAgent
}

// Stats exposes the reconciliation aggregates.
func (s *Session) Stats() reconcile.Stats {
	return s.rec.Stats()
}
