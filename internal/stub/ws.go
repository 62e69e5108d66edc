package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/netra-labs/netra-go/internal/protocol"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	claims, err := validateToken(s.cfg.Secret, tok)
	if err != nil {
		s.logger.Warn("websocket token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			s.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	s.logger.Info("agent websocket connected", "email", claims.Email)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.logger.Debug("websocket closed by client", "email", claims.Email)
			} else {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping malformed client frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			if err := s.send(ctx, ws, protocol.TypePong, struct{}{}); err != nil {
				return
			}
		case protocol.TypeUserMessage:
			var msg protocol.UserMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				s.logger.Warn("dropping malformed user message", "error", err)
				continue
			}
			if err := s.runScriptedAgent(ctx, ws, msg); err != nil {
				s.logger.Debug("agent script aborted", "error", err)
				return
			}
		default:
			s.logger.Debug("ignoring client frame", "type", env.Type)
		}
	}
}

// runScriptedAgent echoes the user message, then plays a deterministic
// agent run: started, progress, a tool call, a streamed answer, done.
func (s *Server) runScriptedAgent(ctx context.Context, ws *websocket.Conn, msg protocol.UserMessage) error {
	steps := []struct {
		typ     string
		payload any
	}{
		{protocol.TypeUserMessageConfirmed, protocol.UserMessageConfirmed{
			TempID:    msg.TempID,
			MessageID: uuid.NewString(),
			Content:   msg.Content,
		}},
		{protocol.TypeAgentStarted, protocol.AgentStarted{TotalSteps: 3, EstimatedDuration: 2}},
		{protocol.TypeWorkflowProgress, protocol.WorkflowProgress{CurrentStep: 1, TotalSteps: 3}},
		{protocol.TypeToolCall, protocol.ToolCall{Tool: "search", Args: map[string]any{"query": msg.Content}}},
		{protocol.TypeWorkflowProgress, protocol.WorkflowProgress{CurrentStep: 2, TotalSteps: 3}},
		{protocol.TypeMessageChunk, protocol.MessageChunk{Content: "Working on: "}},
		{protocol.TypeMessageChunk, protocol.MessageChunk{Content: msg.Content, IsComplete: true}},
		{protocol.TypeWorkflowProgress, protocol.WorkflowProgress{CurrentStep: 3, TotalSteps: 3}},
		{protocol.TypeAgentCompleted, protocol.AgentCompleted{}},
	}

	for _, step := range steps {
		if s.cfg.EventDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.EventDelay):
			}
		}
		if err := s.send(ctx, ws, step.typ, step.payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) send(ctx context.Context, ws *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	data, err := json.Marshal(protocol.Envelope{Type: typ, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
