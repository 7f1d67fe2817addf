// Package session hosts the long-lived WebSocket connection between a
// single TUI client and a single interactive agent session, fans out
// chat/tool/progress frames, and guarantees every finished session ends
// with exactly one session-log row (real or stub). Grounded on
// SAbdulRahuman-opense-ai-agents/opense.ai/api/websocket.go for the
// connection hub shape and original_source/src/finance_agent/server.py
// for the session lifecycle flows (startup deferred extraction,
// rotation-lock-serialized clear, bounded wrap-up timeout).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalshi-agent/trading-assistant/internal/agent"
	"github.com/kalshi-agent/trading-assistant/internal/execution"
	"github.com/kalshi-agent/trading-assistant/internal/fillmonitor"
	"github.com/kalshi-agent/trading-assistant/internal/journal"
	"github.com/kalshi-agent/trading-assistant/internal/tools"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
)

const wrapUpPrompt = "This session is ending. Summarize ONLY what happened in THIS conversation — " +
	"do not repeat information from prior sessions injected into your system prompt. Cover:\n" +
	"- What you investigated and your approach\n" +
	"- Key findings and insights\n" +
	"- Any recommendations you made\n" +
	"- Open questions or areas worth exploring in future sessions"

// Config bounds the session server's tunables; everything else is wired
// in at construction via its collaborators.
type Config struct {
	Port              int
	Model             string
	WorkingDir        string
	SessionLogDir     string
	WrapUpTimeout     time.Duration
	ExtractionTimeout time.Duration // bound on deferred/shutdown extraction
	ShutdownTimeout   time.Duration
	RecommendationTTL time.Duration
}

// Server is the agent session server: it owns the single active TUI
// WebSocket connection, the agent session lifecycle, and the bridge
// between upstream tool calls and execution/journal side effects.
type Server struct {
	cfg     Config
	store   *journal.Store
	venues  map[string]venue.Client
	engine  *execution.Engine
	monitor *fillmonitor.Monitor
	newAgent agent.Factory

	wsMu sync.Mutex
	ws   *conn

	rotationMu sync.Mutex

	sessionMu           sync.Mutex
	sessionID           string
	client              agent.Client
	upstreamSessionID   string
	sessionMessageCount int

	chatMu     sync.Mutex
	chatCancel context.CancelFunc
	chatDone   chan struct{}

	askMu      sync.Mutex
	askFutures map[string]chan map[string]string

	httpSrv *http.Server
}

// New builds a session server wired to its collaborators. newAgent
// constructs a fresh upstream agent client per session (and per deferred
// extraction attempt); no concrete implementation ships here.
func New(cfg Config, store *journal.Store, venues map[string]venue.Client, engine *execution.Engine, monitor *fillmonitor.Monitor, newAgent agent.Factory) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		venues:     venues,
		engine:     engine,
		monitor:    monitor,
		newAgent:   newAgent,
		askFutures: make(map[string]chan map[string]string),
	}
}

// Start runs deferred extraction for any session orphaned by a prior
// crash, opens the first session, and serves the WebSocket endpoint until
// ctx is cancelled, at which point it runs the bounded shutdown sequence.
func (s *Server) Start(ctx context.Context) error {
	s.deferredExtraction(ctx)

	if err := s.newSession(ctx); err != nil {
		return fmt.Errorf("session server: initial session: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", s.cfg.Port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("session server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

// shutdown runs the bounded wrap-up extraction, then tears everything
// down. Only a signal-triggered cancellation of Start's ctx reaches here.
func (s *Server) shutdown() {
	slog.Info("session server shutting down")
	s.cancelAskFutures()

	s.sessionMu.Lock()
	client, sessionID := s.client, s.sessionID
	s.sessionMu.Unlock()

	if client != nil && sessionID != "" {
		extractCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ExtractionTimeout)
		s.extractSessionLog(extractCtx, client, sessionID)
		cancel()
		_ = client.Close(context.Background())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}
	s.monitor.Close()
	slog.Info("session server shutdown complete")
}

// ── Session lifecycle ──────────────────────────────────────────────

func (s *Server) newSession(ctx context.Context) error {
	sessionID, err := s.store.CreateSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	contextText, err := s.buildSessionContext(ctx, sessionID)
	if err != nil {
		slog.Warn("session context build failed, continuing without it", "err", err)
	}

	client := s.buildClient(sessionID, contextText)
	if err := client.Open(ctx); err != nil {
		return fmt.Errorf("open agent client: %w", err)
	}

	s.sessionMu.Lock()
	s.sessionID = sessionID
	s.client = client
	s.upstreamSessionID = ""
	s.sessionMessageCount = 0
	s.sessionMu.Unlock()

	slog.Info("new session", "session_id", sessionID)
	return nil
}

func (s *Server) buildSessionContext(ctx context.Context, sessionID string) (string, error) {
	sc, err := s.store.BuildSessionContext(sessionID)
	if err != nil {
		return "", err
	}

	portfolio := map[string]any{}
	for name, c := range s.venues {
		entry := map[string]any{}
		if bal, err := c.GetBalance(ctx); err == nil {
			entry["balance"] = bal
		}
		if pos, err := c.GetPositions(ctx, ""); err == nil {
			entry["positions"] = pos
		}
		if len(entry) > 0 {
			portfolio[name] = entry
		}
	}

	return renderSessionContext(sc, portfolio), nil
}

// buildClient assembles the tool catalog for one session and wraps the
// on-recommendation hook so a recommendation_created frame is only ever
// sent after CreateRecommendationGroup has committed.
func (s *Server) buildClient(sessionID, contextText string) agent.Client {
	registry := tools.NewRegistry()
	tools.BuildMarketTools(registry, s.venues)
	tools.BuildQueryTool(registry, s.store)
	tools.BuildRecommendTool(registry, s.store, s.venues, sessionID, s.cfg.RecommendationTTL, func() {
		s.onRecommendationCreated()
	})

	opts := agent.Options{
		Model:        s.cfg.Model,
		WorkingDir:   s.cfg.WorkingDir,
		Tools:        registry.List(),
		OnPermission: s.handlePermission,
		MaxBudgetUSD: 0,
	}
	_ = contextText // concrete client implementations splice this into the system prompt
	return s.newAgent(opts)
}

func (s *Server) onRecommendationCreated() {
	pending, err := s.store.GetPendingGroups()
	if err != nil || len(pending) == 0 {
		s.wsSend(recommendationCreatedFrame(0))
		return
	}
	s.wsSend(recommendationCreatedFrame(pending[0].ID))
}

// rotateSession handles a "clear" request: serialized via rotationMu so
// two clears cannot race, cancels in-flight work, extracts the old
// session's wrap-up summary, and creates a fresh session.
func (s *Server) rotateSession(ctx context.Context) {
	s.rotationMu.Lock()
	defer s.rotationMu.Unlock()

	s.sessionMu.Lock()
	oldClient, oldSessionID := s.client, s.sessionID
	s.sessionMu.Unlock()
	if oldClient == nil || oldSessionID == "" {
		return
	}

	s.cancelChatTask()
	s.cancelAskFutures()

	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.WrapUpTimeout)
	s.extractSessionLog(extractCtx, oldClient, oldSessionID)
	cancel()

	_ = oldClient.Close(context.Background())

	if err := s.newSession(ctx); err != nil {
		slog.Error("session rotation failed to start new session", "err", err)
		return
	}

	s.sessionMu.Lock()
	newID := s.sessionID
	s.sessionMu.Unlock()
	s.wsSend(sessionResetFrame(newID))
	slog.Info("session rotated", "from", oldSessionID, "to", newID)
}

// ── WebSocket handling ──────────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newConn(raw)

	s.wsMu.Lock()
	if s.ws != nil {
		slog.Warn("new tui connection replacing existing one")
		s.ws.closeOnce()
	}
	s.ws = c
	s.wsMu.Unlock()

	go c.writePump()

	s.sessionMu.Lock()
	sessionID := s.sessionID
	s.sessionMu.Unlock()
	c.trySend(statusFrame(sessionID, true))

	c.readPump(s.handleInFrame, func() {
		s.wsMu.Lock()
		if s.ws == c {
			s.ws = nil
		}
		s.wsMu.Unlock()
	})
}

func (s *Server) wsSend(f outFrame) {
	s.wsMu.Lock()
	c := s.ws
	s.wsMu.Unlock()
	c.trySend(f)
}

func (s *Server) handleInFrame(f InFrame) {
	switch f.Type {
	case "chat":
		s.chatMu.Lock()
		inFlight := s.chatDone != nil
		s.chatMu.Unlock()
		if inFlight {
			slog.Warn("chat already in progress, ignoring")
			return
		}
		s.startChat(f.Content)
	case "clear":
		s.cancelChatTask()
		go s.rotateSession(context.Background())
	case "interrupt":
		s.handleInterrupt()
	case "ask_response":
		s.handleAskResponse(f.RequestID, f.Answers)
	case "execute_group":
		go s.handleExecuteGroup(f.GroupID)
	default:
		slog.Warn("unknown tui frame type", "type", f.Type)
	}
}

// ── Chat ──────────────────────────────────────────────────────────

func (s *Server) startChat(content string) {
	if content == "" {
		slog.Warn("empty chat message, ignoring")
		return
	}

	s.sessionMu.Lock()
	client := s.client
	s.sessionMessageCount++
	s.sessionMu.Unlock()
	if client == nil {
		slog.Warn("no agent client available, ignoring chat")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.chatMu.Lock()
	s.chatCancel = cancel
	s.chatDone = done
	s.chatMu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.chatMu.Lock()
			s.chatDone = nil
			s.chatCancel = nil
			s.chatMu.Unlock()
		}()
		s.streamChat(ctx, client, content)
	}()
}

// streamChat drives one query/receiveResponse exchange, relaying each
// message variant to the TUI in the order it arrived.
func (s *Server) streamChat(ctx context.Context, client agent.Client, content string) {
	slog.Info("chat", "content", truncate(content, 120))

	if err := client.Query(ctx, content); err != nil {
		s.wsSend(resultFrame(0, true, err.Error()))
		return
	}

	msgCh, errCh := client.ReceiveResponse(ctx)
	var costUSD float64
	var isError bool

	for msgCh != nil || errCh != nil {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			s.relayMessage(msg)
			if msg.Result != nil {
				costUSD = msg.Result.TotalCostUSD
				isError = msg.Result.IsError
				if msg.Result.SessionID != "" {
					s.captureUpstreamSessionID(msg.Result.SessionID)
				}
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				s.wsSend(resultFrame(0, false, ""))
				return
			}
			s.wsSend(resultFrame(0, true, err.Error()))
			return
		case <-ctx.Done():
			s.wsSend(resultFrame(0, false, ""))
			return
		}
	}

	_ = costUSD
	_ = isError
}

func (s *Server) relayMessage(msg agent.Message) {
	switch {
	case msg.Assistant != nil:
		for _, b := range msg.Assistant.Blocks {
			if b.Text != nil {
				s.wsSend(textFrame(b.Text.Text))
			}
			if b.ToolUse != nil {
				s.wsSend(toolUseFrame(b.ToolUse.ID, b.ToolUse.Name, b.ToolUse.Input))
			}
		}
	case msg.User != nil:
		for _, b := range msg.User.Blocks {
			if b.ToolResult != nil {
				s.wsSend(toolResultFrame(b.ToolResult.ToolUseID, truncate(b.ToolResult.Content, 500), b.ToolResult.IsError))
			}
		}
	case msg.Result != nil:
		s.wsSend(resultFrame(msg.Result.TotalCostUSD, msg.Result.IsError, msg.Result.ErrorMessage))
	}
}

func (s *Server) captureUpstreamSessionID(upstreamID string) {
	s.sessionMu.Lock()
	already := s.upstreamSessionID != ""
	sessionID := s.sessionID
	if !already {
		s.upstreamSessionID = upstreamID
	}
	s.sessionMu.Unlock()
	if already {
		return
	}
	if err := s.store.UpdateSessionUpstreamID(sessionID, upstreamID); err != nil {
		slog.Warn("failed to persist upstream session id", "err", err)
	}
}

func (s *Server) cancelChatTask() {
	s.chatMu.Lock()
	cancel, done := s.chatCancel, s.chatDone
	s.chatMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (s *Server) handleInterrupt() {
	slog.Info("interrupt requested")
	s.sessionMu.Lock()
	client := s.client
	s.sessionMu.Unlock()
	if client != nil {
		if err := client.Interrupt(context.Background()); err != nil {
			slog.Warn("interrupt failed", "err", err)
		}
	}
	s.cancelChatTask()
}

// ── Execution trigger ────────────────────────────────────────────

func (s *Server) handleExecuteGroup(groupID int64) {
	results, err := s.engine.ExecuteGroup(context.Background(), groupID, func(token string) {
		s.wsSend(executionProgressFrame(groupID, token))
	})
	if err != nil {
		slog.Error("execute group failed", "group_id", groupID, "err", err)
		return
	}

	group, _ := s.store.GetGroup(groupID)
	status := "rejected"
	if group != nil {
		status = group.Status
	}
	s.wsSend(executionCompleteFrame(groupID, status, results))
}

// ── Ask / permission bridge ──────────────────────────────────────

// handlePermission forwards any AskUserQuestion tool call to the TUI and
// blocks on the operator's answer.
func (s *Server) handlePermission(ctx context.Context, toolName string, input map[string]any) (map[string]any, error) {
	if toolName != "AskUserQuestion" {
		return input, nil
	}

	requestID := uuid.NewString()[:8]
	answerCh := make(chan map[string]string, 1)

	s.askMu.Lock()
	s.askFutures[requestID] = answerCh
	s.askMu.Unlock()

	s.wsSend(askQuestionFrame(requestID, input["questions"]))

	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	select {
	case answers := <-answerCh:
		out := map[string]any{"questions": input["questions"], "answers": answers}
		return out, nil
	case <-waitCtx.Done():
		s.askMu.Lock()
		delete(s.askFutures, requestID)
		s.askMu.Unlock()
		out := map[string]any{"questions": input["questions"], "answers": map[string]string{}}
		return out, nil
	}
}

func (s *Server) handleAskResponse(requestID string, answers map[string]string) {
	s.askMu.Lock()
	ch, ok := s.askFutures[requestID]
	if ok {
		delete(s.askFutures, requestID)
	}
	s.askMu.Unlock()
	if !ok {
		slog.Warn("no pending ask future", "request_id", requestID)
		return
	}
	ch <- answers
}

func (s *Server) cancelAskFutures() {
	s.askMu.Lock()
	defer s.askMu.Unlock()
	for id, ch := range s.askFutures {
		close(ch)
		delete(s.askFutures, id)
	}
}

// ── Session log extraction ──────────────────────────────────────

// extractSessionLog runs the wrap-up prompt against client and persists
// the prose to both a markdown file and the session_logs table. A session
// with zero user messages is skipped entirely (nothing to summarize); any
// other failure still writes a stub so session-log completeness holds.
func (s *Server) extractSessionLog(ctx context.Context, client agent.Client, sessionID string) {
	s.sessionMu.Lock()
	count := s.sessionMessageCount
	s.sessionMu.Unlock()
	if count == 0 {
		slog.Info("session had no messages, skipping log extraction", "session_id", sessionID)
		return
	}

	if err := client.Query(ctx, wrapUpPrompt); err != nil {
		s.writeSessionLog(sessionID, "Session ended without summary (wrap-up query failed: "+err.Error()+").", true)
		return
	}

	msgCh, errCh := client.ReceiveResponse(ctx)
	var parts []string
	for msgCh != nil || errCh != nil {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				msgCh = nil
				continue
			}
			if msg.Assistant != nil {
				for _, b := range msg.Assistant.Blocks {
					if b.Text != nil {
						parts = append(parts, b.Text.Text)
					}
				}
			}
		case _, ok := <-errCh:
			if !ok {
				errCh = nil
			}
		case <-ctx.Done():
			msgCh, errCh = nil, nil
		}
	}

	content := joinNonEmpty(parts)
	if content == "" {
		s.writeSessionLog(sessionID, "Session ended without summary (empty extraction).", true)
		return
	}
	s.writeSessionLog(sessionID, content, false)
}

func (s *Server) writeSessionLog(sessionID, content string, isStub bool) {
	if _, err := s.store.LogSessionSummary(sessionID, content, isStub); err != nil {
		slog.Error("failed to persist session log", "session_id", sessionID, "err", err)
		return
	}

	path, err := writeSessionLogFile(s.cfg.SessionLogDir, sessionID, content)
	if err != nil {
		slog.Error("failed to write session log file", "session_id", sessionID, "err", err)
		return
	}

	if !isStub {
		s.wsSend(sessionLogSavedFrame(sessionID, path))
	}
}

// deferredExtraction is the crash-recovery pass run on startup: every
// session without a session_logs row gets one attempt to resume its
// upstream agent session and re-run the wrap-up prompt.
func (s *Server) deferredExtraction(ctx context.Context) {
	unlogged, err := s.store.GetUnloggedSessions()
	if err != nil {
		slog.Error("failed to list unlogged sessions", "err", err)
		return
	}
	if len(unlogged) == 0 {
		return
	}
	slog.Info("found unlogged sessions, attempting deferred extraction", "count", len(unlogged))

	for _, sessionID := range unlogged {
		upstreamID, err := s.store.UpstreamSessionID(sessionID)
		if err != nil || upstreamID == "" {
			s.writeSessionLog(sessionID, "Session ended without summary (no upstream session available).", true)
			continue
		}
		s.resumeAndExtract(ctx, sessionID, upstreamID)
	}
}

func (s *Server) resumeAndExtract(ctx context.Context, sessionID, upstreamID string) {
	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractionTimeout)
	defer cancel()

	client := s.newAgent(agent.Options{
		Model:        s.cfg.Model,
		WorkingDir:   s.cfg.WorkingDir,
		ResumeID:     upstreamID,
		MaxBudgetUSD: 1.0,
	})
	if err := client.Open(extractCtx); err != nil {
		s.writeSessionLog(sessionID, "Session ended without summary (deferred resume failed: "+err.Error()+").", true)
		return
	}
	defer client.Close(context.Background())

	s.sessionMu.Lock()
	s.sessionMessageCount = 1 // force extraction below; this is a foreign session being resumed, not the live one
	s.sessionMu.Unlock()
	s.extractSessionLog(extractCtx, client, sessionID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
