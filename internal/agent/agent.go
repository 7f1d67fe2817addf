// Package agent declares the contract the session server drives the
// upstream LLM agent through. The LLM itself and its tool-calling harness
// are an external collaborator; this package is the seam the core is
// written against, not a vendored SDK.
//
// Hand-rolling this interface over the upstream wire protocol, rather than
// importing a concrete client package, keeps every concrete provider
// (anthropic, openai, ...) implementing one local contract instead of
// leaking a vendor's SDK types through the rest of the codebase.
package agent

import (
	"context"

	"github.com/kalshi-agent/trading-assistant/internal/tools"
)

// Options configures a new agent session: model selection, working
// directory, optional resume of a prior upstream session, the MCP-style
// tool set the session server registers, and the permission callback the
// upstream client invokes before honoring a tool call. A concrete
// implementation registers Tools as its own MCP server(s) and runs
// Handler directly, surfacing each call to the session's message stream
// as a ToolUseBlock/ToolResultBlock pair — the same shape the Python
// original passes handlers into claude_agent_sdk's create_sdk_mcp_server.
type Options struct {
	Model        string
	WorkingDir   string
	ResumeID     string
	Tools        []tools.Tool
	OnPermission PermissionCallback
	OnHook       HookCallback
	MaxBudgetUSD float64
}

// PermissionCallback is invoked before the upstream client honors a tool
// call. It returns the (possibly rewritten) input to pass through, or an
// error to deny the call. The session server's implementation bridges
// AskUserQuestion calls to the TUI over WebSocket and blocks on the
// operator's answer.
type PermissionCallback func(ctx context.Context, toolName string, input map[string]any) (map[string]any, error)

// HookCallback is invoked on specific upstream lifecycle events (e.g.
// "post_tool_use"). The session server does not set one; it learns of a
// successful recommend_trade call through the callback it passes to
// tools.BuildRecommendTool.
type HookCallback func(event string, toolName string, payload map[string]any)

// Message is the discriminated union of streamed message variants
// Client.ReceiveResponse yields. Exactly one of the typed fields is set,
// one per variant the server needs to distinguish and relay.
type Message struct {
	Assistant *AssistantMessage
	User      *UserMessage
	Result    *ResultMessage
}

// AssistantMessage carries one or more content blocks from the model.
type AssistantMessage struct {
	Blocks []ContentBlock
}

// UserMessage carries blocks fed back into the conversation, notably tool
// results produced by the harness executing a ToolUseBlock.
type UserMessage struct {
	Blocks []ContentBlock
}

// ContentBlock is a discriminated union; exactly one field is non-nil.
type ContentBlock struct {
	Text       *TextBlock
	ToolUse    *ToolUseBlock
	ToolResult *ToolResultBlock
}

// TextBlock is a chunk of assistant prose.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a model-issued tool invocation.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock is the harness's result for a prior ToolUseBlock.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ResultMessage is the terminal message of one query/receiveResponse
// exchange: total cost, whether the turn ended in error, and the
// upstream's own session id (captured by the server on first receipt and
// persisted so a crashed session can be resumed later).
type ResultMessage struct {
	TotalCostUSD float64
	IsError      bool
	ErrorMessage string
	SessionID    string
}

// Client is the seam the session server drives. A concrete implementation
// wraps whatever upstream agent SDK is configured; none ships in this
// repository, since the LLM and its tool-calling harness are an external
// collaborator.
type Client interface {
	// Open establishes the session (the SDK's async-context-manager enter).
	Open(ctx context.Context) error
	// Close tears the session down.
	Close(ctx context.Context) error

	// Query submits one user turn. The response streams via ReceiveResponse.
	Query(ctx context.Context, text string) error

	// ReceiveResponse yields the message stream for the most recent Query,
	// terminating after a ResultMessage is delivered or ctx is cancelled.
	ReceiveResponse(ctx context.Context) (<-chan Message, <-chan error)

	// Interrupt requests cancellation of an in-flight streaming response.
	// It does not tear down the session.
	Interrupt(ctx context.Context) error
}

// Factory builds a new Client for a session, given its options. The
// session server calls this once per session (and again, with a
// different ResumeID, during deferred wrap-up extraction).
type Factory func(opts Options) Client
