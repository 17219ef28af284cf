// Package session implements the Session Authority (spec.md §8 in the
// system overview / §6 external interfaces, §3 lifecycle): owns
// creditsUsed, stepsRemaining, and messageHistory per agent instance,
// resets client-supplied values that must be server-authoritative, and
// drives the Context Pruner as an inline pre-step sub-agent before
// every Agent Step Loop iteration.
//
// Grounded on TokenAwareHistoryService's session-keyed ownership shape
// (pkg/agent/token_aware_history.go) and the session-entry reset
// behavior documented in pkg/agent/session_execution_state.go, adapted
// to this module's recursive (not actor-registry-based) orchestration
// model: a session here is a single Go value wrapping the shared Loop,
// Orchestrator, Pruner and Template Registry clone for one client
// connection's lifetime, rather than a process-wide keyed store.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stepflow/agentruntime/pkg/agent"
	rtlogger "github.com/stepflow/agentruntime/pkg/logger"
	"github.com/stepflow/agentruntime/pkg/message"
	"github.com/stepflow/agentruntime/pkg/orchestrator"
	"github.com/stepflow/agentruntime/pkg/pruner"
	"github.com/stepflow/agentruntime/pkg/stream"
	"github.com/stepflow/agentruntime/pkg/telemetry"
	"github.com/stepflow/agentruntime/pkg/tokencount"
	"github.com/stepflow/agentruntime/pkg/tool"
)

// Config holds the Session Authority's budget defaults (spec.md §4.2's
// maxMessageTokens/numTerminalCommandsToKeep and a default per-agent
// step budget, which spec.md leaves to the embedder).
type Config struct {
	MaxMessageTokens          int `yaml:"maxMessageTokens"`
	NumTerminalCommandsToKeep int `yaml:"numTerminalCommandsToKeep"`
	DefaultStepBudget         int `yaml:"defaultStepBudget"`
}

// SetDefaults fills zero fields with spec.md-mandated or
// reasonably-chosen defaults, following the teacher's
// SetDefaults()/Validate() config-struct convention
// (pkg/config/types.go).
func (c *Config) SetDefaults() {
	if c.MaxMessageTokens <= 0 {
		c.MaxMessageTokens = pruner.DefaultMaxMessageTokens
	}
	if c.NumTerminalCommandsToKeep <= 0 {
		c.NumTerminalCommandsToKeep = pruner.DefaultTerminalCommandsToKeep
	}
	if c.DefaultStepBudget <= 0 {
		c.DefaultStepBudget = 50
	}
}

// Validate reports any out-of-range Config value.
func (c Config) Validate() error {
	if c.MaxMessageTokens <= 0 {
		return fmt.Errorf("session: maxMessageTokens must be positive")
	}
	if c.DefaultStepBudget <= 0 {
		return fmt.Errorf("session: defaultStepBudget must be positive")
	}
	return nil
}

// FileContext is the opaque per-session project-file context envelope
// (spec.md §6's ProjectFileContext) — out of scope beyond pass-through,
// per spec.md §1's Non-goal on file-retrieval heuristics.
type FileContext map[string]any

// State is the persisted envelope a client submits/receives across
// prompts (spec.md §6's "sessionState" schema): opaque beyond
// MainAgentState and FileContext.
type State struct {
	MainAgentState *agent.State
	FileContext    FileContext
}

// PromptRequest mirrors the fields of spec.md §6's client `prompt`
// input that this core (as opposed to the excluded transport/CLI
// layer) actually consumes.
type PromptRequest struct {
	Prompt      string
	PromptParams map[string]any
	AgentType   string // template id; defaults to the session's configured top-level template
	SessionState *State // nil on the first prompt of a session
}

// PromptResponse mirrors spec.md §6's `prompt-response` output shape.
type PromptResponse struct {
	SessionState *State
	Output       any
	CreditsUsed  int
}

// Session is the Session Authority for one client connection: it owns
// a per-session Template Registry clone, a shared step Loop/Dispatcher,
// a Sub-Agent Orchestrator, and a Context Pruner.
type Session struct {
	Templates  *agent.Registry
	Loop       *agent.Loop
	Dispatcher *agent.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Pruner     *pruner.ContextPruner
	Config     Config
	Logger     *slog.Logger
	Telemetry  *telemetry.Telemetry

	defaultAgentType string
}

// New constructs a Session. globalTemplates is the process-wide
// Template Registry; it is cloned so any local templates this session
// registers never mutate the global set (spec.md §3's Template
// Registry note). remote is the collaborator every non-local tool call
// is forwarded to; collaborator is the LLM streaming collaborator. tel
// may be nil, in which case the Agent Step Loop and Sub-Agent
// Orchestrator run without tracing/metrics instrumentation.
func New(globalTemplates *agent.Registry, collaborator stream.Collaborator, remote tool.RemoteCollaborator, defaultAgentType string, cfg Config, logger *slog.Logger, tel *telemetry.Telemetry) *Session {
	cfg.SetDefaults()
	if logger == nil {
		// GetLogger lazily runs the module's own logger.Init (module-
		// prefix-filtered, INFO/simple by default) rather than falling
		// back to bare slog.Default(), the way cmd/hector always routes
		// through its own logger package instead of stdlib slog
		// defaults.
		logger = rtlogger.GetLogger()
	}

	templates := globalTemplates.Clone()
	adapter := stream.New(collaborator)

	s := &Session{
		Templates:        templates,
		Config:           cfg,
		Logger:           logger,
		Telemetry:        tel,
		defaultAgentType: defaultAgentType,
		Pruner:           pruner.New(tokencount.New(), logger),
	}

	dispatcher := agent.NewDispatcher(remote, nil)
	loop := agent.NewLoop(adapter, dispatcher, logger)
	loop.PreStep = s.preStepHook

	orch := orchestrator.New(templates, loop, cfg.DefaultStepBudget)
	dispatcher.Spawner = orch

	if tel != nil {
		loop.Tracer = tel.Tracer
		orch.Tracer = tel.Tracer
		orch.CreditsCounter = tel.CreditsCounter
	}

	s.Loop = loop
	s.Dispatcher = dispatcher
	s.Orchestrator = orch
	return s
}

// Prompt starts or continues a top-level agent run (spec.md §6's
// `prompt` input / `prompt-response` output). The server resets
// sessionState.mainAgentState.creditsUsed to 0 before computation
// regardless of any client-submitted value — the client's value is
// advisory only (spec.md §6, tested by spec.md §8 scenario 6).
func (s *Session) Prompt(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	agentType := req.AgentType
	if agentType == "" {
		agentType = s.defaultAgentType
	}
	template, ok := s.Templates.Get(agentType)
	if !ok {
		return nil, fmt.Errorf("session: unknown agent type %q", agentType)
	}

	var state *agent.State
	if req.SessionState != nil && req.SessionState.MainAgentState != nil {
		state = req.SessionState.MainAgentState
		// Server-authoritative reset: the client's submitted
		// creditsUsed is advisory only (spec.md §6).
		state.CreditsUsed = 0
	} else {
		state = agent.NewState(agentType, s.Config.DefaultStepBudget)
	}

	if req.Prompt != "" {
		state.AppendMessage(message.Message{
			Role:    message.RoleUser,
			Content: message.StringContent(req.Prompt),
			Tags:    []string{"USER_PROMPT"},
		})
	}

	if err := s.Loop.Run(ctx, template, state, ""); err != nil {
		return nil, fmt.Errorf("session: prompt: %w", err)
	}

	fileContext := FileContext{}
	if req.SessionState != nil {
		fileContext = req.SessionState.FileContext
	}

	return &PromptResponse{
		SessionState: &State{MainAgentState: state, FileContext: fileContext},
		Output:       outputFor(template, state),
		CreditsUsed:  state.CreditsUsed,
	}, nil
}

func outputFor(template *agent.Template, state *agent.State) any {
	if template.OutputMode == agent.OutputStructuredOutput {
		return state.Output
	}
	for i := len(state.MessageHistory) - 1; i >= 0; i-- {
		if state.MessageHistory[i].Role == message.RoleAssistant {
			return state.MessageHistory[i].Content
		}
	}
	return nil
}

// preStepHook invokes the Context Pruner as an inline pre-step
// sub-agent before every Agent Step Loop iteration (spec.md §4.2's
// trigger clause). Its sole observable effect is a silent set_messages
// replacement of state.MessageHistory: a tool message is appended with
// toolCallId/toolName matching the implied set_messages call but no
// corresponding assistant tool-call part — the same includeToolCall:
// false exception spec.md §4.5 documents.
func (s *Session) preStepHook(ctx context.Context, state *agent.State) error {
	result := s.Pruner.Prune(state.MessageHistory, pruner.Options{
		MaxMessageTokens:          s.Config.MaxMessageTokens,
		NumTerminalCommandsToKeep: s.Config.NumTerminalCommandsToKeep,
	})
	state.SetMessages(result.Messages)
	state.AppendMessage(message.Message{
		Role:       message.RoleTool,
		ToolCallID: uuid.NewString(),
		ToolName:   "set_messages",
		Content:    message.PartsContent(message.JSONPart(map[string]any{"count": len(result.Messages)})),
	})
	return nil
}

// Stats is a read-only introspection extension (spec.md's external
// interface list has no equivalent; supplemented from
// TokenAwareHistoryService.GetSessionStats in
// pkg/agent/token_aware_history.go) reporting credits/step/token
// utilization for a given agent in the current tree.
type Stats struct {
	AgentID        string
	CreditsUsed    int
	StepsRemaining int
	HistoryTokens  int
	MaxMessageTokens int
}

// StatsFor computes Stats for the given AgentState using this
// session's configured token counter and budget.
func (s *Session) StatsFor(state *agent.State) Stats {
	total := 0
	for _, m := range state.MessageHistory {
		total += s.Pruner.Counter.MustCount(m)
	}
	return Stats{
		AgentID:          state.AgentID,
		CreditsUsed:      state.CreditsUsed,
		StepsRemaining:   state.StepsRemaining,
		HistoryTokens:    total,
		MaxMessageTokens: s.Config.MaxMessageTokens,
	}
}

// FindAgent/ListAgents delegate to the agent package's tree-walk
// helpers over a completed run's root AgentState (supplemented
// WalkAgents/ListAgents/FindAgent introspection, see agent/state.go).
func FindAgent(root *agent.State, id string) *agent.State { return agent.FindAgent(root, id) }
func ListAgents(root *agent.State) []*agent.State         { return agent.ListAgents(root) }
