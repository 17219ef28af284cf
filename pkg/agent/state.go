package agent

import (
	"github.com/google/uuid"

	"github.com/stepflow/agentruntime/pkg/message"
)

// State is the per-agent-instance record (spec.md §3 AgentState). An
// AgentState is created when an agent is spawned (top-level by a user
// prompt, nested by a spawn tool) and destroyed when its loop exits.
type State struct {
	AgentType string
	AgentID   string

	MessageHistory []message.Message

	// StepsRemaining is decremented once per completed step; reaching 0
	// terminates the loop (spec.md §4.7 step 6).
	StepsRemaining int

	// CreditsUsed is server-authoritative: reset to 0 on session entry
	// for the top-level agent, and accumulated from 0 for nested agents
	// before being folded into the parent exactly once (spec.md §4.6).
	CreditsUsed int

	// Output is the optional structured value set_output may write.
	Output any

	// StepsComplete is set when the agent decides or is forced to finish.
	StepsComplete bool

	// Ancestors is the ordered sequence of ancestor run ids (spec.md §3).
	Ancestors []string

	// AncestorTypes is the parallel sequence of ancestor template ids,
	// recorded alongside Ancestors at spawn time so the Sub-Agent
	// Orchestrator's cycle check (spec.md §4.6: "if agent_type appears
	// in the parent's ancestors") can compare template ids directly
	// without a separate id->type lookup table.
	AncestorTypes []string

	// Children records every child AgentState spawned from this one,
	// in descriptor order, for the WalkAgents/ListAgents-style tree
	// introspection supplemented from pkg/agent/agent.go's
	// FindAgent/WalkAgents/ListAgents helpers. spec.md §9 notes
	// parent-child linkage is maintained via ancestors ids rather than
	// pointers for the *runtime*'s own cycle/credit logic; this field
	// exists purely for read-only introspection after a run completes.
	Children []*State

	// Todos is the write_todos local tool's scratch list (a feature
	// supplemented from the teacher's todotool.TodoManager: pkg/tool's
	// LocalToolNames names write_todos as a local tool but does not
	// define its payload shape beyond the name).
	Todos []TodoItem
}

// TodoItem is one tracked task, grounded on the {ID, Content, Status}
// shape exercised by the teacher's tool/todotool package.
type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// MergeTodos applies items on top of the current todo list: an item
// whose ID matches an existing entry replaces it in place; unmatched
// IDs are appended, preserving existing order otherwise (grounded on
// todotool's merge-not-replace semantics).
func (s *State) MergeTodos(items []TodoItem) {
	byID := make(map[string]int, len(s.Todos))
	for i, t := range s.Todos {
		byID[t.ID] = i
	}
	for _, item := range items {
		if idx, ok := byID[item.ID]; ok {
			s.Todos[idx] = item
			continue
		}
		byID[item.ID] = len(s.Todos)
		s.Todos = append(s.Todos, item)
	}
}

// NewState constructs a fresh top-level AgentState: CreditsUsed reset to
// 0, a freshly generated AgentID, and no ancestors.
func NewState(agentType string, stepsRemaining int) *State {
	return &State{
		AgentType:      agentType,
		AgentID:        uuid.NewString(),
		StepsRemaining: stepsRemaining,
		Ancestors:      nil,
	}
}

// NewChildState constructs a fresh AgentState for a spawned child,
// merging parent.Ancestors ∪ {parent.AgentID} per spec.md §4.6.
func NewChildState(agentType string, stepsRemaining int, parent *State) *State {
	ancestors := make([]string, 0, len(parent.Ancestors)+1)
	ancestors = append(ancestors, parent.Ancestors...)
	ancestors = append(ancestors, parent.AgentID)

	ancestorTypes := make([]string, 0, len(parent.AncestorTypes)+1)
	ancestorTypes = append(ancestorTypes, parent.AncestorTypes...)
	ancestorTypes = append(ancestorTypes, parent.AgentType)

	return &State{
		AgentType:      agentType,
		AgentID:        uuid.NewString(),
		StepsRemaining: stepsRemaining,
		Ancestors:      ancestors,
		AncestorTypes:  ancestorTypes,
	}
}

// HasAncestorType reports whether agentType appears anywhere in this
// state's ancestor lineage, per spec.md §4.6's cycle check.
func (s *State) HasAncestorType(agentType string) bool {
	for _, t := range s.AncestorTypes {
		if t == agentType {
			return true
		}
	}
	return false
}

// AppendMessage appends m to the history, preserving chronological
// order (spec.md §3 invariant: never reordered, only appended/replaced/deleted).
func (s *State) AppendMessage(m message.Message) {
	s.MessageHistory = append(s.MessageHistory, m)
}

// SetMessages atomically overwrites the history (the local set_messages
// tool, spec.md §4.5, and the Context Pruner's sole observable effect).
func (s *State) SetMessages(messages []message.Message) {
	s.MessageHistory = messages
}

// AddCredits folds a non-negative cost into CreditsUsed. Used both for
// the agent's own per-step LLM cost and, exactly once per child set,
// for folding aggregated child costs (spec.md §4.6).
func (s *State) AddCredits(n int) {
	s.CreditsUsed += n
}

// DecrementStep decrements StepsRemaining by one, never below zero.
func (s *State) DecrementStep() {
	if s.StepsRemaining > 0 {
		s.StepsRemaining--
	}
}

// AddChild appends a spawned child's state to this state's Children
// list, for post-run tree introspection (WalkAgents).
func (s *State) AddChild(child *State) {
	s.Children = append(s.Children, child)
}

// WalkAgents visits root and every descendant reachable through
// Children, depth-first, calling visit on each.
func WalkAgents(root *State, visit func(*State)) {
	if root == nil {
		return
	}
	visit(root)
	for _, child := range root.Children {
		WalkAgents(child, visit)
	}
}

// ListAgents flattens WalkAgents into a slice, root first.
func ListAgents(root *State) []*State {
	var out []*State
	WalkAgents(root, func(s *State) { out = append(out, s) })
	return out
}

// FindAgent locates the first state in root's tree (including root)
// whose AgentID matches id.
func FindAgent(root *State, id string) *State {
	var found *State
	WalkAgents(root, func(s *State) {
		if found == nil && s.AgentID == id {
			found = s
		}
	})
	return found
}

// BudgetExhausted reports whether the step budget has reached zero
// while the agent has not yet signaled completion (spec.md §7
// BudgetExhausted — not an error to the client).
func (s *State) BudgetExhausted() bool {
	return s.StepsRemaining <= 0 && !s.StepsComplete
}
