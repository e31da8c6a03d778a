// Package agent formalizes the external coding-agent boundary as a
// capability interface with a small set of named backend variants,
// replacing the source's duck-typed dispatch with a static Go interface.
// Only the result contract is implemented here — transport, subprocess
// spawning, and prompt assembly belong to the excluded CLI/MCP layer.
package agent

import (
	"context"

	"github.com/kilnforge/engine/internal/types"
)

// Kind names a backend variant.
type Kind string

const (
	KindClaude     Kind = "claude"
	KindCodex      Kind = "codex"
	KindKimi       Kind = "kimi"
	KindOpenAILocal Kind = "openai_local"
	KindCodexMcp   Kind = "codex_mcp"
)

// ScoutRequest is the input to a scouting pass over one scope.
type ScoutRequest struct {
	Scope           string
	Formula         string
	ModelTag        string
	PromptHint      string
	Learnings       string
	DedupTitles     []string
	BaselineHealing []string
	EscalationHint  string
}

// ExecuteRequest is the input to a per-ticket execution attempt.
type ExecuteRequest struct {
	Ticket     types.Ticket
	WorktreePath string
	Learnings  string
	PlanOnly   bool
}

// Backend is the capability interface every agent variant implements.
// Dispatch between variants is static — callers hold a concrete Backend
// obtained from New, never a runtime-patched duck type.
type Backend interface {
	Kind() Kind
	Scout(ctx context.Context, req ScoutRequest) ([]types.Proposal, error)
	Execute(ctx context.Context, req ExecuteRequest) (types.AgentResult, error)
}

// New resolves a Backend by kind. The concrete variants are transport
// plumbing outside this module's scope; New returns an error for any
// kind until a transport is registered via Register.
func New(kind Kind) (Backend, error) {
	if b, ok := registry[kind]; ok {
		return b, nil
	}
	return nil, errMissingBackend(kind)
}

var registry = map[Kind]Backend{}

// Register installs a concrete Backend implementation for kind. Called
// by the (out-of-scope) CLI wiring layer once it has constructed a real
// transport; the core never constructs backends itself.
func Register(kind Kind, b Backend) { registry[kind] = b }

type missingBackendError struct{ kind Kind }

func (e missingBackendError) Error() string {
	return "agent backend not registered: " + string(e.kind)
}

func errMissingBackend(kind Kind) error { return missingBackendError{kind: kind} }
