package agent

import (
	"context"
	"testing"

	"github.com/kilnforge/engine/internal/types"
)

type fakeBackend struct{ kind Kind }

func (f fakeBackend) Kind() Kind { return f.kind }
func (f fakeBackend) Scout(ctx context.Context, req ScoutRequest) ([]types.Proposal, error) {
	return nil, nil
}
func (f fakeBackend) Execute(ctx context.Context, req ExecuteRequest) (types.AgentResult, error) {
	return types.AgentResult{}, nil
}

func TestNewReturnsErrorForUnregisteredKind(t *testing.T) {
	if _, err := New(Kind("never-registered")); err == nil {
		t.Fatal("expected an error for an unregistered backend kind")
	}
}

func TestRegisterAndNewRoundTrip(t *testing.T) {
	Register(KindKimi, fakeBackend{kind: KindKimi})
	b, err := New(KindKimi)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Kind() != KindKimi {
		t.Errorf("Kind() = %v, want %v", b.Kind(), KindKimi)
	}
}

func TestMissingBackendErrorMessage(t *testing.T) {
	err := errMissingBackend(KindOpenAILocal)
	if err.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
}
