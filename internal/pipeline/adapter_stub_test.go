package pipeline_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/2oby/orac-core/internal/backend"
)

// stubAdapter records dispatched commands and returns canned results.
type stubAdapter struct {
	mu       sync.Mutex
	commands []backend.Command

	result      backend.DispatchResult
	dispatchErr error

	grammarRes   backend.GrammarResult
	grammarErr   error
	grammarCalls atomic.Int32
}

var _ backend.Adapter = (*stubAdapter)(nil)

func (a *stubAdapter) FetchEntities(context.Context) ([]backend.EntityDescriptor, error) {
	return nil, nil
}

func (a *stubAdapter) Invalidate() {}

func (a *stubAdapter) GenerateGrammar(context.Context) (backend.GrammarResult, error) {
	a.grammarCalls.Add(1)
	return a.grammarRes, a.grammarErr
}

func (a *stubAdapter) DispatchCommand(_ context.Context, cmd backend.Command) (backend.DispatchResult, error) {
	a.mu.Lock()
	a.commands = append(a.commands, cmd)
	a.mu.Unlock()
	return a.result, a.dispatchErr
}

func (a *stubAdapter) TestConnection(context.Context) (backend.ConnectionStatus, error) {
	return backend.ConnectionStatus{Connected: true}, nil
}

func (a *stubAdapter) Statistics(context.Context) (backend.Report, error) {
	return backend.Report{}, nil
}

func (a *stubAdapter) Close() error { return nil }

func (a *stubAdapter) dispatches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.commands)
}

func (a *stubAdapter) command(t *testing.T, i int) backend.Command {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.commands) {
		t.Fatalf("no dispatched command %d recorded", i)
	}
	return a.commands[i]
}
