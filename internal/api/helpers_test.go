package api_test

import (
	"context"
	"errors"
	"sync"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/inference"
)

var errAuth = errors.New("auth failed: 401 unauthorized")

// stubAdapter is a configurable in-memory backend adapter.
type stubAdapter struct {
	mu       sync.Mutex
	commands []backend.Command

	entities   []backend.EntityDescriptor
	fetchErr   error
	result     backend.DispatchResult
	grammarRes backend.GrammarResult
	grammarErr error
	testRes    backend.ConnectionStatus
	testErr    error
}

var _ backend.Adapter = (*stubAdapter)(nil)

func (a *stubAdapter) FetchEntities(context.Context) ([]backend.EntityDescriptor, error) {
	return a.entities, a.fetchErr
}

func (a *stubAdapter) Invalidate() {}

func (a *stubAdapter) GenerateGrammar(context.Context) (backend.GrammarResult, error) {
	return a.grammarRes, a.grammarErr
}

func (a *stubAdapter) DispatchCommand(_ context.Context, cmd backend.Command) (backend.DispatchResult, error) {
	a.mu.Lock()
	a.commands = append(a.commands, cmd)
	a.mu.Unlock()
	return a.result, nil
}

func (a *stubAdapter) TestConnection(context.Context) (backend.ConnectionStatus, error) {
	return a.testRes, a.testErr
}

func (a *stubAdapter) Statistics(context.Context) (backend.Report, error) {
	return backend.Report{}, nil
}

func (a *stubAdapter) Close() error { return nil }

// fakeEngine returns a canned completion without spawning anything.
type fakeEngine struct {
	mu       sync.Mutex
	keys     []inference.Key
	response string
}

func (e *fakeEngine) EnsureReady(_ context.Context, key inference.Key) (*inference.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
	return &inference.Session{}, nil
}

func (e *fakeEngine) Generate(context.Context, *inference.Session, inference.Request) (inference.Result, error) {
	return inference.Result{Text: e.response, TokenCount: 12, ElapsedMS: 4}, nil
}
