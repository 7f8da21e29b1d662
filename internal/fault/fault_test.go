package fault_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/2oby/orac-core/internal/fault"
)

func TestKindIsValid(t *testing.T) {
	t.Parallel()

	valid := []fault.Kind{
		fault.KindValidation, fault.KindNotFound, fault.KindConflict,
		fault.KindForbidden, fault.KindBackend, fault.KindInference,
		fault.KindTimeout, fault.KindCache, fault.KindConfiguration,
		fault.KindInternal,
	}
	for _, k := range valid {
		if !k.IsValid() {
			t.Errorf("Kind(%q).IsValid() = false, want true", k)
		}
	}
	if fault.Kind("bogus").IsValid() {
		t.Error(`Kind("bogus").IsValid() = true, want false`)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := fault.Wrap(fault.KindBackend, cause, "dispatch to %s", "ha_abc123")

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if got := fault.KindOf(err); got != fault.KindBackend {
		t.Errorf("KindOf(err) = %q, want %q", got, fault.KindBackend)
	}
	want := "dispatch to ha_abc123: connection refused"
	if err.Error() != want {
		t.Errorf("err.Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if err := fault.Wrap(fault.KindCache, nil, "snapshot"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := fault.New(fault.KindTimeout, "generation deadline exceeded")
	outer := fmt.Errorf("pipeline: %w", inner)

	if got := fault.KindOf(outer); got != fault.KindTimeout {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, fault.KindTimeout)
	}
	if got := fault.KindOf(errors.New("plain")); got != fault.KindInternal {
		t.Errorf("KindOf(plain) = %q, want %q", got, fault.KindInternal)
	}
}

func TestFaultIsMatchesKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", fault.New(fault.KindNotFound, "backend ha_x"))

	if !errors.Is(err, &fault.Fault{Kind: fault.KindNotFound}) {
		t.Error("errors.Is with same-kind target = false, want true")
	}
	if errors.Is(err, &fault.Fault{Kind: fault.KindConflict}) {
		t.Error("errors.Is with different-kind target = true, want false")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fault.New(fault.KindValidation, "missing prompt"), http.StatusBadRequest},
		{"forbidden", fault.New(fault.KindForbidden, "topic disabled"), http.StatusForbidden},
		{"not found", fault.New(fault.KindNotFound, "no such backend"), http.StatusNotFound},
		{"conflict", fault.New(fault.KindConflict, "duplicate pair"), http.StatusConflict},
		{"inference", fault.New(fault.KindInference, "server crashed"), http.StatusBadGateway},
		{"timeout", fault.New(fault.KindTimeout, "deadline"), http.StatusGatewayTimeout},
		{"backend", fault.New(fault.KindBackend, "ha unreachable"), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := fault.HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}
