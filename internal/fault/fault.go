// Package fault defines the error taxonomy shared across ORAC Core.
//
// Every error that crosses a component boundary is classified with a [Kind]
// so the HTTP surface can map it to a status code and callers can branch on
// the class without string matching. Faults wrap their cause, so
// [errors.Is] and [errors.As] keep working through the classification.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the failure classes ORAC reports.
type Kind string

const (
	// KindValidation covers malformed inputs, missing required fields,
	// disabled topics, and commands naming unconfigured device/location pairs.
	KindValidation Kind = "validation"

	// KindNotFound covers unknown backend ids, unknown topics in strict
	// mode, and grammar files that were explicitly required but absent.
	KindNotFound Kind = "not_found"

	// KindConflict covers duplicate (device_type, location) claims on
	// enabled mappings.
	KindConflict Kind = "conflict"

	// KindForbidden covers requests against a disabled topic.
	KindForbidden Kind = "forbidden"

	// KindBackend covers backend reachability, auth, and command-execution
	// failures. Backend faults are non-fatal to a generate request: the
	// dispatch result carries them while the model output is still returned.
	KindBackend Kind = "backend"

	// KindInference covers subprocess crashes, readiness failures, and
	// unparseable model output.
	KindInference Kind = "inference"

	// KindTimeout covers inference deadline expiry.
	KindTimeout Kind = "timeout"

	// KindCache covers snapshot IO failures. Cache faults never abort a
	// request; the cache degrades to memory-only.
	KindCache Kind = "cache"

	// KindConfiguration covers missing or invalid operator-requested files
	// and settings at startup. Configuration faults are fatal.
	KindConfiguration Kind = "configuration"

	// KindInternal is the fallback class for unclassified errors.
	KindInternal Kind = "internal"
)

// IsValid reports whether k is a recognised fault kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindValidation, KindNotFound, KindConflict, KindForbidden,
		KindBackend, KindInference, KindTimeout, KindCache,
		KindConfiguration, KindInternal:
		return true
	}
	return false
}

// Fault is an error carrying a [Kind] and an optional wrapped cause.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		if f.Msg != "" {
			return f.Msg + ": " + f.Err.Error()
		}
		return f.Err.Error()
	}
	return f.Msg
}

// Unwrap returns the wrapped cause, if any.
func (f *Fault) Unwrap() error { return f.Err }

// Is reports whether target is a *Fault with the same kind, so that
// errors.Is(err, &Fault{Kind: KindTimeout}) works as a class check.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// New creates a fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with additional context. Returns nil when
// err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Fault in err's chain, or
// [KindInternal] when err carries no classification.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error's fault kind to the HTTP status code the external
// surface reports for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInference:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBackend, KindCache, KindConfiguration, KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
