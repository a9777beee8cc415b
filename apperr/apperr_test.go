package apperr

import (
	"context"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain", New(BadRequest, "bad column"), BadRequest},
		{"wrapped with fmt", fmt.Errorf("failed to load: %w", New(NotFound, "dataset not found")), NotFound},
		{"wrap cause", Wrap(Unavailable, fmt.Errorf("dial tcp: refused"), "object store unavailable"), Unavailable},
		{"unclassified", fmt.Errorf("boom"), Internal},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	err := fmt.Errorf("analyze: %w", New(BadRequest, "Numeric column required for mean"))
	if got := Message(err); got != "Numeric column required for mean" {
		t.Errorf("Message() = %q", got)
	}

	wrapped := Wrap(Unavailable, fmt.Errorf("s3: timeout"), "object store unavailable")
	if got := Message(wrapped); got != "object store unavailable" {
		t.Errorf("Message() = %q", got)
	}

	if got := Message(fmt.Errorf("sql: connection reset at 10.0.0.1")); got != "internal error" {
		t.Errorf("Message() leaked internal detail: %q", got)
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Conflict, "grant already exists"))
	if !Is(err, Conflict) {
		t.Error("expected Conflict")
	}
	if Is(err, NotFound) {
		t.Error("did not expect NotFound")
	}
	if Wrap(Internal, nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		BadRequest:      http.StatusBadRequest,
		Unauthenticated: http.StatusUnauthorized,
		NotAuthorized:   http.StatusForbidden,
		NotFound:        http.StatusNotFound,
		Conflict:        http.StatusConflict,
		Unavailable:     http.StatusServiceUnavailable,
		Internal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
