package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	if got := KindOf(NotFound("missing")); got != KindNotFound {
		t.Errorf("KindOf: got %q", got)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("plain error: got %q", got)
	}
	if got := KindOf(nil); got != KindInternal {
		t.Errorf("nil: got %q", got)
	}

	// Kind survives wrapping with %w.
	wrapped := fmt.Errorf("outer: %w", BadRequest("inner"))
	if !IsBadRequest(wrapped) {
		t.Error("kind should survive fmt.Errorf wrapping")
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("disk full")
	err := Wrap(KindInternal, cause, "save step")
	if err.Error() != "save step: disk full" {
		t.Errorf("Error(): %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestIsHelpers(t *testing.T) {
	t.Parallel()
	if !IsNotFound(NotFound("x")) || IsNotFound(BadRequest("x")) {
		t.Error("IsNotFound")
	}
	if !IsBadRequest(BadRequest("x")) || IsBadRequest(Conflict("x")) {
		t.Error("IsBadRequest")
	}
	if !IsInvalidState(InvalidState("x")) || IsInvalidState(NotFound("x")) {
		t.Error("IsInvalidState")
	}
	if !IsConflict(Conflict("x")) || IsConflict(InvalidState("x")) {
		t.Error("IsConflict")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindBadRequest, http.StatusBadRequest},
		{KindInvalidState, http.StatusConflict},
		{KindConflict, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
		{Kind("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
