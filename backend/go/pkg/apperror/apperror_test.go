package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("submit", "bad input"), http.StatusBadRequest},
		{NotFound("get", "task %s not found", "t1"), http.StatusNotFound},
		{Conflict("cancel", "status is %s", "COMPLETED"), http.StatusConflict},
		{Dependency("submit", "queue unavailable", errors.New("dial tcp")), http.StatusServiceUnavailable},
		{Execution("run", "capability failed", errors.New("boom")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := NotFound("store.Get", "task t1 not found")
	wrapped := fmt.Errorf("lifecycle: %w", base)
	if !Is(wrapped, KindNotFound) {
		t.Fatalf("Expected wrapped error to keep its kind, got %v", KindOf(wrapped))
	}
	if PublicMessage(wrapped) != "task t1 not found" {
		t.Errorf("Unexpected public message %q", PublicMessage(wrapped))
	}
	if PublicMessage(errors.New("secret")) != "internal server error" {
		t.Error("Expected unknown errors to be hidden from clients")
	}
}

func TestDependencyUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Dependency("queue.Enqueue", "queue unavailable", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
	if err.Error() != "queue.Enqueue: queue unavailable: connection refused" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
