package errors_test

import (
	"database/sql"
	"testing"

	"github.com/zoravur/liveview/pkg/errors"
)

func TestIs(t *testing.T) {
	err := errors.New(errors.ErrParse, "invalid table name")
	if !errors.Is(err, errors.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if errors.Is(err, errors.ErrBind) {
		t.Fatalf("did not expect ErrBind")
	}

	wrapped := errors.Wrap(err, "compile select")
	if !errors.Is(wrapped, errors.ErrParse) {
		t.Fatalf("wrapped error lost its code: %v", wrapped)
	}
	if got := wrapped.Error(); got != "compile select: invalid table name" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestWrapCode(t *testing.T) {
	err := errors.WrapCode(sql.ErrNoRows, errors.ErrEngineInvariant)
	if !errors.Is(err, errors.ErrEngineInvariant) {
		t.Fatalf("expected ErrEngineInvariant")
	}
	if errors.Cause(err) == nil {
		t.Fatalf("expected a cause")
	}
	if errors.CodeOf(err) != errors.ErrEngineInvariant {
		t.Fatalf("CodeOf = %q", errors.CodeOf(err))
	}
	if errors.WrapCode(nil, errors.ErrParse) != nil {
		t.Fatalf("WrapCode(nil) should be nil")
	}
}
