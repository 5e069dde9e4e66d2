package errors_test

import (
	"testing"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
)

func TestFatal(t *testing.T) {
	for _, v := range []struct {
		err      error
		expected bool
	}{
		{errors.Fatal("broken"), true},
		{errors.Fatalf("broken %d", 42), true},
		{errors.New("error"), false},
	} {
		if errors.IsFatal(v.err) != v.expected {
			t.Fatalf("IsFatal for %q, expected: %v, got: %v", v.err, v.expected, errors.IsFatal(v.err))
		}
	}
}

func TestFatalErrorWrapping(t *testing.T) {
	underlying := errors.New("no annotation files found")
	fatal := errors.Fatalf("restore failed: %v", underlying)

	if fatal.Error() != "Fatal: restore failed: no annotation files found" {
		t.Errorf("unexpected error message: %v", fatal.Error())
	}

	if !errors.Is(fatal, underlying) {
		t.Error("fatal error should wrap the underlying error")
	}

	if !errors.IsFatal(fatal) {
		t.Error("error should be marked as fatal")
	}
}
