package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGroupedError(t *testing.T) {
	var gErr GroupedError
	gErr.Errors = append(gErr.Errors, errors.New("error1"))
	gErr.Errors = append(gErr.Errors, errors.New("error2"))
	gErr.Errors = append(gErr.Errors, fmt.Errorf("fmted error"))
	gErr.Errors = append(gErr.Errors, fmt.Errorf("wrapped: %w", errors.New("error3")))
	gErr.Prefix = "failed action:"

	expected := `failed action:
error1
error2
fmted error
wrapped: error3`

	if gErr.Error() != expected {
		t.Errorf("error string output (%s) did not match expected (%s)",
			gErr.Error(), expected)
	}
}

func TestEmptyGroupedError(t *testing.T) {
	outErr := GroupedError{Prefix: "foo:", Errors: []error{}}
	if outErr.Error() != fatalError {
		t.Errorf("error string output (%s) did not match fatal error (%s)",
			outErr.Error(), fatalError)
	}
}

func TestGroup(t *testing.T) {
	if err := Group("foo:", nil); err != nil {
		t.Errorf("Group(nil) = %v, want nil", err)
	}
	single := Errorf(DuplicateFmspc, "50806F000000")
	if err := Group("foo:", []error{single}); err != single {
		t.Errorf("Group(single) = %v, want the error itself", err)
	}
	err := Group("merge:", []error{
		Errorf(DuplicateFmspc, "50806F000000"),
		Errorf(MissingRequiredField, "version"),
		Errorf(DuplicateFmspc, "00906ED50000"),
	})
	if !errors.Is(err, DuplicateFmspc) || !errors.Is(err, MissingRequiredField) {
		t.Errorf("grouped error %v does not expose both kinds", err)
	}
	var gErr *GroupedError
	if !errors.As(err, &gErr) {
		t.Fatalf("errors.As(%v, *GroupedError) = false", err)
	}
	if diff := cmp.Diff([]Kind{DuplicateFmspc, MissingRequiredField}, gErr.Kinds()); diff != "" {
		t.Errorf("Kinds() mismatch (-want +got):\n%s", diff)
	}
}
