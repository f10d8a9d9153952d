package errdefs

import "strings"

var fatalError = "fatal: invalid GroupedError"

// GroupedError collects related errors and exposes them as a single error.
// Users can inspect the `Errors` field for details on the suberrors, or
// match any of them with errors.Is and errors.As.
type GroupedError struct {
	// The prefix string returned by `Error()`, followed by the grouped errors.
	Prefix string
	Errors []error
}

func (gErr *GroupedError) Error() string {
	if len(gErr.Errors) == 0 {
		return fatalError
	}
	var sb strings.Builder
	for _, err := range gErr.Errors {
		sb.WriteString("\n")
		sb.WriteString(err.Error())
	}
	return gErr.Prefix + sb.String()
}

// Unwrap exposes the grouped errors to errors.Is and errors.As.
func (gErr *GroupedError) Unwrap() []error {
	return gErr.Errors
}

// Group returns nil for an empty slice, the error itself for a single error,
// and a GroupedError otherwise.
func Group(prefix string, errors []error) error {
	switch len(errors) {
	case 0:
		return nil
	case 1:
		return errors[0]
	}
	return &GroupedError{Prefix: prefix, Errors: errors}
}

// Kinds returns the distinct kinds carried by the grouped errors, in order
// of first appearance.
func (gErr *GroupedError) Kinds() []Kind {
	var kinds []Kind
	seen := make(map[Kind]bool)
	for _, err := range gErr.Errors {
		k := KindOf(err)
		if k == 0 || seen[k] {
			continue
		}
		seen[k] = true
		kinds = append(kinds, k)
	}
	return kinds
}
