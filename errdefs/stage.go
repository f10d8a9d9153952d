package errdefs

import "fmt"

// Category groups failure kinds by the part of verification that produced
// them.
type Category int

// Failure categories.
const (
	_ Category = iota
	Extraction
	Structural
	Cryptographic
)

func (c Category) String() string {
	switch c {
	case Extraction:
		return "extraction"
	case Structural:
		return "structural"
	case Cryptographic:
		return "cryptographic"
	}
	return fmt.Sprintf("unknown category %d", int(c))
}

var kindCategories = map[Kind]Category{
	CfvNotFound:             Extraction,
	CfvSizeMismatch:         Extraction,
	FvHeaderInvalid:         Extraction,
	GUIDNotFound:            Extraction,
	MalformedInput:          Structural,
	MalformedEnvelope:       Structural,
	ChainShapeError:         Structural,
	DuplicateFmspc:          Structural,
	MissingRequiredField:    Structural,
	UnsupportedKeyAlgorithm: Cryptographic,
	SignatureInvalid:        Cryptographic,
	ChainUntrusted:          Cryptographic,
	CertificateExpired:      Cryptographic,
}

// CategoryOf returns the category of k, or 0 for an unknown kind.
func CategoryOf(k Kind) Category {
	return kindCategories[k]
}

// StageError reports the stage of a multi-step verification at which it
// stopped.
type StageError struct {
	Stage    string
	Category Category
	// Kind is zero for failures outside the domain, such as an unreadable
	// file.
	Kind Kind
	Err  error
}

// NewStageError wraps err for a stage of the given category. Failures at an
// Extraction stage are extraction failures whatever their kind. At other
// stages the category follows the kind carried by err, falling back to
// category when err has none.
func NewStageError(stage string, category Category, err error) *StageError {
	kind := KindOf(err)
	if category != Extraction {
		if c := CategoryOf(kind); c != 0 {
			category = c
		}
	}
	return &StageError{Stage: stage, Category: category, Kind: kind, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failure at stage %s: %v", e.Category, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
