package policy

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/migtd/policy-tools/errdefs"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"whitespace", "{ \"b\" : 1,\n\t\"a\" : [ 1 , 2 ] }", `{"b":1,"a":[1,2]}`},
		{"keeps escapes", `{"s": "café \/ <x>"}`, `{"s":"café \/ <x>"}`},
		{"keeps numbers", `{"n": 1.50, "e": 1E+3, "z": -0}`, `{"n":1.50,"e":1E+3,"z":-0}`},
		{"nested order", `{"z":{"y":1,"x":2},"a":null}`, `{"z":{"y":1,"x":2},"a":null}`},
		{"scalar", ` "x" `, `"x"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Canonicalize([]byte(tc.doc))
			if err != nil {
				t.Fatalf("Canonicalize() failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, string(got)); diff != "" {
				t.Errorf("Canonicalize() mismatch (-want +got):\n%s", diff)
			}
			again, err := Canonicalize(got)
			if err != nil {
				t.Fatalf("Canonicalize() of canonical form failed: %v", err)
			}
			if string(again) != string(got) {
				t.Errorf("Canonicalize() is not idempotent: %s then %s", got, again)
			}
		})
	}
}

func TestCanonicalizeRejects(t *testing.T) {
	for _, doc := range []string{
		``,
		`{"a":1,"a":1}`,
		`{"a":{"b":1,"b":2}}`,
		`[{"k":1,"k":2}]`,
		`{"a":1}x`,
		`{"a":}`,
	} {
		if _, err := Canonicalize([]byte(doc)); !errors.Is(err, errdefs.MalformedInput) {
			t.Errorf("Canonicalize(%q) = %v, want %v", doc, err, errdefs.MalformedInput)
		}
	}
}

func TestObjectOrder(t *testing.T) {
	obj, err := ParseObject([]byte(`{"c": 1, "a": {"y": 2, "x": 3}, "b": [ ]}`))
	if err != nil {
		t.Fatalf("ParseObject() failed: %v", err)
	}
	obj.Set("a", []byte(`{"x":3}`))
	obj.Set("d", []byte(`true`))
	obj.Delete("c")
	if err := obj.Rename("b", "bb"); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
	got, err := obj.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() failed: %v", err)
	}
	want := `{"a":{"x":3},"bb":[],"d":true}`
	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Errorf("MarshalJSON() mismatch (-want +got):\n%s", diff)
	}
	if err := obj.Rename("a", "d"); !errors.Is(err, errdefs.MalformedInput) {
		t.Errorf("Rename() onto an existing key = %v, want %v", err, errdefs.MalformedInput)
	}
}

func TestIsEmpty(t *testing.T) {
	for _, raw := range []string{``, `null`, `{}`, `[]`, `""`, ` {} `} {
		if !isEmpty([]byte(raw)) {
			t.Errorf("isEmpty(%q) = false, want true", raw)
		}
	}
	for _, raw := range []string{`0`, `{"a":1}`, `[0]`, `"x"`, `false`} {
		if isEmpty([]byte(raw)) {
			t.Errorf("isEmpty(%q) = true, want false", raw)
		}
	}
}
