package igvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/migtd/policy-tools/cfv"
	"github.com/migtd/policy-tools/errdefs"
)

const testCFVSize = 0x4000

// pageDirectives splits data into 4 KiB page directives starting at gpa.
func pageDirectives(gpa uint64, data []byte) []Directive {
	var ds []Directive
	for off := 0; off < len(data); off += int(PageSize4K) {
		page := make([]byte, PageSize4K)
		copy(page, data[off:])
		ds = append(ds, PageDirective(&PageData{GPA: gpa + uint64(off), CompatibilityMask: 1, Data: page}))
	}
	return ds
}

func testVolume(t *testing.T) []byte {
	t.Helper()
	fv, err := cfv.Build(testCFVSize, []cfv.File{
		{Name: cfv.PolicyFileGUID, Data: []byte(`{"policyData":{"version":"1"},"signature":"00"}`)},
		{Name: cfv.PolicyIssuerChainFileGUID, Data: []byte("chain")},
	})
	if err != nil {
		t.Fatalf("cfv.Build() failed: %v", err)
	}
	return fv
}

func encode(t *testing.T, f *File) []byte {
	t.Helper()
	b, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	return b
}

func TestEncodeParseRoundTrip(t *testing.T) {
	platform := Directive{Type: TypeSupportedPlatform, Raw: []byte{1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}}
	odd := Directive{Type: 0x80000310, Raw: []byte{1, 2, 3}}
	zero := PageDirective(&PageData{GPA: 0x1000, CompatibilityMask: 1})
	f := &File{Directives: append([]Directive{platform, odd, zero}, pageDirectives(StagingGPA, []byte("hello"))...)}

	got, err := Parse(encode(t, f))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if len(got.Directives) != 4 {
		t.Fatalf("Parse() found %d directives, want 4", len(got.Directives))
	}
	if diff := cmp.Diff(odd.Raw, got.Directives[1].Raw); diff != "" {
		t.Errorf("opaque directive mismatch (-want +got):\n%s", diff)
	}
	pages := got.Pages()
	if len(pages) != 2 {
		t.Fatalf("Pages() = %d pages, want 2", len(pages))
	}
	if pages[0].Data != nil || len(pages[0].Bytes()) != int(PageSize4K) {
		t.Errorf("zero page decoded as %d data bytes", len(pages[0].Data))
	}
	if !bytes.HasPrefix(pages[1].Data, []byte("hello")) || pages[1].GPA != StagingGPA {
		t.Errorf("page = GPA %#x data %q..., want GPA %#x data hello", pages[1].GPA, pages[1].Data[:5], StagingGPA)
	}
}

func TestParseErrors(t *testing.T) {
	good := encode(t, &File{Directives: pageDirectives(StagingGPA, []byte("x"))})
	tests := []struct {
		name      string
		mutate    func([]byte) []byte
		wantInMsg string
	}{
		{"short", func(b []byte) []byte { return b[:10] }, "fixed header"},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, "magic"},
		{"version", func(b []byte) []byte { b[4] = 9; return b }, "format version"},
		{"total size", func(b []byte) []byte { return b[:len(b)-1] }, "total file size"},
		{"checksum", func(b []byte) []byte { b[24+8] ^= 0x01; return b }, "checksum"},
		{"header range", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[12:], uint32(len(b)))
			return b
		}, "out of range"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.mutate(bytes.Clone(good)))
			if !errors.Is(err, errdefs.MalformedInput) {
				t.Fatalf("Parse() = %v, want %v", err, errdefs.MalformedInput)
			}
			if !strings.Contains(err.Error(), tc.wantInMsg) {
				t.Errorf("Parse() error %q does not mention %q", err, tc.wantInMsg)
			}
		})
	}
}

func TestExtractCFV(t *testing.T) {
	fv := testVolume(t)
	cfg := &BuildConfig{CFVSize: testCFVSize, RuntimeAddress: 0xFF000000}
	image := encode(t, &File{Directives: pageDirectives(StagingGPA, fv)})

	got, err := ExtractCFV(image, cfg)
	if err != nil {
		t.Fatalf("ExtractCFV() failed: %v", err)
	}
	if !bytes.Equal(got, fv) {
		t.Fatalf("ExtractCFV() returned %d bytes differing from the staged volume", len(got))
	}
	policy, err := cfv.ExtractFileByGUID(got, cfv.PolicyFileGUID)
	if err != nil {
		t.Fatalf("ExtractFileByGUID() failed: %v", err)
	}
	if want := `{"policyData":{"version":"1"},"signature":"00"}`; string(policy) != want {
		t.Errorf("policy file = %q, want %q", policy, want)
	}
}

func TestExtractCFVRuntimeAddress(t *testing.T) {
	fv := testVolume(t)
	const runtime = 0xFF000000
	image := encode(t, &File{Directives: pageDirectives(runtime, fv)})
	got, err := ExtractCFV(image, &BuildConfig{CFVSize: testCFVSize, RuntimeAddress: runtime})
	if err != nil {
		t.Fatalf("ExtractCFV() failed: %v", err)
	}
	if !bytes.Equal(got, fv) {
		t.Error("ExtractCFV() at runtime address returned different bytes")
	}
}

func TestExtractCFVSizeInvariant(t *testing.T) {
	fv := testVolume(t)
	pages := pageDirectives(StagingGPA, fv)
	tests := []struct {
		name       string
		directives []Directive
		size       uint64
		wantErr    error
	}{
		{"truncated image", pages[:len(pages)-1], testCFVSize, errdefs.CfvSizeMismatch},
		{"gap", append(append([]Directive{}, pages[:1]...), pages[2:]...), testCFVSize, errdefs.CfvSizeMismatch},
		{"size larger than image", pages, testCFVSize + PageSize4K, errdefs.CfvSizeMismatch},
		{"page crosses the end", pages, testCFVSize - 0x800, errdefs.CfvSizeMismatch},
		{"2 MiB page for a small CFV", []Directive{PageDirective(&PageData{GPA: StagingGPA, Flags: pageFlag2MB, Data: append(bytes.Clone(fv), make([]byte, PageSize2M-testCFVSize)...)})}, testCFVSize, errdefs.CfvSizeMismatch},
		{"nothing staged", pageDirectives(0x100000, fv), testCFVSize, errdefs.CfvNotFound},
		{"zero page staged", []Directive{PageDirective(&PageData{GPA: StagingGPA})}, testCFVSize, errdefs.CfvNotFound},
		{"exact", pages, testCFVSize, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			image := encode(t, &File{Directives: tc.directives})
			got, err := ExtractCFV(image, &BuildConfig{CFVSize: tc.size, RuntimeAddress: 0xFF000000})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ExtractCFV() = %v, want %v", err, tc.wantErr)
			}
			if err == nil && uint64(len(got)) != tc.size {
				t.Errorf("ExtractCFV() returned %d bytes, want %d", len(got), tc.size)
			}
		})
	}
}

func TestExtractCFVHugeSize(t *testing.T) {
	fv := testVolume(t)
	image := encode(t, &File{Directives: pageDirectives(StagingGPA, fv)})

	layout := []byte(`{"Config":"0xFFFFFFFFFFFFFFFF"}`)
	meta := []byte(`{"Sections":[{"Type":"CFV","MemoryAddress":"0xFF000000"}]}`)
	cfg, err := LoadBuildConfig(layout, meta)
	if err != nil {
		t.Fatalf("LoadBuildConfig() failed: %v", err)
	}
	tests := []struct {
		name  string
		image []byte
		cfg   *BuildConfig
	}{
		{"size from layout", image, cfg},
		{"size past the address space", image, &BuildConfig{CFVSize: 1 << 63, RuntimeAddress: 0xFF000000}},
		{"runtime address near the top", encode(t, &File{Directives: pageDirectives(0xFFFFFFFFFFFFF000, fv[:PageSize4K])}), &BuildConfig{CFVSize: 0x2000, RuntimeAddress: 0xFFFFFFFFFFFFF000}},
		{"several times the page data", image, &BuildConfig{CFVSize: 64 * testCFVSize}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ExtractCFV(tc.image, tc.cfg); !errors.Is(err, errdefs.CfvSizeMismatch) {
				t.Errorf("ExtractCFV() = %v, want %v", err, errdefs.CfvSizeMismatch)
			}
		})
	}
}

func TestExtractCFVDuplicatePages(t *testing.T) {
	fv := testVolume(t)
	pages := pageDirectives(StagingGPA, fv)
	cfg := &BuildConfig{CFVSize: testCFVSize}

	identical := append(append([]Directive{}, pages...), pages[0])
	if _, err := ExtractCFV(encode(t, &File{Directives: identical}), cfg); err != nil {
		t.Errorf("ExtractCFV() with identical duplicate page failed: %v", err)
	}

	other := make([]byte, PageSize4K)
	other[0] = 0x42
	conflict := append(append([]Directive{}, pages...), PageDirective(&PageData{GPA: StagingGPA, CompatibilityMask: 2, Data: other}))
	image := encode(t, &File{Directives: conflict})
	if _, err := ExtractCFV(image, cfg); !errors.Is(err, errdefs.MalformedInput) {
		t.Errorf("ExtractCFV() with conflicting pages = %v, want %v", err, errdefs.MalformedInput)
	}
	got, err := ExtractCFV(image, &BuildConfig{CFVSize: testCFVSize, CompatibilityMask: 1})
	if err != nil {
		t.Fatalf("ExtractCFV() with compatibility mask failed: %v", err)
	}
	if !bytes.Equal(got, fv) {
		t.Error("ExtractCFV() with compatibility mask returned the wrong platform's pages")
	}
}

func TestLoadBuildConfig(t *testing.T) {
	layout := []byte(`{"Config":"0x40000","Mailbox":"0x1000"}`)
	meta := []byte(`{"Sections":[{"Type":"BFV","MemoryAddress":"0xFF040000"},{"Type":"CFV","MemoryAddress":"0xFF000000","MemoryDataSize":"0x40000"}]}`)
	got, err := LoadBuildConfig(layout, meta)
	if err != nil {
		t.Fatalf("LoadBuildConfig() failed: %v", err)
	}
	want := &BuildConfig{CFVSize: 0x40000, RuntimeAddress: 0xFF000000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadBuildConfig() mismatch (-want +got):\n%s", diff)
	}

	errTests := []struct {
		name   string
		layout string
		meta   string
		want   error
	}{
		{"layout not JSON", `{`, string(meta), errdefs.MalformedInput},
		{"no Config", `{}`, string(meta), errdefs.MissingRequiredField},
		{"bad Config", `{"Config":"0xZZ"}`, string(meta), errdefs.MalformedInput},
		{"no CFV section", string(layout), `{"Sections":[]}`, errdefs.MissingRequiredField},
		{"bad address", string(layout), `{"Sections":[{"Type":"CFV","MemoryAddress":"nope"}]}`, errdefs.MalformedInput},
	}
	for _, tc := range errTests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadBuildConfig([]byte(tc.layout), []byte(tc.meta)); !errors.Is(err, tc.want) {
				t.Errorf("LoadBuildConfig() = %v, want %v", err, tc.want)
			}
		})
	}
}
