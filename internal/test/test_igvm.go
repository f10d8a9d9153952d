package test

import (
	"fmt"
	"testing"

	"github.com/migtd/policy-tools/cfv"
	"github.com/migtd/policy-tools/igvm"
)

// CFVSize is the CFV size used by the synthetic images.
const CFVSize = 0x10000

// CFVRuntimeAddress is the CFV runtime address declared by BuildConfigJSON.
const CFVRuntimeAddress = 0xFF000000

// GetTestCFV returns a CFV of CFVSize bytes holding the policy and issuer
// chain files.
func GetTestCFV(t testing.TB, policyDoc, chain []byte) []byte {
	t.Helper()
	vol, err := cfv.Build(CFVSize, []cfv.File{
		{Name: cfv.PolicyFileGUID, Data: policyDoc},
		{Name: cfv.PolicyIssuerChainFileGUID, Data: chain},
	})
	if err != nil {
		t.Fatalf("Unable to build CFV: %v", err)
	}
	return vol
}

// GetTestIGVM returns an IGVM image staging vol in 4 KiB pages at gpa.
func GetTestIGVM(t testing.TB, vol []byte, gpa uint64) []byte {
	t.Helper()
	f := &igvm.File{}
	for off := uint64(0); off < uint64(len(vol)); off += igvm.PageSize4K {
		page := make([]byte, igvm.PageSize4K)
		copy(page, vol[off:])
		f.Directives = append(f.Directives, igvm.PageDirective(&igvm.PageData{GPA: gpa + off, CompatibilityMask: 1, Data: page}))
	}
	image, err := f.Encode()
	if err != nil {
		t.Fatalf("Unable to encode IGVM image: %v", err)
	}
	return image
}

// BuildConfigJSON returns image layout and metadata documents declaring a
// CFV of size bytes at CFVRuntimeAddress.
func BuildConfigJSON(size uint64) (imageLayout, metadata []byte) {
	imageLayout = []byte(fmt.Sprintf(`{"Config":"0x%X","Mailbox":"0x1000","TempStack":"0x20000"}`, size))
	metadata = []byte(fmt.Sprintf(`{"Sections":[{"Type":"CFV","MemoryAddress":"0x%X","MemoryDataSize":"0x%X"}]}`, CFVRuntimeAddress, size))
	return imageLayout, metadata
}
