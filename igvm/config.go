package igvm

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/logger"
	"github.com/migtd/policy-tools/errdefs"
)

// CFVSectionType is the metadata section type of the configuration volume.
const CFVSectionType = "CFV"

// BuildConfig holds the parts of the firmware build configuration needed to
// locate the CFV in an image.
type BuildConfig struct {
	// CFVSize is the configured size of the CFV, in bytes.
	CFVSize uint64
	// RuntimeAddress is the guest physical address of the CFV at runtime.
	RuntimeAddress uint64
	// CompatibilityMask, when non-zero, selects the page data directives of
	// one platform in a multi-platform image.
	CompatibilityMask uint32
}

type imageLayout struct {
	Config string `json:"Config"`
}

type metadata struct {
	Sections []struct {
		Type           string `json:"Type"`
		MemoryAddress  string `json:"MemoryAddress"`
		MemoryDataSize string `json:"MemoryDataSize"`
	} `json:"Sections"`
}

// LoadBuildConfig reads the CFV size from an image layout document and the
// CFV runtime address from a metadata document.
func LoadBuildConfig(imageLayoutJSON, metadataJSON []byte) (*BuildConfig, error) {
	var layout imageLayout
	if err := json.Unmarshal(imageLayoutJSON, &layout); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "parsing image layout: %w", err)
	}
	if layout.Config == "" {
		return nil, errdefs.Errorf(errdefs.MissingRequiredField, "image layout has no Config size")
	}
	size, err := parseHex(layout.Config)
	if err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "image layout Config: %w", err)
	}
	if size == 0 {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "image layout Config size is zero")
	}

	var meta metadata
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
		return nil, errdefs.Errorf(errdefs.MalformedInput, "parsing metadata: %w", err)
	}
	for _, s := range meta.Sections {
		if s.Type != CFVSectionType {
			continue
		}
		addr, err := parseHex(s.MemoryAddress)
		if err != nil {
			return nil, errdefs.Errorf(errdefs.MalformedInput, "metadata CFV MemoryAddress: %w", err)
		}
		if s.MemoryDataSize != "" {
			if dataSize, err := parseHex(s.MemoryDataSize); err == nil && dataSize != size {
				logger.Warningf("metadata CFV MemoryDataSize %#x differs from image layout Config %#x; using Config", dataSize, size)
			}
		}
		return &BuildConfig{CFVSize: size, RuntimeAddress: addr}, nil
	}
	return nil, errdefs.Errorf(errdefs.MissingRequiredField, "metadata has no %s section", CFVSectionType)
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}
