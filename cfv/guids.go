package cfv

import "github.com/linuxboot/fiano/pkg/guid"

// Well-known GUIDs of the configuration firmware volume.
var (
	// FFS2GUID is the file system GUID of an FFS2 firmware volume.
	FFS2GUID = *guid.MustParse("8C8CE578-8A3D-4F1C-9935-896185C32DD3")
	// FFS3GUID is the file system GUID of an FFS3 firmware volume.
	FFS3GUID = *guid.MustParse("5473C07A-3DCB-4DCA-BD6F-1E9689E7349A")

	// PolicyFileGUID names the file holding the signed policy.
	PolicyFileGUID = *guid.MustParse("0BE92DC3-6221-4C98-87C1-8EEFFD70DE5A")
	// PolicyIssuerChainFileGUID names the file holding the PEM issuer chain
	// of the policy.
	PolicyIssuerChainFileGUID = *guid.MustParse("3F2FB27A-9596-431C-A68D-D3EAB39F8AEB")
)

// Names for well-known GUIDs, used in diagnostics.
var guidNames = map[guid.GUID]string{
	FFS2GUID:                  "FFS2",
	FFS3GUID:                  "FFS3",
	PolicyFileGUID:            "policy",
	PolicyIssuerChainFileGUID: "policy issuer chain",
}

func describe(g guid.GUID) string {
	if name, ok := guidNames[g]; ok {
		return name + " (" + g.String() + ")"
	}
	return g.String()
}
