// Package main is a binary wrapper package around cmd.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/google/logger"
	"github.com/migtd/policy-tools/cmd"
)

// GoReleaser will populates those fields
// https://goreleaser.com/cookbooks/using-main.version/
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	tdxGuestVersion = "unknown"
	tpmVersion      = "unknown"
	tdxGuest        = "github.com/google/go-tdx-guest"
	goTPM           = "github.com/google/go-tpm"
)

func main() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			switch dep.Path {
			case tdxGuest:
				tdxGuestVersion = dep.Version
			case goTPM:
				tpmVersion = dep.Version
			}
		}
	}

	cmd.RootCmd.Version = fmt.Sprintf("%s, commit %s, built at %s\n- go-tdx-guest version %s\n- go-tpm version %s",
		version, commit, date, tdxGuestVersion, tpmVersion)

	logger.Init("migtd-policy", false, false, io.Discard)
	err := cmd.RootCmd.Execute()
	os.Exit(cmd.ExitCode(err))
}
