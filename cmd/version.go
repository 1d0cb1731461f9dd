package cmd

import (
	"runtime"

	"grimm.is/bulwark/internal/brand"
	"grimm.is/bulwark/internal/config"
	"grimm.is/bulwark/internal/unit"
)

// RunVersion prints build information.
func RunVersion() {
	Printer.Printf("%s version %s\n", brand.Name, brand.Version)
	Printer.Printf("Build: %s (%s)\n", brand.BuildTime, brand.GitCommit)
	Printer.Printf("Go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	Printer.Printf("Source: %s (%s)\n", brand.Repository, brand.License)
	Printer.Printf("Policy schema: %s\n", config.CurrentSchemaVersion)
	Printer.Printf("Unit kinds: %v\n", unit.Kinds())
}
