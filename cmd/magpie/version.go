package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at release build time.
	Version = "0.3.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit := resolveCommit()
		if jsonOutput {
			out := map[string]string{
				"version": Version,
				"build":   Build,
			}
			if commit != "" {
				out["commit"] = commit
			}
			outputJSON(out)
			return
		}
		if commit != "" {
			fmt.Printf("magpie version %s (%s: %s)\n", Version, Build, commit)
		} else {
			fmt.Printf("magpie version %s (%s)\n", Version, Build)
		}
	},
}

// resolveCommit pulls the VCS revision stamped into the binary, if any.
func resolveCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
