package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "sandbox-orch",
		Short: "Sandbox Orchestrator - builds web apps from prompts in isolated sandboxes",
		Long: `Sandbox Orchestrator turns a natural-language request into a running web
application. Each request goes through plan, build, validate and check stages
with bounded repair loops, inside a per-project sandbox whose files survive
restarts through snapshots.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
