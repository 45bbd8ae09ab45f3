package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and configuration information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Parley %s\n", AppVersion)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("\nConfiguration: invalid (%v)\n", err)
			return nil
		}

		fmt.Println("\nConfiguration:")
		fmt.Printf("  Provider: %s\n", cfg.Provider)
		fmt.Printf("  Model: %s\n", cfg.ModelName)
		fmt.Printf("  Embedder: %s\n", cfg.EmbedderModel)
		fmt.Printf("  Merge window: %s\n", cfg.MergeWindow)
		fmt.Printf("  Listen: %s\n", cfg.ListenAddr)

		if key := os.Getenv("GEMINI_API_KEY"); key != "" && len(key) > 8 {
			fmt.Printf("  GEMINI_API_KEY: %s...%s (configured)\n", key[:4], key[len(key)-4:])
		} else {
			fmt.Println("  GEMINI_API_KEY: not set")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
