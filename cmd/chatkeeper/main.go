// Command chatkeeper watches a chat application in Chrome and keeps the conversation
// going: it clicks continuation prompts, recovers from known error banners and, when
// recovery does not stick, sends a fallback message.
package main

import (
	"fmt"
	"os"

	"chatkeeper/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	workspaceDir string
	noWorkspace  bool
)

var rootCmd = &cobra.Command{
	Use:   "chatkeeper",
	Short: "Keep an AI chat session in the browser moving",
	Long: `chatkeeper attaches to Chrome over the DevTools protocol, polls the chat page and
reacts to what it finds: proactive prompts are clicked, known errors are recovered, and a
fallback message is sent when recovery fails.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (overlays the workspace config)")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as the workspace root instead of searching upward")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip .chatkeeper workspace discovery")

	rootCmd.AddCommand(runCmd, simulateCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
		Disable:     noWorkspace,
		ExplicitDir: workspaceDir,
	})
	if err != nil {
		return cfg, wsDir, fmt.Errorf("load config: %w", err)
	}
	return cfg, wsDir, nil
}
