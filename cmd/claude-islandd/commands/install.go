package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/claude-island/claude-island/internal/config"
	"github.com/claude-island/claude-island/internal/hook"
)

func newInstaller() (*hook.Installer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve binary path: %w", err)
	}
	return &hook.Installer{
		ClaudeDir:  config.ClaudeDir(),
		BinaryPath: bin,
		SocketPath: cfg.SocketPath,
	}, nil
}

var installCmd = &cobra.Command{
	Use:   "install-hooks",
	Short: "Register the hook shim in the assistant's settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ins, err := newInstaller()
		if err != nil {
			return err
		}

		installed, err := ins.IsInstalled()
		if err != nil {
			return err
		}
		if installed {
			fmt.Println("Hook shim already installed.")
			return nil
		}

		if err := ins.Install(); err != nil {
			return err
		}
		fmt.Println("Hook shim installed. Restart the assistant to pick it up.")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall-hooks",
	Short: "Remove the hook shim from the assistant's settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ins, err := newInstaller()
		if err != nil {
			return err
		}
		if err := ins.Uninstall(); err != nil {
			return err
		}
		fmt.Println("Hook shim removed.")
		return nil
	},
}
