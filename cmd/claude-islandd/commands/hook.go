package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-island/claude-island/internal/config"
	"github.com/claude-island/claude-island/internal/hook"
)

var (
	hookSocket      string
	hookDialTimeout time.Duration
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Forward one hook event from stdin to the daemon",
	Long: `Read a hook event JSON object from stdin, deliver it to the daemon's
unix socket, and print any response frames to stdout. This is the shim
registered in the assistant's settings by 'install-hooks'.`,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		socket := hookSocket
		if socket == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			socket = cfg.SocketPath
		}
		return hook.ForwardStdin(socket, hookDialTimeout)
	},
}

func init() {
	hookCmd.Flags().StringVar(&hookSocket, "socket", "", "Daemon hook socket path")
	hookCmd.Flags().DurationVar(&hookDialTimeout, "dial-timeout", 2*time.Second, "Socket dial timeout")
}
