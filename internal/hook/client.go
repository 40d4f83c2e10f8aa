package hook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Forward is the shim side of the wire protocol: it sends one hook
// event (already serialized, typically read from stdin) to the daemon
// and copies any response frames to out. For permission requests the
// call blocks until the daemon delivers the decision frame and closes.
func Forward(socketPath string, event []byte, out io.Writer, dialTimeout time.Duration) error {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial hook socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(event); err != nil {
		return fmt.Errorf("send hook event: %w", err)
	}
	// Half-close so the daemon sees EOF on its bounded read.
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return fmt.Errorf("close write side: %w", err)
		}
	}

	if _, err := io.Copy(out, conn); err != nil {
		return fmt.Errorf("read hook response: %w", err)
	}
	return nil
}

// ForwardStdin reads the event from stdin, stamps the client-side peer
// metadata into it, and writes responses to stdout, which is exactly
// how the assistant invokes hook commands.
func ForwardStdin(socketPath string, dialTimeout time.Duration) error {
	event, err := io.ReadAll(io.LimitReader(os.Stdin, maxEventSize))
	if err != nil {
		return fmt.Errorf("read event from stdin: %w", err)
	}
	event = enrichEvent(event, detectTTY())
	return Forward(socketPath, event, os.Stdout, dialTimeout)
}

// enrichEvent stamps has_tty into the event payload. A payload that
// does not decode passes through untouched; the daemon rejects it with
// its own diagnostics.
func enrichEvent(raw []byte, hasTTY bool) []byte {
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil || event == nil {
		return raw
	}
	event["has_tty"] = hasTTY
	out, err := json.Marshal(event)
	if err != nil {
		return raw
	}
	return out
}

// terminalNames identify terminal emulators (and tmux) in a parent
// process command line.
var terminalNames = []string{
	"tmux", "gnome-terminal", "konsole", "xterm",
	"alacritty", "kitty", "terminator",
}

// detectTTY reports whether this hook invocation runs under an
// interactive terminal. The assistant pipes the event over stdin, so a
// character-device stdin means a terminal directly; otherwise the
// parent process chain is checked for a known terminal emulator.
func detectTTY() bool {
	if info, err := os.Stdin.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		return true
	}

	for pid := os.Getppid(); pid > 1; {
		if cmdline, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline"); err == nil {
			if isTerminalCmdline(cmdline) {
				return true
			}
		}

		stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
		if err != nil {
			break
		}
		next, ok := parentPID(stat)
		if !ok || next == pid {
			break
		}
		pid = next
	}
	return false
}

// isTerminalCmdline matches a /proc cmdline against known terminals.
func isTerminalCmdline(cmdline []byte) bool {
	line := strings.ToLower(string(bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '})))
	for _, term := range terminalNames {
		if strings.Contains(line, term) {
			return true
		}
	}
	return false
}

// parentPID extracts the PPID from /proc/<pid>/stat. The comm field
// may contain spaces and parentheses, so fields are taken after the
// closing paren: "<pid> (<comm>) <state> <ppid> ...".
func parentPID(stat []byte) (int, bool) {
	idx := bytes.LastIndexByte(stat, ')')
	if idx < 0 {
		return 0, false
	}
	fields := strings.Fields(string(stat[idx+1:]))
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}
