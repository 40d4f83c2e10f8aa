// Package tailer incrementally parses a session's append-only
// conversation log.
package tailer

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/pkg/types"
)

// ConversationLog is the per-session log file name.
const ConversationLog = "conversation.jsonl"

// clearMarker prefixes a user message that resets conversation history.
const clearMarker = "/clear"

// Batch is the result of one poll. When Reset is true the observer
// must replace the session's conversation with Messages atomically;
// otherwise Messages are appended.
type Batch struct {
	Messages []types.Message
	Reset    bool
}

// Tailer owns a byte offset into one conversation log. It is a plain
// value-typed parser: not safe for concurrent use, hand results across
// goroutines via channels.
type Tailer struct {
	path         string
	offset       int64
	resetPending bool
}

// New creates a tailer for the given log file path.
func New(path string) *Tailer {
	return &Tailer{path: path}
}

// ForSession creates a tailer for sessionDir/conversation.jsonl.
func ForSession(sessionDir string) *Tailer {
	return New(filepath.Join(sessionDir, ConversationLog))
}

// Path returns the log file path.
func (t *Tailer) Path() string {
	return t.path
}

// Offset returns the current byte offset (start of the first
// unconsumed byte).
func (t *Tailer) Offset() int64 {
	return t.offset
}

// Poll reads newly appended complete lines and decodes them. A
// trailing partial line is left for the next poll. A missing file is
// not an error. Truncation below the owned offset, and the poll after
// a reset marker, re-read the file from the start; such batches carry
// Reset so the observer replaces instead of appends.
func (t *Tailer) Poll() (Batch, error) {
	fromZero := false
	if t.resetPending {
		t.offset = 0
		t.resetPending = false
	}

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Batch{}, nil
		}
		return Batch{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Batch{}, err
	}
	if info.Size() < t.offset {
		logging.Warn().
			Str("path", t.path).
			Int64("offset", t.offset).
			Int64("size", info.Size()).
			Msg("log truncated below offset, re-reading")
		t.offset = 0
	}
	if t.offset == 0 {
		fromZero = true
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return Batch{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return Batch{}, err
	}

	// Consume complete lines only; the tail past the last newline is
	// re-read next poll.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return Batch{Reset: fromZero}, nil
	}
	consumed := data[:end+1]
	t.offset += int64(len(consumed))

	messages := decodeLines(consumed, t.path)

	reset := fromZero
	if idx := lastClearIndex(messages); idx >= 0 {
		messages = messages[idx+1:]
		reset = true
		if !fromZero {
			// Honor the reset on the next poll as well: re-read from
			// the start in case the assistant rewrites the file.
			t.resetPending = true
		}
	}

	return Batch{Messages: messages, Reset: reset}, nil
}

// decodeLines parses each newline-terminated record, skipping
// malformed ones.
func decodeLines(data []byte, path string) []types.Message {
	var messages []types.Message
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logging.Warn().
				Str("path", path).
				Err(err).
				Msg("malformed log line skipped")
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// lastClearIndex returns the index of the last reset marker in the
// batch, or -1.
func lastClearIndex(messages []types.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if IsClearMarker(messages[i]) {
			return i
		}
	}
	return -1
}

// IsClearMarker reports whether the message is a user message whose
// content begins with the /clear token.
func IsClearMarker(m types.Message) bool {
	return m.Type() == "user" && strings.HasPrefix(strings.TrimSpace(m.Content()), clearMarker)
}
