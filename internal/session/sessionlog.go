package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// writeSessionLogFile persists a session's wrap-up summary as a markdown
// file alongside the session_logs table row, so an operator can browse
// past sessions without a database client.
func writeSessionLogFile(dir, sessionID, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session log dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.md", time.Now().UTC().Format("20060102T150405Z"), sessionID)
	path := filepath.Join(dir, name)

	header := fmt.Sprintf("# Session %s\n\n", sessionID)
	if err := os.WriteFile(path, []byte(header+content+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write session log file: %w", err)
	}
	return path, nil
}
