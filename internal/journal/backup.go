package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// BackupIfNeeded copies the live database into dir if the newest existing
// backup is older than maxAge, then prunes to the most recent maxBackups.
// Returns the new backup path, or "" if no backup was needed.
//
// modernc.org/sqlite has no equivalent of the C library's online backup
// API, so VACUUM INTO is used instead: it produces an equivalent
// point-in-time copy of the database file without requiring exclusive
// access.
func (s *Store) BackupIfNeeded(dir string, maxAge time.Duration, maxBackups int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: mkdir: %w", err)
	}

	existing, err := backupFiles(dir)
	if err != nil {
		return "", fmt.Errorf("backup: list: %w", err)
	}
	if len(existing) > 0 {
		info, err := os.Stat(existing[len(existing)-1])
		if err != nil {
			return "", fmt.Errorf("backup: stat: %w", err)
		}
		if time.Since(info.ModTime()) < maxAge {
			return "", nil
		}
	}

	ts := time.Now().UTC().Format("20060102_150405")
	backupPath := filepath.Join(dir, fmt.Sprintf("agent_%s.db", ts))

	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return "", fmt.Errorf("backup: vacuum into: %w", err)
	}

	existing, err = backupFiles(dir)
	if err != nil {
		return "", fmt.Errorf("backup: list after copy: %w", err)
	}
	if len(existing) > maxBackups {
		for _, stale := range existing[:len(existing)-maxBackups] {
			if err := os.Remove(stale); err != nil {
				return backupPath, fmt.Errorf("backup: prune %s: %w", stale, err)
			}
		}
	}

	return backupPath, nil
}

func backupFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "agent_*.db"))
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return matches, nil
}
