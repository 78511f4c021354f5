package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	unsafePathChars      = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

// BuildTranscriptPath lays transcripts out by user and archive date:
// user=<user>/date=YYYY-MM-DD/session-<id>-<unix ms>.parquet.
func BuildTranscriptPath(userID, sessionID string, archivedAt time.Time) (string, error) {
	user, err := sanitizePathComponent(userID, "user id")
	if err != nil {
		return "", err
	}
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	ts := archivedAt.UTC()
	return path.Join(
		"user="+user,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("session-%s-%d.parquet", sessionID, ts.UnixMilli()),
	), nil
}

// sanitizePathComponent maps free-form ids such as e-mail addresses onto
// the safe key alphabet.
func sanitizePathComponent(value, field string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	cleaned := unsafePathChars.ReplaceAllString(value, "_")
	cleaned = strings.TrimLeft(cleaned, "._-")
	if len(cleaned) > 128 {
		cleaned = cleaned[:128]
	}
	if err := validatePathComponent(cleaned, field); err != nil {
		return "", err
	}
	return cleaned, nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
