// Package storage is the object store abstraction used for transcript
// archives.
package storage

import (
	"context"
	"errors"
	"io"
	"strconv"
)

var ErrObjectNotFound = errors.New("object not found")

const ContentTypeParquet = "application/vnd.apache.parquet"

// Metadata keys attached to every archived transcript object.
const (
	MetaSessionID    = "session-id"
	MetaUserID       = "user-id"
	MetaMessageCount = "message-count"
)

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type PutOptions struct {
	ContentType string
	// Metadata is stored as user metadata on the object. Keys are lower case.
	Metadata map[string]string
}

// TranscriptMetadata builds the metadata set written next to a transcript.
func TranscriptMetadata(sessionID, userID string, messages int) map[string]string {
	return map[string]string{
		MetaSessionID:    sessionID,
		MetaUserID:       userID,
		MetaMessageCount: strconv.Itoa(messages),
	}
}

// ObjectStore holds archived transcripts. Delete is only used to roll back
// an archive whose session could not be removed.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
