package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sqlagent/sqlagent/internal/llm"
	"github.com/sqlagent/sqlagent/internal/observability"
	"github.com/sqlagent/sqlagent/internal/storage"
)

type Archiver struct {
	Store  storage.ObjectStore
	Logger *slog.Logger
	Clock  func() time.Time
}

func New(store storage.ObjectStore, logger *slog.Logger) *Archiver {
	return &Archiver{Store: store, Logger: observability.LoggerOrDefault(logger), Clock: time.Now}
}

// Archive uploads the transcript and returns its object key. An empty
// transcript is skipped and yields an empty key.
func (a *Archiver) Archive(ctx context.Context, sessionID, userID string, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	now := a.now()
	key, err := storage.BuildTranscriptPath(userID, sessionID, now)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	encoded, err := EncodeTranscript(sessionID, userID, messages, now)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	info, err := a.Store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: storage.ContentTypeParquet,
		Metadata:    storage.TranscriptMetadata(sessionID, userID, len(messages)),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload transcript: %w", err)
	}
	observability.LoggerOrDefault(a.Logger).InfoContext(ctx, "transcript archived",
		append(observability.RequestAttrs(ctx),
			slog.String("object_key", key),
			slog.Int64("messages", encoded.RecordCount),
			slog.Int64("bytes", info.Size))...)
	return key, nil
}

// Discard removes an archived transcript. It undoes Archive when the
// session it belongs to could not be deleted afterwards.
func (a *Archiver) Discard(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := a.Store.Delete(ctx, key); err != nil {
		return fmt.Errorf("archive: discard transcript: %w", err)
	}
	return nil
}

// Load downloads and decodes an archived transcript.
func (a *Archiver) Load(ctx context.Context, key string) ([]llm.Message, error) {
	reader, err := a.Store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch transcript: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("archive: read transcript: %w", err)
	}
	return DecodeTranscript(data)
}

func (a *Archiver) now() time.Time {
	if a.Clock == nil {
		return time.Now()
	}
	return a.Clock()
}
