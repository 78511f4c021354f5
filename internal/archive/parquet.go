// Package archive writes conversation transcripts to object storage as
// parquet files when a session is deleted.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlagent/sqlagent/internal/llm"
)

type EncodeResult struct {
	Data        []byte
	RecordCount int64
}

type transcriptRow struct {
	SessionID        string `parquet:"session_id"`
	UserID           string `parquet:"user_id"`
	Seq              int32  `parquet:"seq"`
	Role             string `parquet:"role"`
	Name             string `parquet:"name"`
	Content          string `parquet:"content"`
	ToolCallsJSON    string `parquet:"tool_calls_json"`
	ToolCallID       string `parquet:"tool_call_id"`
	ArchivedAtUnixMs int64  `parquet:"archived_at_unix_ms"`
}

// EncodeTranscript writes one parquet row per message, in memory order.
func EncodeTranscript(sessionID, userID string, messages []llm.Message, archivedAt time.Time) (EncodeResult, error) {
	if len(messages) == 0 {
		return EncodeResult{}, fmt.Errorf("messages are required")
	}

	rows := make([]transcriptRow, 0, len(messages))
	for i, msg := range messages {
		var toolCalls string
		if len(msg.ToolCalls) > 0 {
			encoded, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return EncodeResult{}, fmt.Errorf("encode tool calls for message %d: %w", i, err)
			}
			toolCalls = string(encoded)
		}
		rows = append(rows, transcriptRow{
			SessionID:        sessionID,
			UserID:           userID,
			Seq:              int32(i),
			Role:             msg.Role,
			Name:             msg.Name,
			Content:          msg.Content,
			ToolCallsJSON:    toolCalls,
			ToolCallID:       msg.ToolCallID,
			ArchivedAtUnixMs: archivedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[transcriptRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}
	return EncodeResult{Data: buf.Bytes(), RecordCount: int64(len(rows))}, nil
}

// DecodeTranscript reads back the messages written by EncodeTranscript.
func DecodeTranscript(data []byte) ([]llm.Message, error) {
	reader := parquet.NewGenericReader[transcriptRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]transcriptRow, reader.NumRows())
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	rows = rows[:count]

	messages := make([]llm.Message, len(rows))
	for _, row := range rows {
		if row.Seq < 0 || int(row.Seq) >= len(rows) {
			return nil, fmt.Errorf("row sequence %d out of range", row.Seq)
		}
		msg := llm.Message{
			Role:       row.Role,
			Name:       row.Name,
			Content:    row.Content,
			ToolCallID: row.ToolCallID,
		}
		if row.ToolCallsJSON != "" {
			if err := json.Unmarshal([]byte(row.ToolCallsJSON), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for row %d: %w", row.Seq, err)
			}
		}
		messages[row.Seq] = msg
	}
	return messages, nil
}
