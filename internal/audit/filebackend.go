package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/trinity-platform/process-engine/domain/execution"
)

// FileBackend is the default Backend: an append-only JSONL event log on
// local disk. A real deployment swaps this for a durable event store; this
// keeps the engine runnable standalone.
type FileBackend struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileBackend opens (or creates) path for append.
func NewFileBackend(path string) (*FileBackend, error) {
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileBackend{file: fh}, nil
}

// Log implements Backend by appending the event as one JSON line.
func (f *FileBackend) Log(ctx context.Context, event *execution.ExecutionEvent) error {
	line, err := json.Marshal(fallbackRecord{
		ID:          event.ID,
		ExecutionID: event.ExecutionID,
		Type:        string(event.Type),
		Priority:    string(event.Priority),
		StepID:      event.StepID,
		At:          event.At,
		Data:        event.Data,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.file.Write(line)
	return err
}
