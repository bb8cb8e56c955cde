package saga

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileJournal appends saga transitions to a file as JSON lines, one entry
// per transition, fsynced on every write.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileJournal constructs a FileJournal targeting the given path.
func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

// Record appends the transition to the journal.
func (j *FileJournal) Record(ev TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}

	return j.f.Sync()
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
