// ABOUTME: JSON-lines write-ahead log for graph mutations, fsynced per append.
// ABOUTME: A torn final line from a crash is tolerated and dropped on replay.

package plangraph

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

const (
	walFilename   = "wal.log"
	recordAddNode = "add_node"
	recordAddEdge = "add_edge"
)

// walRecord is one logged mutation. Type discriminates which of the
// remaining fields are meaningful.
type walRecord struct {
	Type       string         `json:"type"`
	ID         uint64         `json:"id"`
	Labels     []string       `json:"labels,omitempty"`
	From       uint64         `json:"from,omitempty"`
	To         uint64         `json:"to,omitempty"`
	EdgeType   string         `json:"edge_type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type wal struct {
	f *os.File
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening wal: %w", err)
	}
	return &wal{f: f}, nil
}

// append writes one record (plus newline) and fsyncs before returning.
// A record that returns nil here survives a crash.
func (w *wal) append(rec walRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding wal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("writing wal record: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing wal: %w", err)
	}
	return nil
}

// truncate empties the log after a successful segment flush.
func (w *wal) truncate() error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating wal: %w", err)
	}
	if _, err := w.f.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding wal: %w", err)
	}
	return w.f.Sync()
}

func (w *wal) close() error {
	return w.f.Close()
}

// readWAL parses every complete record in the log. A missing file
// means an empty log. An unparseable line stops the read there: it is
// the torn tail of an interrupted append, and nothing after it can
// have been acknowledged.
func readWAL(path string) ([]walRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening wal: %w", err)
	}
	defer f.Close()

	var records []walRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			break
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading wal: %w", err)
	}
	return records, nil
}
