package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FundingLog is an append-only JSON-lines journal of applied funding payments.
type FundingLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func OpenFundingLog(path string) (*FundingLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create funding log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open funding log: %w", err)
	}
	return &FundingLog{path: path, file: f}, nil
}

// Append writes the records and syncs the file once.
func (l *FundingLog) Append(recs ...FundingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errors.New("funding log closed")
	}
	w := bufio.NewWriter(l.file)
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode funding record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write funding log: %w", err)
	}
	return l.file.Sync()
}

func (l *FundingLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadFundingLog loads every record of a journal. A torn last line is
// ignored.
func ReadFundingLog(path string) ([]FundingRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open funding log: %w", err)
	}
	defer f.Close()

	var out []FundingRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec FundingRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
