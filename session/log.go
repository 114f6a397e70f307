package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// maxRecordSize bounds one JSONL record on read. Tool outputs ride inside
// entries and events, so records can run to megabytes.
const maxRecordSize = 16 << 20

// appendLog is a single append-only JSONL file.
type appendLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func openAppendLog(path string) (*appendLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &appendLog{f: f, path: path}, nil
}

func (l *appendLog) append(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(data); err != nil {
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	return nil
}

func (l *appendLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return err
	}
	return l.f.Close()
}

// readRecords decodes every complete record of a JSONL file in order. A
// file that ends mid-record, because the process died while appending,
// yields the complete prefix; a bad record with valid records after it is
// real corruption and fails. A missing file reads as empty.
func readRecords(path string, decode func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var badErr error
	badLine := 0
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if badErr != nil {
			return fmt.Errorf("%s: corrupt record at line %d: %w", path, badLine, badErr)
		}
		if err := decode(line); err != nil {
			badErr = err
			badLine = lineNo
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
