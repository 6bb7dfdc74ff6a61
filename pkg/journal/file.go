package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileJournal appends JSON lines to a single file and fsyncs each record.
// A torn final line left by a crash is truncated when the file is opened.
type FileJournal struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	seq    uint64
	size   int64
	logger *slog.Logger
}

// OpenFile opens or creates the journal at path.
func OpenFile(path string, logger *slog.Logger) (*FileJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &FileJournal{path: path, f: f, logger: logger.With("component", "journal")}
	if err := j.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

// recover finds the last complete record and drops anything after it.
func (j *FileJournal) recover() error {
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReaderSize(j.f, 64*1024)
	var good int64
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				j.logger.Warn("truncating torn journal tail", "path", j.path, "bytes", len(line))
			}
			break
		}
		if err != nil {
			return fmt.Errorf("scan journal: %w", err)
		}
		body := bytes.TrimSpace(line)
		if len(body) == 0 {
			good += int64(len(line))
			continue
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return fmt.Errorf("journal corrupt at offset %d: %w", good, err)
		}
		j.seq = rec.Seq
		good += int64(len(line))
	}
	return j.rewind(good)
}

// rewind cuts the file back to size bytes and positions writes there.
func (j *FileJournal) rewind(size int64) error {
	if err := j.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	if _, err := j.f.Seek(size, io.SeekStart); err != nil {
		return err
	}
	j.size = size
	return nil
}

func (j *FileJournal) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Seq = j.seq + 1
	b, err := json.Marshal(rec)
	if err != nil {
		rec.Seq = 0
		return fmt.Errorf("encode record: %w", err)
	}
	b = append(b, '\n')
	if _, err := j.f.Write(b); err != nil {
		rec.Seq = 0
		_ = j.rewind(j.size)
		return fmt.Errorf("write record: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		rec.Seq = 0
		_ = j.rewind(j.size)
		return fmt.Errorf("sync journal: %w", err)
	}
	j.seq = rec.Seq
	j.size += int64(len(b))
	return nil
}

func (j *FileJournal) Replay(ctx context.Context, fn func(*Record) error) error {
	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
