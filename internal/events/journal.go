package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxJournalSize = 16 * 1024 * 1024
	JournalExtension      = ".jsonl"
	ArchiveDir            = "archive"
)

// JournalEntry is one line of the run journal. Data is kept as the raw
// bytes that were written so the checksum can be verified on read.
type JournalEntry struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Checksum  string          `json:"checksum"`
}

// Decode returns the entry as an Event.
func (e JournalEntry) Decode() (Event, error) {
	ev := Event{Seq: e.Seq, Type: e.Type, Timestamp: e.Timestamp}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &ev.Data); err != nil {
			return Event{}, fmt.Errorf("decode event %d data: %w", e.Seq, err)
		}
	}
	return ev, nil
}

// Journal appends every bus event to a JSONL file, rotating it into
// archive/ once it would exceed maxSize.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	currentSize int64
	maxSize     int64
	rotations   int
	now         func() time.Time
}

func NewJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{path: path, maxSize: maxSize, now: time.Now}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.currentSize = st.Size()
	return nil
}

// Attach subscribes the journal to every event on bus. Write errors are
// passed to onErr.
func (j *Journal) Attach(bus *Bus, onErr func(error)) func() {
	return bus.Subscribe(AllEvents, func(e Event) {
		if err := j.Record(e); err != nil && onErr != nil {
			onErr(err)
		}
	})
}

// Record appends e.
func (j *Journal) Record(e Event) error {
	entry := JournalEntry{Seq: e.Seq, Type: e.Type, Timestamp: e.Timestamp}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		entry.Data = raw
	}
	entry.Checksum = checksum(entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	dir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, j.now().UTC().Format("20060102_150405"), j.rotations, JournalExtension)
	if err := os.Rename(j.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return j.open()
}

// Size returns the size of the active file.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

func checksum(e JournalEntry) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|", e.Seq, e.Type)
	_, _ = h.Write(e.Data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ReadJournal returns the last n well-formed entries of the journal at path
// (all of them when n <= 0) and how many entries failed their checksum.
func ReadJournal(path string, n int) ([]JournalEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var entries []JournalEntry
	bad := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			bad++
			continue
		}
		if checksum(entry) != entry.Checksum {
			bad++
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, bad, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, bad, nil
}
