package hostevt

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/linklayer/ll/radio"
	"github.com/user/linklayer/logger"
)

// Journal appends every host event to a JSONL file, one protojson encoded
// struct per line, stamped with the session id and the radio time.
type Journal struct {
	session string
	path    string
	clock   func() radio.Time

	mutex sync.Mutex
	file  *os.File
}

// Record is one decoded journal line
type Record struct {
	Session string
	TimeUs  int64
	Event   string
	Fields  map[string]interface{}
}

// JournalPath returns the file a session's journal is written to
func JournalPath(dir, session string) string {
	return filepath.Join(dir, fmt.Sprintf("session-%s.jsonl", session))
}

// OpenJournal creates (or appends to) the journal of a session in dir.
func OpenJournal(dir, session string, clock func() radio.Time) (*Journal, error) {
	path := JournalPath(dir, session)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("hostevt: open journal: %w", err)
	}
	return &Journal{session: session, path: path, clock: clock, file: f}, nil
}

// Path returns the journal file path
func (j *Journal) Path() string { return j.path }

func (j *Journal) prefix() string {
	if len(j.session) >= 8 {
		return fmt.Sprintf("%s journal", j.session[:8])
	}
	return "journal"
}

// Notify writes e as one line. Failures are logged, never returned, so a
// broken journal cannot stall the link layer.
func (j *Journal) Notify(e Event) {
	var now radio.Time
	if j.clock != nil {
		now = j.clock()
	}

	fields, err := structpb.NewStruct(e.Fields())
	if err != nil {
		logger.Warn(j.prefix(), "Failed to convert %s: %v", e.Name(), err)
		return
	}
	line := &structpb.Struct{Fields: map[string]*structpb.Value{
		"session": structpb.NewStringValue(j.session),
		"time_us": structpb.NewNumberValue(float64(now)),
		"event":   structpb.NewStringValue(e.Name()),
		"fields":  structpb.NewStructValue(fields),
	}}
	data, err := protojson.MarshalOptions{Multiline: false}.Marshal(line)
	if err != nil {
		logger.Warn(j.prefix(), "Failed to marshal %s: %v", e.Name(), err)
		return
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.file == nil {
		return
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		logger.Warn(j.prefix(), "Failed to write %s: %v", e.Name(), err)
	}
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadJournal decodes a journal file
func ReadJournal(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line structpb.Struct
		if err := protojson.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("hostevt: %s line %d: %w", path, n, err)
		}
		m := line.AsMap()
		r := Record{}
		r.Session, _ = m["session"].(string)
		r.Event, _ = m["event"].(string)
		if t, ok := m["time_us"].(float64); ok {
			r.TimeUs = int64(t)
		}
		r.Fields, _ = m["fields"].(map[string]interface{})
		records = append(records, r)
	}
	return records, scanner.Err()
}
