package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Ledger is the append-only, crash-safe store for run metadata, events,
// receipts, and transcripts. All writes for one run are serialized; writes
// for distinct runs never block each other.
type Ledger interface {
	CreateRun(runID string, spec RunSpec) error
	WriteMeta(meta RunMeta) error
	ReadMeta(runID string) (RunMeta, error)
	ListRuns() ([]RunMeta, error)
	// AppendEvent assigns the event's sequence number and appends it
	// atomically; the returned event carries the assigned Seq.
	AppendEvent(runID string, ev Event) (Event, error)
	WriteReceipt(runID, flowKey, stepID, agentKey string, rc Receipt) error
	AppendTranscriptRecord(runID, flowKey, stepID, agentKey, engineID string, rec TranscriptRecord) error
	// ReadHistory reconstructs the ordered completed step results from the
	// event stream.
	ReadHistory(runID string) ([]StepResult, error)
	ReadEvents(runID string) ([]Event, error)
}

// FileLedger implements Ledger as a directory per run:
//
//	<base>/<run-id>/meta.json
//	<base>/<run-id>/events.jsonl
//	<base>/<run-id>/<flow-key>/llm/<step>-<agent>-<engine>.jsonl
//	<base>/<run-id>/<flow-key>/receipts/<step>-<agent>.json
type FileLedger struct {
	base string

	mu   sync.Mutex
	runs map[string]*runWriter
}

// runWriter serializes all writes for a single run and tracks the next
// event sequence number.
type runWriter struct {
	mu  sync.Mutex
	seq int64
}

func NewFileLedger(base string) (*FileLedger, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create base dir: %v", ErrStorageUnavailable, err)
	}
	return &FileLedger{base: base, runs: make(map[string]*runWriter)}, nil
}

func (l *FileLedger) runDir(runID string) string {
	return filepath.Join(l.base, runID)
}

// writer returns the per-run writer, recovering the last used sequence
// number from events.jsonl when the run is first touched after a restart.
func (l *FileLedger) writer(runID string) *runWriter {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.runs[runID]
	if !ok {
		w = &runWriter{seq: l.recoverSeq(runID)}
		l.runs[runID] = w
	}
	return w
}

func (l *FileLedger) recoverSeq(runID string) int64 {
	events, err := l.ReadEvents(runID)
	if err != nil || len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Seq
}

func (l *FileLedger) CreateRun(runID string, spec RunSpec) error {
	if err := os.MkdirAll(l.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("%w: create run dir: %v", ErrStorageUnavailable, err)
	}
	now := time.Now().UTC()
	meta := RunMeta{
		ID:        runID,
		Spec:      spec,
		Status:    RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return l.WriteMeta(meta)
}

func (l *FileLedger) WriteMeta(meta RunMeta) error {
	w := l.writer(meta.ID)
	w.mu.Lock()
	defer w.mu.Unlock()

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal meta: %v", ErrStorageUnavailable, err)
	}
	return atomicWrite(filepath.Join(l.runDir(meta.ID), "meta.json"), data)
}

func (l *FileLedger) ReadMeta(runID string) (RunMeta, error) {
	data, err := os.ReadFile(filepath.Join(l.runDir(runID), "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return RunMeta{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return RunMeta{}, fmt.Errorf("%w: read meta: %v", ErrStorageUnavailable, err)
	}
	var meta RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return RunMeta{}, fmt.Errorf("%w: decode meta: %v", ErrStorageUnavailable, err)
	}
	return meta, nil
}

func (l *FileLedger) ListRuns() ([]RunMeta, error) {
	entries, err := os.ReadDir(l.base)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", ErrStorageUnavailable, err)
	}
	metas := make([]RunMeta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := l.ReadMeta(e.Name())
		if err != nil {
			continue // half-created run dir, skip
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas, nil
}

func (l *FileLedger) AppendEvent(runID string, ev Event) (Event, error) {
	w := l.writer(runID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	ev.Seq = w.seq
	ev.RunID = runID
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		w.seq--
		return Event{}, fmt.Errorf("%w: marshal event: %v", ErrStorageUnavailable, err)
	}

	// One O_APPEND write of a full line plus fsync; readers skip a torn
	// trailing line, so a partially written event is never visible.
	if err := appendLine(filepath.Join(l.runDir(runID), "events.jsonl"), line); err != nil {
		w.seq--
		return Event{}, err
	}
	return ev, nil
}

func (l *FileLedger) WriteReceipt(runID, flowKey, stepID, agentKey string, rc Receipt) error {
	w := l.writer(runID)
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(l.runDir(runID), flowKey, "receipts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create receipts dir: %v", ErrStorageUnavailable, err)
	}

	name := fmt.Sprintf("%s-%s.json", stepID, agentKey)
	if rc.Iteration > 1 {
		name = fmt.Sprintf("%s-%s.%d.json", stepID, agentKey, rc.Iteration)
	}
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal receipt: %v", ErrStorageUnavailable, err)
	}
	return atomicWrite(filepath.Join(dir, name), data)
}

func (l *FileLedger) AppendTranscriptRecord(runID, flowKey, stepID, agentKey, engineID string, rec TranscriptRecord) error {
	w := l.writer(runID)
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(l.runDir(runID), flowKey, "llm")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create transcript dir: %v", ErrStorageUnavailable, err)
	}

	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal transcript record: %v", ErrStorageUnavailable, err)
	}
	name := fmt.Sprintf("%s-%s-%s.jsonl", stepID, agentKey, engineID)
	return appendLine(filepath.Join(dir, name), line)
}

func (l *FileLedger) ReadEvents(runID string) ([]Event, error) {
	f, err := os.Open(filepath.Join(l.runDir(runID), "events.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open events: %v", ErrStorageUnavailable, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Torn trailing line from a crash mid-append.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan events: %v", ErrStorageUnavailable, err)
	}
	return events, nil
}

func (l *FileLedger) ReadHistory(runID string) ([]StepResult, error) {
	events, err := l.ReadEvents(runID)
	if err != nil {
		return nil, err
	}
	var history []StepResult
	for _, ev := range events {
		if ev.Kind != EventStepEnded && ev.Kind != EventStepSkipped {
			continue
		}
		raw, ok := ev.Payload["result"]
		if !ok {
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var r StepResult
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		history = append(history, r)
	}
	return history, nil
}

// atomicWrite writes data to a temp file in the target's directory and
// renames it into place.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrStorageUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp file: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp file: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename into place: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open for append: %v", ErrStorageUnavailable, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("%w: append line: %v", ErrStorageUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync append: %v", ErrStorageUnavailable, err)
	}
	return nil
}
