package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"stress-sentry/internal/hub"
	"stress-sentry/internal/telemetry"
	"stress-sentry/internal/util"
)

type EntryType string

const (
	EntryProcessStarted      EntryType = "processStarted"
	EntrySimulationStarted   EntryType = EntryType(telemetry.EventSimulationStarted)
	EntrySimulationCompleted EntryType = EntryType(telemetry.EventSimulationCompleted)
	EntryProbeTimeout        EntryType = "probeTimeout"
	EntryProbeError          EntryType = "probeError"
)

// Entry is one line of the journal.
type Entry struct {
	Timestamp     time.Time      `json:"ts"`
	Type          EntryType      `json:"type"`
	ID            string         `json:"id,omitempty"`
	Kind          telemetry.Kind `json:"kind,omitempty"`
	LatencyMillis float64        `json:"latencyMs,omitempty"`
	Detail        string         `json:"detail,omitempty"`
	Instance      string         `json:"instance,omitempty"`
}

// String renders the entry on one line for terminals.
func (e Entry) String() string {
	ts := e.Timestamp.Local().Format("15:04:05.000")
	switch e.Type {
	case EntrySimulationStarted, EntrySimulationCompleted:
		return fmt.Sprintf("%s %-20s %-15s %s", ts, e.Type, e.Kind, e.ID)
	case EntryProbeTimeout, EntryProbeError:
		return fmt.Sprintf("%s %-20s %.0fms %s", ts, e.Type, e.LatencyMillis, e.Detail)
	default:
		return fmt.Sprintf("%s %-20s %s", ts, e.Type, e.Instance)
	}
}

// Journal is an append-only JSONL record of simulation lifecycle events and
// probe incidents. Every line is fsynced so it survives a crash of the
// process it describes.
type Journal struct {
	path     string
	instance string
	previous string
	clock    util.Clock

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	log *log.Entry
}

// Open appends to the journal at path, creating it if needed, and records
// the start of this process lifetime.
func Open(path, instance string, clock util.Clock) (*Journal, error) {
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	var previous string
	if existing, err := ReadAll(path); err == nil {
		for i := len(existing) - 1; i >= 0; i-- {
			if existing[i].Type == EntryProcessStarted {
				previous = existing[i].Instance
				break
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j := &Journal{
		path:     path,
		instance: instance,
		previous: previous,
		clock:    clock,
		f:        f,
		enc:      json.NewEncoder(f),
		log:      log.WithField("component", "journal"),
	}
	if err := j.Write(Entry{Type: EntryProcessStarted, Instance: instance}); err != nil {
		f.Close()
		return nil, err
	}
	if previous != "" {
		j.log.Infof("previous process instance %s found in %s", previous, path)
	}
	return j, nil
}

// PreviousInstance is the instance id of the last process that wrote to the
// journal, or empty if there was none.
func (j *Journal) PreviousInstance() string {
	return j.previous
}

func (j *Journal) Path() string {
	return j.path
}

// Write appends e and fsyncs. A zero timestamp is filled from the clock.
func (j *Journal) Write(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock.Now().UTC()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return j.f.Sync()
}

// Process turns hub messages into journal entries. Metrics snapshots and
// successful probes are not journaled.
func (j *Journal) Process(m hub.Message) {
	var e Entry
	switch {
	case m.Simulation != nil:
		e = Entry{
			Timestamp: m.Simulation.Timestamp,
			Type:      EntryType(m.Simulation.Type),
			ID:        m.Simulation.ID,
			Kind:      m.Simulation.Kind,
		}
	case m.Latency != nil && m.Latency.IsTimeout:
		e = Entry{Timestamp: m.Latency.Timestamp, Type: EntryProbeTimeout, LatencyMillis: m.Latency.LatencyMillis, Detail: m.Latency.ErrorDetail}
	case m.Latency != nil && m.Latency.IsError:
		e = Entry{Timestamp: m.Latency.Timestamp, Type: EntryProbeError, LatencyMillis: m.Latency.LatencyMillis, Detail: m.Latency.ErrorDetail}
	default:
		return
	}
	if err := j.Write(e); err != nil {
		j.log.Errorf("write error: %v", err)
	}
}

// Run journals messages from h until ctx is done.
func (j *Journal) Run(ctx context.Context, h *hub.Hub) {
	h.Consume(ctx, j.Process)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Decode parses one journal line. Simulation entries must name a known kind.
func Decode(line string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return e, err
	}
	switch e.Type {
	case EntrySimulationStarted, EntrySimulationCompleted:
		if !e.Kind.Valid() {
			return e, fmt.Errorf("unknown simulation kind %q", e.Kind)
		}
	}
	return e, nil
}

// ReadAll reads every well-formed entry in the journal at path. Lines that
// do not parse, such as a torn final line, are skipped.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if e, err := Decode(line); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, scanner.Err()
}
