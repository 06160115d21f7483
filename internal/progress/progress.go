// Package progress persists which cases of a batch are pending, completed or
// failed so an interrupted batch can be resumed.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"planscraper/internal/components/chrono"
	"planscraper/lib/osutil"
)

// FileName is the name of the progress file inside the output root.
const FileName = ".scrape_progress.json"

type State struct {
	Pending     []string          `json:"pending"`
	Completed   []string          `json:"completed"`
	Failed      []string          `json:"failed"`
	Reasons     map[string]string `json:"reasons,omitempty"`
	LastUpdated string            `json:"last_updated,omitempty"`
}

// Tracker keeps every case id in exactly one of the pending, completed and
// failed sets. Every mutation rewrites the whole file before returning.
type Tracker struct {
	path  string
	time  chrono.TimeAPI
	mutex sync.Mutex
	state State
}

// Open loads the progress file in dir, a missing file starts out empty.
func Open(dir string, clock chrono.TimeAPI) (*Tracker, error) {
	t := &Tracker{
		path: filepath.Join(dir, FileName),
		time: clock,
	}

	contents, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		t.state = emptyState()
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(contents, &t.state)
	if err != nil {
		return nil, fmt.Errorf("corrupt progress file %s: %w", t.path, err)
	}
	if t.state.Reasons == nil {
		t.state.Reasons = map[string]string{}
	}
	return t, nil
}

func emptyState() State {
	return State{
		Pending:   []string{},
		Completed: []string{},
		Failed:    []string{},
		Reasons:   map[string]string{},
	}
}

func (t *Tracker) Path() string {
	return t.path
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(other string) bool {
		return other == id
	})
}

func (t *Tracker) save() error {
	t.state.LastUpdated = t.time.Now().Format(time.RFC3339)
	err := os.MkdirAll(filepath.Dir(t.path), 0755)
	if err != nil {
		return err
	}
	return osutil.WriteJSONAtomic(t.path, t.state)
}

// Start replaces pending with ids, dropping duplicates, and clears the
// completed and failed sets.
func (t *Tracker) Start(ids []string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	pending := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		pending = append(pending, id)
	}

	t.state = emptyState()
	t.state.Pending = pending
	return t.save()
}

func (t *Tracker) MarkCompleted(id string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.state.Pending = without(t.state.Pending, id)
	t.state.Failed = without(t.state.Failed, id)
	t.state.Completed = append(without(t.state.Completed, id), id)
	delete(t.state.Reasons, id)
	return t.save()
}

func (t *Tracker) MarkFailed(id, reason string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.state.Pending = without(t.state.Pending, id)
	t.state.Completed = without(t.state.Completed, id)
	t.state.Failed = append(without(t.state.Failed, id), id)
	t.state.Reasons[id] = reason
	return t.save()
}

// Remaining returns the pending ids in their original order.
func (t *Tracker) Remaining() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return slices.Clone(t.state.Pending)
}

func (t *Tracker) Reset() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.state = emptyState()
	return t.save()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	reasons := make(map[string]string, len(t.state.Reasons))
	for k, v := range t.state.Reasons {
		reasons[k] = v
	}
	return State{
		Pending:     slices.Clone(t.state.Pending),
		Completed:   slices.Clone(t.state.Completed),
		Failed:      slices.Clone(t.state.Failed),
		Reasons:     reasons,
		LastUpdated: t.state.LastUpdated,
	}
}
