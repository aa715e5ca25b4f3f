package stroom

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is the in-memory Store used by engine tests. It mirrors the
// SQL stores' semantics: version-checked process updates, step rows
// ordered by executed_at, a single settings row.
type memStore struct {
	mu        sync.Mutex
	processes map[string]Process
	steps     []ProcessStep
	workflows map[string]WorkflowRecord
	subs      []ProcessSubscription
	settings  EngineSettings
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		processes: map[string]Process{},
		workflows: map[string]WorkflowRecord{},
	}
}

func (m *memStore) Init(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) CreateProcess(_ context.Context, p Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[p.ID] = p
	return nil
}

func (m *memStore) GetProcess(_ context.Context, id string) (Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return Process{}, NewError(KindNotFound, "process %s", id)
	}
	return p, nil
}

func (m *memStore) UpdateProcess(_ context.Context, p Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.processes[p.ID]
	if !ok {
		return NewError(KindNotFound, "process %s", p.ID)
	}
	if cur.Version != p.Version {
		return NewError(KindStaleData, "process %s version %d", p.ID, p.Version)
	}
	p.Version++
	m.processes[p.ID] = p
	return nil
}

func (m *memStore) ListProcesses(_ context.Context, statuses ...ProcessStatus) ([]Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Process
	for _, p := range m.processes {
		if len(statuses) == 0 {
			out = append(out, p)
			continue
		}
		for _, s := range statuses {
			if p.LastStatus == s {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *memStore) DeleteCompletedTasks(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.processes {
		if p.IsTask && p.LastStatus == StatusCompleted && p.LastModifiedAt.Before(cutoff) {
			delete(m.processes, id)
			kept := m.steps[:0]
			for _, s := range m.steps {
				if s.ProcessID != id {
					kept = append(kept, s)
				}
			}
			m.steps = kept
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertStep(_ context.Context, row ProcessStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.State = row.State.Clone()
	m.steps = append(m.steps, row)
	return nil
}

func (m *memStore) UpdateStep(_ context.Context, row ProcessStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.steps {
		if m.steps[i].ID == row.ID {
			row.State = row.State.Clone()
			row.CommitHash = m.steps[i].CommitHash
			m.steps[i] = row
			return nil
		}
	}
	return NewError(KindNotFound, "step row %s", row.ID)
}

func (m *memStore) ListSteps(_ context.Context, processID string) ([]ProcessStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProcessStep
	for _, s := range m.steps {
		if s.ProcessID == processID {
			s.State = s.State.Clone()
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (m *memStore) UpsertWorkflow(_ context.Context, rec WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.workflows[rec.Name]; ok {
		cur.Target = rec.Target
		cur.Description = rec.Description
		m.workflows[rec.Name] = cur
		return nil
	}
	m.workflows[rec.Name] = rec
	return nil
}

func (m *memStore) GetWorkflowRecord(_ context.Context, name string) (WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workflows[name]
	if !ok {
		return WorkflowRecord{}, NewError(KindNotFound, "workflow %s", name)
	}
	return rec, nil
}

func (m *memStore) ListWorkflowRecords(context.Context) ([]WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WorkflowRecord
	for _, rec := range m.workflows {
		if rec.DeletedAt == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) SoftDeleteWorkflow(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.workflows[name]; ok && rec.DeletedAt == nil {
		now := time.Now()
		rec.DeletedAt = &now
		m.workflows[name] = rec
	}
	return nil
}

func (m *memStore) LinkSubscription(_ context.Context, link ProcessSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.subs {
		if l.ProcessID == link.ProcessID && l.SubscriptionID == link.SubscriptionID && l.Target == link.Target {
			return nil
		}
	}
	m.subs = append(m.subs, link)
	return nil
}

func (m *memStore) ListProcessSubscriptions(_ context.Context, processID string) ([]ProcessSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProcessSubscription
	for _, l := range m.subs {
		if l.ProcessID == processID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) GetSettings(context.Context) (EngineSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStore) SetGlobalLock(_ context.Context, locked bool) (EngineSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.GlobalLock = locked
	return m.settings, nil
}

func (m *memStore) TryBeginRun(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings.GlobalLock {
		return false, nil
	}
	m.settings.RunningProcesses++
	return true, nil
}

func (m *memStore) EndRun(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings.RunningProcesses > 0 {
		m.settings.RunningProcesses--
	}
	return nil
}
