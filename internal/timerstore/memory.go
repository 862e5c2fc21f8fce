package timerstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// MemoryStore is an in-memory TimerStore for tests and single-process dev
// mode. It mirrors the PostgresStore semantics exactly, including upsert by
// (guild, namespace, key) and millisecond exec_at resolution.
type MemoryStore struct {
	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*domain.ScheduledTask

	// failNext makes the next n calls return failErr (set through
	// FailNextCalls), for exercising the scheduler's degraded paths.
	failNext int
	failErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		tasks:  make(map[uint64]*domain.ScheduledTask),
	}
}

// FailNextCalls makes the next n store calls fail with err.
func (s *MemoryStore) FailNextCalls(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

func (s *MemoryStore) maybeFail() error {
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	return nil
}

func (s *MemoryStore) GetNextTaskTime(_ context.Context, guildID domain.GuildID, excludeIDs []uint64, includeNames []string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return nil, err
	}

	var best *time.Time
	for _, t := range s.eligible(guildID, excludeIDs, includeNames) {
		if best == nil || t.ExecAt.Before(*best) {
			at := t.ExecAt
			best = &at
		}
	}
	return best, nil
}

func (s *MemoryStore) GetTriggeredTasks(_ context.Context, guildID domain.GuildID, now time.Time, excludeIDs []uint64, includeNames []string) ([]*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return nil, err
	}

	var out []*domain.ScheduledTask
	for _, t := range s.eligible(guildID, excludeIDs, includeNames) {
		if !t.ExecAt.After(now) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecAt.Before(out[j].ExecAt) })
	return out, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, guildID domain.GuildID, namespace string, uniqueKey *string, data json.RawMessage, execAt time.Time) (*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return nil, err
	}

	if len(data) == 0 {
		data = json.RawMessage(`null`)
	}
	execAt = execAt.UTC().Truncate(time.Millisecond)

	if uniqueKey != nil {
		for _, t := range s.tasks {
			if t.GuildID == guildID && t.Namespace == namespace && t.UniqueKey != nil && *t.UniqueKey == *uniqueKey {
				t.Data = append(json.RawMessage(nil), data...)
				t.ExecAt = execAt
				return copyTask(t), nil
			}
		}
	}

	task := &domain.ScheduledTask{
		ID:        s.nextID,
		GuildID:   guildID,
		Namespace: namespace,
		Data:      append(json.RawMessage(nil), data...),
		ExecAt:    execAt,
	}
	if uniqueKey != nil {
		k := *uniqueKey
		task.UniqueKey = &k
	}
	s.nextID++
	s.tasks[task.ID] = task
	return copyTask(task), nil
}

func (s *MemoryStore) GetTaskByID(_ context.Context, guildID domain.GuildID, id uint64) (*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return nil, err
	}

	t, ok := s.tasks[id]
	if !ok || t.GuildID != guildID {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryStore) GetTaskByKey(_ context.Context, guildID domain.GuildID, namespace, key string) (*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return nil, err
	}

	for _, t := range s.tasks {
		if t.GuildID == guildID && t.Namespace == namespace && t.UniqueKey != nil && *t.UniqueKey == key {
			return copyTask(t), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetTasks(_ context.Context, guildID domain.GuildID, namespace *string, afterID uint64, limit int) ([]*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return nil, err
	}

	var out []*domain.ScheduledTask
	for _, t := range s.tasks {
		if t.GuildID != guildID || t.ID <= afterID {
			continue
		}
		if namespace != nil && t.Namespace != *namespace {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetTaskCount(_ context.Context, guildID domain.GuildID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return 0, err
	}

	var n uint64
	for _, t := range s.tasks {
		if t.GuildID == guildID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DelTaskByID(_ context.Context, guildID domain.GuildID, id uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return 0, err
	}

	if t, ok := s.tasks[id]; ok && t.GuildID == guildID {
		delete(s.tasks, id)
		return 1, nil
	}
	return 0, nil
}

func (s *MemoryStore) DelTaskByKey(_ context.Context, guildID domain.GuildID, namespace, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return 0, err
	}

	for id, t := range s.tasks {
		if t.GuildID == guildID && t.Namespace == namespace && t.UniqueKey != nil && *t.UniqueKey == key {
			delete(s.tasks, id)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *MemoryStore) DelAllTasks(_ context.Context, guildID domain.GuildID, namespace *string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return 0, err
	}

	var n uint64
	for id, t := range s.tasks {
		if t.GuildID != guildID {
			continue
		}
		if namespace != nil && t.Namespace != *namespace {
			continue
		}
		delete(s.tasks, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) eligible(guildID domain.GuildID, excludeIDs []uint64, includeNames []string) []*domain.ScheduledTask {
	excluded := make(map[uint64]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	included := make(map[string]struct{}, len(includeNames))
	for _, n := range includeNames {
		included[n] = struct{}{}
	}

	var out []*domain.ScheduledTask
	for _, t := range s.tasks {
		if t.GuildID != guildID {
			continue
		}
		if _, ok := excluded[t.ID]; ok {
			continue
		}
		if _, ok := included[t.Namespace]; !ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

func copyTask(t *domain.ScheduledTask) *domain.ScheduledTask {
	c := *t
	c.Data = append(json.RawMessage(nil), t.Data...)
	if t.UniqueKey != nil {
		k := *t.UniqueKey
		c.UniqueKey = &k
	}
	return &c
}
