// Package memory holds in-process implementations of the repository interfaces
// used by tests and by single-node local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/adherence-call-pipeline/internal/domain"
	"github.com/acme/adherence-call-pipeline/internal/repository"
)

// CallStore keeps call records in a map guarded by a mutex.
type CallStore struct {
	mu         sync.Mutex
	calls      map[uuid.UUID]*domain.Call
	byProvider map[string]uuid.UUID
	dueRetries map[uuid.UUID]struct{}
	updates    int
}

func NewCallStore() *CallStore {
	return &CallStore{
		calls:      make(map[uuid.UUID]*domain.Call),
		byProvider: make(map[string]uuid.UUID),
		dueRetries: make(map[uuid.UUID]struct{}),
	}
}

func (s *CallStore) CreateCall(ctx context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[call.ID]; ok {
		return fmt.Errorf("memory: call %s: %w", call.ID, repository.ErrConflict)
	}
	now := time.Now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	if call.Version == 0 {
		call.Version = 1
	}
	s.calls[call.ID] = call.Clone()
	if call.ProviderCallID != "" {
		s.byProvider[call.ProviderCallID] = call.ID
	}
	if call.IsRetry && call.Status == domain.CallStatusScheduled {
		s.dueRetries[call.ID] = struct{}{}
	}
	return nil
}

func (s *CallStore) GetCall(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return call.Clone(), nil
}

func (s *CallStore) FindByProviderCallID(ctx context.Context, providerCallID string) (*domain.Call, error) {
	s.mu.Lock()
	id, ok := s.byProvider[providerCallID]
	s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetCall(ctx, id)
}

// UpdateCall applies mutate under the store lock, which stands in for compare-and-set.
func (s *CallStore) UpdateCall(ctx context.Context, id uuid.UUID, mutate repository.CallMutation) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, repository.ErrNoChange) {
			return current.Clone(), nil
		}
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	s.calls[id] = next
	s.updates++
	if next.ProviderCallID != "" {
		s.byProvider[next.ProviderCallID] = id
	}
	return next.Clone(), nil
}

func (s *CallStore) ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time, limit int, pageToken []byte) ([]domain.Call, []byte, error) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if len(pageToken) > 0 {
		n, err := strconv.Atoi(string(pageToken))
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("memory: bad page token")
		}
		offset = n
	}

	s.mu.Lock()
	var matched []domain.Call
	for _, c := range s.calls {
		if c.PatientID != patientID {
			continue
		}
		if !from.IsZero() && c.ScheduledAt.Before(from) {
			continue
		}
		if !to.IsZero() && !c.ScheduledAt.Before(to) {
			continue
		}
		matched = append(matched, *c.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ScheduledAt.Equal(matched[j].ScheduledAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].ScheduledAt.After(matched[j].ScheduledAt)
	})

	if offset >= len(matched) {
		return nil, nil, nil
	}
	end := offset + limit
	var next []byte
	if end < len(matched) {
		next = []byte(strconv.Itoa(end))
	} else {
		end = len(matched)
	}
	return matched[offset:end], next, nil
}

func (s *CallStore) ListDueRetries(ctx context.Context, now time.Time, lookBack time.Duration) ([]domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Call
	for id := range s.dueRetries {
		c := s.calls[id]
		if c.ScheduledAt.After(now) || c.ScheduledAt.Before(now.Add(-lookBack)) {
			continue
		}
		due = append(due, *c.Clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due, nil
}

func (s *CallStore) RemoveDueRetry(ctx context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dueRetries, call.ID)
	return nil
}

// All returns every stored call, oldest first.
func (s *CallStore) All() []domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Updates counts successful writes through UpdateCall.
func (s *CallStore) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}
