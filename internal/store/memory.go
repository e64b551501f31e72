package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"floodgate/internal/recurrence"
	"floodgate/internal/types"
)

// MemoryStore is the in-memory Store implementation. It keeps one mutex per
// schedule so that a slow series edit on one schedule never blocks writers of
// another, matching the per-schedule serialization contract.
//
// Lock ordering: the index mutex is never held while acquiring an entry
// mutex; index updates made under an entry mutex re-acquire the index mutex
// briefly. Entries looked up through the index may have been deleted by the
// time their mutex is acquired; every operation re-checks entry.deleted.
type MemoryStore struct {
	expander *recurrence.Expander
	now      func() time.Time

	mu        sync.RWMutex
	schedules map[string]*scheduleEntry
	occIndex  map[string]string // occurrence ID -> schedule ID
}

type scheduleEntry struct {
	mu       sync.Mutex
	deleted  bool
	schedule types.Schedule
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the store's clock. Intended for tests.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty MemoryStore using the given expander.
func NewMemoryStore(expander *recurrence.Expander, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		expander:  expander,
		now:       func() time.Time { return time.Now().UTC() },
		schedules: make(map[string]*scheduleEntry),
		occIndex:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, rule types.RecurrenceRule) (*types.Schedule, error) {
	slots, err := s.expander.Expand(rule)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sched := types.Schedule{
		ID:        newScheduleID(),
		Rule:      rule,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sched.Occurrences = s.materialize(sched.ID, rule, slots, now)

	entry := &scheduleEntry{schedule: sched}

	s.mu.Lock()
	s.schedules[sched.ID] = entry
	for _, occ := range sched.Occurrences {
		s.occIndex[occ.ID] = sched.ID
	}
	s.mu.Unlock()

	out := copySchedule(sched)
	return &out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, scheduleID string) (*types.Schedule, error) {
	entry := s.entry(scheduleID)
	if entry == nil {
		return nil, notFoundSchedule(scheduleID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, notFoundSchedule(scheduleID)
	}
	out := copySchedule(entry.schedule)
	return &out, nil
}

// EditSeries implements Store.
func (s *MemoryStore) EditSeries(_ context.Context, scheduleID string, rule types.RecurrenceRule) (*types.Schedule, error) {
	slots, err := s.expander.Expand(rule)
	if err != nil {
		return nil, err
	}

	entry := s.entry(scheduleID)
	if entry == nil {
		return nil, notFoundSchedule(scheduleID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, notFoundSchedule(scheduleID)
	}

	now := s.now()

	// Preserve past occurrences and exceptions verbatim; drop future
	// non-exception occurrences, they are replaced by the re-expansion.
	var kept []types.Occurrence
	var dropped []string
	for _, occ := range entry.schedule.Occurrences {
		if occ.IsException || !occ.Start.After(now) {
			kept = append(kept, occ)
			continue
		}
		dropped = append(dropped, occ.ID)
	}

	var added []types.Occurrence
	for _, slot := range slots {
		if !slot.Start.After(now) {
			continue
		}
		added = append(added, s.newOccurrence(scheduleID, rule, slot, now))
	}

	entry.schedule.Rule = rule
	entry.schedule.Occurrences = sortOccurrences(append(kept, added...))
	entry.schedule.UpdatedAt = now

	s.mu.Lock()
	for _, id := range dropped {
		delete(s.occIndex, id)
	}
	for _, occ := range added {
		s.occIndex[occ.ID] = scheduleID
	}
	s.mu.Unlock()

	out := copySchedule(entry.schedule)
	return &out, nil
}

// EditOccurrence implements Store.
func (s *MemoryStore) EditOccurrence(_ context.Context, occurrenceID string, patch types.OccurrencePatch) (*types.Occurrence, error) {
	if appErr := patch.Validate(); appErr != nil {
		return nil, appErr
	}

	entry := s.entryByOccurrence(occurrenceID)
	if entry == nil {
		return nil, notFoundOccurrence(occurrenceID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, notFoundOccurrence(occurrenceID)
	}

	for i := range entry.schedule.Occurrences {
		occ := &entry.schedule.Occurrences[i]
		if occ.ID != occurrenceID {
			continue
		}
		if occ.Status.Terminal() {
			return nil, immutableOccurrence(occurrenceID, occ.Status)
		}

		occ.Start = patch.Start
		occ.End = patch.End
		occ.DurationMinutes = patch.DurationMinutes
		occ.IsException = true
		occ.UpdatedAt = s.now()

		entry.schedule.Occurrences = sortOccurrences(entry.schedule.Occurrences)
		// Re-find after the sort moved things around.
		for _, o := range entry.schedule.Occurrences {
			if o.ID == occurrenceID {
				out := o
				return &out, nil
			}
		}
	}

	return nil, notFoundOccurrence(occurrenceID)
}

// DeleteSeries implements Store. Deleting an unknown schedule is a no-op
// success.
func (s *MemoryStore) DeleteSeries(_ context.Context, scheduleID string) error {
	entry := s.entry(scheduleID)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil
	}
	entry.deleted = true

	s.mu.Lock()
	delete(s.schedules, scheduleID)
	for _, occ := range entry.schedule.Occurrences {
		delete(s.occIndex, occ.ID)
	}
	s.mu.Unlock()

	return nil
}

// DeleteOccurrence implements Store. Deleting an unknown occurrence is a
// no-op success; deleting a terminal occurrence is rejected.
func (s *MemoryStore) DeleteOccurrence(_ context.Context, occurrenceID string) error {
	entry := s.entryByOccurrence(occurrenceID)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil
	}

	occs := entry.schedule.Occurrences
	for i, occ := range occs {
		if occ.ID != occurrenceID {
			continue
		}
		if occ.Status.Terminal() {
			return immutableOccurrence(occurrenceID, occ.Status)
		}

		entry.schedule.Occurrences = append(occs[:i:i], occs[i+1:]...)
		entry.schedule.UpdatedAt = s.now()

		s.mu.Lock()
		delete(s.occIndex, occurrenceID)
		s.mu.Unlock()
		return nil
	}

	return nil
}

// ListOccurrences implements Store.
func (s *MemoryStore) ListOccurrences(_ context.Context, from, to time.Time) ([]types.Occurrence, error) {
	var out []types.Occurrence
	for _, entry := range s.entries() {
		entry.mu.Lock()
		if !entry.deleted {
			for _, occ := range entry.schedule.Occurrences {
				if occ.Start.Before(from) {
					continue
				}
				if !to.IsZero() && !occ.Start.Before(to) {
					continue
				}
				out = append(out, occ)
			}
		}
		entry.mu.Unlock()
	}
	return sortOccurrences(out), nil
}

// ListDue implements Store.
func (s *MemoryStore) ListDue(_ context.Context, asOf time.Time) ([]types.Occurrence, error) {
	var out []types.Occurrence
	for _, entry := range s.entries() {
		entry.mu.Lock()
		if !entry.deleted {
			for _, occ := range entry.schedule.Occurrences {
				if occ.Due(asOf) {
					out = append(out, occ)
				}
			}
		}
		entry.mu.Unlock()
	}
	return sortOccurrences(out), nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, occurrenceID string, at time.Time) (bool, error) {
	entry := s.entryByOccurrence(occurrenceID)
	if entry == nil {
		return false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return false, nil
	}

	for i := range entry.schedule.Occurrences {
		occ := &entry.schedule.Occurrences[i]
		if occ.ID != occurrenceID {
			continue
		}
		if occ.Status != types.OccurrenceStatusPending || occ.DispatchedAt != nil {
			return false, nil
		}
		dispatched := at
		occ.DispatchedAt = &dispatched
		occ.UpdatedAt = at
		return true, nil
	}

	return false, nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(_ context.Context, occurrenceID string, status types.OccurrenceStatus) error {
	if !status.Terminal() {
		return types.NewAppError(
			types.ErrCodeInternalStore,
			"resolve requires a terminal status",
			nil,
		)
	}

	entry := s.entryByOccurrence(occurrenceID)
	if entry == nil {
		return notFoundOccurrence(occurrenceID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return notFoundOccurrence(occurrenceID)
	}

	for i := range entry.schedule.Occurrences {
		occ := &entry.schedule.Occurrences[i]
		if occ.ID != occurrenceID {
			continue
		}
		if occ.Status.Terminal() {
			return immutableOccurrence(occurrenceID, occ.Status)
		}
		occ.Status = status
		occ.UpdatedAt = s.now()
		return nil
	}

	return notFoundOccurrence(occurrenceID)
}

// --- internals ---

func (s *MemoryStore) entry(scheduleID string) *scheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedules[scheduleID]
}

func (s *MemoryStore) entryByOccurrence(occurrenceID string) *scheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scheduleID, ok := s.occIndex[occurrenceID]
	if !ok {
		return nil
	}
	return s.schedules[scheduleID]
}

func (s *MemoryStore) entries() []*scheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*scheduleEntry, 0, len(s.schedules))
	for _, e := range s.schedules {
		out = append(out, e)
	}
	return out
}

func (s *MemoryStore) materialize(scheduleID string, rule types.RecurrenceRule, slots []recurrence.Slot, now time.Time) []types.Occurrence {
	occs := make([]types.Occurrence, 0, len(slots))
	for _, slot := range slots {
		occs = append(occs, s.newOccurrence(scheduleID, rule, slot, now))
	}
	return sortOccurrences(occs)
}

func (s *MemoryStore) newOccurrence(scheduleID string, rule types.RecurrenceRule, slot recurrence.Slot, now time.Time) types.Occurrence {
	return types.Occurrence{
		ID:              newOccurrenceID(),
		ScheduleID:      scheduleID,
		DeviceID:        rule.DeviceID,
		Start:           slot.Start,
		End:             slot.End,
		DurationMinutes: rule.DurationMinutes,
		Status:          types.OccurrenceStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func newScheduleID() string {
	return "sch_" + uuid.New().String()
}

func newOccurrenceID() string {
	return "occ_" + uuid.New().String()
}

// sortOccurrences orders by start, then schedule ID, then occurrence ID.
// The tie-breakers keep due processing and listings deterministic.
func sortOccurrences(occs []types.Occurrence) []types.Occurrence {
	sort.Slice(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		if occs[i].ScheduleID != occs[j].ScheduleID {
			return occs[i].ScheduleID < occs[j].ScheduleID
		}
		return occs[i].ID < occs[j].ID
	})
	return occs
}

func copySchedule(sched types.Schedule) types.Schedule {
	out := sched
	out.Occurrences = make([]types.Occurrence, len(sched.Occurrences))
	copy(out.Occurrences, sched.Occurrences)
	return out
}

func notFoundSchedule(id string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeNotFoundSchedule,
		"schedule not found",
		nil,
		map[string]any{"schedule_id": id},
	)
}

func notFoundOccurrence(id string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeNotFoundOccurrence,
		"occurrence not found",
		nil,
		map[string]any{"occurrence_id": id},
	)
}

func immutableOccurrence(id string, status types.OccurrenceStatus) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeConflictOccurrenceImmutable,
		"occurrence is in a terminal state and cannot be modified",
		nil,
		map[string]any{"occurrence_id": id, "status": string(status)},
	)
}
