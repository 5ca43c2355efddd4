package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/models"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process UpgradeStore used when no database is
// configured and in tests. It follows the Postgres repository's semantics.
type MemoryRepository struct {
	mu       sync.RWMutex
	upgrades map[string]*models.Upgrade
	events   map[string][]models.UpgradeEvent
	nextID   int64
	now      func() time.Time
}

// NewMemoryRepository creates an empty store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		upgrades: make(map[string]*models.Upgrade),
		events:   make(map[string][]models.UpgradeEvent),
		now:      time.Now,
	}
}

// Create stores a copy of u. Existing ids are left untouched.
func (r *MemoryRepository) Create(_ context.Context, u *models.Upgrade) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	} else if _, err := uuid.Parse(u.ID); err != nil {
		return fmt.Errorf("invalid upgrade id %q: %w", u.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.upgrades[u.ID]; exists {
		return nil
	}
	r.upgrades[u.ID] = cloneUpgrade(u)
	r.appendEvent(u.ID, u.CreatedAt, nil, u.Status, ReasonCreated, nil)
	return nil
}

// Get returns a copy of the upgrade
func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Upgrade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.upgrades[id]
	if !ok {
		return nil, apperrors.NotFound("upgrade", id)
	}
	return cloneUpgrade(u), nil
}

// List returns upgrades newest first
func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*models.Upgrade, error) {
	r.mu.RLock()
	matched := make([]*models.Upgrade, 0, len(r.upgrades))
	for _, u := range r.upgrades {
		if filter.Status != nil && u.Status != *filter.Status {
			continue
		}
		if filter.Ecosystem != nil && u.Ecosystem != *filter.Ecosystem {
			continue
		}
		matched = append(matched, cloneUpgrade(u))
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return page(matched, filter.Offset, filter.Limit), nil
}

// ListStalePending returns pending upgrades not touched since updatedBefore
func (r *MemoryRepository) ListStalePending(_ context.Context, updatedBefore time.Time, limit int) ([]*models.Upgrade, error) {
	r.mu.RLock()
	var stale []*models.Upgrade
	for _, u := range r.upgrades {
		if u.Status == models.UpgradeStatusPending && u.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, cloneUpgrade(u))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	return page(stale, 0, limit), nil
}

// TouchPending bumps updatedAt of a pending upgrade
func (r *MemoryRepository) TouchPending(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.upgrades[id]
	if !ok {
		return apperrors.NotFound("upgrade", id)
	}
	if u.Status != models.UpgradeStatusPending {
		return apperrors.Conflict("upgrade", id,
			fmt.Sprintf("upgrade is %s, expected %s", u.Status, models.UpgradeStatusPending))
	}

	at = at.UTC()
	if at.Before(u.CreatedAt) {
		at = u.CreatedAt
	}
	u.UpdatedAt = at
	return nil
}

// Transition applies from -> to if the record is still in from
func (r *MemoryRepository) Transition(_ context.Context, id string, from, to models.UpgradeStatus, reason string, opts TransitionOptions) (*models.Upgrade, error) {
	if !models.CanTransition(from, to) {
		return nil, apperrors.Conflict("upgrade", id, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.upgrades[id]
	if !ok {
		return nil, apperrors.NotFound("upgrade", id)
	}
	if u.Status != from {
		return nil, apperrors.Conflict("upgrade", id,
			fmt.Sprintf("upgrade is %s, expected %s", u.Status, from))
	}

	now := r.now().UTC()
	if now.Before(u.CreatedAt) {
		now = u.CreatedAt
	}

	u.Status = to
	u.UpdatedAt = now
	if to.Terminal() {
		completed := now
		u.CompletedAt = &completed
	}
	if opts.ErrorMessage != "" {
		msg := opts.ErrorMessage
		u.ErrorMessage = &msg
	}
	if len(opts.Metadata) > 0 {
		u.Metadata = mergeMetadata(u.Metadata, opts.Metadata)
	}

	r.appendEvent(id, now, &from, to, reason, opts.EventMeta)
	return cloneUpgrade(u), nil
}

// CountByStatus returns the number of upgrades per status
func (r *MemoryRepository) CountByStatus(context.Context) (map[models.UpgradeStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.UpgradeStatus]int)
	for _, u := range r.upgrades {
		counts[u.Status]++
	}
	return counts, nil
}

// Events returns the transition history, oldest first
func (r *MemoryRepository) Events(_ context.Context, upgradeID string) ([]models.UpgradeEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.upgrades[upgradeID]; !ok {
		return nil, apperrors.NotFound("upgrade", upgradeID)
	}
	events := make([]models.UpgradeEvent, len(r.events[upgradeID]))
	copy(events, r.events[upgradeID])
	return events, nil
}

// appendEvent must be called with mu held
func (r *MemoryRepository) appendEvent(id string, at time.Time, from *models.UpgradeStatus, to models.UpgradeStatus, reason string, meta map[string]interface{}) {
	r.nextID++
	var fromCopy *models.UpgradeStatus
	if from != nil {
		f := *from
		fromCopy = &f
	}
	r.events[id] = append(r.events[id], models.UpgradeEvent{
		ID:         r.nextID,
		UpgradeID:  id,
		At:         at,
		FromStatus: fromCopy,
		ToStatus:   to,
		Reason:     reason,
		Meta:       mergeMetadata(nil, meta),
	})
}

func page(items []*models.Upgrade, offset, limit int) []*models.Upgrade {
	if offset < 0 || offset >= len(items) {
		return []*models.Upgrade{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneUpgrade(u *models.Upgrade) *models.Upgrade {
	c := *u
	c.Metadata = mergeMetadata(nil, u.Metadata)
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		c.CompletedAt = &t
	}
	if u.ErrorMessage != nil {
		m := *u.ErrorMessage
		c.ErrorMessage = &m
	}
	return &c
}

var _ UpgradeStore = (*MemoryRepository)(nil)
