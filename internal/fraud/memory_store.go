package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/sokohub/sentinel/internal/idgen"
)

// MemoryStore is an in-memory implementation of AlertStore, BlacklistStore,
// HistoryStore, and ActivityLogStore for demo and test use.
type MemoryStore struct {
	mu sync.RWMutex

	alerts    map[string]*FraudAlert
	alertIDs  []string // insertion order, newest last
	blacklist []*BlacklistEntry

	lastLocation map[string]*LocationRecord        // actor -> last location
	devices      map[string]map[string]time.Time   // actor -> fingerprint -> first seen
	amounts      map[string][]float64              // actor|type -> past amounts
	activity     []*ActivityLogEntry
}

// NewMemoryStore creates an empty in-memory fraud store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:       make(map[string]*FraudAlert),
		lastLocation: make(map[string]*LocationRecord),
		devices:      make(map[string]map[string]time.Time),
		amounts:      make(map[string][]float64),
	}
}

// --- AlertStore ---

func (s *MemoryStore) CreateAlert(_ context.Context, alert *FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.ID == "" {
		alert.ID = idgen.WithPrefix("alert_")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	cp := copyAlert(alert)
	s.alerts[cp.ID] = cp
	s.alertIDs = append(s.alertIDs, cp.ID)
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return copyAlert(alert), nil
}

func (s *MemoryStore) ResolveAlert(_ context.Context, id, resolution, resolvedBy string) (*FraudAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if alert.Status == AlertResolved {
		// Idempotent: already-resolved stays as-is.
		return copyAlert(alert), nil
	}

	now := time.Now()
	alert.Status = AlertResolved
	alert.Resolution = resolution
	alert.ResolvedBy = resolvedBy
	alert.ResolvedAt = &now
	return copyAlert(alert), nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, status AlertStatus, limit int) ([]*FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*FraudAlert
	for i := len(s.alertIDs) - 1; i >= 0 && len(result) < limit; i-- {
		alert := s.alerts[s.alertIDs[i]]
		if status != "" && alert.Status != status {
			continue
		}
		result = append(result, copyAlert(alert))
	}
	return result, nil
}

func (s *MemoryStore) AlertStats(_ context.Context) (*AlertStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &AlertStats{ByType: make(map[string]int64)}
	for _, alert := range s.alerts {
		if alert.Status == AlertActive {
			stats.Active++
		} else {
			stats.Resolved++
		}
		stats.ByType[alert.AlertType]++
	}
	return stats, nil
}

// --- BlacklistStore ---

func (s *MemoryStore) Add(_ context.Context, entry *BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, existing := range s.blacklist {
		if existing.Active && !existing.Expired(now) &&
			existing.EntityType == entry.EntityType && existing.EntityValue == entry.EntityValue {
			return ErrBlacklistExists
		}
	}

	if entry.ID == "" {
		entry.ID = idgen.WithPrefix("bl_")
	}
	entry.Active = true
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	cp := *entry
	s.blacklist = append(s.blacklist, &cp)
	return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.blacklist {
		if entry.ID == id {
			entry.Active = false
			return nil
		}
	}
	return ErrBlacklistNotFound
}

func (s *MemoryStore) FindActive(_ context.Context, entityType EntityType, value string) (*BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, entry := range s.blacklist {
		if entry.Active && !entry.Expired(now) &&
			entry.EntityType == entityType && entry.EntityValue == value {
			cp := *entry
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, activeOnly bool, limit int) ([]*BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*BlacklistEntry
	for i := len(s.blacklist) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.blacklist[i]
		if activeOnly && !entry.Active {
			continue
		}
		cp := *entry
		result = append(result, &cp)
	}
	return result, nil
}

// --- HistoryStore ---

func (s *MemoryStore) LastLocation(_ context.Context, actor string) (*LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.lastLocation[actor]
	if !ok {
		return nil, nil
	}
	cp := *loc
	return &cp, nil
}

func (s *MemoryStore) RecordLocation(_ context.Context, actor string, loc *LocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *loc
	s.lastLocation[actor] = &cp
	return nil
}

func (s *MemoryStore) IsKnownDevice(_ context.Context, actor, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.devices[actor][fingerprint]
	return ok, nil
}

func (s *MemoryStore) RecordDevice(_ context.Context, actor, fingerprint string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.devices[actor] == nil {
		s.devices[actor] = make(map[string]time.Time)
	}
	if _, ok := s.devices[actor][fingerprint]; !ok {
		s.devices[actor][fingerprint] = seen
	}
	return nil
}

func (s *MemoryStore) AverageAmount(_ context.Context, actor string, activityType ActivityType) (float64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	amounts := s.amounts[amountKey(actor, activityType)]
	if len(amounts) == 0 {
		return 0, 0, nil
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	return sum / float64(len(amounts)), int64(len(amounts)), nil
}

func (s *MemoryStore) RecordAmount(_ context.Context, actor string, activityType ActivityType, amount float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := amountKey(actor, activityType)
	s.amounts[key] = append(s.amounts[key], amount)
	return nil
}

// --- ActivityLogStore ---

func (s *MemoryStore) AppendActivity(_ context.Context, entry *ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("act_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.activity = append(s.activity, &cp)
	return nil
}

func (s *MemoryStore) ListActivity(_ context.Context, actor string, limit int) ([]*ActivityLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*ActivityLogEntry
	for i := len(s.activity) - 1; i >= 0 && len(result) < limit; i-- {
		if actor != "" && s.activity[i].Actor != actor {
			continue
		}
		cp := *s.activity[i]
		result = append(result, &cp)
	}
	return result, nil
}

func amountKey(actor string, activityType ActivityType) string {
	return actor + "|" + string(activityType)
}

func copyAlert(a *FraudAlert) *FraudAlert {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
