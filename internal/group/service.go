// Package group validates a set of matches and turns it into a carpool group
// with roles and a seat allocation.
package group

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/school-carpool/internal/models"
	"github.com/example/school-carpool/internal/observability"
)

// MatchLookup answers whether two families have a mutual match.
// match.Registry satisfies it.
type MatchLookup interface {
	Get(ctx context.Context, a, b string) (models.Match, bool, error)
}

// Store persists groups. Create must be atomic on the idempotency key: when a
// group with g.IdempotencyKey already exists it returns that group and
// created is false.
type Store interface {
	Group(ctx context.Context, id string) (models.CarpoolGroup, error)
	FindByKey(ctx context.Context, key string) (models.CarpoolGroup, bool, error)
	ActiveByAdmin(ctx context.Context, adminID string) ([]models.CarpoolGroup, error)
	Create(ctx context.Context, g models.CarpoolGroup) (stored models.CarpoolGroup, created bool, err error)
}

type Service struct {
	matches MatchLookup
	store   Store
	locks   keyLocks
	clock   func() time.Time
	logger  *slog.Logger
}

func NewService(matches MatchLookup, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{matches: matches, store: store, clock: time.Now, logger: logger}
}

// Form builds a group administered by admin from families admin has matched
// with. A repeated request for the same admin, school and member set returns
// the group created the first time. Nothing is stored when validation fails.
func (s *Service) Form(ctx context.Context, admin models.Family, matched []models.Family, customName string) (models.CarpoolGroup, error) {
	members := uniqueMembers(admin.ID, matched)
	if len(members) == 0 {
		return s.fail(&FormationError{Reason: ErrNoMatchesProvided})
	}

	matchedAt := make(map[string]time.Time, len(members))
	for _, f := range members {
		m, ok, err := s.matches.Get(ctx, admin.ID, f.ID)
		if err != nil {
			observability.GroupsFormed.WithLabelValues("error").Inc()
			return models.CarpoolGroup{}, fmt.Errorf("look up match %s-%s: %w", admin.ID, f.ID, err)
		}
		if !ok {
			return s.fail(&FormationError{Reason: ErrNotMatched, Detail: f.ID})
		}
		matchedAt[f.ID] = m.CreatedAt
	}

	all := append([]models.Family{admin}, members...)
	offered, requested := Capacity(all)
	if requested > offered {
		return s.fail(&FormationError{
			Reason: ErrInsufficientCapacity,
			Detail: fmt.Sprintf("%d seats requested, %d offered", requested, offered),
		})
	}

	ids := make([]string, len(members))
	for i, f := range members {
		ids[i] = f.ID
	}
	key := IdempotencyKey(admin.ID, admin.SchoolID, ids)

	// One lock per admin covers every key the admin can produce and the
	// overlap check against the admin's other groups.
	unlock := s.locks.lock(admin.ID)
	defer unlock()

	if g, ok, err := s.store.FindByKey(ctx, key); err != nil {
		observability.GroupsFormed.WithLabelValues("error").Inc()
		return models.CarpoolGroup{}, fmt.Errorf("find group by key: %w", err)
	} else if ok {
		observability.GroupsFormed.WithLabelValues("existing").Inc()
		return g, nil
	}

	active, err := s.store.ActiveByAdmin(ctx, admin.ID)
	if err != nil {
		observability.GroupsFormed.WithLabelValues("error").Inc()
		return models.CarpoolGroup{}, fmt.Errorf("list admin groups: %w", err)
	}
	for i := range active {
		if shared := sharedMembers(active[i], all); len(shared) >= 2 {
			g := active[i]
			return s.fail(&FormationError{
				Reason: ErrDuplicateGroup,
				Detail: fmt.Sprintf("group %s already has %s", g.ID, strings.Join(shared, ", ")),
				Group:  &g,
			})
		}
	}

	now := s.clock().UTC()
	g := models.CarpoolGroup{
		ID:             uuid.NewString(),
		Name:           groupName(admin, customName),
		AdminID:        admin.ID,
		SchoolID:       admin.SchoolID,
		Members:        assignRoles(admin, members, matchedAt, now),
		IdempotencyKey: key,
		Status:         models.GroupStatusActive,
		CreatedAt:      now,
	}
	g.Allocations = AllocateSeats(g.Members)

	stored, created, err := s.store.Create(ctx, g)
	if err != nil {
		observability.GroupsFormed.WithLabelValues("error").Inc()
		return models.CarpoolGroup{}, fmt.Errorf("store group: %w", err)
	}
	if !created {
		// another process won the insert for this key
		observability.GroupsFormed.WithLabelValues("existing").Inc()
		return stored, nil
	}
	observability.GroupsFormed.WithLabelValues("created").Inc()
	s.logger.Info("group formed",
		"group_id", stored.ID,
		"admin_id", stored.AdminID,
		"members", len(stored.Members),
		"seats_offered", offered,
		"seats_requested", requested,
	)
	return stored, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.CarpoolGroup, error) {
	return s.store.Group(ctx, id)
}

func (s *Service) fail(err *FormationError) (models.CarpoolGroup, error) {
	observability.GroupsFormed.WithLabelValues(outcomeLabel(err.Reason)).Inc()
	s.logger.Debug("group formation rejected", "reason", err.Reason.Error(), "detail", err.Detail)
	return models.CarpoolGroup{}, err
}

func outcomeLabel(reason error) string {
	switch reason {
	case ErrNoMatchesProvided:
		return "no_matches"
	case ErrNotMatched:
		return "not_matched"
	case ErrInsufficientCapacity:
		return "insufficient_capacity"
	case ErrDuplicateGroup:
		return "duplicate"
	}
	return "error"
}

// IdempotencyKey identifies a formation request: the sorted member ids, the
// admin and the school.
func IdempotencyKey(adminID, schoolID string, memberIDs []string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",") + "|" + adminID + "|" + schoolID
}

// Capacity sums the seats offered by vehicle-capable families and the seats
// needed by passenger-only families.
func Capacity(families []models.Family) (offered, requested int) {
	for _, f := range families {
		if f.CanDrive() {
			offered += f.SeatsOffered
		} else {
			requested += f.SeatDemand()
		}
	}
	return offered, requested
}

func uniqueMembers(adminID string, matched []models.Family) []models.Family {
	seen := map[string]bool{adminID: true}
	out := make([]models.Family, 0, len(matched))
	for _, f := range matched {
		if f.ID == "" || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}

// assignRoles orders the admin first, then members by match time with ties
// broken by id.
func assignRoles(admin models.Family, members []models.Family, matchedAt map[string]time.Time, now time.Time) []models.Member {
	sorted := append([]models.Family(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := matchedAt[sorted[i].ID], matchedAt[sorted[j].ID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := make([]models.Member, 0, len(members)+1)
	out = append(out, member(admin, []models.Role{models.RoleAdmin, transportRole(admin)}, time.Time{}, now))
	for _, f := range sorted {
		out = append(out, member(f, []models.Role{transportRole(f)}, matchedAt[f.ID], now))
	}
	return out
}

func transportRole(f models.Family) models.Role {
	if f.CanDrive() {
		return models.RoleDriver
	}
	return models.RolePassenger
}

func member(f models.Family, roles []models.Role, matchedAt, now time.Time) models.Member {
	m := models.Member{FamilyID: f.ID, Roles: roles, MatchedAt: matchedAt, JoinedAt: now}
	if f.CanDrive() {
		m.SeatsOffered = f.SeatsOffered
	} else {
		m.SeatsRequested = f.SeatDemand()
	}
	return m
}

// AllocateSeats places passengers into drivers' vehicles first-fit in member
// order. A passenger family may be split across drivers. Capacity must have
// been checked already.
func AllocateSeats(members []models.Member) []models.SeatAssignment {
	type vehicle struct {
		id   string
		free int
	}
	var drivers []*vehicle
	for _, m := range members {
		if m.HasRole(models.RoleDriver) && m.SeatsOffered > 0 {
			drivers = append(drivers, &vehicle{id: m.FamilyID, free: m.SeatsOffered})
		}
	}
	var out []models.SeatAssignment
	for _, m := range members {
		if !m.HasRole(models.RolePassenger) {
			continue
		}
		need := m.SeatsRequested
		for _, d := range drivers {
			if need == 0 {
				break
			}
			if d.free == 0 {
				continue
			}
			n := min(need, d.free)
			d.free -= n
			need -= n
			out = append(out, models.SeatAssignment{PassengerID: m.FamilyID, DriverID: d.id, Seats: n})
		}
	}
	return out
}

func sharedMembers(g models.CarpoolGroup, families []models.Family) []string {
	in := make(map[string]bool, len(g.Members))
	for _, m := range g.Members {
		in[m.FamilyID] = true
	}
	var out []string
	for _, f := range families {
		if in[f.ID] {
			out = append(out, f.ID)
		}
	}
	return out
}

func groupName(admin models.Family, custom string) string {
	if name := strings.TrimSpace(custom); name != "" {
		return name
	}
	school := admin.SchoolName
	if school == "" {
		school = admin.SchoolID
	}
	if school == "" {
		return "School carpool"
	}
	return school + " carpool"
}

// keyLocks hands out one mutex per key and forgets it once nobody holds it.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.held == nil {
		k.held = make(map[string]*keyLock)
	}
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
