package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/school-carpool/internal/match"
	"github.com/example/school-carpool/internal/models"
)

// PostgresStore persists decisions, pair state, matches and groups. It
// implements match.PairStore, group.Store, swipe.DecisionLog and
// swipe.DecisionHistory.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Append(ctx context.Context, d models.SwipeDecision) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO swipe_decisions(user_id, candidate_id, direction, decided_at) VALUES($1,$2,$3,$4)`,
		d.UserID, d.CandidateID, string(d.Direction), d.At)
	return err
}

func (p *PostgresStore) Decisions(ctx context.Context, userID string) ([]models.SwipeDecision, error) {
	return p.DecisionsSince(ctx, userID, time.Time{})
}

// DecisionsSince reads back userID's decisions at or after since. It
// satisfies swipe.DecisionHistory.
func (p *PostgresStore) DecisionsSince(ctx context.Context, userID string, since time.Time) ([]models.SwipeDecision, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id, candidate_id, direction, decided_at FROM swipe_decisions
		 WHERE user_id=$1 AND decided_at >= $2 ORDER BY decided_at, id`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SwipeDecision
	for rows.Next() {
		var d models.SwipeDecision
		var dir string
		if err := rows.Scan(&d.UserID, &d.CandidateID, &dir, &d.At); err != nil {
			return nil, err
		}
		d.Direction = models.Direction(dir)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AcceptPair runs the pair transition in one transaction. The first accept
// inserts the pending row; later accepts lock that row with FOR UPDATE, so
// only one transaction can move it to matched. UNIQUE(family_a, family_b) on
// matches backs this up.
func (p *PostgresStore) AcceptPair(ctx context.Context, from, to string, newMatch func(lo, hi string) models.Match) (match.Result, error) {
	lo, hi := models.PairKey(from, to)
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return match.Result{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO pair_states(family_lo, family_hi, state, acceptor) VALUES($1,$2,'pending',$3) ON CONFLICT (family_lo, family_hi) DO NOTHING`,
		lo, hi, from)
	if err != nil {
		return match.Result{}, fmt.Errorf("insert pending accept: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return match.Result{Outcome: match.OutcomePending}, tx.Commit()
	}

	var state string
	var acceptor, matchID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT state, acceptor, match_id FROM pair_states WHERE family_lo=$1 AND family_hi=$2 FOR UPDATE`,
		lo, hi).Scan(&state, &acceptor, &matchID)
	if errors.Is(err, sql.ErrNoRows) {
		// withdrawn between the insert and the lock; retry as a first accept
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pair_states(family_lo, family_hi, state, acceptor) VALUES($1,$2,'pending',$3)`, lo, hi, from); err != nil {
			return match.Result{}, fmt.Errorf("insert pending accept: %w", err)
		}
		return match.Result{Outcome: match.OutcomePending}, tx.Commit()
	}
	if err != nil {
		return match.Result{}, fmt.Errorf("lock pair: %w", err)
	}

	switch {
	case state == "matched":
		m, err := scanMatch(tx.QueryRowContext(ctx, `SELECT id, family_a, family_b, created_at FROM matches WHERE id=$1`, matchID.String))
		if err != nil {
			return match.Result{}, fmt.Errorf("load match: %w", err)
		}
		return match.Result{Outcome: match.OutcomeMatched, Match: m}, tx.Commit()
	case acceptor.String == from:
		return match.Result{Outcome: match.OutcomePending}, tx.Commit()
	}

	m := newMatch(lo, hi)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO matches(id, family_a, family_b, created_at) VALUES($1,$2,$3,$4)`,
		m.ID, m.FamilyA, m.FamilyB, m.CreatedAt); err != nil {
		return match.Result{}, fmt.Errorf("insert match: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pair_states SET state='matched', acceptor=NULL, match_id=$3, updated_at=now() WHERE family_lo=$1 AND family_hi=$2`,
		lo, hi, m.ID); err != nil {
		return match.Result{}, fmt.Errorf("mark pair matched: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return match.Result{}, err
	}
	return match.Result{Outcome: match.OutcomeMatched, Match: m, Created: true}, nil
}

func (p *PostgresStore) RejectPair(ctx context.Context, from, to string) error {
	lo, hi := models.PairKey(from, to)
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM pair_states WHERE family_lo=$1 AND family_hi=$2 AND state='pending' AND acceptor=$3`, lo, hi, from)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, a, b string) (models.Match, bool, error) {
	lo, hi := models.PairKey(a, b)
	m, err := scanMatch(p.db.QueryRowContext(ctx,
		`SELECT id, family_a, family_b, created_at FROM matches WHERE family_a=$1 AND family_b=$2`, lo, hi))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, false, nil
	}
	if err != nil {
		return models.Match{}, false, err
	}
	return m, true, nil
}

func (p *PostgresStore) ByID(ctx context.Context, id string) (models.Match, error) {
	m, err := scanMatch(p.db.QueryRowContext(ctx,
		`SELECT id, family_a, family_b, created_at FROM matches WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, match.ErrNotFound
	}
	return m, err
}

func (p *PostgresStore) ForFamily(ctx context.Context, id string) ([]models.Match, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, family_a, family_b, created_at FROM matches WHERE family_a=$1 OR family_b=$1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Create inserts g unless its idempotency key is taken, in which case the
// stored group is returned with created false.
func (p *PostgresStore) Create(ctx context.Context, g models.CarpoolGroup) (models.CarpoolGroup, bool, error) {
	members, err := json.Marshal(g.Members)
	if err != nil {
		return models.CarpoolGroup{}, false, err
	}
	allocations, err := json.Marshal(g.Allocations)
	if err != nil {
		return models.CarpoolGroup{}, false, err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO carpool_groups(id, name, admin_id, school_id, idempotency_key, status, members, allocations, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (idempotency_key) DO NOTHING`,
		g.ID, g.Name, g.AdminID, g.SchoolID, g.IdempotencyKey, g.Status, string(members), string(allocations), g.CreatedAt)
	if err != nil {
		return models.CarpoolGroup{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return g, true, nil
	}
	existing, ok, err := p.FindByKey(ctx, g.IdempotencyKey)
	if err != nil {
		return models.CarpoolGroup{}, false, err
	}
	if !ok {
		return models.CarpoolGroup{}, false, fmt.Errorf("group key %q conflicted but is missing", g.IdempotencyKey)
	}
	return existing, false, nil
}

const groupColumns = `id, name, admin_id, school_id, idempotency_key, status, members, allocations, created_at`

func (p *PostgresStore) Group(ctx context.Context, id string) (models.CarpoolGroup, error) {
	g, err := scanGroup(p.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM carpool_groups WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CarpoolGroup{}, ErrNotFound
	}
	return g, err
}

func (p *PostgresStore) FindByKey(ctx context.Context, key string) (models.CarpoolGroup, bool, error) {
	g, err := scanGroup(p.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM carpool_groups WHERE idempotency_key=$1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CarpoolGroup{}, false, nil
	}
	if err != nil {
		return models.CarpoolGroup{}, false, err
	}
	return g, true, nil
}

func (p *PostgresStore) ActiveByAdmin(ctx context.Context, adminID string) ([]models.CarpoolGroup, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM carpool_groups WHERE admin_id=$1 AND status=$2 ORDER BY created_at, id`,
		adminID, models.GroupStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CarpoolGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (models.Match, error) {
	var m models.Match
	if err := row.Scan(&m.ID, &m.FamilyA, &m.FamilyB, &m.CreatedAt); err != nil {
		return models.Match{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func scanGroup(row scanner) (models.CarpoolGroup, error) {
	var g models.CarpoolGroup
	var members, allocations []byte
	var created time.Time
	if err := row.Scan(&g.ID, &g.Name, &g.AdminID, &g.SchoolID, &g.IdempotencyKey, &g.Status, &members, &allocations, &created); err != nil {
		return models.CarpoolGroup{}, err
	}
	if err := json.Unmarshal(members, &g.Members); err != nil {
		return models.CarpoolGroup{}, fmt.Errorf("decode members: %w", err)
	}
	if err := json.Unmarshal(allocations, &g.Allocations); err != nil {
		return models.CarpoolGroup{}, fmt.Errorf("decode allocations: %w", err)
	}
	g.CreatedAt = created.UTC()
	return g, nil
}
