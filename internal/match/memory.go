package match

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/example/school-carpool/internal/models"
)

const shardCount = 64

type pairKind int

const (
	pairNone pairKind = iota
	pairPending
	pairMatched
)

// pairState is the tagged variant kept per unordered pair: nothing yet,
// Pending(acceptor), or Matched(match).
type pairState struct {
	kind     pairKind
	acceptor string
	match    models.Match
}

type shard struct {
	mu    sync.Mutex
	pairs map[[2]string]*pairState
}

// MemoryPairStore keeps pair state in process. Pairs hash onto shards so two
// different pairs rarely contend and the same pair always shares one lock.
type MemoryPairStore struct {
	shards [shardCount]*shard

	idxMu    sync.RWMutex
	byID     map[string]models.Match
	byFamily map[string][]models.Match
}

func NewMemoryPairStore() *MemoryPairStore {
	m := &MemoryPairStore{byID: make(map[string]models.Match), byFamily: make(map[string][]models.Match)}
	for i := range m.shards {
		m.shards[i] = &shard{pairs: make(map[[2]string]*pairState)}
	}
	return m
}

func (m *MemoryPairStore) shardFor(lo, hi string) *shard {
	h := fnv.New32a()
	h.Write([]byte(lo))
	h.Write([]byte{0})
	h.Write([]byte(hi))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryPairStore) AcceptPair(_ context.Context, from, to string, newMatch func(lo, hi string) models.Match) (Result, error) {
	lo, hi := models.PairKey(from, to)
	sh := m.shardFor(lo, hi)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.pairs[[2]string{lo, hi}]
	if !ok {
		st = &pairState{}
		sh.pairs[[2]string{lo, hi}] = st
	}
	switch st.kind {
	case pairMatched:
		return Result{Outcome: OutcomeMatched, Match: st.match}, nil
	case pairPending:
		if st.acceptor == from {
			return Result{Outcome: OutcomePending}, nil
		}
		st.kind = pairMatched
		st.acceptor = ""
		st.match = newMatch(lo, hi)
		m.index(st.match)
		return Result{Outcome: OutcomeMatched, Match: st.match, Created: true}, nil
	default:
		st.kind = pairPending
		st.acceptor = from
		return Result{Outcome: OutcomePending}, nil
	}
}

func (m *MemoryPairStore) RejectPair(_ context.Context, from, to string) error {
	lo, hi := models.PairKey(from, to)
	sh := m.shardFor(lo, hi)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok := sh.pairs[[2]string{lo, hi}]; ok && st.kind == pairPending && st.acceptor == from {
		delete(sh.pairs, [2]string{lo, hi})
	}
	return nil
}

func (m *MemoryPairStore) Get(_ context.Context, a, b string) (models.Match, bool, error) {
	lo, hi := models.PairKey(a, b)
	sh := m.shardFor(lo, hi)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok := sh.pairs[[2]string{lo, hi}]; ok && st.kind == pairMatched {
		return st.match, true, nil
	}
	return models.Match{}, false, nil
}

func (m *MemoryPairStore) ByID(_ context.Context, id string) (models.Match, error) {
	m.idxMu.RLock()
	defer m.idxMu.RUnlock()
	mt, ok := m.byID[id]
	if !ok {
		return models.Match{}, ErrNotFound
	}
	return mt, nil
}

func (m *MemoryPairStore) ForFamily(_ context.Context, id string) ([]models.Match, error) {
	m.idxMu.RLock()
	out := append([]models.Match(nil), m.byFamily[id]...)
	m.idxMu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryPairStore) index(mt models.Match) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	m.byID[mt.ID] = mt
	m.byFamily[mt.FamilyA] = append(m.byFamily[mt.FamilyA], mt)
	m.byFamily[mt.FamilyB] = append(m.byFamily[mt.FamilyB], mt)
}
