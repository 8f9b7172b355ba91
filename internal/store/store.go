// Package store holds the aggregate dashboard state for the current session:
// per-model rows, the sentiment distribution and the projected cluster points.
//
// The store is the single mutable shared resource. It is mutated only through
// whole-replacement operations, never incrementally, and each replacement is
// tagged with a sequence number taken from NextSeq before the fetch was
// issued. A replacement tagged lower than the last applied one is discarded,
// so a slow poll finishing late can never regress the view to stale data.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rewired-gh/biaswatch/internal/clusters"
	"github.com/rewired-gh/biaswatch/internal/models"
)

// Store provides thread-safe, replace-only aggregate state
type Store struct {
	mu sync.RWMutex

	rows         []models.DashboardRow
	distribution models.SentimentDistribution
	rowsSeq      uint64
	rowsAt       time.Time

	projection  clusters.Projection
	clustersSeq uint64
	clustersAt  time.Time

	// floor discards anything issued before the last Invalidate
	floor uint64

	issued atomic.Uint64
	now    func() time.Time
}

// New creates an empty Store
func New() *Store {
	return &Store{
		rows: make([]models.DashboardRow, 0),
		projection: clusters.Projection{
			Points: make([]models.ClusterPoint, 0),
			Source: models.SourceLive,
		},
		now: time.Now,
	}
}

// NextSeq issues the tag for a fetch about to be started. Tags are strictly
// increasing and shared by snapshot and cluster fetches.
func (s *Store) NextSeq() uint64 {
	return s.issued.Add(1)
}

func (s *Store) stale(seq, applied uint64) bool {
	return seq < applied || seq <= s.floor
}

// ApplySnapshot replaces rows and distribution. It returns false when the
// snapshot is older than what is already applied and was discarded.
func (s *Store) ApplySnapshot(seq uint64, rows []models.DashboardRow, dist models.SentimentDistribution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stale(seq, s.rowsSeq) {
		return false
	}

	cp := make([]models.DashboardRow, len(rows))
	copy(cp, rows)
	s.rows = cp
	s.distribution = dist
	s.rowsSeq = seq
	s.rowsAt = s.now()
	return true
}

// ApplyClusters replaces the projected cluster points under the same
// last-writer-wins rule as ApplySnapshot.
func (s *Store) ApplyClusters(seq uint64, p clusters.Projection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stale(seq, s.clustersSeq) {
		return false
	}

	p.Points = copyPoints(p.Points)
	s.projection = p
	s.clustersSeq = seq
	s.clustersAt = s.now()
	return true
}

// Invalidate discards every fetch issued so far when it completes. Applied
// state is kept; only in-flight results are dropped.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = s.issued.Load()
}

// Rows returns a copy of the applied dashboard rows
func (s *Store) Rows() []models.DashboardRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make([]models.DashboardRow, len(s.rows))
	copy(cp, s.rows)
	return cp
}

// Distribution returns the applied sentiment distribution
func (s *Store) Distribution() models.SentimentDistribution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.distribution
}

// Clusters returns a copy of the applied cluster projection
func (s *Store) Clusters() clusters.Projection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.projection
	p.Points = copyPoints(p.Points)
	return p
}

// SnapshotSeq returns the tag of the applied snapshot, 0 if none.
func (s *Store) SnapshotSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rowsSeq
}

// ClustersSeq returns the tag of the applied cluster projection, 0 if none.
func (s *Store) ClustersSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clustersSeq
}

func copyPoints(points []models.ClusterPoint) []models.ClusterPoint {
	cp := make([]models.ClusterPoint, len(points))
	copy(cp, points)
	return cp
}
