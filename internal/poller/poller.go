// Package poller refreshes the aggregate store from the bias service.
//
// Dashboard snapshots and cluster feeds are fetched on independent tickers.
// Every fetch takes its sequence tag from the store before the request is
// issued, so the store alone decides whether a late completion is stale.
// A failed dashboard fetch leaves the last good snapshot in place; a failed
// cluster fetch degrades to the fallback projection.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/biaswatch/internal/biasapi"
	"github.com/rewired-gh/biaswatch/internal/clusters"
	"github.com/rewired-gh/biaswatch/internal/history"
	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/store"
)

var log = logger.For("poller")

// API is the subset of the bias service client the poller needs
type API interface {
	FetchDashboard(ctx context.Context) (biasapi.DashboardPayload, error)
	FetchClusters(ctx context.Context) ([]byte, error)
}

// Notifier is told about the first failure of a streak and about recovery.
type Notifier interface {
	SendError(ctx context.Context, err error) error
	SendRecovery(ctx context.Context, failures int, downtime time.Duration) error
}

// Recorder journals applied snapshots
type Recorder interface {
	RecordSnapshot(ctx context.Context, rec history.SnapshotRecord) (history.SnapshotRecord, error)
}

// Config holds the poll cadence
type Config struct {
	DashboardInterval time.Duration
	ClustersInterval  time.Duration
}

// Health describes the current dashboard polling streak
type Health struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailingSince        time.Time `json:"failing_since,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Poller drives periodic refreshes of a store.Store
type Poller struct {
	api   API
	store *store.Store
	cfg   Config
	now   func() time.Time

	notifier Notifier
	recorder Recorder

	mu           sync.Mutex
	failures     int
	failingSince time.Time
	lastErr      error
}

// New creates a Poller. Notifier and recorder are optional; see SetNotifier
// and SetRecorder.
func New(api API, st *store.Store, cfg Config) *Poller {
	return &Poller{api: api, store: st, cfg: cfg, now: time.Now}
}

// SetNotifier installs the failure/recovery notifier. Call before Run.
func (p *Poller) SetNotifier(n Notifier) { p.notifier = n }

// SetRecorder installs the snapshot journal. Call before Run.
func (p *Poller) SetRecorder(r Recorder) { p.recorder = r }

// Health returns the current failure streak
func (p *Poller) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := Health{ConsecutiveFailures: p.failures, FailingSince: p.failingSince}
	if p.lastErr != nil {
		h.LastError = p.lastErr.Error()
	}
	return h
}

// Run polls both feeds immediately and then on their tickers until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Info("polling dashboard every %v, clusters every %v", p.cfg.DashboardInterval, p.cfg.ClustersInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.loop(ctx, p.cfg.DashboardInterval, func() {
			if _, err := p.PollDashboard(ctx); err != nil && ctx.Err() == nil {
				log.Error("dashboard poll failed: %v", err)
			}
		})
	}()
	go func() {
		defer wg.Done()
		p.loop(ctx, p.cfg.ClustersInterval, func() { p.PollClusters(ctx) })
	}()
	wg.Wait()
	log.Info("polling stopped")
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, poll func()) {
	poll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

// PollDashboard fetches one snapshot and offers it to the store. It reports
// whether the store applied it.
func (p *Poller) PollDashboard(ctx context.Context) (bool, error) {
	seq := p.store.NextSeq()
	payload, err := p.api.FetchDashboard(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.recordFailure(ctx, err)
		}
		return false, fmt.Errorf("dashboard #%d: %w", seq, err)
	}
	p.recordSuccess(ctx)

	if !p.store.ApplySnapshot(seq, payload.Rows, payload.Distribution) {
		log.Debug("discarded stale dashboard snapshot #%d", seq)
		return false, nil
	}
	log.Debug("applied dashboard snapshot #%d (%d models, %d logs)", seq, len(payload.Rows), payload.TotalLogs)
	p.record(ctx, history.SnapshotRecord{
		Kind:           history.KindDashboard,
		Seq:            seq,
		Items:          len(payload.Rows),
		TotalResponses: payload.TotalLogs,
	})
	return true, nil
}

// PollClusters fetches the cluster feed, projects it and offers it to the
// store. Fetch and decode failures yield the fallback projection; they are
// logged, not returned.
func (p *Poller) PollClusters(ctx context.Context) bool {
	seq := p.store.NextSeq()
	body, err := p.api.FetchClusters(ctx)
	if err != nil && ctx.Err() != nil {
		return false
	}
	proj := clusters.Project(body, err)
	if proj.Source == models.SourceFallback {
		log.Warn("clusters #%d using fallback data: %s", seq, proj.Reason)
	} else if proj.Dropped > 0 {
		log.Warn("clusters #%d dropped %d malformed entries", seq, proj.Dropped)
	}

	if !p.store.ApplyClusters(seq, proj) {
		log.Debug("discarded stale clusters #%d", seq)
		return false
	}
	p.record(ctx, history.SnapshotRecord{
		Kind:   history.KindClusters,
		Seq:    seq,
		Source: proj.Source,
		Items:  len(proj.Points),
	})
	return true
}

func (p *Poller) record(ctx context.Context, rec history.SnapshotRecord) {
	if p.recorder == nil {
		return
	}
	if _, err := p.recorder.RecordSnapshot(ctx, rec); err != nil {
		log.Warn("failed to journal %s snapshot #%d: %v", rec.Kind, rec.Seq, err)
	}
}

func (p *Poller) recordFailure(ctx context.Context, err error) {
	p.mu.Lock()
	p.failures++
	first := p.failures == 1
	if first {
		p.failingSince = p.now()
	}
	p.lastErr = err
	p.mu.Unlock()

	if first && p.notifier != nil {
		if sendErr := p.notifier.SendError(ctx, err); sendErr != nil {
			log.Warn("failed to send error notification: %v", sendErr)
		}
	}
}

func (p *Poller) recordSuccess(ctx context.Context) {
	p.mu.Lock()
	failures := p.failures
	downtime := p.now().Sub(p.failingSince)
	p.failures = 0
	p.failingSince = time.Time{}
	p.lastErr = nil
	p.mu.Unlock()

	if failures == 0 {
		return
	}
	log.Info("dashboard polling recovered after %d failures", failures)
	if p.notifier != nil {
		if sendErr := p.notifier.SendRecovery(ctx, failures, downtime); sendErr != nil {
			log.Warn("failed to send recovery notification: %v", sendErr)
		}
	}
}
