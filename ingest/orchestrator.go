package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"seller_radar/config"
	"seller_radar/fetch"
	"seller_radar/identity"
	"seller_radar/lock"
	"seller_radar/metrics"
	"seller_radar/models"
	"seller_radar/parser"
	"seller_radar/schema"
	"seller_radar/scoring"
	"seller_radar/services"
)

// RunLedger records one entry per dataset per cycle.
type RunLedger interface {
	CreateRun(ctx context.Context, run *models.DatasetRun) error
	FinishRun(ctx context.Context, run *models.DatasetRun) error
	LatestSuccessfulRun(ctx context.Context, datasetKey string) (*models.DatasetRun, error)
}

type ChangeDetector interface {
	Detect(ctx context.Context, ds *config.DatasetConfig) (models.Fingerprint, error)
}

type DatasetArchiver interface {
	Archive(ctx context.Context, ds *config.DatasetConfig, fp models.Fingerprint) (*fetch.Archived, error)
}

type Options struct {
	LockName        string
	MinScore        int
	MaxCandidates   int
	MinValidRows    int
	Concurrency     int
	OrganizationIDs []string
	Force           bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LockName:        cfg.Lock.Name,
		MinScore:        cfg.Sync.MinScore,
		MaxCandidates:   cfg.Sync.MaxCandidates,
		MinValidRows:    cfg.Sync.MinValidRows,
		Concurrency:     cfg.Sync.DatasetConcurrency,
		OrganizationIDs: cfg.Sync.OrganizationIDs,
		Force:           cfg.Sync.Force,
	}
}

type Orchestrator struct {
	datasets []*config.DatasetConfig
	rules    []services.RepairRule
	opts     Options

	locker   lock.Locker
	ledger   RunLedger
	detector ChangeDetector
	archiver DatasetArchiver
	merger   *services.OpportunityService
	repair   *services.RepairService

	logger *zap.Logger
	now    func() time.Time
}

func NewOrchestrator(
	datasets map[string]*config.DatasetConfig,
	opts Options,
	locker lock.Locker,
	ledger RunLedger,
	detector ChangeDetector,
	archiver DatasetArchiver,
	merger *services.OpportunityService,
	repair *services.RepairService,
	logger *zap.Logger,
) *Orchestrator {
	sorted := make([]*config.DatasetConfig, 0, len(datasets))
	var scopes []services.DatasetScope
	for _, ds := range datasets {
		sorted = append(sorted, ds)
	}
	slices.SortFunc(sorted, func(a, b *config.DatasetConfig) int { return cmp.Compare(a.Key, b.Key) })
	for _, ds := range sorted {
		if ds.Opportunities {
			scopes = append(scopes, services.DatasetScope{County: ds.County, State: ds.State})
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	return &Orchestrator{
		datasets: sorted,
		rules:    services.RulesFromDatasets(scopes),
		opts:     opts,
		locker:   locker,
		ledger:   ledger,
		detector: detector,
		archiver: archiver,
		merger:   merger,
		repair:   repair,
		logger:   logger,
		now:      time.Now,
	}
}

// SyncOnce runs one cycle with the configured force flag.
func (o *Orchestrator) SyncOnce(ctx context.Context, reason models.SyncReason) (models.SyncResult, error) {
	return o.Sync(ctx, reason, o.opts.Force)
}

// Sync runs one cycle under the coordination lock. Contention is reported as
// SKIPPED_LOCKED; the error is reserved for lock infrastructure failures.
func (o *Orchestrator) Sync(ctx context.Context, reason models.SyncReason, force bool) (models.SyncResult, error) {
	start := o.now()
	result, acquired, err := lock.WithLock(ctx, o.locker, o.opts.LockName, func(ctx context.Context) (models.SyncResult, error) {
		return o.cycle(ctx, reason, force), nil
	})
	if !acquired && err == nil {
		o.logger.Info("sync skipped, lock held elsewhere", zap.String("reason", string(reason)))
		metrics.RecordCycle(string(models.SyncStatusSkippedLocked), 0)
		return models.SyncResult{Status: models.SyncStatusSkippedLocked, Reason: reason}, nil
	}
	if err != nil {
		metrics.RecordCycle("ERROR", 0)
		if !acquired {
			return models.SyncResult{Reason: reason}, fmt.Errorf("acquire lock: %w", err)
		}
		return result, err
	}

	metrics.RecordCycle(string(result.Status), o.now().Sub(start))
	o.logger.Info("sync finished",
		zap.String("reason", string(reason)),
		zap.Int("processed", result.DatasetsProcessed),
		zap.Int("updated", result.DatasetsUpdated),
		zap.Int("skipped", result.DatasetsSkipped),
		zap.Int("failed", result.DatasetsFailed),
		zap.Duration("elapsed", o.now().Sub(start)))
	return result, nil
}

func (o *Orchestrator) cycle(ctx context.Context, reason models.SyncReason, force bool) models.SyncResult {
	result := models.SyncResult{Status: models.SyncStatusSuccess, Reason: reason}

	if o.repair != nil && len(o.rules) > 0 {
		rr, err := o.repair.Run(ctx, o.rules)
		if err != nil {
			o.logger.Warn("repair pass failed", zap.Error(err))
		} else {
			result.Repair = &rr
		}
	}

	outcomes := make([]models.DatasetOutcome, len(o.datasets))
	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, ds := range o.datasets {
		g.Go(func() error {
			outcomes[i] = o.runDataset(ctx, ds, reason, force)
			return nil
		})
	}
	g.Wait()

	for _, out := range outcomes {
		metrics.RecordDataset(out)
		result.DatasetsProcessed++
		switch out.State {
		case models.DatasetSuccess:
			result.DatasetsUpdated++
		case models.DatasetSkippedUnchanged:
			result.DatasetsSkipped++
		default:
			result.DatasetsFailed++
		}
	}
	result.Datasets = outcomes
	return result
}

// runDataset drives one dataset to a terminal state. Failures are recorded in
// the ledger and returned in the outcome; they never stop sibling datasets.
func (o *Orchestrator) runDataset(ctx context.Context, ds *config.DatasetConfig, reason models.SyncReason, force bool) models.DatasetOutcome {
	log := o.logger.With(zap.String("dataset", ds.Key))
	out := models.DatasetOutcome{DatasetKey: ds.Key, State: models.DatasetFailed}

	prev, err := o.ledger.LatestSuccessfulRun(ctx, ds.Key)
	if err != nil {
		out.Error = fmt.Sprintf("ledger lookup: %v", err)
		log.Error("ledger lookup failed", zap.Error(err))
		return out
	}

	run := &models.DatasetRun{
		ID:         uuid.New(),
		DatasetKey: ds.Key,
		Status:     models.RunStatusRunning,
		StartedAt:  o.now(),
		Note:       models.RunNote{Reason: string(reason), Forced: force},
	}
	if err := o.ledger.CreateRun(ctx, run); err != nil {
		out.Error = fmt.Sprintf("create run: %v", err)
		log.Error("create run failed", zap.Error(err))
		return out
	}
	out.RunID = run.ID.String()
	out.State = models.DatasetRunning

	procErr := o.process(ctx, ds, prev, &run.Note, log)

	finished := o.now()
	run.FinishedAt = &finished
	switch {
	case procErr != nil:
		run.Status = models.RunStatusFailed
		run.Note.Outcome = models.OutcomeFailed
		run.Note.Error = procErr.Error()
		out.State = models.DatasetFailed
		out.Error = procErr.Error()
	case run.Note.Outcome == models.OutcomeSkippedUnchanged:
		run.Status = models.RunStatusSuccess
		out.State = models.DatasetSkippedUnchanged
	default:
		run.Status = models.RunStatusSuccess
		run.Note.Outcome = models.OutcomeUpdated
		out.State = models.DatasetSuccess
	}
	out.ArchiveKey = run.Note.ArchiveKey
	out.Counters = run.Note.Counters

	if err := o.ledger.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("finish run failed", zap.Error(err))
		if out.State != models.DatasetFailed {
			out.State = models.DatasetFailed
			out.Error = fmt.Sprintf("finish run: %v", err)
		}
	}

	if procErr != nil {
		log.Error("dataset failed", zap.Error(procErr))
	} else {
		c := run.Note.Counters
		log.Info("dataset finished",
			zap.String("outcome", string(run.Note.Outcome)),
			zap.String("archive_key", run.Note.ArchiveKey),
			zap.Int("rows_read", c.RowsRead),
			zap.Int("rows_invalid", c.RowsInvalid),
			zap.Int("candidates", c.Candidates),
			zap.Int("inserted", c.Inserted),
			zap.Int("updated", c.Updated))
	}
	return out
}

func (o *Orchestrator) process(ctx context.Context, ds *config.DatasetConfig, prev *models.DatasetRun, note *models.RunNote, log *zap.Logger) error {
	fp, err := o.detector.Detect(ctx, ds)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	note.Fingerprint = fp

	if prev != nil && !note.Forced && fp.Matches(prev.Note.Fingerprint) {
		note.Outcome = models.OutcomeSkippedUnchanged
		log.Info("source unchanged", zap.String("previous_run", prev.ID.String()))
		return nil
	}

	arch, err := o.archiver.Archive(ctx, ds, fp)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer os.Remove(arch.LocalPath)
	note.ArchiveKey = arch.ArchiveKey
	note.Counters.Bytes = arch.Bytes

	if !ds.Opportunities {
		return nil
	}

	candidates, err := o.extract(ds, arch.LocalPath, &note.Counters)
	if err != nil {
		return err
	}

	if len(o.opts.OrganizationIDs) == 0 {
		log.Warn("no target organizations configured, candidates not persisted", zap.Int("candidates", len(candidates)))
		return nil
	}
	for _, orgID := range o.opts.OrganizationIDs {
		counts, err := o.merger.Merge(ctx, orgID, candidates)
		note.Counters.AddWrites(counts)
		if err != nil {
			return fmt.Errorf("merge %s: %w", orgID, err)
		}
	}
	return nil
}

// extract streams the dataset entry into collapsed, capped candidates.
func (o *Orchestrator) extract(ds *config.DatasetConfig, localPath string, counters *models.RunCounters) ([]*models.Candidate, error) {
	profile, err := ProfileFor(ds.Provider)
	if err != nil {
		return nil, err
	}
	sel := profile.Selector
	if len(ds.Markers) > 0 {
		sel.Markers = ds.Markers
	}
	delim := profile.Delimiter
	if ds.Delimiter != "" {
		delim = parser.Delimiter(ds.Delimiter)
	}

	entry, err := parser.OpenEntry(localPath, sel)
	if err != nil {
		return nil, fmt.Errorf("open entry: %w", err)
	}
	defer entry.Close()

	defaults := schema.Defaults{County: ds.County, State: ds.State}
	asOf := o.now()
	var cols schema.Columns
	var scored []*models.Candidate

	for row, err := range parser.Rows(entry, delim) {
		if err != nil {
			var rowErr *parser.RowError
			if errors.As(err, &rowErr) && cols != nil {
				counters.RowsRead++
				counters.RowsInvalid++
				continue
			}
			return nil, fmt.Errorf("read %s: %w", entry.Name, err)
		}
		if cols == nil {
			cols = schema.Resolve(row, profile.Aliases)
			if missing := cols.Missing(); len(missing) > 0 {
				return nil, fmt.Errorf("%s header: %w: %v", entry.Name, schema.ErrMissingRequired, missing)
			}
			continue
		}

		counters.RowsRead++
		p, err := cols.Extract(row, defaults)
		if err != nil {
			counters.RowsInvalid++
			continue
		}
		key := identity.DedupeKey(p.Situs.Line, p.Situs.State, p.Situs.Zip)
		if key == "" {
			counters.RowsInvalid++
			continue
		}

		score, signals := scoring.Score(p, asOf)
		counters.Scored++
		if score < o.opts.MinScore {
			continue
		}
		counters.AboveThreshold++
		scored = append(scored, &models.Candidate{
			DedupeKey:  key,
			Source:     models.SourcePublicRecords,
			DatasetKey: ds.Key,
			Score:      score,
			Signals:    signals,
			Parcel:     p,
			LastSeenAt: asOf,
		})
	}

	if cols == nil {
		return nil, fmt.Errorf("%s: no header row", entry.Name)
	}
	if counters.Scored < o.opts.MinValidRows {
		return nil, fmt.Errorf("%s: %d valid rows of %d read, need at least %d",
			entry.Name, counters.Scored, counters.RowsRead, o.opts.MinValidRows)
	}

	candidates := capCandidates(services.Collapse(scored), o.opts.MaxCandidates)
	counters.Candidates = len(candidates)
	return candidates, nil
}

// capCandidates keeps the limit highest-scoring candidates, preserving
// discovery order among the survivors. limit <= 0 disables the cap.
func capCandidates(candidates []*models.Candidate, limit int) []*models.Candidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(candidates[b].Score, candidates[a].Score)
	})
	idx = idx[:limit]
	slices.Sort(idx)

	out := make([]*models.Candidate, len(idx))
	for i, j := range idx {
		out[i] = candidates[j]
	}
	return out
}
