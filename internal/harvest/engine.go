// Package harvest runs extractions end to end: one worker per platform
// acquires a session, traverses the platform, reconciles timelines, writes
// the export and flushes the cache index.
package harvest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"reviewtrail/internal/adapters/profile"
	"reviewtrail/internal/cache"
	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/chrono"
	"reviewtrail/internal/components/db"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/export"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/resilience"
	"reviewtrail/internal/session"
	"reviewtrail/internal/timeline"
	"reviewtrail/internal/traversal"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	report_engine_run        = "engine.run"
	report_engine_export     = "engine.export"
	report_engine_registry   = "engine.registry"
	report_engine_checkpoint = "engine.checkpoint"
	report_engine_cache      = "engine.cache"
)

var tracer = otel.Tracer("reviewtrail/harvest")

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrItemNotFound    = errors.New("item not found")
)

// Platform is one configured platform together with the account it is
// traversed with.
type Platform struct {
	Profile profile.Profile
	Account session.Account
}

type Config struct {
	ExportDir string
	// CheckpointPath is where the run state is saved, empty disables it.
	CheckpointPath  string
	CheckpointEvery int
	// Workers bounds the platforms traversed at once by RunAll, 0 means all.
	Workers int

	Session   session.Config
	Policy    resilience.Policy
	Traversal traversal.Config
	Timeline  timeline.Config
}

type Dependencies struct {
	Platforms []Platform
	Secrets   session.SecretStore
	// Challenges and Messages may be nil.
	Challenges session.ChallengeResolver
	Messages   timeline.MessageSource
	Surfaces   session.SurfaceFactory
	Documents  traversal.DocumentStore
	Cache      *cache.Cache
	// Registry records every run when set.
	Registry  *sql.DB
	Time      chrono.TimeAPI
	Telemetry telemetry.API
}

type RunSummary struct {
	Platform string         `json:"platform"`
	Export   string         `json:"export,omitempty"`
	Summary  export.Summary `json:"summary"`
	Error    string         `json:"error,omitempty"`
}

type Engine struct {
	platforms map[string]Platform
	order     []string
	managers  map[string]*session.Manager

	secrets    session.SecretStore
	challenges session.ChallengeResolver
	messages   timeline.MessageSource
	surfaces   session.SurfaceFactory
	docs       traversal.DocumentStore
	cache      *cache.Cache
	registry   *db.Queries
	time       chrono.TimeAPI
	tel        telemetry.API
	metrics    instruments
	config     Config

	mutex   sync.Mutex
	state   *traversal.RunState
	results map[string]map[string]traversal.ItemResult
}

func NewEngine(deps Dependencies, config Config) *Engine {
	assert.NotNil(deps.Secrets)
	assert.NotNil(deps.Surfaces)
	assert.NotNil(deps.Documents)
	assert.NotNil(deps.Cache)
	assert.NotNil(deps.Time)
	assert.NotNil(deps.Telemetry)
	assert.NotEmptyStr(config.ExportDir)

	e := &Engine{
		platforms:  map[string]Platform{},
		managers:   map[string]*session.Manager{},
		secrets:    deps.Secrets,
		challenges: deps.Challenges,
		messages:   deps.Messages,
		surfaces:   deps.Surfaces,
		docs:       deps.Documents,
		cache:      deps.Cache,
		time:       deps.Time,
		tel:        telemetry.NewScopedAPI("harvest", deps.Telemetry),
		config:     config,
		results:    map[string]map[string]traversal.ItemResult{},
	}
	if deps.Registry != nil {
		e.registry = db.New(deps.Registry)
	}
	metrics, err := newInstruments()
	if err != nil {
		e.tel.ReportWarning(report_engine_run, "otel instruments", err)
	}
	e.metrics = metrics
	for _, p := range deps.Platforms {
		name := p.Profile.Name
		e.platforms[name] = p
		e.order = append(e.order, name)
		e.managers[name] = session.NewManager(
			p.Profile.Auth,
			deps.Secrets,
			deps.Challenges,
			deps.Surfaces,
			deps.Time,
			deps.Telemetry,
			config.Session,
		)
	}
	sort.Strings(e.order)
	e.state = traversal.NewRunState(uuid.NewString(), deps.Time.Now(), config.CheckpointPath, config.CheckpointEvery)
	return e
}

// Resume continues the run checkpointed at the configured path, a missing
// checkpoint starts a new run.
func (e *Engine) Resume() error {
	if e.config.CheckpointPath == "" {
		return fmt.Errorf("no checkpoint path configured")
	}
	state, err := traversal.LoadRunState(e.config.CheckpointPath, e.config.CheckpointEvery)
	if errors.Is(err, os.ErrNotExist) {
		e.tel.ReportDebug("no checkpoint to resume", e.config.CheckpointPath)
		return nil
	}
	if err != nil {
		return err
	}
	e.mutex.Lock()
	e.state = state
	e.mutex.Unlock()
	return nil
}

// NewRun discards the progress of the previous run.
func (e *Engine) NewRun() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.state = traversal.NewRunState(uuid.NewString(), e.time.Now(), e.config.CheckpointPath, e.config.CheckpointEvery)
}

func (e *Engine) State() *traversal.RunState {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state
}

func (e *Engine) Platforms() []string {
	return e.order
}

// RunExtraction traverses one platform. Only authentication failures and
// cancellation are returned as errors, item failures are part of the
// summary. The export is written even when the run is cancelled.
func (e *Engine) RunExtraction(ctx context.Context, platform string, categories []string) (RunSummary, error) {
	p, ok := e.platforms[platform]
	if !ok {
		return RunSummary{Platform: platform}, fmt.Errorf("%s: %w", platform, ErrUnknownPlatform)
	}
	state := e.State()

	ctx, span := tracer.Start(ctx, "RunExtraction")
	defer span.End()
	span.SetAttributes(
		attribute.String("platform", platform),
		attribute.String("run", state.RunID),
	)

	started := e.time.Now()
	e.registerRun(ctx, state.RunID, platform, started)
	statsBefore := e.cache.StatsFor(ctx, platform)

	var (
		results []traversal.ItemResult
		runErr  error
	)
	if state.IsDone(platform) {
		e.tel.ReportDebug("platform already finished in this run", platform, state.RunID)
	} else {
		results, runErr = e.traverse(ctx, p, state, categories)
	}

	var authFailed *fault.AuthFailed
	if errors.As(runErr, &authFailed) {
		e.tel.ReportBroken(report_engine_run, runErr, platform)
		summary := RunSummary{Platform: platform, Error: runErr.Error()}
		e.finishRun(context.WithoutCancel(ctx), state.RunID, summary, "auth-failed")
		return summary, runErr
	}
	if runErr != nil {
		span.RecordError(runErr)
		e.tel.ReportWarning(report_engine_run, runErr, platform)
	}

	items := mergeFinished(results, state.FinishedItems(platform))

	// whatever happened to the traversal, what was extracted gets persisted
	persistCtx := ctx
	if ctx.Err() != nil {
		persistCtx = context.WithoutCancel(ctx)
	}
	file := export.Build(export.Run{
		ID:         state.RunID,
		Platform:   platform,
		StartedAt:  started,
		FinishedAt: e.time.Now(),
		Complete:   runErr == nil,
	}, items, e.cache.StatsFor(persistCtx, platform).Sub(statsBefore))

	summary := RunSummary{Platform: platform, Summary: file.Summary}
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	err := e.cache.SnapshotAndFlush(persistCtx, func(ctx context.Context) error {
		path, err := export.Write(e.config.ExportDir, file)
		summary.Export = path
		return err
	})
	var cacheFailed *fault.CacheWriteFailed
	switch {
	case errors.As(err, &cacheFailed):
		e.tel.ReportWarning(report_engine_cache, err, platform)
	case err != nil:
		e.tel.ReportBroken(report_engine_export, err, platform)
		if runErr == nil {
			runErr = err
			summary.Error = err.Error()
		}
	}

	err = state.Save()
	if err != nil {
		e.tel.ReportBroken(report_engine_checkpoint, err, state.Path())
	}

	e.remember(platform, file.Items)
	e.metrics.record(persistCtx, file.Summary)

	status := "done"
	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status = "cancelled"
	case runErr != nil:
		status = "failed"
	}
	e.finishRun(persistCtx, state.RunID, summary, status)
	return summary, runErr
}

func (e *Engine) traverse(ctx context.Context, p Platform, state *traversal.RunState, categories []string) ([]traversal.ItemResult, error) {
	manager := e.managers[p.Profile.Name]
	s, err := manager.Acquire(ctx, p.Account)
	if err != nil {
		return nil, err
	}

	runner := resilience.NewRunner(e.config.Policy, manager, s, e.tel)
	defer func() {
		manager.Invalidate(runner.Session())
	}()

	reconciler := timeline.NewReconciler(e.config.Timeline, e.tel)
	travConfig := e.config.Traversal
	travConfig.Categories = categories

	orchestrator := traversal.New(traversal.Dependencies{
		Adapter:    profile.New(p.Profile, reconciler.Classifier(), e.tel),
		Runner:     runner,
		Cache:      e.cache,
		Documents:  e.docs,
		Reconciler: reconciler,
		Messages:   e.messages,
		State:      state,
		Telemetry:  e.tel,
	}, travConfig)
	return orchestrator.Run(ctx)
}

// mergeFinished adds the items finished earlier in the run that this
// traversal did not reach again.
func mergeFinished(results, finished []traversal.ItemResult) []traversal.ItemResult {
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.ItemID] = true
	}
	for _, f := range finished {
		if !seen[f.ItemID] {
			results = append(results, f)
		}
	}
	return results
}

// RunAll traverses every platform concurrently. A platform failing does not
// stop the others, the failures are joined.
func (e *Engine) RunAll(ctx context.Context) ([]RunSummary, error) {
	summaries := make([]RunSummary, len(e.order))
	errs := make([]error, len(e.order))

	var group errgroup.Group
	if e.config.Workers > 0 {
		group.SetLimit(e.config.Workers)
	}
	for i, platform := range e.order {
		group.Go(func() error {
			summaries[i], errs[i] = e.RunExtraction(ctx, platform, nil)
			return nil
		})
	}
	group.Wait()
	return summaries, errors.Join(errs...)
}

func (e *Engine) remember(platform string, items []traversal.ItemResult) {
	byID := make(map[string]traversal.ItemResult, len(items))
	for _, item := range items {
		byID[item.ItemID] = item
	}
	e.mutex.Lock()
	e.results[platform] = byID
	e.mutex.Unlock()
}

// GetItem returns an item of the latest run of platform, from memory when
// the run happened in this process and from the export otherwise.
func (e *Engine) GetItem(ctx context.Context, platform, itemID string) (traversal.ItemResult, error) {
	if err := ctx.Err(); err != nil {
		return traversal.ItemResult{}, err
	}

	e.mutex.Lock()
	byID, ok := e.results[platform]
	if ok {
		item, found := byID[itemID]
		e.mutex.Unlock()
		if !found {
			return traversal.ItemResult{}, fmt.Errorf("%s/%s: %w", platform, itemID, ErrItemNotFound)
		}
		return item, nil
	}
	e.mutex.Unlock()

	file, err := export.Read(export.Path(e.config.ExportDir, platform))
	if errors.Is(err, os.ErrNotExist) {
		return traversal.ItemResult{}, fmt.Errorf("%s/%s: %w", platform, itemID, ErrItemNotFound)
	}
	if err != nil {
		return traversal.ItemResult{}, err
	}
	item, found := file.Find(itemID)
	if !found {
		return traversal.ItemResult{}, fmt.Errorf("%s/%s: %w", platform, itemID, ErrItemNotFound)
	}
	return item, nil
}

func (e *Engine) registerRun(ctx context.Context, runID, platform string, started time.Time) {
	if e.registry == nil {
		return
	}
	err := e.registry.InsertRun(ctx, db.InsertRunParams{
		ID:        runID,
		Platform:  platform,
		StartedAt: started.Unix(),
		Status:    "running",
	})
	if err != nil {
		e.tel.ReportWarning(report_engine_registry, err, runID, platform)
	}
}

func (e *Engine) finishRun(ctx context.Context, runID string, summary RunSummary, status string) {
	if e.registry == nil {
		return
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		e.tel.ReportBroken(report_engine_registry, err, runID)
		return
	}
	err = e.registry.FinishRun(ctx, db.FinishRunParams{
		FinishedAt: sql.NullInt64{Int64: e.time.Now().Unix(), Valid: true},
		Status:     status,
		Summary:    sql.NullString{String: string(encoded), Valid: true},
		ID:         runID,
		Platform:   summary.Platform,
	})
	if err != nil {
		e.tel.ReportWarning(report_engine_registry, err, runID, summary.Platform)
	}
}
