package traversal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"reviewtrail/internal/cache"
	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/fault"
	"reviewtrail/internal/resilience"
	"reviewtrail/internal/secondary"
	"reviewtrail/internal/surface"
	"reviewtrail/internal/timeline"
)

const (
	report_orchestrator_discover   = "orchestrator.discover"
	report_orchestrator_collect    = "orchestrator.collect"
	report_orchestrator_item       = "orchestrator.item"
	report_orchestrator_navigate   = "orchestrator.navigate"
	report_orchestrator_document   = "orchestrator.document"
	report_orchestrator_return     = "orchestrator.return"
	report_orchestrator_checkpoint = "orchestrator.checkpoint"
	report_orchestrator_items      = "orchestrator.items"
	report_orchestrator_unreached  = "orchestrator.unreached"
)

// ErrNotReached is recorded on items that a pass never extracted, neither
// through navigation nor when opened by id.
var ErrNotReached = errors.New("not reached by navigation")

type Config struct {
	// StepTimeout bounds every remote step, including its secondary contexts.
	StepTimeout time.Duration
	// Categories narrows the traversal to the named categories when set.
	Categories []string
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = time.Minute
	}
	return c
}

type Dependencies struct {
	Adapter    Adapter
	Runner     *resilience.Runner
	Cache      *cache.Cache
	Documents  DocumentStore
	Reconciler *timeline.Reconciler
	// Messages may be nil, every timeline is then built from the platform
	// stream alone with reduced confidence.
	Messages  timeline.MessageSource
	State     *RunState
	Telemetry telemetry.API
}

type Orchestrator struct {
	adapter    Adapter
	runner     *resilience.Runner
	cache      *cache.Cache
	docs       DocumentStore
	reconciler *timeline.Reconciler
	messages   timeline.MessageSource
	state      *RunState
	tel        telemetry.API
	config     Config
	platform   string
}

func New(deps Dependencies, config Config) *Orchestrator {
	assert.NotNil(deps.Adapter)
	assert.NotNil(deps.Runner)
	assert.NotNil(deps.Cache)
	assert.NotNil(deps.Documents)
	assert.NotNil(deps.Reconciler)
	assert.NotNil(deps.State)
	assert.NotNil(deps.Telemetry)

	return &Orchestrator{
		adapter:    deps.Adapter,
		runner:     deps.Runner,
		cache:      deps.Cache,
		docs:       deps.Documents,
		reconciler: deps.Reconciler,
		messages:   deps.Messages,
		state:      deps.State,
		tel:        telemetry.NewScopedAPI("traversal", deps.Telemetry),
		config:     config.withDefaults(),
		platform:   deps.Adapter.Name(),
	}
}

// fatal reports whether err ends the traversal of the platform: anything
// but a single item giving up, eg. cancellation or a failed re-login.
func fatal(err error) bool {
	var itemFailed *fault.ItemExtractionFailed
	return !errors.As(err, &itemFailed)
}

// step runs fn with the current surface under the resilience policy, every
// attempt gets its own timeout.
func (o *Orchestrator) step(
	ctx context.Context,
	step resilience.Step,
	fn func(ctx context.Context, s surface.Surface, attempt resilience.Attempt) error,
) (resilience.Outcome, error) {
	step.Platform = o.platform
	return o.runner.Do(ctx, step, func(ctx context.Context, attempt resilience.Attempt) error {
		ctx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
		defer cancel()
		return fn(ctx, attempt.Session.Surface, attempt)
	})
}

// Run traverses every non-empty category and reconciles the timelines of
// the items that finished. On cancellation the items that did not finish
// are returned as cancelled together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) ([]ItemResult, error) {
	categories, err := o.discover(ctx)
	if err != nil {
		return nil, err
	}

	var results []ItemResult
	var runErr error
	for _, c := range categories {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		items, err := o.traverseCategory(ctx, c)
		results = append(results, items...)
		if err != nil {
			runErr = err
			break
		}
	}

	o.reconcile(ctx, results)
	o.state.Refresh(results)
	o.tel.ReportCount(report_orchestrator_items, int64(len(results)))
	if runErr == nil {
		o.state.MarkDone(o.platform)
	}
	return results, runErr
}

func (o *Orchestrator) discover(ctx context.Context) ([]Category, error) {
	var discovered []Category
	_, err := o.step(ctx, resilience.Step{Name: "discover"}, func(ctx context.Context, s surface.Surface, _ resilience.Attempt) error {
		var err error
		discovered, err = o.adapter.DiscoverCategories(ctx, s)
		return err
	})
	if err != nil {
		o.tel.ReportBroken(report_orchestrator_discover, err, o.platform)
		return nil, fmt.Errorf("discover categories: %w", err)
	}

	var categories []Category
	for _, c := range discovered {
		if c.Count <= 0 {
			o.tel.ReportDebug("skipping empty category", o.platform, c.Name)
			continue
		}
		if len(o.config.Categories) > 0 && !slices.Contains(o.config.Categories, c.Name) {
			continue
		}
		categories = append(categories, c)
	}
	return categories, nil
}

type categoryProgress struct {
	platform string
	category Category
	order    []string
	items    map[string]*ItemResult
	resumed  map[string]bool
	// passes holds the passes each item completed.
	passes map[string]map[string]bool
}

func (p *categoryProgress) passed(id, pass string) {
	if p.passes[id] == nil {
		p.passes[id] = map[string]bool{}
	}
	p.passes[id][pass] = true
}

// missingPass returns the first pass id did not complete, empty when it
// completed every one.
func (p *categoryProgress) missingPass(id string, passes []Pass) string {
	for _, pass := range passes {
		if !p.passes[id][pass.Name] {
			return pass.Name
		}
	}
	return ""
}

func (o *Orchestrator) newProgress(c Category) *categoryProgress {
	return &categoryProgress{
		platform: o.platform,
		category: c,
		items:    map[string]*ItemResult{},
		resumed:  map[string]bool{},
		passes:   map[string]map[string]bool{},
	}
}

// item returns the progress of id, items reached by navigation that were not
// collected are added on first sight.
func (o *Orchestrator) item(p *categoryProgress, id string) *ItemResult {
	if item, ok := p.items[id]; ok {
		return item
	}
	item := &ItemResult{Platform: p.platform, ItemID: id, Category: p.category.Name}
	if finished, ok := o.state.Finished(p.platform, id); ok {
		*item = finished
		p.resumed[id] = true
	}
	p.items[id] = item
	p.order = append(p.order, id)
	return item
}

func (o *Orchestrator) traverseCategory(ctx context.Context, c Category) ([]ItemResult, error) {
	ids, err := o.collect(ctx, c)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		o.tel.ReportWarning(report_orchestrator_collect, err, o.platform, c.Name)
		return nil, nil
	}

	progress := o.newProgress(c)
	for _, id := range ids {
		o.item(progress, id)
	}

	completed := true
	var traverseErr error
	for _, pass := range o.adapter.Passes() {
		if ctx.Err() != nil {
			completed = false
			traverseErr = ctx.Err()
			break
		}
		o.state.SetCursor(o.platform, Cursor{Category: c.Name, Pass: pass.Name})

		var err error
		switch pass.Direction {
		case Random:
			err = o.randomPass(ctx, progress, pass)
		default:
			err = o.sequentialPass(ctx, progress, pass, ids)
		}
		if err != nil {
			completed = false
			traverseErr = err
			break
		}
		o.returnToList(ctx, c)
	}

	return o.finish(progress, completed), traverseErr
}

func (o *Orchestrator) collect(ctx context.Context, c Category) ([]string, error) {
	var ids []string
	_, err := o.step(ctx, resilience.Step{Category: c.Name, Name: "collect"}, func(ctx context.Context, s surface.Surface, _ resilience.Attempt) error {
		collected, err := o.adapter.CollectItemIDs(ctx, s, c)
		if err != nil {
			return err
		}
		ids = ids[:0]
		seen := map[string]bool{}
		for _, id := range collected {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) != c.Count {
		o.tel.ReportDebug("collected count differs from discovered count", o.platform, c.Name, c.Count, len(ids))
	}
	return ids, nil
}

func (o *Orchestrator) randomPass(ctx context.Context, p *categoryProgress, pass Pass) error {
	ids := slices.Clone(p.order)
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.state.SetCursor(o.platform, Cursor{Category: p.category.Name, Pass: pass.Name, ItemID: id})
		err := o.processItem(ctx, p, pass, id, true)
		if err != nil {
			return err
		}
	}
	return nil
}

// sequentialPass opens the first (or last) collected item and follows the
// next (or previous) affordance until it is absent. Collected items the
// chain did not lead to are opened by id afterwards.
func (o *Orchestrator) sequentialPass(ctx context.Context, p *categoryProgress, pass Pass, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	order := slices.Clone(ids)
	if pass.Direction == Backward {
		slices.Reverse(order)
	}

	visited := map[string]bool{}
	err := o.followChain(ctx, p, pass, order[0], visited)
	if err != nil {
		return err
	}

	for _, id := range order {
		if visited[id] {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.tel.ReportDebug("item not reached by navigation, opening by id", o.platform, pass.Name, id)
		o.state.SetCursor(o.platform, Cursor{Category: p.category.Name, Pass: pass.Name, ItemID: id})
		err := o.processItem(ctx, p, pass, id, true)
		if err != nil {
			return err
		}
	}
	return nil
}

// followChain records every item it extracted in visited. A chain that
// cannot be started or continued ends without error.
func (o *Orchestrator) followChain(ctx context.Context, p *categoryProgress, pass Pass, current string, visited map[string]bool) error {
	_, err := o.step(ctx, resilience.Step{Category: p.category.Name, ItemID: current, Name: "open " + pass.Name}, func(ctx context.Context, s surface.Surface, _ resilience.Attempt) error {
		return o.adapter.OpenItem(ctx, s, p.category, current)
	})
	if err != nil {
		if fatal(err) {
			return err
		}
		o.tel.ReportWarning(report_orchestrator_navigate, err, o.platform, p.category.Name, pass.Name)
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if visited[current] {
			o.tel.ReportWarning(report_orchestrator_navigate, "revisited item, ending pass", o.platform, pass.Name, current)
			return nil
		}
		visited[current] = true
		o.state.SetCursor(o.platform, Cursor{Category: p.category.Name, Pass: pass.Name, ItemID: current})

		err := o.processItem(ctx, p, pass, current, false)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next, moved, err := o.advance(ctx, p, pass, current)
		if err != nil {
			if fatal(err) {
				return err
			}
			o.tel.ReportWarning(report_orchestrator_navigate, err, o.platform, pass.Name, current)
			return nil
		}
		if !moved {
			return nil
		}
		current = next
	}
}

func (o *Orchestrator) advance(ctx context.Context, p *categoryProgress, pass Pass, current string) (string, bool, error) {
	var next string
	var moved bool
	_, err := o.step(ctx, resilience.Step{Category: p.category.Name, ItemID: current, Name: "navigate " + pass.Name}, func(ctx context.Context, s surface.Surface, attempt resilience.Attempt) error {
		if attempt.Number > 1 {
			err := o.adapter.OpenItem(ctx, s, p.category, current)
			if err != nil {
				return err
			}
		}
		var err error
		moved, err = o.adapter.Next(ctx, s, pass.Direction)
		if err != nil || !moved {
			return err
		}
		next, err = o.adapter.CurrentItemID(ctx, s)
		if err != nil {
			return err
		}
		if next == "" {
			return fmt.Errorf("item id after %s: %w", current, fault.ErrMalformed)
		}
		return nil
	})
	return next, moved, err
}

// processItem runs one pass over one item. open forces the item to be opened
// by id, retries always reposition that way since the surface may have moved
// or been replaced. Cancellation is observed between items: a started item
// runs to the end of the pass, each attempt still bounded by StepTimeout.
func (o *Orchestrator) processItem(ctx context.Context, p *categoryProgress, pass Pass, id string, open bool) error {
	item := o.item(p, id)
	if item.Status == StatusFailed || p.resumed[id] {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var extraction Extraction
	outcome, err := o.step(ctx, resilience.Step{Category: p.category.Name, ItemID: id, Name: "extract " + pass.Name}, func(ctx context.Context, s surface.Surface, attempt resilience.Attempt) error {
		if open || attempt.Number > 1 {
			err := o.adapter.OpenItem(ctx, s, p.category, id)
			if err != nil {
				return err
			}
		}
		sec := secondary.NewHandler(s, o.tel)
		var err error
		extraction, err = o.adapter.Extract(ctx, s, sec, id, pass)
		return err
	})
	item.Retries += outcome.Retries
	if err != nil {
		return o.itemFailed(item, err)
	}

	if len(extraction.Fields) > 0 {
		merged, _, err := o.cache.MergeFields(ctx, cache.Key(o.platform, id, "fields"), extraction.Fields)
		if err != nil {
			return o.itemFailed(item, &fault.ItemExtractionFailed{ItemID: id, Step: "merge " + pass.Name, Err: err})
		}
		item.Fields = merged
	}
	item.addEvents(extraction.Events)

	err = o.documents(ctx, p, item, extraction.Documents)
	if err != nil {
		return err
	}
	p.passed(id, pass.Name)
	return nil
}

func (o *Orchestrator) itemFailed(item *ItemResult, err error) error {
	if fatal(err) {
		return err
	}
	item.Status = StatusFailed
	item.FailureReason = err.Error()
	o.tel.ReportWarning(report_orchestrator_item, err, o.platform, item.ItemID)
	return nil
}

func (o *Orchestrator) documents(ctx context.Context, p *categoryProgress, item *ItemResult, refs []DocumentRef) error {
	for _, ref := range refs {
		key := cache.Key(o.platform, item.ItemID, "document", ref.Kind, ref.Name)
		if entry, ok := o.cache.Get(ctx, key); ok && ref.Fingerprint != "" && entry.Fingerprint == ref.Fingerprint {
			item.setDocument(DocumentResult{Kind: ref.Kind, Name: ref.Name, Fingerprint: ref.Fingerprint, Status: DocumentUnchanged})
			continue
		}

		var data []byte
		outcome, err := o.step(ctx, resilience.Step{Category: p.category.Name, ItemID: item.ItemID, Name: "download " + ref.Kind}, func(ctx context.Context, s surface.Surface, attempt resilience.Attempt) error {
			if attempt.Number > 1 {
				err := o.adapter.OpenItem(ctx, s, p.category, item.ItemID)
				if err != nil {
					return err
				}
			}
			var err error
			data, err = o.adapter.Download(ctx, s, secondary.NewHandler(s, o.tel), item.ItemID, ref)
			return err
		})
		item.Retries += outcome.Retries
		if err != nil && fatal(err) {
			return err
		}
		if err == nil {
			err = o.docs.Save(ctx, o.platform, item.ItemID, ref.Kind, ref.Name, data)
		}
		if err != nil {
			o.tel.ReportWarning(report_orchestrator_document, err, o.platform, item.ItemID, ref.Kind, ref.Name)
			item.setDocument(DocumentResult{Kind: ref.Kind, Name: ref.Name, Fingerprint: ref.Fingerprint, Status: DocumentFailed})
			continue
		}

		fingerprint := ref.Fingerprint
		if fingerprint == "" {
			fingerprint = cache.Fingerprint(data)
		}
		payload, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		_, err = o.cache.PutFingerprint(ctx, key, fingerprint, payload)
		if err != nil {
			return err
		}
		item.setDocument(DocumentResult{Kind: ref.Kind, Name: ref.Name, Fingerprint: fingerprint, Status: DocumentDownloaded})
	}
	return nil
}

func (o *Orchestrator) returnToList(ctx context.Context, c Category) {
	_, err := o.step(ctx, resilience.Step{Category: c.Name, Name: "return"}, func(ctx context.Context, s surface.Surface, _ resilience.Attempt) error {
		return o.adapter.ReturnToCategoryList(ctx, s, c)
	})
	if err != nil && ctx.Err() == nil {
		o.tel.ReportWarning(report_orchestrator_return, err, o.platform, c.Name)
	}
}

// finish settles the status of every item of a category. Items that
// completed every pass are done even when the category was interrupted.
// Items a completed category never reached fail, the others are cancelled.
// Neither is checkpointed as finished, so a resumed run tries them again.
func (o *Orchestrator) finish(p *categoryProgress, completed bool) []ItemResult {
	passes := o.adapter.Passes()
	results := make([]ItemResult, 0, len(p.order))
	checkpointDue := false
	for _, id := range p.order {
		item := p.items[id]
		missing := p.missingPass(id, passes)
		switch {
		case p.resumed[id]:
		case item.Status == StatusFailed:
			checkpointDue = o.state.Finish(*item) || checkpointDue
		case missing == "":
			item.Status = StatusDone
			checkpointDue = o.state.Finish(*item) || checkpointDue
		case completed:
			err := &fault.ItemExtractionFailed{ItemID: id, Step: missing, Err: ErrNotReached}
			o.tel.ReportWarning(report_orchestrator_unreached, err, o.platform, p.category.Name)
			item.Status = StatusFailed
			item.FailureReason = err.Error()
		default:
			item.cancel()
		}
		results = append(results, *item)
	}
	if checkpointDue {
		err := o.state.Save()
		if err != nil {
			o.tel.ReportBroken(report_orchestrator_checkpoint, err, o.state.Path())
		}
	}
	return results
}

func (o *Orchestrator) reconcile(ctx context.Context, results []ItemResult) {
	source := o.messages
	if ctx.Err() != nil {
		source = nil
	}
	for i := range results {
		item := &results[i]
		if item.Status != StatusDone {
			continue
		}
		res := o.reconciler.Reconcile(ctx, item.ItemID, item.Events, knownParticipants(*item), source)
		item.Timeline = res.Timeline
		item.Metrics = res.Metrics
		item.Confidence = res.Confidence
		item.Warning = res.Warning
	}
}

// participantFields are the item fields that name people taking part in the
// review of an item.
var participantFields = []string{"participants", "reviewers", "editor", "authors"}

func knownParticipants(item ItemResult) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, e := range item.Events {
		for _, name := range e.Participants {
			add(name)
		}
	}
	for _, field := range participantFields {
		switch v := item.Fields[field].(type) {
		case string:
			for _, name := range strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == ',' || r == '\n' }) {
				add(name)
			}
		case []string:
			for _, name := range v {
				add(name)
			}
		case []any:
			for _, name := range v {
				if s, ok := name.(string); ok {
					add(s)
				}
			}
		}
	}
	return out
}
