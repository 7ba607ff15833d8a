package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/crmquery/internal/batch"
	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/executor"
	"github.com/devrev/crmquery/internal/filter"
	"github.com/devrev/crmquery/internal/model"
)

// execStats accumulates remote usage across concurrent fetches of one attempt
type execStats struct {
	calls      atomic.Int64
	retries    atomic.Int64
	considered atomic.Int64
}

// outcome is what a strategy produced before sorting and windowing
type outcome struct {
	records    []model.Record
	matchedIDs []int64
	total      int
	// windowed is set when records already hold only the pagination window
	windowed      bool
	serverFilters int
	clientFilters int
	samples       []model.CostSample
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (p *Planner) fetch(ctx context.Context, req *model.FetchRequest, st *execStats) (*model.Page, time.Duration, error) {
	res, err := p.fetcher.Fetch(ctx, req)
	if res == nil {
		res = &executor.Result{}
	}
	st.calls.Add(int64(res.Attempts))
	st.retries.Add(int64(res.Retries))
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = strings.ToLower(qerrors.KindOf(err).String())
		}
		p.metrics.RecordRemoteFetch(string(req.Kind), status, res.Retries, res.Latency)
	}
	if err == nil && res.Page == nil {
		res.Page = &model.Page{Total: -1}
	}
	return res.Page, res.Latency, err
}

// fetchFields is the attribute set to request: the projection plus whatever the
// filter and sort read. Nil requests everything.
func fetchFields(q *model.Query, a *analysis) []string {
	if len(q.Fields) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	add(a.spec.IDField)
	for _, f := range q.Fields {
		add(f)
	}
	for _, f := range a.paths {
		add(f)
	}
	for _, s := range q.Sort {
		fs, _ := a.spec.Field(s.Field)
		add(fs.Path(s.Field))
	}
	return out
}

func recordIDs(records []model.Record) []int64 {
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		if id, ok := r.ID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func clientSamples(ev *filter.Evaluator, latencyMs float64) []model.CostSample {
	var out []model.CostSample
	for _, s := range ev.Stats() {
		out = append(out, model.CostSample{
			Field:       s.Condition.Field,
			Operator:    s.Condition.Operator,
			Selectivity: float64(s.Matched) / float64(s.Considered),
			LatencyMs:   latencyMs,
		})
	}
	return out
}

// scan pages through the list endpoint with the given server parameters and
// filters each page with residual on the client. Without a sort it stops as
// soon as the pagination window is filled.
func (p *Planner) scan(ctx context.Context, q *model.Query, a *analysis, server []serverCond, residual *model.Expr, st *execStats) (*outcome, error) {
	ev := filter.Compile(residual, a.spec, p.costs)
	need := -1
	if len(q.Sort) == 0 && q.Page.Limit > 0 {
		need = q.Page.Offset + q.Page.Limit
	}

	out := &outcome{total: -1, serverFilters: len(server), clientFilters: len(residual.Conditions())}
	fields := fetchFields(q, a)
	serverParams := params(server)
	remoteTotal := -1
	complete := false
	offset := 0
	pages := 0
	var elapsed time.Duration

	for pages < p.cfg.MaxPages {
		size := p.batch.Next(batch.OpListPage)
		page, lat, err := p.fetch(ctx, &model.FetchRequest{
			Kind:   model.FetchList,
			Entity: q.Entity,
			Params: serverParams,
			Fields: fields,
			Offset: offset,
			Limit:  size,
		}, st)
		if err != nil {
			return out, err
		}
		pages++
		elapsed += lat
		if page.HasMore {
			p.batch.Record(batch.OpListPage, size, lat)
		}
		if pages == 1 {
			remoteTotal = page.Total
			if len(server) == 0 && page.Total >= 0 {
				p.learnCorpus(q.Entity, page.Total)
			}
		}

		for _, r := range page.Records {
			st.considered.Add(1)
			if ev.Match(r) {
				out.records = append(out.records, r)
			}
		}
		offset += len(page.Records)
		if !page.HasMore || len(page.Records) == 0 {
			complete = true
			break
		}
		if need >= 0 && len(out.records) >= need {
			break
		}
	}

	switch {
	case complete:
		out.total = len(out.records)
	case residual == nil && remoteTotal >= 0:
		out.total = remoteTotal
	}
	if !complete && (need < 0 || len(out.records) < need) {
		p.logger.Warn("Scan stopped at page limit",
			zap.String("entity", q.Entity),
			zap.Int("pages", pages),
			zap.Int("matched", len(out.records)))
		return out, qerrors.PageLimit(q.Entity+" scan", pages)
	}
	out.matchedIDs = recordIDs(out.records)

	if pages > 0 {
		avg := msOf(elapsed) / float64(pages)
		out.samples = clientSamples(ev, avg)
		if len(server) == 1 && remoteTotal >= 0 {
			if corpus, ok := p.learnedCorpus(q.Entity); ok && corpus > 0 {
				out.samples = append(out.samples, model.CostSample{
					Field:       server[0].cond.Field,
					Operator:    server[0].cond.Operator,
					Selectivity: float64(remoteTotal) / float64(corpus),
					LatencyMs:   avg,
				})
			}
		}
	}
	return out, nil
}

// runSimple pushes every supported conjunct to the server and evaluates the
// rest locally. A filter naming record ids skips the list endpoint.
func (p *Planner) runSimple(ctx context.Context, q *model.Query, a *analysis, st *execStats) (*outcome, error) {
	if a.lookup != nil {
		return p.runLookup(ctx, q, a, st)
	}
	return p.scan(ctx, q, a, a.server, a.residual, st)
}

// runLookup hydrates the ids named by the filter and applies the rest of it
func (p *Planner) runLookup(ctx context.Context, q *model.Query, a *analysis, st *execStats) (*outcome, error) {
	lk := a.lookup
	out := &outcome{total: -1, serverFilters: 1, clientFilters: len(lk.residual.Conditions())}
	records, hydrateMs, err := p.hydrate(ctx, q, a, lk.ids, st)
	if err != nil {
		return out, err
	}
	st.considered.Add(int64(len(records)))

	ev := filter.Compile(lk.residual, a.spec, p.costs)
	for _, r := range records {
		if ev.Match(r) {
			out.records = append(out.records, r)
		}
	}
	out.total = len(out.records)
	out.matchedIDs = recordIDs(out.records)
	out.samples = clientSamples(ev, hydrateMs)
	return out, nil
}

// runBulk bounds the scan with the most selective supported conjunct and
// re-applies the complete filter locally
func (p *Planner) runBulk(ctx context.Context, q *model.Query, a *analysis, st *execStats) (*outcome, error) {
	return p.scan(ctx, q, a, p.bound(a), q.Filter, st)
}

// fetchTagMembers pages through one tag's membership list
func (p *Planner) fetchTagMembers(ctx context.Context, entity string, tagID int64, st *execStats) (*roaring64.Bitmap, time.Duration, error) {
	bm := roaring64.New()
	offset := 0
	var elapsed time.Duration
	for pages := 0; pages < p.cfg.MaxPages; pages++ {
		size := p.batch.Next(batch.OpTagMembers)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, elapsed, err
		}
		page, lat, err := p.fetch(ctx, &model.FetchRequest{
			Kind:   model.FetchTagMembers,
			Entity: entity,
			TagID:  tagID,
			Offset: offset,
			Limit:  size,
		}, st)
		p.sem.Release(1)
		if err != nil {
			return nil, elapsed, err
		}
		elapsed += lat
		if page.HasMore {
			p.batch.Record(batch.OpTagMembers, size, lat)
		}
		for _, id := range page.IDs {
			if id >= 0 {
				bm.Add(uint64(id))
			}
		}
		offset += len(page.IDs)
		if !page.HasMore || len(page.IDs) == 0 {
			return bm, elapsed, nil
		}
	}
	p.logger.Warn("Tag membership stopped at page limit", zap.Int64("tag_id", tagID))
	return nil, elapsed, qerrors.PageLimit(fmt.Sprintf("tag %d membership", tagID), p.cfg.MaxPages).
		WithDetail("tag_id", tagID)
}

// mergeSets intersects (AND) or unions (OR) the per-condition id sets
func mergeSets(logic model.Logic, sets []*roaring64.Bitmap) *roaring64.Bitmap {
	if len(sets) == 0 {
		return roaring64.New()
	}
	out := sets[0].Clone()
	for _, s := range sets[1:] {
		if logic == model.LogicOr {
			out.Or(s)
		} else {
			out.And(s)
		}
	}
	return out
}

func toInt64(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// hydrate fetches full records for ids in concurrent batches, preserving order,
// along with the average batch latency in milliseconds
func (p *Planner) hydrate(ctx context.Context, q *model.Query, a *analysis, ids []int64, st *execStats) ([]model.Record, float64, error) {
	if len(ids) == 0 {
		return nil, 0, nil
	}
	size := p.batch.Next(batch.OpHydrate)
	var chunks [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	fields := fetchFields(q, a)
	results := make([][]model.Record, len(chunks))
	var elapsed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := p.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			page, lat, err := p.fetch(gctx, &model.FetchRequest{
				Kind:   model.FetchHydrate,
				Entity: q.Entity,
				IDs:    chunk,
				Fields: fields,
			}, st)
			p.sem.Release(1)
			if err != nil {
				return err
			}
			p.batch.Record(batch.OpHydrate, len(chunk), lat)
			elapsed.Add(int64(lat))
			results[i] = page.Records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var out []model.Record
	for _, rs := range results {
		out = append(out, rs...)
	}
	return out, msOf(time.Duration(elapsed.Load())) / float64(len(chunks)), nil
}

// runTag resolves membership conditions to id sets through the per-tag
// endpoint, merges them, then hydrates and applies the residual
func (p *Planner) runTag(ctx context.Context, q *model.Query, a *analysis, st *execStats) (*outcome, error) {
	tp := a.tag
	out := &outcome{total: -1, serverFilters: len(tp.groups), clientFilters: len(tp.residual.Conditions())}

	var mu sync.Mutex
	sets := make(map[int64]*roaring64.Bitmap)
	latency := make(map[int64]time.Duration)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range tp.distinctTags() {
		g.Go(func() error {
			bm, lat, err := p.fetchTagMembers(gctx, q.Entity, id, st)
			if err != nil {
				return err
			}
			mu.Lock()
			sets[id] = bm
			latency[id] = lat
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	corpus := float64(p.corpusSize(q.Entity))
	groupSets := make([]*roaring64.Bitmap, len(tp.groups))
	for i, grp := range tp.groups {
		union := roaring64.New()
		var elapsed time.Duration
		for _, id := range grp.tagIDs {
			union.Or(sets[id])
			elapsed += latency[id]
		}
		groupSets[i] = union
		out.samples = append(out.samples, model.CostSample{
			Field:       grp.cond.Field,
			Operator:    grp.cond.Operator,
			Selectivity: float64(union.GetCardinality()) / corpus,
			LatencyMs:   msOf(elapsed) / float64(len(grp.tagIDs)),
		})
	}
	candidates := toInt64(mergeSets(tp.logic, groupSets).ToArray())
	st.considered.Add(int64(len(candidates)))

	if tp.residual == nil {
		out.total = len(candidates)
		out.matchedIDs = candidates
		toHydrate := candidates
		if len(q.Sort) == 0 && q.Page.Limit > 0 {
			toHydrate = window(candidates, q.Page)
			out.windowed = true
		}
		records, _, err := p.hydrate(ctx, q, a, toHydrate, st)
		if err != nil {
			return out, err
		}
		out.records = records
		return out, nil
	}

	records, hydrateMs, err := p.hydrate(ctx, q, a, candidates, st)
	if err != nil {
		return out, err
	}
	ev := filter.Compile(tp.residual, a.spec, p.costs)
	for _, r := range records {
		if ev.Match(r) {
			out.records = append(out.records, r)
		}
	}
	out.total = len(out.records)
	out.matchedIDs = recordIDs(out.records)
	out.samples = append(out.samples, clientSamples(ev, hydrateMs)...)
	return out, nil
}

// window returns the [offset, offset+limit) slice of items; limit 0 means no limit
func window[T any](items []T, page model.Pagination) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
