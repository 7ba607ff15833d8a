package planner

import (
	"math"
	"sort"

	"github.com/devrev/crmquery/internal/batch"
	"github.com/devrev/crmquery/internal/model"
)

// tagGroup is one membership condition and the tag ids it names. An "in"
// condition is the union of its tags.
type tagGroup struct {
	cond   model.Condition
	tagIDs []int64
}

// tagPlan is a TAG_OPTIMIZED decomposition: groups combined with logic, then
// the residual applied to hydrated records
type tagPlan struct {
	logic    model.Logic
	groups   []tagGroup
	residual *model.Expr
}

func (t *tagPlan) distinctTags() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, g := range t.groups {
		for _, id := range g.tagIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// serverCond is a top-level conjunct the list endpoint can apply
type serverCond struct {
	cond  model.Condition
	param model.ServerParam
}

// idLookup is a top-level id equals/in conjunct: its records are hydrated
// directly and the other conjuncts applied locally
type idLookup struct {
	ids      []int64
	residual *model.Expr
}

// analysis is the planner's read of a query against the capability table
type analysis struct {
	spec     model.EntitySpec
	tag      *tagPlan
	lookup   *idLookup
	server   []serverCond
	residual *model.Expr
	fields   []string
	paths    []string
	tagIDs   []int64
}

func params(conds []serverCond) []model.ServerParam {
	out := make([]model.ServerParam, len(conds))
	for i, c := range conds {
		out[i] = c.param
	}
	return out
}

func conjoin(exprs []*model.Expr) *model.Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return model.And(exprs...)
	}
}

// idValues extracts ids from an equals or in condition value
func idValues(v interface{}) []int64 {
	var raw []interface{}
	if list, ok := v.([]interface{}); ok {
		raw = list
	} else {
		raw = []interface{}{v}
	}
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		if f, ok := model.ToFloat(item); ok {
			ids = append(ids, int64(f))
		}
	}
	return ids
}

func (p *Planner) analyze(q *model.Query, spec model.EntitySpec) *analysis {
	a := &analysis{spec: spec}

	seenField := make(map[string]bool)
	seenPath := make(map[string]bool)
	seenTag := make(map[int64]bool)
	for _, c := range q.Filter.Conditions() {
		if !seenField[c.Field] {
			seenField[c.Field] = true
			a.fields = append(a.fields, c.Field)
		}
		fs, _ := spec.Field(c.Field)
		if path := fs.Path(c.Field); !seenPath[path] {
			seenPath[path] = true
			a.paths = append(a.paths, path)
		}
		if fs.Type == model.FieldTag {
			for _, id := range idValues(c.Value) {
				if !seenTag[id] {
					seenTag[id] = true
					a.tagIDs = append(a.tagIDs, id)
				}
			}
		}
	}
	sort.Strings(a.fields)

	conjuncts := q.Filter.Conjuncts()
	usedParams := make(map[string]bool)
	var residual []*model.Expr
	for _, cj := range conjuncts {
		if cj.IsLeaf() {
			c := cj.Condition()
			if param, ok := p.catalog.Param(q.Entity, c.Field, c.Operator); ok && !usedParams[param] {
				usedParams[param] = true
				a.server = append(a.server, serverCond{
					cond:  c,
					param: model.ServerParam{Param: param, Operator: c.Operator, Value: c.Value},
				})
				// range parameters are inclusive on the remote
				if !exactOnServer(c.Operator) {
					residual = append(residual, cj)
				}
				continue
			}
		}
		residual = append(residual, cj)
	}
	a.residual = conjoin(residual)
	a.tag = p.tagPlanFor(q, conjuncts)
	a.lookup = lookupFor(spec, conjuncts)
	return a
}

func exactOnServer(op model.Operator) bool {
	return op != model.OpGreaterThan && op != model.OpLessThan
}

// lookupFor returns the first top-level id equals/in conjunct as a lookup
func lookupFor(spec model.EntitySpec, conjuncts []*model.Expr) *idLookup {
	for i, cj := range conjuncts {
		if !cj.IsLeaf() {
			continue
		}
		c := cj.Condition()
		if c.Field != spec.IDField || (c.Operator != model.OpEquals && c.Operator != model.OpIn) {
			continue
		}
		seen := make(map[int64]bool)
		var ids []int64
		for _, id := range idValues(c.Value) {
			if id >= 0 && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		rest := make([]*model.Expr, 0, len(conjuncts)-1)
		rest = append(rest, conjuncts[:i]...)
		rest = append(rest, conjuncts[i+1:]...)
		return &idLookup{ids: ids, residual: conjoin(rest)}
	}
	return nil
}

// tagPlanFor returns a tag decomposition when the top level is a single
// membership leaf, an AND with at least one membership leaf, or an OR made only
// of membership leaves
func (p *Planner) tagPlanFor(q *model.Query, conjuncts []*model.Expr) *tagPlan {
	if q.Filter == nil {
		return nil
	}
	member := func(e *model.Expr) (tagGroup, bool) {
		if !e.IsLeaf() || !p.catalog.IsMembership(q.Entity, e.Condition()) {
			return tagGroup{}, false
		}
		ids := idValues(e.Condition().Value)
		return tagGroup{cond: e.Condition(), tagIDs: ids}, len(ids) > 0
	}

	if q.Filter.Logic() == model.LogicOr {
		tp := &tagPlan{logic: model.LogicOr}
		for _, child := range q.Filter.Children() {
			g, ok := member(child)
			if !ok {
				return nil
			}
			tp.groups = append(tp.groups, g)
		}
		return tp
	}

	tp := &tagPlan{logic: model.LogicAnd}
	var rest []*model.Expr
	for _, cj := range conjuncts {
		if g, ok := member(cj); ok {
			tp.groups = append(tp.groups, g)
			continue
		}
		rest = append(rest, cj)
	}
	if len(tp.groups) == 0 {
		return nil
	}
	tp.residual = conjoin(rest)
	return tp
}

// classify applies the fixed preference order: tag membership, then server
// filters or an id lookup, then a full scan
func classify(a *analysis) model.Strategy {
	switch {
	case a.tag != nil:
		return model.StrategyTagOptimized
	case len(a.server) > 0 || a.lookup != nil:
		return model.StrategySimpleFilter
	default:
		return model.StrategyBulkRetrieve
	}
}

func eligible(a *analysis) []model.Strategy {
	var out []model.Strategy
	if a.tag != nil {
		out = append(out, model.StrategyTagOptimized)
	}
	if len(a.server) > 0 || a.lookup != nil {
		out = append(out, model.StrategySimpleFilter)
	}
	return append(out, model.StrategyBulkRetrieve)
}

// bound returns the most selective server-supported conjunct, if any
func (p *Planner) bound(a *analysis) []serverCond {
	if len(a.server) == 0 {
		return nil
	}
	best := a.server[0]
	bestSel := p.costs.Selectivity(best.cond.Field, best.cond.Operator)
	for _, sc := range a.server[1:] {
		sel := p.costs.Selectivity(sc.cond.Field, sc.cond.Operator)
		if sel < bestSel || (sel == bestSel &&
			p.costs.Latency(sc.cond.Field, sc.cond.Operator) < p.costs.Latency(best.cond.Field, best.cond.Operator)) {
			best, bestSel = sc, sel
		}
	}
	return []serverCond{best}
}

func rounds(rows, perRound float64) float64 {
	if perRound < 1 {
		perRound = 1
	}
	return math.Max(1, math.Ceil(rows/perRound))
}

// cost estimates latency x round trips in milliseconds
func (p *Planner) cost(s model.Strategy, q *model.Query, a *analysis) float64 {
	corpus := float64(p.corpusSize(q.Entity))
	scanLatency := p.costs.Latency(a.spec.IDField, model.OpEquals)
	windowed := len(q.Sort) == 0 && q.Page.Limit > 0
	conc := float64(p.cfg.MaxConcurrentFetches)

	switch s {
	case model.StrategyTagOptimized:
		tagPage := float64(p.batch.Next(batch.OpTagMembers))
		hydrateBatch := float64(p.batch.Next(batch.OpHydrate))

		var tagRounds, tagLatency float64
		combined := 1.0
		if a.tag.logic == model.LogicOr {
			combined = 0
		}
		keep := 1.0
		for _, g := range a.tag.groups {
			sel := p.costs.Selectivity(g.cond.Field, g.cond.Operator)
			perTag := sel * corpus / float64(len(g.tagIDs))
			tagRounds += float64(len(g.tagIDs)) * rounds(perTag, tagPage)
			tagLatency = math.Max(tagLatency, p.costs.Latency(g.cond.Field, g.cond.Operator))
			if a.tag.logic == model.LogicOr {
				keep *= 1 - sel
			} else {
				combined *= sel
			}
		}
		if a.tag.logic == model.LogicOr {
			combined = 1 - keep
		}
		hydrate := combined * corpus
		if windowed && a.tag.residual == nil {
			hydrate = math.Min(hydrate, float64(q.Page.Limit))
		}
		return (tagRounds*tagLatency + rounds(hydrate, hydrateBatch)*scanLatency) / conc

	case model.StrategySimpleFilter:
		if a.lookup != nil {
			hydrateBatch := float64(p.batch.Next(batch.OpHydrate))
			return math.Ceil(rounds(float64(len(a.lookup.ids)), hydrateBatch)/conc) * scanLatency
		}
		page := float64(p.batch.Next(batch.OpListPage))
		sel := 1.0
		latency := scanLatency
		for _, sc := range a.server {
			sel *= p.costs.Selectivity(sc.cond.Field, sc.cond.Operator)
			latency = math.Max(latency, p.costs.Latency(sc.cond.Field, sc.cond.Operator))
		}
		r := rounds(sel*corpus, page)
		if windowed && a.residual == nil {
			r = math.Min(r, rounds(float64(q.Page.Offset+q.Page.Limit), page))
		}
		return r * latency

	default:
		page := float64(p.batch.Next(batch.OpListPage))
		rows := corpus
		latency := scanLatency
		if b := p.bound(a); len(b) > 0 {
			rows *= p.costs.Selectivity(b[0].cond.Field, b[0].cond.Operator)
			latency = math.Max(latency, p.costs.Latency(b[0].cond.Field, b[0].cond.Operator))
		}
		return rounds(rows, page) * latency
	}
}

// choose classifies the query and switches to the cheapest alternative when
// it undercuts the classified strategy by more than the switch margin
func (p *Planner) choose(q *model.Query, a *analysis) (model.Strategy, map[model.Strategy]float64) {
	chosen := classify(a)
	costs := make(map[model.Strategy]float64)
	for _, s := range eligible(a) {
		costs[s] = p.cost(s, q, a)
	}

	best := chosen
	for _, s := range eligible(a) {
		if s != chosen && costs[s] < costs[best] {
			best = s
		}
	}
	if best != chosen && costs[best] < costs[chosen]*(1-p.cfg.SwitchMargin) {
		return best, costs
	}
	return chosen, costs
}
