// Package catalog keeps the published generation of skills, loops and
// guarantee maps, and rebuilds it when definitions change.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"loopline/internal/compose"
	"loopline/internal/definitions"
	"loopline/internal/domain"
	"loopline/internal/guarantee"
	"loopline/internal/keylock"
	"loopline/internal/registry"
)

// Entry is one published loop with the guarantee map computed for it.
// Guarantees is nil when aggregation failed; AggregationErr says why.
type Entry struct {
	Loop           domain.Loop
	Guarantees     *domain.GuaranteeMap
	AggregationErr error
}

// Problem is a definition that failed to load or compose.
type Problem struct {
	Kind    string   `json:"kind" enum:"skill,loop"`
	ID      string   `json:"id,omitempty"`
	Path    string   `json:"path,omitempty"`
	Message string   `json:"message"`
	Missing []string `json:"missing_skills,omitempty"`
}

type ReloadResult struct {
	RegistryRevision int64     `json:"registry_revision"`
	Skills           int       `json:"skills"`
	Published        []string  `json:"published"`
	Unchanged        []string  `json:"unchanged"`
	Withdrawn        []string  `json:"withdrawn"`
	Problems         []Problem `json:"problems"`
}

type Options struct {
	Source      definitions.Source
	Defaults    compose.Defaults
	Aggregation guarantee.Config
	Logger      *slog.Logger
	Now         func() time.Time
}

type Catalog struct {
	source   definitions.Source
	defaults compose.Defaults
	logger   *slog.Logger
	now      func() time.Time

	registry *registry.Registry
	cache    *guarantee.Cache
	locks    keylock.Map
	group    singleflight.Group

	// requested counts Reload calls; loaded is the highest request count a
	// finished reload had seen before it read the definitions.
	requested atomic.Int64
	loaded    atomic.Int64
	scanned   func() // test hook, runs after definitions are read

	mu       sync.RWMutex
	entries  map[string]Entry
	defs     map[string]definitions.LoopDefinition
	tickets  map[string]int64
	applied  map[string]int64
	problems []Problem
}

func New(opts Options) *Catalog {
	c := &Catalog{
		source:   opts.Source,
		defaults: opts.Defaults,
		logger:   opts.Logger,
		now:      opts.Now,
		registry: registry.New(),
		cache:    guarantee.NewCache(opts.Aggregation),
		entries:  map[string]Entry{},
		defs:     map[string]definitions.LoopDefinition{},
		tickets:  map[string]int64{},
		applied:  map[string]int64{},
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Reload re-reads every definition and republishes what changed. Concurrent
// callers share one reload, but a caller never returns on a reload that read
// the definitions before the caller asked.
func (c *Catalog) Reload(ctx context.Context) (ReloadResult, error) {
	want := c.requested.Add(1)
	for {
		v, err, _ := c.group.Do("reload", func() (any, error) {
			gen := c.requested.Load()
			res, err := c.reload(ctx)
			if err == nil {
				c.markLoaded(gen)
			}
			return res, err
		})
		if err != nil {
			return ReloadResult{}, err
		}
		if c.loaded.Load() >= want {
			return v.(ReloadResult), nil
		}
		if err := ctx.Err(); err != nil {
			return ReloadResult{}, err
		}
	}
}

func (c *Catalog) markLoaded(gen int64) {
	for {
		cur := c.loaded.Load()
		if gen <= cur || c.loaded.CompareAndSwap(cur, gen) {
			return
		}
	}
}

func (c *Catalog) reload(ctx context.Context) (ReloadResult, error) {
	set, err := definitions.Load(ctx, c.source)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("load definitions: %w", err)
	}
	if c.scanned != nil {
		c.scanned()
	}
	next, prev := c.registry.Replace(set.Skills)
	changed := next.Changed(prev)

	res := ReloadResult{RegistryRevision: next.Revision(), Skills: next.Len()}
	for _, p := range set.Problems {
		res.Problems = append(res.Problems, Problem{Kind: p.Kind, Path: p.Path, Message: p.Err.Error()})
	}

	seen := map[string]struct{}{}
	for _, def := range set.Loops {
		seen[def.ID] = struct{}{}
		if !c.needsCompose(def, changed) {
			res.Unchanged = append(res.Unchanged, def.ID)
			continue
		}
		if _, err := c.Publish(def, next); err != nil {
			prob := Problem{Kind: "loop", ID: def.ID, Path: def.Source, Message: err.Error()}
			var verr *compose.ValidationError
			if errors.As(err, &verr) {
				prob.Missing = verr.MissingSkills
			}
			res.Problems = append(res.Problems, prob)
			res.Withdrawn = append(res.Withdrawn, def.ID)
			continue
		}
		res.Published = append(res.Published, def.ID)
	}

	c.mu.RLock()
	var gone []string
	for id := range c.defs {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	for id := range c.entries {
		if _, ok := seen[id]; !ok {
			if _, listed := c.defs[id]; !listed {
				gone = append(gone, id)
			}
		}
	}
	c.mu.RUnlock()
	sort.Strings(gone)
	for _, id := range gone {
		c.Withdraw(id)
		res.Withdrawn = append(res.Withdrawn, id)
	}

	c.mu.Lock()
	c.problems = append([]Problem(nil), res.Problems...)
	c.mu.Unlock()

	for _, p := range res.Problems {
		c.logger.Warn("definition rejected", "kind", p.Kind, "id", p.ID, "path", p.Path, "err", p.Message)
	}
	c.logger.Info("catalog reloaded",
		"registry_revision", res.RegistryRevision,
		"skills", res.Skills,
		"published", len(res.Published),
		"unchanged", len(res.Unchanged),
		"withdrawn", len(res.Withdrawn),
		"problems", len(res.Problems))
	return res, nil
}

// needsCompose reports whether def differs from what produced the published
// loop, or references a skill that changed in this reload.
func (c *Catalog) needsCompose(def definitions.LoopDefinition, changed map[string]struct{}) bool {
	c.mu.RLock()
	prev, hadDef := c.defs[def.ID]
	entry, published := c.entries[def.ID]
	c.mu.RUnlock()
	if !hadDef || !published || prev.Checksum != def.Checksum || def.Checksum == "" {
		return true
	}
	for id := range changed {
		if entry.Loop.References(id) {
			return true
		}
	}
	return false
}

// Publish composes def against snap and, if this is the newest attempt for
// the loop id, replaces the published entry. Loop and guarantee map are
// swapped together. A composition failure withdraws the loop.
func (c *Catalog) Publish(def definitions.LoopDefinition, snap *registry.Snapshot) (Entry, error) {
	unlock := c.locks.Lock(def.ID)
	defer unlock()

	c.mu.Lock()
	c.tickets[def.ID]++
	ticket := c.tickets[def.ID]
	prev, hadPrev := c.entries[def.ID]
	c.mu.Unlock()

	stamp := c.now().UTC().Format(time.RFC3339)
	loop, err := compose.Compose(def, snap, c.defaults, stamp)
	if err != nil {
		c.mu.Lock()
		if ticket >= c.applied[def.ID] {
			c.applied[def.ID] = ticket
			delete(c.entries, def.ID)
			c.defs[def.ID] = def
		}
		c.mu.Unlock()
		c.cache.Forget(def.ID)
		return Entry{}, err
	}
	loop.Revision = ticket
	if hadPrev {
		loop.CreatedAt = prev.Loop.CreatedAt
	}

	gm, aggErr := c.cache.Get(loop, snap)
	entry := Entry{Loop: loop, AggregationErr: aggErr}
	if aggErr == nil {
		entry.Guarantees = &gm
	} else {
		c.logger.Warn("guarantee aggregation failed; autonomous mode disabled", "loop", loop.ID, "err", aggErr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ticket < c.applied[def.ID] {
		return c.entries[def.ID], nil
	}
	c.applied[def.ID] = ticket
	c.entries[def.ID] = entry
	c.defs[def.ID] = def
	c.logger.Debug("loop published", "loop", loop.ID, "revision", loop.Revision, "version", loop.Version, "registry_revision", snap.Revision())
	return entry, nil
}

// Withdraw removes a loop from the published set.
func (c *Catalog) Withdraw(loopID string) {
	unlock := c.locks.Lock(loopID)
	defer unlock()
	c.mu.Lock()
	c.tickets[loopID]++
	c.applied[loopID] = c.tickets[loopID]
	delete(c.entries, loopID)
	delete(c.defs, loopID)
	c.mu.Unlock()
	c.cache.Forget(loopID)
}

// Loop returns the published entry for id.
func (c *Catalog) Loop(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{Loop: e.Loop.Clone(), Guarantees: e.Guarantees, AggregationErr: e.AggregationErr}, true
}

// Loops returns every published entry ordered by loop id.
func (c *Catalog) Loops() []Entry {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.Loop(id); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *Catalog) Skills() *registry.Snapshot {
	return c.registry.Snapshot()
}

func (c *Catalog) Skill(id string) (domain.Skill, bool) {
	return c.registry.Snapshot().Get(id)
}

// Problems returns the problems recorded by the last reload.
func (c *Catalog) Problems() []Problem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Problem(nil), c.problems...)
}
