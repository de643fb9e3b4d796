package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/docsync/internal/clock"
	"github.com/roach88/docsync/internal/config"
	"github.com/roach88/docsync/internal/conflict"
	"github.com/roach88/docsync/internal/doc"
	"github.com/roach88/docsync/internal/engine"
	"github.com/roach88/docsync/internal/localstore"
	"github.com/roach88/docsync/internal/presence"
	"github.com/roach88/docsync/internal/remote"
	"github.com/roach88/docsync/internal/remote/memremote"
	"github.com/roach88/docsync/internal/status"
	"github.com/roach88/docsync/internal/syncerr"
	"github.com/roach88/docsync/internal/testutil"
)

// Step outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeCommitted = "committed"
	OutcomeQueued    = "queued"
	OutcomeConflict  = "conflict"
	OutcomeStale     = "stale"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// link is one tab's connection to the shared remote. Cutting it fails every
// call from that tab without affecting the others.
type link struct {
	remote.Store
	down atomic.Bool
}

func (l *link) check() error {
	if l.down.Load() {
		return fmt.Errorf("link down: %w", remote.ErrUnavailable)
	}
	return nil
}

func (l *link) Put(ctx context.Context, path string, data []byte) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.Store.Put(ctx, path, data)
}

func (l *link) Get(ctx context.Context, path string) ([]byte, error) {
	if err := l.check(); err != nil {
		return nil, err
	}
	return l.Store.Get(ctx, path)
}

func (l *link) Delete(ctx context.Context, path string) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.Store.Delete(ctx, path)
}

func (l *link) GetMetadata(ctx context.Context, key string) (doc.Document, error) {
	if err := l.check(); err != nil {
		return doc.Document{}, err
	}
	return l.Store.GetMetadata(ctx, key)
}

func (l *link) CompareAndSet(ctx context.Context, expected uint64, next doc.Document) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.Store.CompareAndSet(ctx, expected, next)
}

// tab is one client.
type tab struct {
	name    string
	net     *presence.Manual
	link    *link
	eng     *engine.Engine
	changes <-chan status.Change
	stop    func()
}

// Harness executes one scenario.
type Harness struct {
	remote *memremote.Store
	clock  *testutil.ManualClock
	tabs   map[string]*tab
	order  []string
	// seq numbers trace events independently of the manual clock.
	seq    clock.Sequence
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh remote, fresh local stores and a manual clock, so
// the trace depends only on the scenario. An error is returned only when
// the scenario could not be executed at all; failed expectations are
// reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	h := &Harness{
		remote: memremote.New(),
		clock:  testutil.NewManualClock(testutil.Epoch),
		tabs:   make(map[string]*tab),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	defer h.close()

	for _, name := range scenario.Tabs {
		if err := h.openTab(ctx, name, cfg); err != nil {
			return nil, fmt.Errorf("open tab %s: %w", name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Do, err)
		}
	}

	for _, msg := range h.evaluateAssertions(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// scenarioConfig applies the scenario's overrides through the same schema
// and validation as a config file.
func scenarioConfig(s *Scenario) (config.Config, error) {
	if s.Config.Kind == 0 {
		return config.Default(), nil
	}
	data, err := yaml.Marshal(&s.Config)
	if err != nil {
		return config.Config{}, fmt.Errorf("encode config overrides: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, fmt.Errorf("config overrides: %w", err)
	}
	return cfg, nil
}

func (h *Harness) openTab(ctx context.Context, name string, cfg config.Config) error {
	t := &tab{
		name: name,
		net:  presence.NewManual(true),
		link: &link{Store: h.remote},
	}
	eng, err := engine.New(ctx, engine.Options{
		Remote:   t.link,
		KV:       localstore.NewMemory(0),
		Config:   cfg,
		Presence: t.net,
		Clock:    h.clock,
		IDs:      testutil.NewSequentialIDs(name),
		Logger:   h.logger.With("tab", name),
	})
	if err != nil {
		return err
	}
	t.eng = eng
	t.changes, t.stop = eng.Statuses().Watch(1024)
	h.tabs[name] = t
	h.order = append(h.order, name)
	return nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		t := h.tabs[name]
		t.stop()
		t.eng.Close()
	}
}

func (h *Harness) nextSeq() int64 {
	return h.seq.Next()
}

func (h *Harness) tab(name string) *tab {
	if name == "" {
		name = h.order[0]
	}
	return h.tabs[name]
}

// executeStep runs one step, records it and the status changes it caused,
// then checks the step's expect clause.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	t := h.tab(step.Tab)
	if t == nil {
		return fmt.Errorf("unknown tab %q", step.Tab)
	}

	outcome, res, err := h.dispatch(ctx, t, step)
	if err != nil {
		return err
	}
	result.AddStepTrace(h.nextSeq(), t.name, step.Do, stepArgs(step), outcome, res)
	h.collectChanges(ctx, result)

	h.logger.Info("step completed", "step", i, "do", step.Do, "tab", t.name, "outcome", outcome)

	if step.Expect == nil {
		return nil
	}
	if step.Expect.Outcome != "" && step.Expect.Outcome != outcome {
		result.AddError(fmt.Sprintf("steps[%d] %s: expected outcome %q, got %q (result %v)",
			i, step.Do, step.Expect.Outcome, outcome, res))
		return nil
	}
	if field, ok := matchSubset(res, step.Expect.Result); !ok {
		result.AddError(fmt.Sprintf("steps[%d] %s: field %q: expected %v, got %v",
			i, step.Do, field, step.Expect.Result[field], res[field]))
	}
	return nil
}

func stepArgs(step Step) map[string]any {
	args := map[string]any{}
	if step.Key != "" {
		args["key"] = step.Key
	}
	if step.Content != nil {
		args["content"] = step.Content
	}
	if step.KnownRevision != 0 {
		args["known_revision"] = step.KnownRevision
	}
	if step.Duration != "" {
		args["duration"] = step.Duration
	}
	if step.Op != "" {
		args["op"] = step.Op
		args["count"] = step.Count
	}
	if step.Choice != "" {
		args["choice"] = step.Choice
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// collectChanges records every status change applied so far, tab by tab.
// Watchers are notified synchronously, so after a step returns its changes
// are already buffered.
func (h *Harness) collectChanges(ctx context.Context, result *Result) {
	for _, name := range h.order {
		t := h.tabs[name]
		// Apply any queue events still buffered.
		if _, err := t.eng.ListStatus(ctx); err != nil {
			h.logger.Warn("list status failed", "tab", name, "error", err)
		}
	drain:
		for {
			select {
			case c := <-t.changes:
				args := map[string]any{"key": c.Status.Key, "from": stateName(c.From)}
				if c.Status.Revision != 0 {
					args["revision"] = c.Status.Revision
				}
				if c.Status.LastError != nil {
					args["code"] = c.Status.LastError.Code
				}
				result.AddStatusTrace(h.nextSeq(), name, string(c.Status.State), args)
			default:
				break drain
			}
		}
	}
}

func stateName(s status.State) string {
	if s == "" {
		return "none"
	}
	return string(s)
}

func (h *Harness) dispatch(ctx context.Context, t *tab, step Step) (string, map[string]any, error) {
	switch step.Do {
	case StepSave:
		content, err := toContent(step.Content)
		if err != nil {
			return "", nil, err
		}
		res, err := t.eng.Save(ctx, engine.WriteRequest{Key: step.Key, Content: content, KnownRevision: step.KnownRevision})
		outcome, out := saveOutcome(res, err)
		return outcome, out, nil

	case StepLoad:
		res, err := t.eng.Load(ctx, step.Key)
		if err != nil {
			return OutcomeError, errorResult(err), nil
		}
		out := map[string]any{"revision": res.Revision, "content": map[string]any(res.Content)}
		if res.Stale() {
			out["code"] = string(syncerr.CodeOf(res.RemoteErr))
			return OutcomeStale, out, nil
		}
		return OutcomeOK, out, nil

	case StepOffline, StepOnline:
		online := step.Do == StepOnline
		t.link.down.Store(!online)
		t.net.Set(online)
		return OutcomeOK, nil, nil

	case StepDrain:
		rep, err := t.eng.Drain(ctx)
		if err != nil {
			return OutcomeError, errorResult(err), nil
		}
		if rep.Skipped {
			return OutcomeSkipped, nil, nil
		}
		return OutcomeOK, map[string]any{
			"attempted":     rep.Attempted,
			"drained":       rep.Drained,
			"retrying":      rep.Retrying,
			"dead_lettered": rep.DeadLettered,
			"conflicted":    rep.Conflicted,
			"remaining":     rep.Remaining,
		}, nil

	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return "", nil, err
		}
		now := h.clock.Advance(d)
		return OutcomeOK, map[string]any{"now": now.Format(time.RFC3339)}, nil

	case StepFailRemote:
		h.remote.FailNext(remoteOps[step.Op], step.Count)
		return OutcomeOK, nil, nil

	case StepRemoteWrite:
		rev, err := h.remoteWrite(step.Key, step.Content)
		if err != nil {
			return "", nil, err
		}
		return OutcomeCommitted, map[string]any{"revision": rev}, nil

	case StepResolve:
		return h.resolve(ctx, t, step)

	default:
		return "", nil, fmt.Errorf("unknown step %q", step.Do)
	}
}

func saveOutcome(res engine.SaveResult, err error) (string, map[string]any) {
	var pending *conflict.PendingError
	switch {
	case errors.As(err, &pending):
		return OutcomeConflict, map[string]any{
			"conflict":        pending.ConflictID(),
			"remote_revision": pending.Conflict.RemoteRevision,
			"fields":          pending.Conflict.Fields,
		}
	case err != nil:
		return OutcomeError, errorResult(err)
	case res.Queued:
		return OutcomeQueued, map[string]any{"op": res.OpID}
	}
	out := map[string]any{"revision": res.Revision}
	if res.Merges > 0 {
		out["merges"] = res.Merges
	}
	if res.AlreadyCommitted {
		out["already_committed"] = true
	}
	if res.SnapshotErr != nil {
		out["snapshot_skipped"] = string(syncerr.CodeOf(res.SnapshotErr))
	}
	return OutcomeCommitted, out
}

func errorResult(err error) map[string]any {
	return map[string]any{"code": string(syncerr.CodeOf(err))}
}

// remoteWrite commits content for key the way another client would,
// bypassing fault injection and every tab's link.
func (h *Harness) remoteWrite(key string, content map[string]any) (uint64, error) {
	c, err := toContent(content)
	if err != nil {
		return 0, err
	}
	data, err := c.Encode()
	if err != nil {
		return 0, err
	}
	rev := uint64(1)
	if prev, ok := h.remote.Peek(key); ok {
		rev = prev.Revision + 1
	}
	d := doc.Document{
		Key:       key,
		Revision:  rev,
		BlobPath:  doc.BlobPath(key, rev),
		Size:      int64(len(data)),
		Digest:    doc.Digest(data),
		UpdatedAt: h.clock.Now(),
	}
	if err := d.Validate(); err != nil {
		return 0, err
	}
	h.remote.Commit(d, data)
	return rev, nil
}

func (h *Harness) resolve(ctx context.Context, t *tab, step Step) (string, map[string]any, error) {
	conflicts, err := t.eng.Conflicts(ctx)
	if err != nil {
		return "", nil, err
	}
	var id string
	for _, c := range conflicts {
		if c.Key == step.Key {
			id = c.ID
		}
	}
	if id == "" {
		return OutcomeError, map[string]any{"code": string(syncerr.CodeNotFound)}, nil
	}

	if step.Choice == "abandon" {
		if err := t.eng.AbandonConflict(ctx, id); err != nil {
			return OutcomeError, errorResult(err), nil
		}
		return OutcomeOK, map[string]any{"conflict": id}, nil
	}

	choice := conflict.Choice{Kind: conflict.ChoiceKind(step.Choice)}
	if choice.Kind == conflict.Manual {
		if choice.Content, err = toContent(step.Content); err != nil {
			return "", nil, err
		}
	}
	res, err := t.eng.ResolveConflict(ctx, id, choice)
	outcome, out := saveOutcome(res, err)
	if outcome == OutcomeCommitted {
		out["conflict"] = id
	}
	return outcome, out, nil
}

// toContent converts YAML-decoded content into canonical document content.
func toContent(m map[string]any) (doc.Content, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := doc.MarshalCanonical(m)
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	return doc.ParseContent(data)
}
