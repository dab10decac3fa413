package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronoplan/internal/plan"
	"chronoplan/internal/session"
	"chronoplan/internal/timeparse"
)

// WriteFilter lets a policy layer veto or annotate proposed writes
// before they are staged or applied. It returns the surviving writes
// and a note to fold into the user-facing reply.
type WriteFilter func(writes []plan.Action) ([]plan.Action, string)

// Result is the outcome of executing one plan.
type Result struct {
	// ReplyText for the user, possibly annotated by the write filter.
	ReplyText string
	// Focus accumulates the read results of this execution.
	Focus session.FocusSet
	// Trace lists the terminal entry of every action attempted, reads
	// first.
	Trace []TraceEntry
	// Status aggregates the trace: ResultError when any action errored.
	Status string
	// NeedsConfirmation is true when writes were staged, not applied.
	NeedsConfirmation bool
	// StagedWrites holds the filtered writes awaiting confirmation when
	// NeedsConfirmation is set.
	StagedWrites []plan.Action
	// AppliedWrites counts writes that actually succeeded.
	AppliedWrites int
	// Warnings from parameter normalization.
	Warnings []string
}

func (r *Result) finish() {
	r.Status = ResultOK
	for _, tr := range r.Trace {
		if tr.Status == StatusError {
			r.Status = ResultError
			return
		}
	}
}

// Engine runs plans through the registry.
type Engine struct {
	registry    *Registry
	writeFilter WriteFilter
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an Engine. writeFilter may be nil; now nil means time.Now.
func New(registry *Registry, writeFilter WriteFilter, logger *zap.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{registry: registry, writeFilter: writeFilter, logger: logger, now: now}
}

// Execute runs the plan's reads and either stages or applies its writes.
// Reads run in plan order; a failed or mis-slotted action is traced with
// an error and skipped, it never aborts the rest. Writes apply
// independently of each other: one failure does not roll back or stop
// the others.
func (e *Engine) Execute(ctx context.Context, pl *plan.Plan) (*Result, error) {
	return e.run(ctx, pl, nil)
}

// StreamEvent is one item on the ExecuteStream channel. Exactly one of
// Trace or Result is set; Result arrives last.
type StreamEvent struct {
	Trace  *TraceEntry
	Result *Result
	Err    error
}

// ExecuteStream runs the plan like Execute but emits trace entries as
// they are produced: an in_progress entry when each action starts and a
// terminal entry when it finishes. The channel closes after the final
// Result (or Err) event. Cancelling ctx stops execution between actions.
func (e *Engine) ExecuteStream(ctx context.Context, pl *plan.Plan) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		emit := func(t TraceEntry) bool {
			select {
			case ch <- StreamEvent{Trace: &t}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		res, err := e.run(ctx, pl, emit)
		if err != nil {
			select {
			case ch <- StreamEvent{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- StreamEvent{Result: res}:
		case <-ctx.Done():
		}
	}()
	return ch
}

func (e *Engine) run(ctx context.Context, pl *plan.Plan, emit func(TraceEntry) bool) (*Result, error) {
	res := &Result{ReplyText: pl.ReplyText}
	ref := e.now()

	for _, a := range normalizeAll(pl.RequiredActions, ref, res) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !plan.IsRead(a.Type) {
			entry := e.rejectAction(a, "required_actions")
			res.Trace = append(res.Trace, entry)
			if emit != nil && !emit(entry) {
				return nil, ctx.Err()
			}
			continue
		}
		if !e.step(ctx, a, res, emit) {
			return nil, ctx.Err()
		}
	}

	writes := normalizeAll(pl.ProposedWrites, ref, res)
	valid := writes[:0]
	for _, a := range writes {
		if !plan.IsWrite(a.Type) {
			entry := e.rejectAction(a, "proposed_writes")
			res.Trace = append(res.Trace, entry)
			if emit != nil && !emit(entry) {
				return nil, ctx.Err()
			}
			continue
		}
		valid = append(valid, a)
	}
	writes = valid

	if e.writeFilter != nil && len(writes) > 0 {
		var note string
		writes, note = e.writeFilter(writes)
		if note != "" {
			res.ReplyText = strings.TrimSpace(res.ReplyText + "\n\n" + note)
		}
	}

	if len(writes) == 0 {
		res.finish()
		return res, nil
	}
	if pl.ConfirmationRequired {
		res.NeedsConfirmation = true
		res.StagedWrites = writes
		res.finish()
		return res, nil
	}

	if !e.applyWrites(ctx, writes, res, emit) {
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.finish()
	return res, nil
}

// Apply executes previously staged writes after the user confirmed. The
// write filter runs again in case policy changed between staging and
// confirmation. Parameters were already normalized when the plan was
// staged, but normalization is idempotent so it runs again against the
// current clock only for still-relative values. A non-write action in
// the batch is traced as an error and skipped.
func (e *Engine) Apply(ctx context.Context, writes []plan.Action) (*Result, error) {
	res := &Result{}
	normalized := normalizeAll(writes, e.now(), res)

	valid := normalized[:0]
	for _, a := range normalized {
		if !plan.IsWrite(a.Type) {
			res.Trace = append(res.Trace, e.rejectAction(a, "confirmed writes"))
			continue
		}
		valid = append(valid, a)
	}
	if e.writeFilter != nil && len(valid) > 0 {
		var note string
		valid, note = e.writeFilter(valid)
		if note != "" {
			res.ReplyText = note
		}
	}

	e.applyWrites(ctx, valid, res, nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.finish()
	return res, nil
}

// Confirm is the out-of-band confirmation entry: the caller supplies the
// writes to apply, independent of any staged plan. When confirmed is
// false nothing runs and the result is empty.
func (e *Engine) Confirm(ctx context.Context, confirmed bool, writes []plan.Action) (*Result, error) {
	if !confirmed {
		return &Result{Status: ResultOK}, nil
	}
	return e.Apply(ctx, writes)
}

func (e *Engine) applyWrites(ctx context.Context, writes []plan.Action, res *Result, emit func(TraceEntry) bool) bool {
	for _, a := range writes {
		if ctx.Err() != nil {
			return false
		}
		if !e.step(ctx, a, res, emit) {
			return false
		}
	}
	return true
}

// step runs one action: an in_progress entry is streamed when the action
// starts and the terminal entry both streams and lands in the trace,
// sharing the same ID.
func (e *Engine) step(ctx context.Context, a plan.Action, res *Result, emit func(TraceEntry) bool) bool {
	entry := traceFor(a, StatusInProgress, nil, "")
	if emit != nil && !emit(entry) {
		return false
	}

	entry = e.runAction(ctx, a, res, entry)
	if entry.Status == StatusCompleted && plan.IsWrite(a.Type) {
		res.AppliedWrites++
	}
	res.Trace = append(res.Trace, entry)
	if emit != nil && !emit(entry) {
		return false
	}
	return true
}

func (e *Engine) runAction(ctx context.Context, a plan.Action, res *Result, entry TraceEntry) TraceEntry {
	h, ok := e.registry.Get(a.Type)
	if !ok {
		e.logger.Warn("no handler for action", zap.String("type", a.Type))
		entry.Status = StatusError
		entry.Error = ErrUnknownActionType.Error()
		return entry
	}

	out, err := h.Func(ctx, a.Parameters)
	if err != nil {
		e.logger.Warn("action failed",
			zap.String("type", a.Type),
			zap.Error(err))
		entry.Status = StatusError
		entry.Error = err.Error()
		return entry
	}

	res.Focus.Merge(out.Focus)
	e.logger.Debug("action executed", zap.String("type", a.Type))
	entry.Status = StatusCompleted
	entry.Output = out.Data
	return entry
}

// rejectAction traces an action slotted on the wrong side of the
// read/write taxonomy.
func (e *Engine) rejectAction(a plan.Action, slot string) TraceEntry {
	err := fmt.Sprintf("%v: %q not allowed in %s", plan.ErrActionTypeMismatch, a.Type, slot)
	e.logger.Warn("mis-slotted action rejected",
		zap.String("type", a.Type),
		zap.String("slot", slot))
	return traceFor(a, StatusError, nil, err)
}

func normalizeAll(actions []plan.Action, ref time.Time, res *Result) []plan.Action {
	out := make([]plan.Action, len(actions))
	for i, a := range actions {
		params, warnings := timeparse.NormalizeParams(a.Parameters, ref)
		res.Warnings = append(res.Warnings, warnings...)
		out[i] = plan.Action{Type: a.Type, Parameters: params}
	}
	return out
}

func traceFor(a plan.Action, status string, output any, errMsg string) TraceEntry {
	kind := "read"
	if plan.IsWrite(a.Type) {
		kind = "write"
	}
	return TraceEntry{
		ID:     uuid.NewString(),
		Label:  labelFor(a),
		Type:   a.Type,
		Kind:   kind,
		Status: status,
		Output: output,
		Error:  errMsg,
	}
}

// labelFor builds a short human label like "fetch_events 2025-03-05".
func labelFor(a plan.Action) string {
	for _, key := range []string{"date", "query", "title", "event_id", "item_id", "source_date"} {
		if v, ok := a.Parameters[key].(string); ok && v != "" {
			return a.Type + " " + v
		}
	}
	return a.Type
}
