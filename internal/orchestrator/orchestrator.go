// Package orchestrator ties the layers together: one entry point per
// user message that routes follow-ups, classifies intent, plans,
// executes reads, and walks the confirmation state machine. Sessions
// are isolated; within a session turns run one at a time.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chronoplan/internal/engine"
	"chronoplan/internal/nlu"
	"chronoplan/internal/plan"
	"chronoplan/internal/router"
	"chronoplan/internal/session"
)

// ErrNoPendingPlan is returned by ConfirmPending when the session has
// nothing staged.
var ErrNoPendingPlan = errors.New("no pending plan to confirm")

// PlanBuilder produces a plan from a message plus conversation context.
type PlanBuilder interface {
	BuildPlan(ctx context.Context, message, summary, focusContext string) (*plan.Plan, error)
}

// IntentClassifier routes a message before planning. Smalltalk and
// out-of-scope messages carry a ready reply and skip the planner.
type IntentClassifier interface {
	Classify(ctx context.Context, message, convo string) (nlu.Intent, error)
}

// Response is the orchestrator's answer to one message.
type Response struct {
	SessionID         string              `json:"session_id"`
	ReplyText         string              `json:"reply_text"`
	Trace             []engine.TraceEntry `json:"trace,omitempty"`
	Status            string              `json:"status,omitempty"`
	NeedsConfirmation bool                `json:"needs_confirmation"`
	AppliedWrites     int                 `json:"applied_writes"`
	Cancelled         bool                `json:"cancelled,omitempty"`
}

// Orchestrator handles messages end to end.
type Orchestrator struct {
	sessions   *session.Store
	router     *router.Router
	classifier IntentClassifier
	planner    PlanBuilder
	engine     *engine.Engine
	logger     *zap.Logger
}

// New wires an Orchestrator. classifier may be nil, which sends every
// message straight to the planner. Policy enforcement lives in the
// engine's write filter.
func New(sessions *session.Store, rt *router.Router, classifier IntentClassifier, planner PlanBuilder, eng *engine.Engine, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sessions:   sessions,
		router:     rt,
		classifier: classifier,
		planner:    planner,
		engine:     eng,
		logger:     logger,
	}
}

// HandleMessage processes one user message for a session. Turns within
// a session are serialized; concurrent sessions do not block each other.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, message string) (*Response, error) {
	return o.handle(ctx, sessionID, message, nil)
}

// HandleMessageStream is HandleMessage with a live trace feed: onTrace
// runs for each trace event as it is produced, before the Response
// returns.
func (o *Orchestrator) HandleMessageStream(ctx context.Context, sessionID, message string, onTrace func(engine.TraceEntry)) (*Response, error) {
	return o.handle(ctx, sessionID, message, onTrace)
}

func (o *Orchestrator) handle(ctx context.Context, sessionID, message string, onTrace func(engine.TraceEntry)) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	o.sessions.Do(sessionID, func() {
		resp, err = o.handleTurn(ctx, sessionID, message, onTrace)
	})
	return resp, err
}

func (o *Orchestrator) handleTurn(ctx context.Context, sessionID, message string, onTrace func(engine.TraceEntry)) (*Response, error) {
	started := time.Now()
	o.sessions.AppendUser(sessionID, message)

	pending := o.sessions.PendingPlan(sessionID)
	route := o.router.Route(ctx, message, pending)

	var resp *Response
	var err error
	switch route.Outcome {
	case router.Proceed:
		resp, err = o.applyPending(ctx, sessionID, pending, route.ReplyText)
		if err == nil && onTrace != nil {
			for _, tr := range resp.Trace {
				onTrace(tr)
			}
		}
	case router.Cancelled:
		o.sessions.ClearPendingPlan(sessionID)
		resp = &Response{SessionID: sessionID, ReplyText: route.ReplyText, Cancelled: true}
	case router.AskAgain:
		resp = &Response{SessionID: sessionID, ReplyText: route.ReplyText, NeedsConfirmation: true}
	default:
		resp, err = o.plan(ctx, sessionID, message, onTrace)
	}
	if err != nil {
		return nil, err
	}

	o.sessions.AppendAssistant(sessionID, resp.ReplyText)
	o.logger.Info("turn handled",
		zap.String("session_id", sessionID),
		zap.Bool("needs_confirmation", resp.NeedsConfirmation),
		zap.Int("applied_writes", resp.AppliedWrites),
		zap.Duration("elapsed", time.Since(started)))
	return resp, nil
}

// plan runs the full planning path: classify intent, build, execute
// reads, stage or apply writes.
func (o *Orchestrator) plan(ctx context.Context, sessionID, message string, onTrace func(engine.TraceEntry)) (*Response, error) {
	summary := o.sessions.SummaryString(sessionID)
	focusContext := o.focusContext(sessionID)

	if o.classifier != nil {
		intent, err := o.classifier.Classify(ctx, message, summary)
		switch {
		case err != nil:
			o.logger.Warn("intent classification failed, planning anyway",
				zap.String("session_id", sessionID),
				zap.Error(err))
		case intent.Smalltalk():
			reply := intent.Reply
			if reply == "" {
				reply = "I can help with your calendar: events, free time, and the holding list."
			}
			return &Response{SessionID: sessionID, ReplyText: reply, Status: engine.ResultOK}, nil
		}
	}

	pl, err := o.planner.BuildPlan(ctx, message, summary, focusContext)
	if err != nil {
		o.logger.Warn("planning failed, degrading to clarification",
			zap.String("session_id", sessionID),
			zap.Error(err))
		pl = plan.Fallback("")
	}

	var res *engine.Result
	if onTrace != nil {
		for ev := range o.engine.ExecuteStream(ctx, pl) {
			switch {
			case ev.Err != nil:
				return nil, ev.Err
			case ev.Trace != nil:
				onTrace(*ev.Trace)
			case ev.Result != nil:
				res = ev.Result
			}
		}
		if res == nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("execution produced no result")
		}
	} else {
		var err error
		res, err = o.engine.Execute(ctx, pl)
		if err != nil {
			return nil, err
		}
	}
	o.sessions.MergeFocus(sessionID, res.Focus)

	if res.NeedsConfirmation {
		// Stage the filtered set so the user confirms what can run.
		staged := *pl
		staged.ProposedWrites = res.StagedWrites
		o.sessions.SetPendingPlan(sessionID, &staged)
	}

	return &Response{
		SessionID:         sessionID,
		ReplyText:         res.ReplyText,
		Trace:             res.Trace,
		Status:            res.Status,
		NeedsConfirmation: res.NeedsConfirmation,
		AppliedWrites:     res.AppliedWrites,
	}, nil
}

// applyPending executes a confirmed plan's writes. The pending plan is
// cleared exactly once, before anything runs: a partial failure is
// reported, never silently retried. The engine re-filters against
// current policy in case it changed between staging and confirmation.
func (o *Orchestrator) applyPending(ctx context.Context, sessionID string, pending *plan.Plan, ack string) (*Response, error) {
	o.sessions.ClearPendingPlan(sessionID)

	res, err := o.engine.Apply(ctx, pending.ProposedWrites)
	if err != nil {
		return nil, err
	}
	o.sessions.MergeFocus(sessionID, res.Focus)

	reply := applyReply(ack, len(pending.ProposedWrites), res)
	if failedCount(res) > 0 {
		reply += " The plan is no longer pending."
	}

	return &Response{
		SessionID:     sessionID,
		ReplyText:     reply,
		Trace:         res.Trace,
		Status:        res.Status,
		AppliedWrites: res.AppliedWrites,
	}, nil
}

// ConfirmPending applies the staged plan without a natural-language
// confirmation, for callers with an explicit confirm control.
func (o *Orchestrator) ConfirmPending(ctx context.Context, sessionID string) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	o.sessions.Do(sessionID, func() {
		pending := o.sessions.PendingPlan(sessionID)
		if pending == nil {
			err = ErrNoPendingPlan
			return
		}
		resp, err = o.applyPending(ctx, sessionID, pending, "Confirmed.")
		if err == nil {
			o.sessions.AppendAssistant(sessionID, resp.ReplyText)
		}
	})
	return resp, err
}

// ConfirmWrites is the out-of-band confirmation entry: the caller
// supplies the decision and the writes to apply, independent of any
// staged plan. Any staged plan in the session is left untouched.
func (o *Orchestrator) ConfirmWrites(ctx context.Context, sessionID string, confirmed bool, writes []plan.Action) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	o.sessions.Do(sessionID, func() {
		var res *engine.Result
		res, err = o.engine.Confirm(ctx, confirmed, writes)
		if err != nil {
			return
		}
		if !confirmed {
			resp = &Response{
				SessionID: sessionID,
				ReplyText: "Understood, nothing was applied.",
				Status:    res.Status,
				Cancelled: true,
			}
			return
		}
		o.sessions.MergeFocus(sessionID, res.Focus)
		resp = &Response{
			SessionID:     sessionID,
			ReplyText:     applyReply("Confirmed.", len(writes), res),
			Trace:         res.Trace,
			Status:        res.Status,
			AppliedWrites: res.AppliedWrites,
		}
	})
	return resp, err
}

// CancelPending discards the staged plan, if any.
func (o *Orchestrator) CancelPending(sessionID string) bool {
	var had bool
	o.sessions.Do(sessionID, func() {
		had = o.sessions.PendingPlan(sessionID) != nil
		o.sessions.ClearPendingPlan(sessionID)
	})
	return had
}

// applyReply words the outcome of an apply batch. An empty trace with
// proposed writes means the policy filter removed everything.
func applyReply(ack string, proposed int, res *engine.Result) string {
	failed := failedCount(res)
	switch {
	case proposed > 0 && len(res.Trace) == 0:
		return "None of the proposed changes are allowed by your policies, so nothing was applied."
	case failed == 0:
		return fmt.Sprintf("%s Applied %d change(s).", ack, res.AppliedWrites)
	default:
		return fmt.Sprintf("Applied %d of %d change(s); %d failed.",
			res.AppliedWrites, len(res.Trace), failed)
	}
}

func failedCount(res *engine.Result) int {
	n := 0
	for _, tr := range res.Trace {
		if tr.Status == engine.StatusError {
			n++
		}
	}
	return n
}

// focusContext renders the session's focus set as compact JSON for the
// planner prompt. Empty when nothing is in focus.
func (o *Orchestrator) focusContext(sessionID string) string {
	fs := o.sessions.FocusSet(sessionID)
	if len(fs.Events) == 0 && len(fs.FreeSlots) == 0 && len(fs.Searches) == 0 && fs.Summary == nil {
		return ""
	}
	raw, err := json.Marshal(fs)
	if err != nil {
		return ""
	}
	return string(raw)
}
