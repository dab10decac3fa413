// Package router classifies an incoming message against the session's
// pending plan before any full re-planning happens. It decides whether
// the message confirms, cancels, or modifies the staged proposal, and
// degrades to a keyword table when classification itself fails, so
// failures always end in "ask again", never in silent action.
package router

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"chronoplan/internal/plan"
)

// Decision labels from the classifier.
const (
	DecisionConfirm = "confirm"
	DecisionCancel  = "cancel"
	DecisionModify  = "modify"
	DecisionOther   = "other"
)

// Confidence thresholds. A confirm below ConfirmThreshold never
// auto-applies; the keyword fallback's fixed 0.51 passes the cancel
// threshold but not the confirm one.
const (
	ConfirmThreshold   = 0.65
	CancelThreshold    = 0.5
	FallbackConfidence = 0.51
)

// Classification is the collaborator's verdict on a message.
type Classification struct {
	FollowUp   bool    `json:"follow_up"`
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Classifier decides whether a message is a follow-up to the pending
// plan. Typically LLM-backed; any error or garbage output triggers the
// keyword fallback.
type Classifier interface {
	ClassifyFollowUp(ctx context.Context, message string, pending *plan.Plan) (Classification, error)
}

// Outcome is what the turn handler should do next.
type Outcome int

const (
	// PassThrough hands the message to full planning. The pending plan,
	// if any, stays in place (a modify amends it via re-plan).
	PassThrough Outcome = iota
	// Proceed applies the staged writes. The router does not discard the
	// plan itself; the caller applies and clears it in one place.
	Proceed
	// Cancelled discards the staged plan without executing anything.
	Cancelled
	// AskAgain re-asks for an explicit yes/no; the plan stays staged.
	AskAgain
)

// Route is the router's verdict for one message.
type Route struct {
	Outcome   Outcome
	ReplyText string
	Class     Classification
}

var confirmWords = map[string]bool{
	"yes": true, "yep": true, "sure": true, "confirm": true,
	"proceed": true, "do it": true, "go ahead": true, "ok": true, "okay": true,
}

var cancelWords = map[string]bool{
	"no": true, "cancel": true, "stop": true, "nevermind": true,
	"never mind": true, "abort": true, "don't": true, "dont": true,
}

// Router applies the follow-up decision table.
type Router struct {
	classifier Classifier
	logger     *zap.Logger
}

// New creates a Router around a classifier.
func New(classifier Classifier, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{classifier: classifier, logger: logger}
}

// Route classifies message against pending. With no pending plan the
// message always passes through to full planning.
func (r *Router) Route(ctx context.Context, message string, pending *plan.Plan) Route {
	if pending == nil {
		return Route{Outcome: PassThrough}
	}

	cls, err := r.classifier.ClassifyFollowUp(ctx, message, pending)
	if err != nil || cls.Decision == "" {
		if err != nil {
			r.logger.Warn("follow-up classification failed, using keyword fallback",
				zap.Error(err))
		}
		fallback, ok := KeywordFallback(message)
		if !ok {
			return Route{Outcome: PassThrough}
		}
		cls = fallback
	}

	r.logger.Debug("follow-up classified",
		zap.String("decision", cls.Decision),
		zap.Float64("confidence", cls.Confidence),
		zap.String("reason", cls.Reason))

	if !cls.FollowUp {
		return Route{Outcome: PassThrough, Class: cls}
	}

	switch cls.Decision {
	case DecisionConfirm:
		if cls.Confidence >= ConfirmThreshold {
			return Route{
				Outcome:   Proceed,
				ReplyText: "Got it, applying the changes now.",
				Class:     cls,
			}
		}
	case DecisionCancel:
		if cls.Confidence >= CancelThreshold {
			return Route{
				Outcome:   Cancelled,
				ReplyText: "Okay, I won't apply those changes.",
				Class:     cls,
			}
		}
	case DecisionModify:
		// New instructions amend or replace the plan via full re-planning.
		return Route{Outcome: PassThrough, Class: cls}
	default:
		return Route{Outcome: PassThrough, Class: cls}
	}

	// Ambiguous confirm/cancel: never silently apply, never silently
	// discard.
	return Route{
		Outcome:   AskAgain,
		ReplyText: "Just to confirm: should I proceed with the plan I proposed earlier?",
		Class:     cls,
	}
}

// KeywordFallback matches the message against an exact-match table at a
// fixed low confidence: enough to cancel, never enough to auto-confirm.
func KeywordFallback(message string) (Classification, bool) {
	t := strings.ToLower(strings.TrimSpace(message))
	t = strings.TrimRight(t, ".!")
	if confirmWords[t] {
		return Classification{
			FollowUp:   true,
			Decision:   DecisionConfirm,
			Confidence: FallbackConfidence,
			Reason:     "keyword fallback",
		}, true
	}
	if cancelWords[t] {
		return Classification{
			FollowUp:   true,
			Decision:   DecisionCancel,
			Confidence: FallbackConfidence,
			Reason:     "keyword fallback",
		}, true
	}
	return Classification{}, false
}
