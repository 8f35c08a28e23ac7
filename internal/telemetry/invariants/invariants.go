// Package invariants records lifecycle rule breaks as span events. A check
// never stops the caller; it reports and returns whether the rule held.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Rule names carried in the invariant.violation event.
const (
	RuleLegalTransition  = "legal_transition"
	RuleWindowMatchPhase = "window_matches_phase"
	RuleRetryBudget      = "retry_budget"
)

// EventName is the span event emitted for every violation.
const EventName = "invariant.violation"

var violations atomic.Int64

// Violation describes one broken rule.
type Violation struct {
	Rule   string
	Where  string
	Reason string
	Fields map[string]string
}

// Count returns how many violations were reported since process start.
func Count() int64 {
	return violations.Load()
}

// Report attaches v to the span in ctx, or to a one-off span when ctx carries none.
func Report(ctx context.Context, v Violation) {
	violations.Add(1)
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{
		attribute.String("rule", v.Rule),
		attribute.String("where", v.Where),
		attribute.String("reason", v.Reason),
	}
	keys := make([]string, 0, len(v.Fields))
	for key := range v.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, attribute.String("field."+key, v.Fields[key]))
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(EventName, trace.WithAttributes(attrs...))
		return
	}
	_, span := otel.Tracer("connectauth/invariants").Start(ctx, EventName)
	span.AddEvent(EventName, trace.WithAttributes(attrs...))
	span.End()
}

// RetriesWithin reports when used exceeds limit. A non-positive limit is unbounded.
func RetriesWithin(ctx context.Context, where string, used, limit int) bool {
	if limit <= 0 || used <= limit {
		return true
	}
	Report(ctx, Violation{
		Rule:   RuleRetryBudget,
		Where:  where,
		Reason: fmt.Sprintf("used %d of %d", used, limit),
		Fields: map[string]string{"used": fmt.Sprint(used), "limit": fmt.Sprint(limit)},
	})
	return false
}

// LegalTransition reports a phase change the lifecycle table forbids.
func LegalTransition(ctx context.Context, where, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Report(ctx, Violation{
		Rule:   RuleLegalTransition,
		Where:  where,
		Reason: fmt.Sprintf("%s -> %s", from, to),
		Fields: map[string]string{"from": from, "to": to},
	})
	return false
}

// WindowMatchesPhase reports a window handle held outside a window-bearing
// phase, or missing inside one.
func WindowMatchesPhase(ctx context.Context, where, phase string, wantsWindow, hasWindow bool) bool {
	if wantsWindow == hasWindow {
		return true
	}
	Report(ctx, Violation{
		Rule:   RuleWindowMatchPhase,
		Where:  where,
		Reason: fmt.Sprintf("phase %s wants window=%t, has window=%t", phase, wantsWindow, hasWindow),
		Fields: map[string]string{"phase": phase, "has_window": fmt.Sprint(hasWindow)},
	})
	return false
}
