// Package confirm decides how much human confirmation a structured command
// needs before it is applied.
//
// [Engine.Decide] evaluates an ordered list of risk rules and returns the
// first match. The order matters: several triggers can hold at once and the
// riskiest one must dominate, so the rules are never combined into a score.
//
//  1. confidence below the low threshold: explicit, high risk
//  2. removal: voice
//  3. large quantity change: explicit, high risk
//  4. item name close to another item this session: voice, with suggestion
//  5. poor historical accuracy: visual, naming the mistaken field
//  6. role without write capability: explicit
//  7. medium confidence: visual with a timeout, unless progressive
//     disclosure downgrades it for an item already handled this session
//  8. otherwise: implicit
//
// Decide has no side effects beyond metrics and never fails. Requests it
// cannot judge get the most conservative decision.
package confirm

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/MrWong99/larder/internal/lexical"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
)

// Type is the confirmation ceremony required before a mutation.
type Type string

const (
	TypeImplicit Type = "implicit"
	TypeVisual   Type = "visual"
	TypeVoice    Type = "voice"
	TypeExplicit Type = "explicit"
)

// Stricter reports whether t demands more ceremony than o. Implicit is the
// weakest type and explicit the strongest.
func (t Type) Stricter(o Type) bool { return t.rank() > o.rank() }

func (t Type) rank() int {
	switch t {
	case TypeImplicit:
		return 0
	case TypeVisual:
		return 1
	case TypeVoice:
		return 2
	default:
		return 3
	}
}

// Risk summarizes how much harm an unconfirmed mutation could cause.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Feedback is how verbosely the decision is presented to the user.
type Feedback string

const (
	FeedbackSilent   Feedback = "silent"
	FeedbackBrief    Feedback = "brief"
	FeedbackDetailed Feedback = "detailed"
)

// Decision is the outcome of [Engine.Decide]. It is computed per command
// and never persisted.
type Decision struct {
	Type                Type     `json:"type"`
	Risk                Risk     `json:"riskLevel"`
	Feedback            Feedback `json:"feedbackMode"`
	Reason              string   `json:"reason"`
	TimeoutSeconds      int      `json:"timeoutSeconds,omitempty"`
	SuggestedCorrection string   `json:"suggestedCorrection,omitempty"`

	// Rule is the short name of the rule that produced the decision.
	Rule string `json:"rule"`
}

// RequiresConfirmation reports whether the command must wait for the user.
func (d Decision) RequiresConfirmation() bool { return d.Type != TypeImplicit }

// Accuracy holds a user's historical confirmation record. Mistakes counts
// corrections per field ("quantity", "item", ...).
type Accuracy struct {
	Correct  int            `json:"correct"`
	Total    int            `json:"total"`
	Mistakes map[string]int `json:"mistakes,omitempty"`
}

// Ratio returns Correct/Total, or 1 when there is no history.
func (a Accuracy) Ratio() float64 {
	if a.Total <= 0 {
		return 1
	}
	return float64(a.Correct) / float64(a.Total)
}

// MostMistaken returns the field with the most recorded mistakes. Ties go
// to the alphabetically first field.
func (a Accuracy) MostMistaken() string {
	fields := make([]string, 0, len(a.Mistakes))
	for f, n := range a.Mistakes {
		if n > 0 {
			fields = append(fields, f)
		}
	}
	slices.SortFunc(fields, func(x, y string) int {
		if c := cmp.Compare(a.Mistakes[y], a.Mistakes[x]); c != 0 {
			return c
		}
		return cmp.Compare(x, y)
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Request is everything Decide looks at.
type Request struct {
	Command *inventory.Command

	// ResolvedItem is the catalog name the command's item resolved to.
	ResolvedItem string

	// CurrentQuantity is the item's stock in the command's unit, when known.
	CurrentQuantity *float64

	Role inventory.Role

	// SessionItems are the item names mentioned earlier in the session.
	SessionItems []string

	Accuracy Accuracy
}

// Policy holds the tunable thresholds.
type Policy struct {
	LowConfidence       float64
	HighConfidence      float64
	LargeChangeRatio    float64
	LargeChangeAbsolute float64
	LexicalThreshold    float64
	AccuracyThreshold   float64
	AccuracyMinSamples  int
	ProgressiveFloor    float64
	PendingTimeout      time.Duration
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		LowConfidence:       0.5,
		HighConfidence:      0.8,
		LargeChangeRatio:    0.40,
		LargeChangeAbsolute: 100,
		LexicalThreshold:    0.75,
		AccuracyThreshold:   0.7,
		AccuracyMinSamples:  5,
		ProgressiveFloor:    0.65,
		PendingTimeout:      30 * time.Second,
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics counts decisions on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine applies a [Policy]. The policy can be swapped at runtime; Decide
// always sees one consistent policy.
type Engine struct {
	policy  atomic.Pointer[Policy]
	metrics *observe.Metrics
}

// New creates an [Engine] with policy p.
func New(p Policy, opts ...Option) *Engine {
	e := &Engine{}
	e.policy.Store(&p)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetPolicy replaces the active policy.
func (e *Engine) SetPolicy(p Policy) { e.policy.Store(&p) }

// Policy returns a copy of the active policy.
func (e *Engine) Policy() Policy { return *e.policy.Load() }

// Decide returns the confirmation decision for req.
func (e *Engine) Decide(req Request) Decision {
	d := decide(*e.policy.Load(), req)
	if e.metrics != nil {
		e.metrics.RecordDecision(context.Background(), string(d.Type), string(d.Risk))
	}
	return d
}

func decide(p Policy, req Request) Decision {
	cmd := req.Command
	if cmd == nil || !cmd.HasSlots() {
		return Decision{
			Type: TypeExplicit, Risk: RiskHigh, Feedback: FeedbackDetailed,
			Reason: "command is incomplete", Rule: "incomplete",
		}
	}
	qty := *cmd.Quantity
	conf := cmd.Confidence
	if math.IsNaN(conf) {
		conf = 0
	}

	if conf < p.LowConfidence {
		return Decision{
			Type: TypeExplicit, Risk: RiskHigh, Feedback: FeedbackDetailed,
			Reason: fmt.Sprintf("low confidence (%.2f)", conf),
			Rule:   "low_confidence",
		}
	}

	if cmd.Action == inventory.ActionRemove {
		return Decision{
			Type: TypeVoice, Risk: RiskMedium, Feedback: FeedbackBrief,
			Reason:         fmt.Sprintf("removing %g %s of %s", qty, cmd.Unit, itemName(req)),
			TimeoutSeconds: timeoutSeconds(p),
			Rule:           "removal",
		}
	}

	if large, why := largeChange(p, cmd.Action, qty, req.CurrentQuantity); large {
		return Decision{
			Type: TypeExplicit, Risk: RiskHigh, Feedback: FeedbackDetailed,
			Reason: why, Rule: "large_change",
		}
	}

	if name, ok := confusable(p, req); ok {
		return Decision{
			Type: TypeVoice, Risk: RiskMedium, Feedback: FeedbackBrief,
			Reason:              fmt.Sprintf("%q sounds like %q", cmd.Item, name),
			TimeoutSeconds:      timeoutSeconds(p),
			SuggestedCorrection: name,
			Rule:                "similar_item",
		}
	}

	if acc := req.Accuracy; acc.Total >= p.AccuracyMinSamples && acc.Ratio() < p.AccuracyThreshold {
		risk, fb := RiskMedium, FeedbackBrief
		if acc.Ratio() < 0.5 {
			risk, fb = RiskHigh, FeedbackDetailed
		}
		field := acc.MostMistaken()
		reason := fmt.Sprintf("recent confirmation accuracy %.0f%%", acc.Ratio()*100)
		if field != "" {
			reason += ", often corrected: " + field
		}
		return Decision{
			Type: TypeVisual, Risk: risk, Feedback: fb,
			Reason:              reason,
			TimeoutSeconds:      timeoutSeconds(p),
			SuggestedCorrection: field,
			Rule:                "accuracy",
		}
	}

	if !req.Role.CanWrite() {
		return Decision{
			Type: TypeExplicit, Risk: RiskHigh, Feedback: FeedbackDetailed,
			Reason: fmt.Sprintf("role %q cannot change stock", req.Role),
			Rule:   "role",
		}
	}

	if conf < p.HighConfidence {
		if mentioned(req) && conf >= p.ProgressiveFloor {
			return Decision{
				Type: TypeImplicit, Risk: RiskLow, Feedback: FeedbackBrief,
				Reason: "item already handled this session",
				Rule:   "progressive",
			}
		}
		return Decision{
			Type: TypeVisual, Risk: RiskMedium, Feedback: FeedbackBrief,
			Reason:         fmt.Sprintf("moderate confidence (%.2f)", conf),
			TimeoutSeconds: timeoutSeconds(p),
			Rule:           "medium_confidence",
		}
	}

	return Decision{
		Type: TypeImplicit, Risk: RiskLow, Feedback: FeedbackSilent,
		Reason: "high confidence", Rule: "default",
	}
}

// largeChange compares the request against the current stock. Without a
// positive reference the absolute limit applies.
func largeChange(p Policy, action inventory.Action, qty float64, current *float64) (bool, string) {
	if current != nil && *current > 0 {
		ref := *current
		delta := qty
		if action == inventory.ActionSet {
			delta = math.Abs(qty - ref)
		}
		if delta > p.LargeChangeRatio*ref {
			return true, fmt.Sprintf("changes stock by %.0f%% of the current %g", delta/ref*100, ref)
		}
		return false, ""
	}
	if qty > p.LargeChangeAbsolute {
		return true, fmt.Sprintf("quantity %g exceeds %g", qty, p.LargeChangeAbsolute)
	}
	return false, ""
}

// confusable finds the session item most similar to the command's item,
// ignoring the item itself. A name with the same number of words that
// sounds alike counts as reaching the threshold even when it is spelled
// differently, e.g. "flour" and "flower".
func confusable(p Policy, req Request) (string, bool) {
	self := lexical.Normalize(req.Command.Item)
	resolved := lexical.Normalize(req.ResolvedItem)
	words := len(lexical.Tokens(req.Command.Item))
	best, bestScore := "", 0.0
	for _, name := range req.SessionItems {
		n := lexical.Normalize(name)
		if n == "" || n == self || n == resolved {
			continue
		}
		s := lexical.Similarity(req.Command.Item, name)
		if s < p.LexicalThreshold && len(lexical.Tokens(name)) == words && lexical.SoundsAlike(req.Command.Item, name) {
			s = p.LexicalThreshold
		}
		if s >= p.LexicalThreshold && s > bestScore {
			best, bestScore = name, s
		}
	}
	return best, best != ""
}

func mentioned(req Request) bool {
	self := lexical.Normalize(req.Command.Item)
	resolved := lexical.Normalize(req.ResolvedItem)
	for _, name := range req.SessionItems {
		n := lexical.Normalize(name)
		if n != "" && (n == self || n == resolved) {
			return true
		}
	}
	return false
}

func itemName(req Request) string {
	if req.ResolvedItem != "" {
		return req.ResolvedItem
	}
	return req.Command.Item
}

func timeoutSeconds(p Policy) int {
	s := int(p.PendingTimeout / time.Second)
	if s <= 0 {
		return int(DefaultPolicy().PendingTimeout / time.Second)
	}
	return s
}
