// Package interpret turns an utterance plus session context into structured
// inventory commands.
//
// Language understanding is delegated to an [llm.Provider] that is asked for
// a JSON document. The [Interpreter] owns everything around that call:
// packaging the conversation history and recent commands into the prompt,
// parsing the reply, and resolving elliptical references the model leaves
// open ("5 more", "same again", a bare "15 pounds" that completes an earlier
// partial command) against the session context.
//
// A provider failure or an unparseable reply is returned as an
// [*inventory.InterpretationError]. The interpreter never invents a command.
package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/larder/internal/lexical"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/provider/llm"
)

const defaultTemperature = 0.1

const systemPrompt = `You convert spoken or typed stock-keeping instructions for a restaurant inventory into JSON.

Split the input into one command per clause. For each command report:
- "action": "add", "remove" or "set". Use "" when the input does not say.
- "item": the item name as spoken, without quantities or units. Use "" when not stated.
- "quantity": a non-negative number, or null when not stated. Convert number words to digits.
- "unit": the unit as spoken ("pounds", "gallons", "cases"), or "".
- "confidence": 0.0-1.0, how sure you are that you understood the clause.
- "isComplete": true only when action, item and quantity are all known.
- "relative": true when the quantity is relative to an earlier command ("5 more", "another 3").
- "sameItem": true when the clause refers back to the previous item without naming it ("same again", "add another of those").

Inventory statements such as "we have 10 gallons of milk" are "set" commands.
Do not guess missing values; leave them empty so the user can be asked.

Respond with ONLY a JSON object, no markdown, no prose:
{"commands":[{"action":"add","item":"coffee","quantity":5,"unit":"pounds","confidence":0.95,"isComplete":true,"relative":false,"sameItem":false}]}`

// partialPrefix marks assistant turns that carry an incomplete command
// awaiting its missing slots.
const partialPrefix = "partial command: "

// Option configures an [Interpreter].
type Option func(*Interpreter)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(t float64) Option {
	return func(i *Interpreter) { i.temperature = t }
}

// WithHistoryBudget caps the tokens spent on conversation history. Zero
// derives the budget from half the model's context window.
func WithHistoryBudget(tokens int) Option {
	return func(i *Interpreter) { i.historyBudget = tokens }
}

// WithMetrics records interpretation latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Interpreter) { i.metrics = m }
}

// Interpreter is safe for concurrent use.
type Interpreter struct {
	llm           llm.Provider
	temperature   float64
	historyBudget int
	metrics       *observe.Metrics
}

// New returns an [Interpreter] backed by provider.
func New(provider llm.Provider, opts ...Option) *Interpreter {
	i := &Interpreter{llm: provider, temperature: defaultTemperature}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Interpret returns the commands contained in utterance, in spoken order.
//
// history is the session's conversation, oldest first. recent holds the
// session's recent commands, newest first. A blank utterance yields no
// commands.
func (i *Interpreter) Interpret(ctx context.Context, utterance string, history []inventory.Turn, recent []inventory.RecentCommand) ([]inventory.Command, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, nil
	}

	ctx, span := observe.StartSpan(ctx, "interpret.Interpret")
	defer span.End()

	start := time.Now()
	defer func() {
		if i.metrics != nil {
			i.metrics.InterpretDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  i.temperature,
		Messages:     i.buildMessages(utterance, history, recent),
	}
	resp, err := i.llm.Complete(ctx, req)
	if err != nil {
		return nil, &inventory.InterpretationError{Utterance: utterance, Err: fmt.Errorf("complete: %w", err)}
	}
	if resp == nil {
		return nil, &inventory.InterpretationError{Utterance: utterance, Err: errors.New("empty reply")}
	}

	raws, err := parseReply(resp.Content)
	if err != nil {
		observe.Logger(ctx).Warn("interpret: unparseable reply", "utterance", utterance, "err", err)
		return nil, &inventory.InterpretationError{Utterance: utterance, Err: err}
	}

	partial, hasPartial := lastPartial(history)
	cmds := make([]inventory.Command, 0, len(raws))
	for _, raw := range raws {
		cmd := raw.command()
		switch {
		case raw.Relative || raw.SameItem:
			applyRecent(&cmd, raw, recent)
		case hasPartial && !cmd.HasSlots():
			fillSlots(&cmd, partial)
			hasPartial = false
		}
		cmd.IsComplete = cmd.HasSlots()
		cmds = append(cmds, cmd)
	}

	span.SetAttributes(attribute.Int("commands", len(cmds)))
	return cmds, nil
}

// buildMessages renders the history that fits the token budget followed by
// the current utterance and the recent-command context.
func (i *Interpreter) buildMessages(utterance string, history []inventory.Turn, recent []inventory.RecentCommand) []llm.Message {
	var user strings.Builder
	user.WriteString(utterance)
	if len(recent) > 0 {
		user.WriteString("\n\nRecent commands, newest first:\n")
		for _, rc := range recent {
			fmt.Fprintf(&user, "- %s %g %s %s\n", rc.Action, rc.Quantity, rc.Unit, rc.Item)
		}
	}
	current := llm.Message{Role: "user", Content: user.String()}

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, current)

	budget := i.historyBudget
	if budget <= 0 {
		budget = i.llm.Capabilities().ContextWindow / 2
	}
	if budget <= 0 {
		return msgs
	}
	for len(msgs) > 1 && i.countTokens(msgs) > budget {
		msgs = msgs[1:]
	}
	return msgs
}

func (i *Interpreter) countTokens(msgs []llm.Message) int {
	n, err := i.llm.CountTokens(msgs)
	if err != nil {
		return llm.EstimateTokens(msgs)
	}
	return n
}

// ── Reply parsing ────────────────────────────────────────────────────────────

type rawCommand struct {
	Action     string   `json:"action"`
	Item       string   `json:"item"`
	Quantity   *float64 `json:"quantity"`
	Unit       string   `json:"unit"`
	Confidence *float64 `json:"confidence"`
	IsComplete bool     `json:"isComplete"`
	Relative   bool     `json:"relative"`
	SameItem   bool     `json:"sameItem"`
}

type reply struct {
	Commands []rawCommand `json:"commands"`
}

func (r rawCommand) command() inventory.Command {
	cmd := inventory.Command{
		Action:     inventory.Action(strings.ToLower(strings.TrimSpace(r.Action))),
		Item:       strings.TrimSpace(r.Item),
		Quantity:   r.Quantity,
		Unit:       strings.ToLower(strings.TrimSpace(r.Unit)),
		IsComplete: r.IsComplete,
	}
	if r.Confidence != nil {
		cmd.Confidence = min(1, max(0, *r.Confidence))
	}
	return cmd
}

// parseReply decodes the model output. It accepts the documented object
// form and a bare array of commands.
func parseReply(content string) ([]rawCommand, error) {
	cleaned := stripMarkdown(content)
	if cleaned == "" {
		return nil, errors.New("empty reply")
	}

	var raws []rawCommand
	if strings.HasPrefix(cleaned, "[") {
		if err := json.Unmarshal([]byte(cleaned), &raws); err != nil {
			return nil, fmt.Errorf("parse reply: %w", err)
		}
	} else {
		var r reply
		if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
			return nil, fmt.Errorf("parse reply: %w", err)
		}
		if r.Commands == nil {
			return nil, errors.New("parse reply: missing \"commands\"")
		}
		raws = r.Commands
	}

	for n, raw := range raws {
		a := inventory.Action(strings.ToLower(strings.TrimSpace(raw.Action)))
		if a != "" && !a.IsValid() {
			return nil, fmt.Errorf("parse reply: command %d: unknown action %q", n, raw.Action)
		}
		if raw.Quantity != nil && *raw.Quantity < 0 {
			return nil, fmt.Errorf("parse reply: command %d: negative quantity %g", n, *raw.Quantity)
		}
	}
	return raws, nil
}

// stripMarkdown removes optional ```json fences around the reply.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// ── Context resolution ───────────────────────────────────────────────────────

// applyRecent resolves a relative or same-item reference against recent.
// A named item takes the newest recent command for that item; an unnamed
// one takes the newest recent command overall.
func applyRecent(cmd *inventory.Command, raw rawCommand, recent []inventory.RecentCommand) {
	if len(recent) == 0 {
		return
	}
	ref, ok := recent[0], true
	if cmd.Item != "" && !raw.SameItem {
		ref, ok = matchRecent(cmd.Item, recent)
	}
	if !ok {
		return
	}

	cmd.Item = ref.Item
	if cmd.Unit == "" {
		cmd.Unit = ref.Unit
	}
	if cmd.Action == "" {
		if raw.Relative {
			cmd.Action = inventory.ActionAdd
		} else {
			cmd.Action = ref.Action
		}
	}
}

func matchRecent(name string, recent []inventory.RecentCommand) (inventory.RecentCommand, bool) {
	want := lexical.Normalize(name)
	for _, rc := range recent {
		if lexical.Normalize(rc.Item) == want {
			return rc, true
		}
	}
	for _, rc := range recent {
		if lexical.TokenSimilarity(name, rc.Item) >= 0.5 {
			return rc, true
		}
	}
	return inventory.RecentCommand{}, false
}

// fillSlots copies the slots cmd lacks from an earlier partial command.
func fillSlots(cmd *inventory.Command, partial inventory.Command) {
	if cmd.Action == "" {
		cmd.Action = partial.Action
	}
	if cmd.Item == "" {
		cmd.Item = partial.Item
	}
	if cmd.Quantity == nil && partial.Quantity != nil {
		cmd.Quantity = inventory.Qty(*partial.Quantity)
	}
	if cmd.Unit == "" {
		cmd.Unit = partial.Unit
	}
	if cmd.Confidence == 0 {
		cmd.Confidence = partial.Confidence
	}
}

// PartialTurn renders an incomplete command as an assistant turn. Recording
// it in the history lets a later utterance that only supplies the missing
// slot complete the command.
func PartialTurn(cmd inventory.Command, at time.Time) inventory.Turn {
	b, err := json.Marshal(cmd)
	if err != nil {
		b = []byte("{}")
	}
	return inventory.Turn{Role: inventory.TurnAssistant, Content: partialPrefix + string(b), At: at}
}

// lastPartial returns the partial command carried by the newest assistant
// turn, if that turn carries one.
func lastPartial(history []inventory.Turn) (inventory.Command, bool) {
	for n := len(history) - 1; n >= 0; n-- {
		t := history[n]
		if t.Role != inventory.TurnAssistant {
			continue
		}
		body, ok := strings.CutPrefix(t.Content, partialPrefix)
		if !ok {
			return inventory.Command{}, false
		}
		var cmd inventory.Command
		if err := json.Unmarshal([]byte(body), &cmd); err != nil {
			return inventory.Command{}, false
		}
		return cmd, true
	}
	return inventory.Command{}, false
}
