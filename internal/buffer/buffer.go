// Package buffer assembles streamed transcription fragments into utterances
// and hands them to the command interpreter.
//
// A [Buffer] appends each fragment to the pending utterance and decides
// synchronously whether to attempt interpretation now. An attempt is made
// when the text looks finished (sentence-final punctuation or a complete
// command shape) or when no fragment has arrived for the silence timeout.
// A complete result fires the OnComplete observers and clears the buffer;
// an incomplete one keeps the text so the next fragment extends the same
// utterance. Interpreter failures fire the OnError observers and also keep
// the text.
//
// Observers run synchronously, in order, on the goroutine that made the
// attempt. They may call [Buffer.Current] and [Buffer.Clear] but must not
// call [Buffer.AddFragment] or [Buffer.Flush].
package buffer

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
)

// DefaultSilenceTimeout is used when no silence timeout is configured.
const DefaultSilenceTimeout = 1500 * time.Millisecond

// ErrClosed is returned by operations on a closed [Buffer].
var ErrClosed = errors.New("buffer: closed")

// Interpreter is the command interpreter the buffer drives.
type Interpreter interface {
	Interpret(ctx context.Context, utterance string, history []inventory.Turn, recent []inventory.RecentCommand) ([]inventory.Command, error)
}

// ContextSource returns the session context passed to the interpreter.
type ContextSource func() (history []inventory.Turn, recent []inventory.RecentCommand)

// Trigger names what caused an interpretation attempt.
type Trigger string

const (
	TriggerHeuristic Trigger = "heuristic"
	TriggerSilence   Trigger = "silence"
	TriggerFlush     Trigger = "flush"
)

// CompleteEvent carries the result of a complete interpretation.
type CompleteEvent struct {
	Commands []inventory.Command
	Raw      string
	Trigger  Trigger
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithSilenceTimeout sets how long the buffer waits after the last fragment
// before attempting interpretation.
func WithSilenceTimeout(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.silence = d
		}
	}
}

// WithContextSource sets the session context supplier.
func WithContextSource(src ContextSource) Option {
	return func(b *Buffer) { b.source = src }
}

// WithMetrics records attempts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// Buffer is one session's utterance buffer. All methods are safe for
// concurrent use; attempts are serialized in fragment arrival order.
type Buffer struct {
	interp  Interpreter
	source  ContextSource
	silence time.Duration
	metrics *observe.Metrics

	// seq serializes attempts and observer delivery.
	seq sync.Mutex

	mu         sync.Mutex
	text       string
	timer      *time.Timer
	gen        uint64
	closed     bool
	timerCtx   context.Context
	onComplete []func(context.Context, CompleteEvent)
	onError    []func(context.Context, error, string)
}

// New creates an empty [Buffer].
func New(interp Interpreter, opts ...Option) *Buffer {
	b := &Buffer{interp: interp, silence: DefaultSilenceTimeout}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnComplete registers fn to receive complete results.
func (b *Buffer) OnComplete(fn func(ctx context.Context, ev CompleteEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onComplete = append(b.onComplete, fn)
}

// OnError registers fn to receive interpreter failures together with the
// buffered text that failed.
func (b *Buffer) OnError(fn func(ctx context.Context, err error, raw string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, fn)
}

// AddFragment appends text to the utterance. When the result looks complete
// the interpretation attempt runs before AddFragment returns; otherwise the
// silence timer is (re)armed.
//
// Interpreter failures are reported to the OnError observers, not returned.
func (b *Buffer) AddFragment(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	b.seq.Lock()
	defer b.seq.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if text == "" {
		b.mu.Unlock()
		return nil
	}
	b.stopTimerLocked()
	if b.text == "" {
		b.text = text
	} else {
		b.text += " " + text
	}
	current := b.text
	if !LikelyComplete(current) {
		b.armTimerLocked(ctx)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.attempt(ctx, TriggerHeuristic)
	return nil
}

// Flush attempts interpretation of whatever is buffered now, without waiting
// for the silence timeout. It is a no-op on an empty buffer.
func (b *Buffer) Flush(ctx context.Context) error {
	b.seq.Lock()
	defer b.seq.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.stopTimerLocked()
	b.mu.Unlock()

	b.attempt(ctx, TriggerFlush)
	return nil
}

// Current returns the buffered text.
func (b *Buffer) Current() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Clear discards the buffered text and cancels a pending silence attempt.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.text = ""
}

// Close clears the buffer and rejects further fragments. Results of an
// attempt still in flight are dropped. Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.text = ""
	b.closed = true
}

// attempt runs one interpretation of the current text. Caller holds b.seq.
func (b *Buffer) attempt(ctx context.Context, trigger Trigger) {
	b.mu.Lock()
	raw := b.text
	b.mu.Unlock()
	if raw == "" {
		return
	}

	var history []inventory.Turn
	var recent []inventory.RecentCommand
	if b.source != nil {
		history, recent = b.source()
	}

	cmds, err := b.interp.Interpret(ctx, raw, history, recent)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	log := observe.Logger(ctx)
	switch {
	case err != nil:
		handlers := append([]func(context.Context, error, string){}, b.onError...)
		b.mu.Unlock()
		b.record(ctx, trigger, "error")
		log.Warn("buffer: interpretation failed", "trigger", string(trigger), "err", err)
		for _, fn := range handlers {
			fn(ctx, err, raw)
		}

	case len(cmds) > 0 && cmds[0].IsComplete:
		b.text = ""
		handlers := append([]func(context.Context, CompleteEvent){}, b.onComplete...)
		b.mu.Unlock()
		b.record(ctx, trigger, "complete")
		ev := CompleteEvent{Commands: cmds, Raw: raw, Trigger: trigger}
		for _, fn := range handlers {
			fn(ctx, ev)
		}

	default:
		b.mu.Unlock()
		b.record(ctx, trigger, "incomplete")
		log.Debug("buffer: utterance incomplete", "trigger", string(trigger), "text", raw)
	}
}

func (b *Buffer) record(ctx context.Context, trigger Trigger, outcome string) {
	if b.metrics != nil {
		b.metrics.RecordBufferAttempt(ctx, string(trigger), outcome)
	}
}

// armTimerLocked schedules a silence attempt for the current generation.
// The attempt context keeps the fragment's values but not its cancellation.
func (b *Buffer) armTimerLocked(ctx context.Context) {
	b.gen++
	gen := b.gen
	b.timerCtx = context.WithoutCancel(ctx)
	b.timer = time.AfterFunc(b.silence, func() { b.fireSilence(gen) })
}

func (b *Buffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

func (b *Buffer) fireSilence(gen uint64) {
	b.seq.Lock()
	defer b.seq.Unlock()

	b.mu.Lock()
	if b.closed || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	ctx := b.timerCtx
	b.mu.Unlock()

	b.attempt(ctx, TriggerSilence)
}

// commandShape matches "<verb> ... <number> ... of <item>" without
// punctuation, e.g. "add 5 pounds of coffee".
var commandShape = regexp.MustCompile(`(?i)^(add|remove|subtract|set|use|used|take|took|receive|received)\b.*\b\d+(\.\d+)?\b.*\bof\s+\p{L}{2,}`)

// LikelyComplete reports whether text probably holds a finished command.
func LikelyComplete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
		return true
	}
	return commandShape.MatchString(text)
}
