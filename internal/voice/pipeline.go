// Package voice wires the command pipeline together for live sessions.
//
// Transcription fragments go into the session's buffer. Each complete
// interpretation is resolved against the catalog and judged by the
// confirmation engine. Implicit decisions are applied at once; every other
// decision becomes a [Pending] confirmation that waits for a reply, a tap or
// its timeout. A pending command is never applied on timeout.
//
// Every result is reported as an [Outcome], both to the caller (for typed
// commands and replies) and to the registered listeners.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/larder/internal/buffer"
	"github.com/MrWong99/larder/internal/confirm"
	"github.com/MrWong99/larder/internal/interpret"
	"github.com/MrWong99/larder/internal/mutation"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/internal/session"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/units"
)

// ErrPendingNotFound is returned for unknown, answered or expired pending
// confirmations.
var ErrPendingNotFound = fmt.Errorf("voice: pending confirmation: %w", inventory.ErrNotFound)

// Interpreter turns an utterance into commands.
type Interpreter = buffer.Interpreter

// Resolver maps a spoken item name to a catalog item.
type Resolver interface {
	Resolve(ctx context.Context, name string) (inventory.Item, error)
}

// Status is the state an [Outcome] reports.
type Status string

const (
	StatusApplied    Status = "applied"
	StatusPending    Status = "pending"
	StatusCancelled  Status = "cancelled"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
)

// Outcome is the result of handling one command.
type Outcome struct {
	Status    Status            `json:"status"`
	SessionID string            `json:"sessionId"`
	Command   inventory.Command `json:"command"`
	Item      string            `json:"item,omitempty"`
	Decision  *confirm.Decision `json:"decision,omitempty"`

	// PendingID and ExpiresAt are set for StatusPending.
	PendingID string    `json:"pendingId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`

	// Change is set for StatusApplied.
	Change *inventory.ChangeEvent `json:"change,omitempty"`

	// Err is set for StatusFailed and StatusCancelled.
	Err         error    `json:"-"`
	Message     string   `json:"error,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Pending is a command waiting for confirmation.
type Pending struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Command   inventory.Command `json:"command"`
	Item      inventory.Item    `json:"-"`
	Decision  confirm.Decision  `json:"decision"`
	Method    inventory.Method  `json:"method"`
	ExpiresAt time.Time         `json:"expiresAt"`

	timer *time.Timer
}

// Config configures a [Pipeline].
type Config struct {
	Sessions       session.Config
	Store          session.Store
	SilenceTimeout time.Duration
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithListener registers fn to receive every outcome. Listeners run
// synchronously and must not block.
func WithListener(fn func(ctx context.Context, o Outcome)) Option {
	return func(p *Pipeline) { p.listeners = append(p.listeners, fn) }
}

// WithMetrics records buffer attempts, sessions and pending confirmations
// on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline routes session input through interpretation, resolution,
// confirmation and mutation. All methods are safe for concurrent use.
type Pipeline struct {
	interp    Interpreter
	resolver  Resolver
	engine    *confirm.Engine
	coord     *mutation.Coordinator
	sessions  *session.Manager
	silence   atomic.Int64
	listeners []func(context.Context, Outcome)
	metrics   *observe.Metrics
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*Pending
}

// New creates a [Pipeline] and the session manager it owns.
func New(cfg Config, interp Interpreter, resolver Resolver, engine *confirm.Engine, coord *mutation.Coordinator, opts ...Option) *Pipeline {
	p := &Pipeline{
		interp:   interp,
		resolver: resolver,
		engine:   engine,
		coord:    coord,
		now:      time.Now,
		pending:  make(map[string]*Pending),
	}
	p.silence.Store(int64(cfg.SilenceTimeout))
	for _, o := range opts {
		o(p)
	}
	p.sessions = session.NewManager(cfg.Sessions, cfg.Store,
		session.WithBufferFactory(p.newBuffer),
		session.WithEndHook(p.dropSession),
		session.WithMetrics(p.metrics),
		session.WithClock(p.now),
	)
	return p
}

// Sessions returns the session manager.
func (p *Pipeline) Sessions() *session.Manager { return p.sessions }

// SetSilenceTimeout changes the silence timeout for sessions started from now
// on. Live sessions keep theirs.
func (p *Pipeline) SetSilenceTimeout(d time.Duration) { p.silence.Store(int64(d)) }

// HandleFragment feeds a transcription fragment into the session's buffer.
// Results of the interpretation it triggers go to the listeners.
func (p *Pipeline) HandleFragment(ctx context.Context, sessionID, text string) error {
	ctx = observe.WithSession(ctx, sessionID)
	s, err := p.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	s.Touch()
	if err := s.Buffer().AddFragment(ctx, text); err != nil {
		return fmt.Errorf("voice: fragment: %w", err)
	}
	return nil
}

// Flush interprets whatever the session's buffer holds now.
func (p *Pipeline) Flush(ctx context.Context, sessionID string) error {
	ctx = observe.WithSession(ctx, sessionID)
	s, err := p.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := s.Buffer().Flush(ctx); err != nil {
		return fmt.Errorf("voice: flush: %w", err)
	}
	return nil
}

// HandleText interprets a typed command without buffering. An interpreter
// failure is returned as an error; per-command failures are reported in the
// outcomes.
func (p *Pipeline) HandleText(ctx context.Context, sessionID, text string) ([]Outcome, error) {
	ctx = observe.WithSession(ctx, sessionID)
	s, err := p.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.Touch()

	var out []Outcome
	s.Do(func() {
		history, recent := s.Context()
		var cmds []inventory.Command
		cmds, err = p.interp.Interpret(ctx, text, history, recent)
		if err != nil {
			return
		}
		out = p.process(ctx, s, text, cmds, inventory.MethodText)
	})
	if err != nil {
		return nil, fmt.Errorf("voice: text: %w", err)
	}
	for _, o := range out {
		p.emit(ctx, o)
	}
	return out, nil
}

// Respond answers a pending confirmation with a spoken reply. A reply that
// confirms the command applies it; anything unrecognized cancels it. A
// corrected quantity is decided again, and when the new decision needs
// explicit confirmation the corrected command is held under a new pending
// id instead of being applied.
func (p *Pipeline) Respond(ctx context.Context, sessionID, pendingID, utterance string) (Outcome, error) {
	ctx = observe.WithSession(ctx, sessionID)
	s, pd, err := p.take(sessionID, pendingID)
	if err != nil {
		return Outcome{}, err
	}

	var o Outcome
	s.Do(func() {
		s.AddTurn(inventory.Turn{Role: inventory.TurnUser, Content: utterance})
		corr := confirm.ProcessVoiceCorrection(pd.Command, utterance)
		if corr == nil {
			o = p.cancelled(s, pd, "rejected by reply")
			return
		}
		if corr.MistakeType != confirm.MistakeQuantity {
			s.RecordOutcome(ctx, true, "")
			o = p.apply(ctx, s, pd.Item, corr.Command, pd.Method, &pd.Decision)
			return
		}
		s.RecordOutcome(ctx, false, string(confirm.MistakeQuantity))

		// The user stated the new quantity, but it still has to pass the
		// rules a spoken reply cannot satisfy, such as a large change.
		cmd := corr.Command
		cmd.Confidence = 1
		dec := p.decide(ctx, s, pd.Item, cmd)
		if dec.Type.Stricter(confirm.TypeVoice) {
			o = p.hold(ctx, s, pd.Item, cmd, pd.Method, dec)
			return
		}
		o = p.apply(ctx, s, pd.Item, cmd, pd.Method, &dec)
	})
	p.emit(ctx, o)
	return o, nil
}

// Confirm applies a pending command as shown, for a visual tap.
func (p *Pipeline) Confirm(ctx context.Context, sessionID, pendingID string) (Outcome, error) {
	ctx = observe.WithSession(ctx, sessionID)
	s, pd, err := p.take(sessionID, pendingID)
	if err != nil {
		return Outcome{}, err
	}
	var o Outcome
	s.Do(func() {
		s.RecordOutcome(ctx, true, "")
		o = p.apply(ctx, s, pd.Item, pd.Command, inventory.MethodVisual, &pd.Decision)
	})
	p.emit(ctx, o)
	return o, nil
}

// Cancel discards a pending command.
func (p *Pipeline) Cancel(ctx context.Context, sessionID, pendingID string) (Outcome, error) {
	ctx = observe.WithSession(ctx, sessionID)
	s, pd, err := p.take(sessionID, pendingID)
	if err != nil {
		return Outcome{}, err
	}
	o := p.cancelled(s, pd, "cancelled by user")
	p.emit(ctx, o)
	return o, nil
}

// Pending returns the session's open confirmations, oldest expiry first.
func (p *Pipeline) Pending(sessionID string) []Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Pending
	for _, pd := range p.pending {
		if pd.SessionID == sessionID {
			c := *pd
			c.timer = nil
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Pending) int { return a.ExpiresAt.Compare(b.ExpiresAt) })
	return out
}

// Shutdown ends every session and drops open confirmations.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.sessions.Shutdown(ctx)
}

// ── Processing ──────────────────────────────────────────────────────────────

func (p *Pipeline) newBuffer(s *session.Session) *buffer.Buffer {
	buf := buffer.New(p.interp,
		buffer.WithSilenceTimeout(time.Duration(p.silence.Load())),
		buffer.WithContextSource(s.Context),
		buffer.WithMetrics(p.metrics),
	)
	buf.OnComplete(func(ctx context.Context, ev buffer.CompleteEvent) {
		ctx = observe.WithSession(ctx, s.ID)
		var out []Outcome
		s.Do(func() {
			out = p.process(ctx, s, ev.Raw, ev.Commands, inventory.MethodVoice)
		})
		for _, o := range out {
			p.emit(ctx, o)
		}
	})
	buf.OnError(func(ctx context.Context, err error, raw string) {
		ctx = observe.WithSession(ctx, s.ID)
		observe.Logger(ctx).Warn("interpretation failed",
			slog.String("utterance", raw),
			slog.Any("err", err),
		)
		p.emit(ctx, failed(s.ID, inventory.Command{}, err))
	})
	return buf
}

// process handles one interpreted utterance. Caller holds the session's
// processing lock. Listeners are not called here: HandleText returns the
// outcomes and the buffer observer emits them after releasing the lock.
func (p *Pipeline) process(ctx context.Context, s *session.Session, raw string, cmds []inventory.Command, method inventory.Method) []Outcome {
	ctx, span := observe.StartSpan(ctx, "voice.process")
	defer span.End()

	s.AddTurn(inventory.Turn{Role: inventory.TurnUser, Content: raw})
	out := make([]Outcome, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, p.handle(ctx, s, cmd, method))
	}
	return out
}

func (p *Pipeline) handle(ctx context.Context, s *session.Session, cmd inventory.Command, method inventory.Method) Outcome {
	if !cmd.HasSlots() {
		s.AddTurn(interpret.PartialTurn(cmd, p.now()))
		return Outcome{Status: StatusIncomplete, SessionID: s.ID, Command: cmd}
	}

	item, err := p.resolver.Resolve(ctx, cmd.Item)
	if err != nil {
		return failed(s.ID, cmd, err)
	}

	dec := p.decide(ctx, s, item, cmd)
	s.Mention(item.Name)

	if !dec.RequiresConfirmation() {
		return p.apply(ctx, s, item, cmd, method, &dec)
	}
	return p.hold(ctx, s, item, cmd, method, dec)
}

// decide asks the confirmation engine about cmd against the session's
// state. Caller holds the session's processing lock.
func (p *Pipeline) decide(ctx context.Context, s *session.Session, item inventory.Item, cmd inventory.Command) confirm.Decision {
	return p.engine.Decide(confirm.Request{
		Command:         &cmd,
		ResolvedItem:    item.Name,
		CurrentQuantity: currentIn(item, cmd.Unit),
		Role:            s.Actor.Role,
		SessionItems:    s.Items(),
		Accuracy:        s.Accuracy(ctx),
	})
}

// apply writes the command through the coordinator. Caller holds the
// session's processing lock.
func (p *Pipeline) apply(ctx context.Context, s *session.Session, item inventory.Item, cmd inventory.Command, method inventory.Method, dec *confirm.Decision) Outcome {
	res, err := p.coord.ApplyTo(ctx, item, cmd, s.Actor, method)
	if err != nil {
		o := failed(s.ID, cmd, err)
		o.Decision = dec
		return o
	}

	unit := cmd.Unit
	if unit == "" {
		unit = res.Item.Unit
	}
	qty, _ := cmd.Amount()
	s.RecordCommand(ctx, inventory.RecentCommand{
		Action:   cmd.Action,
		Item:     res.Item.Name,
		Quantity: qty,
		Unit:     unit,
	})
	s.AddTurn(inventory.Turn{
		Role:    inventory.TurnAssistant,
		Content: fmt.Sprintf("%s: %s now at %g %s", cmd, res.Item.Name, res.Item.Quantity, res.Item.Unit),
	})

	ev := res.Event
	return Outcome{
		Status:    StatusApplied,
		SessionID: s.ID,
		Command:   cmd,
		Item:      res.Item.Name,
		Decision:  dec,
		Change:    &ev,
	}
}

// hold parks the command until it is confirmed, cancelled or times out.
func (p *Pipeline) hold(ctx context.Context, s *session.Session, item inventory.Item, cmd inventory.Command, method inventory.Method, dec confirm.Decision) Outcome {
	timeout := time.Duration(dec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = p.engine.Policy().PendingTimeout
	}
	pd := &Pending{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		Command:   cmd,
		Item:      item,
		Decision:  dec,
		Method:    method,
		ExpiresAt: p.now().Add(timeout),
	}

	expireCtx := context.WithoutCancel(ctx)
	p.mu.Lock()
	p.pending[pd.ID] = pd
	pd.timer = time.AfterFunc(timeout, func() { p.expire(expireCtx, pd.ID) })
	p.mu.Unlock()
	p.trackPending(ctx, 1)

	observe.Logger(ctx).Info("command awaiting confirmation",
		slog.String("pending_id", pd.ID),
		slog.String("command", cmd.String()),
		slog.String("confirmation", string(dec.Type)),
		slog.String("rule", dec.Rule),
	)
	return Outcome{
		Status:    StatusPending,
		SessionID: s.ID,
		Command:   cmd,
		Item:      item.Name,
		Decision:  &dec,
		PendingID: pd.ID,
		ExpiresAt: pd.ExpiresAt,
	}
}

func (p *Pipeline) expire(ctx context.Context, id string) {
	p.mu.Lock()
	pd, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.trackPending(ctx, -1)
	o := Outcome{
		Status:    StatusCancelled,
		SessionID: pd.SessionID,
		Command:   pd.Command,
		Item:      pd.Item.Name,
		Decision:  &pd.Decision,
		PendingID: pd.ID,
		Err:       fmt.Errorf("voice: confirmation timed out: %w", inventory.ErrCancelled),
	}
	o.Message = o.Err.Error()
	observe.Logger(ctx).Info("confirmation expired",
		slog.String("pending_id", pd.ID),
	)
	p.emit(ctx, o)
}

// take removes a pending confirmation so exactly one of reply, tap, cancel
// and expiry handles it.
func (p *Pipeline) take(sessionID, pendingID string) (*session.Session, *Pending, error) {
	s, err := p.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	pd, ok := p.pending[pendingID]
	if !ok || pd.SessionID != sessionID {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrPendingNotFound, pendingID)
	}
	delete(p.pending, pendingID)
	pd.timer.Stop()
	p.mu.Unlock()
	p.trackPending(context.Background(), -1)
	s.Touch()
	return s, pd, nil
}

func (p *Pipeline) cancelled(s *session.Session, pd *Pending, reason string) Outcome {
	err := fmt.Errorf("voice: %s: %w", reason, inventory.ErrCancelled)
	return Outcome{
		Status:    StatusCancelled,
		SessionID: s.ID,
		Command:   pd.Command,
		Item:      pd.Item.Name,
		Decision:  &pd.Decision,
		PendingID: pd.ID,
		Err:       err,
		Message:   err.Error(),
	}
}

// dropSession discards a session's open confirmations without reporting
// them. It runs as the session manager's end hook.
func (p *Pipeline) dropSession(s *session.Session) {
	p.mu.Lock()
	var n int64
	for id, pd := range p.pending {
		if pd.SessionID == s.ID {
			pd.timer.Stop()
			delete(p.pending, id)
			n++
		}
	}
	p.mu.Unlock()
	if n > 0 {
		p.trackPending(context.Background(), -n)
	}
}

func (p *Pipeline) emit(ctx context.Context, o Outcome) {
	for _, fn := range p.listeners {
		fn(ctx, o)
	}
}

func (p *Pipeline) trackPending(ctx context.Context, delta int64) {
	if p.metrics != nil {
		p.metrics.PendingConfirmations.Add(ctx, delta)
	}
}

func failed(sessionID string, cmd inventory.Command, err error) Outcome {
	o := Outcome{
		Status:    StatusFailed,
		SessionID: sessionID,
		Command:   cmd,
		Err:       err,
		Message:   err.Error(),
	}
	var amb *inventory.AmbiguousError
	if errors.As(err, &amb) {
		o.Suggestions = amb.Suggestions
	}
	return o
}

// currentIn returns the item's stock expressed in unit, or nil when the
// units do not convert.
func currentIn(item inventory.Item, unit string) *float64 {
	if unit == "" || item.Unit == "" {
		return inventory.Qty(item.Quantity)
	}
	q, err := units.Convert(item.Quantity, item.Unit, unit)
	if err != nil {
		return nil
	}
	return &q
}
