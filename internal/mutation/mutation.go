// Package mutation applies validated quantity changes to the catalog and
// manages their undo records.
//
// [Coordinator.Apply] runs the whole resolve, convert, persist and
// record-undo sequence. Any failure before the ledger write leaves the
// catalog untouched and creates no undo record; the ledger write itself is
// one transaction. Successful changes are announced to every registered
// [Notifier].
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/units"
)

// DefaultUndoTTL is how long an undo record stays usable.
const DefaultUndoTTL = 24 * time.Hour

// Resolver maps a spoken item name to a catalog item.
type Resolver interface {
	Resolve(ctx context.Context, name string) (inventory.Item, error)
}

// Notifier receives a change event after every persisted mutation.
// Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev inventory.ChangeEvent)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(ctx context.Context, ev inventory.ChangeEvent)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev inventory.ChangeEvent) { f(ctx, ev) }

// Result describes an applied mutation.
type Result struct {
	Item     inventory.Item
	Previous inventory.ItemState

	// Amount is the requested quantity expressed in the item's unit.
	Amount float64

	// Undo is nil for undo operations, which cannot themselves be undone.
	Undo  *inventory.UndoRecord
	Event inventory.ChangeEvent
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithUndoTTL sets the lifetime of new undo records.
func WithUndoTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithNotifier adds n to the notified observers.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifiers = append(c.notifiers, n) }
}

// WithMetrics records mutation counts and latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the only writer of catalog quantities. It is safe for
// concurrent use; per-item serialization is the ledger's job.
type Coordinator struct {
	resolver  Resolver
	ledger    inventory.Ledger
	notifiers []Notifier
	validate  *validator.Validate
	metrics   *observe.Metrics
	ttl       time.Duration
	now       func() time.Time
}

// New creates a [Coordinator].
func New(resolver Resolver, ledger inventory.Ledger, opts ...Option) *Coordinator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	c := &Coordinator{
		resolver: resolver,
		ledger:   ledger,
		validate: v,
		ttl:      DefaultUndoTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply resolves update's item, converts its quantity into the item's unit
// and persists the change with a fresh undo record. Any earlier live undo
// record of actor for the same item and action is superseded.
//
// An empty unit means the item's own unit. Actors whose role cannot write
// get [inventory.ErrForbidden] whatever confirmation preceded the call.
func (c *Coordinator) Apply(ctx context.Context, update inventory.Command, actor inventory.Actor, method inventory.Method) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "mutation.Apply")
	defer span.End()

	if err := c.check(update, actor); err != nil {
		return Result{}, err
	}
	item, err := c.resolver.Resolve(ctx, update.Item)
	if err != nil {
		return Result{}, fmt.Errorf("mutation: apply: %w", err)
	}
	return c.apply(ctx, item, update, actor, method)
}

// ApplyTo is Apply for an item the caller already resolved.
func (c *Coordinator) ApplyTo(ctx context.Context, item inventory.Item, update inventory.Command, actor inventory.Actor, method inventory.Method) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "mutation.ApplyTo")
	defer span.End()

	if err := c.check(update, actor); err != nil {
		return Result{}, err
	}
	return c.apply(ctx, item, update, actor, method)
}

func (c *Coordinator) apply(ctx context.Context, item inventory.Item, update inventory.Command, actor inventory.Actor, method inventory.Method) (Result, error) {
	start := time.Now()

	amount, err := convert(*update.Quantity, update.Unit, item.Unit)
	if err != nil {
		return Result{}, err
	}

	res, err := c.ledger.Mutate(ctx, inventory.Mutation{
		ItemID:  item.ID,
		UserID:  actor.UserID,
		Action:  update.Action,
		Amount:  amount,
		Method:  method,
		At:      c.now(),
		UndoID:  uuid.NewString(),
		UndoTTL: c.ttl,
	})
	if err != nil {
		return Result{}, fmt.Errorf("mutation: apply %s %q: %w", update.Action, item.Name, err)
	}

	out := c.finish(ctx, res, update.Action, actor, method, amount)
	if c.metrics != nil {
		c.metrics.MutationDuration.Record(ctx, time.Since(start).Seconds())
	}
	return out, nil
}

// Undo reverts the mutation recorded under id by setting the item back to
// its previous quantity. The record is consumed; a second Undo with the same
// id fails with [inventory.ErrNotFound], as does an expired record.
//
// Only the user who made the change, or an owner or manager, may undo it.
// Roles without write access may not undo anything.
func (c *Coordinator) Undo(ctx context.Context, id string, actor inventory.Actor) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "mutation.Undo")
	defer span.End()
	span.SetAttributes(attribute.String("undo.id", id))

	now := c.now()
	rec, err := c.ledger.FindUndo(ctx, id, now)
	if err != nil {
		return Result{}, fmt.Errorf("mutation: undo: %w", err)
	}
	if !actor.Role.CanWrite() {
		return Result{}, fmt.Errorf("mutation: undo %q: role %q cannot change stock: %w", id, actor.Role, inventory.ErrForbidden)
	}
	if rec.UserID != actor.UserID && actor.Role != inventory.RoleOwner && actor.Role != inventory.RoleManager {
		return Result{}, fmt.Errorf("mutation: undo %q owned by another user: %w", id, inventory.ErrForbidden)
	}

	res, err := c.ledger.Mutate(ctx, inventory.Mutation{
		ItemID:  rec.ItemID,
		UserID:  actor.UserID,
		Action:  inventory.ActionSet,
		Amount:  rec.Previous.Quantity,
		Method:  inventory.MethodUndo,
		At:      now,
		Reverts: id,
	})
	if err != nil {
		return Result{}, fmt.Errorf("mutation: undo: %w", err)
	}
	return c.finish(ctx, res, inventory.ActionSet, actor, inventory.MethodUndo, rec.Previous.Quantity), nil
}

// Sweep deletes expired undo records and returns how many were removed.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	n, err := c.ledger.SweepUndo(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("mutation: sweep: %w", err)
	}
	if n > 0 {
		observe.Logger(ctx).Info("mutation: swept expired undo records", "count", n)
	}
	return n, nil
}

func (c *Coordinator) finish(ctx context.Context, res inventory.MutationResult, action inventory.Action, actor inventory.Actor, method inventory.Method, amount float64) Result {
	ev := inventory.ChangeEvent{
		ItemID:    res.Item.ID,
		ItemName:  res.Item.Name,
		Quantity:  res.Item.Quantity,
		Unit:      res.Item.Unit,
		Action:    action,
		Actor:     actor.UserID,
		Method:    method,
		Timestamp: res.Item.LastUpdated,
	}
	if res.Undo != nil {
		ev.UndoID = res.Undo.ID
	}
	for _, n := range c.notifiers {
		n.Notify(ctx, ev)
	}
	if c.metrics != nil {
		c.metrics.RecordMutation(ctx, string(action), string(method))
	}

	observe.Logger(ctx).Info("mutation: applied",
		slog.String("item", res.Item.Name),
		slog.String("action", string(action)),
		slog.Float64("amount", amount),
		slog.Float64("previous", res.Previous.Quantity),
		slog.Float64("quantity", res.Item.Quantity),
		slog.String("actor", actor.UserID),
		slog.String("method", string(method)),
	)
	return Result{Item: res.Item, Previous: res.Previous, Amount: amount, Undo: res.Undo, Event: ev}
}

// check rejects actors without write access and validates the command
// fields the coordinator relies on.
func (c *Coordinator) check(update inventory.Command, actor inventory.Actor) error {
	if !actor.Role.CanWrite() {
		return fmt.Errorf("mutation: role %q cannot change stock: %w", actor.Role, inventory.ErrForbidden)
	}
	if err := c.validate.Struct(update); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &inventory.ValidationError{Field: fe.Field(), Reason: reason(fe)}
		}
		return &inventory.ValidationError{Field: "command", Reason: "invalid", Err: err}
	}
	if q := *update.Quantity; math.IsNaN(q) || math.IsInf(q, 0) {
		return &inventory.ValidationError{Field: "quantity", Reason: fmt.Sprintf("%g is not a finite number", q)}
	}
	return nil
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("%v is not one of %s", fe.Value(), fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return fmt.Sprintf("failed %q", fe.Tag())
}

// convert expresses q, stated in from, in the item's unit.
func convert(q float64, from, itemUnit string) (float64, error) {
	if strings.TrimSpace(from) == "" {
		return q, nil
	}
	if strings.TrimSpace(itemUnit) == "" {
		return 0, &inventory.ValidationError{Field: "unit", Reason: fmt.Sprintf("item has no unit to convert %q into", from)}
	}
	out, err := units.Convert(q, from, itemUnit)
	if err != nil {
		return 0, &inventory.ValidationError{
			Field:  "unit",
			Reason: fmt.Sprintf("cannot express %s in %s", from, itemUnit),
			Err:    err,
		}
	}
	return out, nil
}
