// Package inventory defines the domain model shared by the voice command
// pipeline: catalog items, structured commands, session context entries,
// undo records and change events, together with the typed errors every
// pipeline stage reports and the storage contracts the core consumes.
//
// The package holds no behaviour beyond small value helpers. Storage
// implementations live in the postgres and memstore sub-packages.
package inventory

import (
	"fmt"
	"math"
	"time"
)

// Action is the kind of quantity change a command requests.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionSet    Action = "set"
)

// IsValid reports whether a is one of the recognised actions.
func (a Action) IsValid() bool {
	switch a {
	case ActionAdd, ActionRemove, ActionSet:
		return true
	}
	return false
}

// Command is the structured form of one spoken or typed clause.
//
// Quantity is nil when the utterance did not state one. Only commands with
// IsComplete set are acted upon downstream.
type Command struct {
	Action     Action   `json:"action" validate:"required,oneof=add remove set"`
	Item       string   `json:"item" validate:"required"`
	Quantity   *float64 `json:"quantity" validate:"required,gte=0"`
	Unit       string   `json:"unit"`
	Confidence float64  `json:"confidence" validate:"gte=0,lte=1"`
	IsComplete bool     `json:"isComplete"`
}

// Qty returns a pointer to v. It keeps command literals short.
func Qty(v float64) *float64 { return &v }

// Amount returns the stated quantity, or zero and false when none was given.
func (c Command) Amount() (float64, bool) {
	if c.Quantity == nil {
		return 0, false
	}
	return *c.Quantity, true
}

// HasSlots reports whether every slot needed to apply the command is filled.
func (c Command) HasSlots() bool {
	return c.Action.IsValid() && c.Item != "" && c.Quantity != nil
}

// String renders the command for logs and prompts.
func (c Command) String() string {
	q := "?"
	if c.Quantity != nil {
		q = fmt.Sprintf("%g", *c.Quantity)
	}
	return fmt.Sprintf("%s %s %s %s", c.Action, q, c.Unit, c.Item)
}

// RecentCommand is an applied or accepted command kept in the session
// context so later utterances can refer back to it.
type RecentCommand struct {
	Action    Action    `json:"action"`
	Item      string    `json:"item"`
	Quantity  float64   `json:"quantity"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnRole identifies the speaker of a conversation turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role    TurnRole  `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Item is a catalog entry.
type Item struct {
	ID          string
	Name        string
	Quantity    float64
	Unit        string
	Category    string
	Embedding   []float32
	Threshold   float64
	LastUpdated time.Time
}

// BelowThreshold reports whether the item has dropped under its reorder
// threshold.
func (i Item) BelowThreshold() bool {
	return i.Threshold > 0 && i.Quantity < i.Threshold
}

// Method records how a mutation entered the system.
type Method string

const (
	MethodVoice  Method = "voice"
	MethodText   Method = "text"
	MethodVisual Method = "visual"
	MethodAPI    Method = "api"
	MethodUndo   Method = "undo"
)

// Role is the caller's permission role.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleViewer  Role = "viewer"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	return r.CanWrite() || r == RoleViewer
}

// CanWrite reports whether r may change stock levels. Unknown roles may not.
func (r Role) CanWrite() bool {
	switch r {
	case RoleOwner, RoleManager, RoleStaff:
		return true
	}
	return false
}

// Actor identifies who issued a command.
type Actor struct {
	UserID string
	Role   Role
}

// ItemState is a quantity snapshot stored in an undo record.
type ItemState struct {
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
}

// UndoRecord is a time-limited snapshot that allows one mutation to be
// reverted. At most one live record exists per (UserID, ItemID, Action).
type UndoRecord struct {
	ID        string
	UserID    string
	Action    Action
	ItemID    string
	Previous  ItemState
	Current   ItemState
	Method    Method
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (u UndoRecord) Expired(now time.Time) bool {
	return !now.Before(u.ExpiresAt)
}

// ChangeEvent is broadcast after every persisted quantity change.
type ChangeEvent struct {
	ItemID    string    `json:"itemId"`
	ItemName  string    `json:"item"`
	Quantity  float64   `json:"quantity"`
	Unit      string    `json:"unit"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Method    Method    `json:"method"`
	UndoID    string    `json:"undoId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NextQuantity computes the quantity that results from applying action with
// amount to current. Removal clamps at zero.
func NextQuantity(action Action, current, amount float64) (float64, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%g is not a non-negative number", amount)}
	}
	switch action {
	case ActionAdd:
		return current + amount, nil
	case ActionRemove:
		return math.Max(0, current-amount), nil
	case ActionSet:
		return amount, nil
	}
	return 0, &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
}
