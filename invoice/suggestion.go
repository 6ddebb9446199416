/*
suggestion.go - Suggestion kinds, payload schemas and transforms

PURPOSE:
  A suggestion is one of a closed set of changes. Each kind has its own
  payload type and its own pure transform over a Snapshot. Adding a kind
  means adding a type here; nothing switches on raw strings elsewhere.

KINDS:
  edit_item  {"path": "items[0].qty", "new": 3}
  add_item   {"task": "...", "qty": "1", "unit": "h", "rate": "50.00"}
  comment    {"text": "..."}

FORBIDDEN OPERATIONS:
  delete_item, update_total and mass_replace can never be merged. The set
  is checked by CheckForbidden, which is the single check used both when a
  suggestion is submitted and again when it is applied.

SEE ALSO:
  - intake.go: submission
  - apply.go: merging approved suggestions
*/
package invoice

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Kind identifies a suggestion variant.
type Kind string

const (
	KindEditItem Kind = "edit_item"
	KindAddItem  Kind = "add_item"
	KindComment  Kind = "comment"
)

// PendingKind is the namespaced kind stored on the mirrored PendingChange.
func (k Kind) PendingKind() string {
	return PendingKindPrefix + string(k)
}

// =============================================================================
// FORBIDDEN OPERATIONS
// =============================================================================

// forbiddenOperations is never mutated after init. Read it via CheckForbidden.
var forbiddenOperations = map[string]struct{}{
	"delete_item":  {},
	"update_total": {},
	"mass_replace": {},
}

// ForbiddenOperations returns the forbidden set, sorted.
func ForbiddenOperations() []string {
	out := make([]string, 0, len(forbiddenOperations))
	for op := range forbiddenOperations {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// CheckForbidden rejects a suggestion whose kind, or whose payload's
// top-level "operation" field, names a forbidden operation.
func CheckForbidden(kind string, payload json.RawMessage) error {
	if op := normalizeOp(kind); isForbidden(op) {
		return &ForbiddenOperationError{Operation: op}
	}
	if op := normalizeOp(payloadOperation(payload)); isForbidden(op) {
		return &ForbiddenOperationError{Operation: op}
	}
	return nil
}

func isForbidden(op string) bool {
	_, ok := forbiddenOperations[op]
	return ok
}

func normalizeOp(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func payloadOperation(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	raw, ok := fields["operation"]
	if !ok {
		return ""
	}
	var op string
	if err := json.Unmarshal(raw, &op); err != nil {
		return ""
	}
	return op
}

// =============================================================================
// CHANGE VARIANTS
// =============================================================================

// Change is the sealed set of suggestion payloads.
type Change interface {
	Kind() Kind
	apply(s *Snapshot) error
}

var (
	_ Change = (*EditItem)(nil)
	_ Change = (*AddItem)(nil)
	_ Change = (*Comment)(nil)
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("itempath", func(fl validator.FieldLevel) bool {
		_, _, err := parseItemPath(fl.Field().String())
		return err == nil
	})
}

// EditItem overwrites one field of one existing item.
type EditItem struct {
	Path string          `json:"path" validate:"required,itempath"`
	New  json.RawMessage `json:"new" validate:"required"`

	index int
	field string
	value string
}

// AddItem appends a new line. Amount defaults to rate x qty when omitted.
type AddItem struct {
	Task   string          `json:"task" validate:"required,max=200"`
	Worker string          `json:"worker" validate:"max=200"`
	Site   string          `json:"site" validate:"max=200"`
	Date   string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Qty    decimal.Decimal `json:"qty"`
	Unit   string          `json:"unit" validate:"required,max=20"`
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// Comment carries text for the moderator and never changes the snapshot.
type Comment struct {
	Text string `json:"text" validate:"required,max=2000"`
}

func (*EditItem) Kind() Kind { return KindEditItem }
func (*AddItem) Kind() Kind  { return KindAddItem }
func (*Comment) Kind() Kind  { return KindComment }

// editableFields are the item fields a suggestion may overwrite. amount is
// derived, never edited directly.
var editableFields = map[string]bool{
	"qty":    true,
	"unit":   true,
	"task":   true,
	"worker": true,
	"site":   true,
}

var itemPathRe = regexp.MustCompile(`^items\[(\d+)\]\.([a-z_]+)$`)

func parseItemPath(path string) (int, string, error) {
	m := itemPathRe.FindStringSubmatch(strings.TrimSpace(path))
	if m == nil {
		return 0, "", fmt.Errorf("path %q does not match items[<n>].<field>", path)
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", fmt.Errorf("path %q: bad index", path)
	}
	if !editableFields[m[2]] {
		return 0, "", fmt.Errorf("field %q is not editable", m[2])
	}
	return idx, m[2], nil
}

// DecodeChange parses and validates a payload for kind. Decoding never
// looks at the snapshot; index bounds are checked when the change applies.
func DecodeChange(kind Kind, payload json.RawMessage) (Change, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	var c Change
	switch kind {
	case KindEditItem:
		c = &EditItem{}
	case KindAddItem:
		c = &AddItem{}
	case KindComment:
		c = &Comment{}
	default:
		return nil, invalid("kind", "unknown suggestion kind %q", kind)
	}

	if err := json.Unmarshal(payload, c); err != nil {
		return nil, invalid("payload", "%v", err)
	}
	if err := validate.Struct(c); err != nil {
		return nil, invalid("payload", "%v", err)
	}

	switch v := c.(type) {
	case *EditItem:
		if err := v.prepare(); err != nil {
			return nil, err
		}
	case *AddItem:
		if err := v.prepare(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (e *EditItem) prepare() error {
	idx, field, err := parseItemPath(e.Path)
	if err != nil {
		return invalid("path", "%v", err)
	}
	e.index, e.field = idx, field

	raw := strings.TrimSpace(string(e.New))
	if field == "qty" {
		// number or numeric string
		d, err := decimal.NewFromString(strings.Trim(raw, `"`))
		if err != nil {
			return invalid("new", "qty must be numeric")
		}
		if d.IsNegative() {
			return invalid("new", "qty must not be negative")
		}
		e.value = d.String()
		return nil
	}

	var s string
	if err := json.Unmarshal(e.New, &s); err != nil {
		return invalid("new", "%s must be a string", field)
	}
	e.value = strings.TrimSpace(s)
	if e.value == "" && field != "worker" && field != "site" {
		return invalid("new", "%s must not be empty", field)
	}
	return nil
}

func (a *AddItem) prepare() error {
	if !a.Qty.IsPositive() {
		return invalid("qty", "must be positive")
	}
	if a.Rate.IsNegative() || a.Amount.IsNegative() {
		return invalid("amount", "must not be negative")
	}
	if a.Amount.IsZero() && a.Rate.IsZero() {
		return invalid("amount", "amount or rate is required")
	}
	return nil
}

// =============================================================================
// TRANSFORMS
// =============================================================================

func (e *EditItem) apply(s *Snapshot) error {
	if e.index < 0 || e.index >= len(s.Items) {
		return invalid("path", "item index %d out of range (%d items)", e.index, len(s.Items))
	}
	it := &s.Items[e.index]

	switch e.field {
	case "qty":
		newQty := decimal.RequireFromString(e.value)
		// amount scales with qty; a zero old qty has nothing to scale
		if !it.Qty.IsZero() {
			it.Amount = it.Amount.Mul(newQty).Div(it.Qty).Round(s.Precision)
		}
		it.Qty = newQty
	case "unit":
		it.Unit = e.value
	case "task":
		it.Task = e.value
	case "worker":
		it.Worker = e.value
	case "site":
		it.Site = e.value
	}
	return nil
}

func (a *AddItem) apply(s *Snapshot) error {
	amount := a.Amount
	if amount.IsZero() {
		amount = a.Rate.Mul(a.Qty)
	}
	s.Items = append(s.Items, Item{
		Task:   a.Task,
		Worker: a.Worker,
		Site:   a.Site,
		Date:   a.Date,
		Rate:   a.Rate,
		Qty:    a.Qty,
		Unit:   a.Unit,
		Amount: amount.Round(s.Precision),
	})
	return nil
}

func (*Comment) apply(*Snapshot) error { return nil }

// ApplyChanges deep-copies base, runs every change in order and recomputes
// the total. base is never modified.
func ApplyChanges(base *Snapshot, changes []Change) (*Snapshot, error) {
	next := base.Clone()
	for _, c := range changes {
		if err := c.apply(next); err != nil {
			return nil, err
		}
	}
	next.Recompute()
	return next, nil
}
