package invoice

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FieldChange is one differing value between two snapshots. For whole-item
// additions and removals Old or New is nil and the other side is the Item.
type FieldChange struct {
	Path string `json:"path"`
	Old  any    `json:"old"`
	New  any    `json:"new"`
}

// TotalChange reports the total separately from item changes.
type TotalChange struct {
	Old decimal.Decimal `json:"old"`
	New decimal.Decimal `json:"new"`
}

// VersionDiff compares two versions of one invoice.
type VersionDiff struct {
	From    int           `json:"from"`
	To      int           `json:"to"`
	Changes []FieldChange `json:"changes"`
	Total   TotalChange   `json:"total"`
}

type trackedField struct {
	name string
	get  func(Item) any
	eq   func(a, b Item) bool
}

var trackedFields = []trackedField{
	{"qty", func(i Item) any { return i.Qty }, func(a, b Item) bool { return a.Qty.Equal(b.Qty) }},
	{"unit", func(i Item) any { return i.Unit }, func(a, b Item) bool { return a.Unit == b.Unit }},
	{"amount", func(i Item) any { return i.Amount }, func(a, b Item) bool { return a.Amount.Equal(b.Amount) }},
	{"task", func(i Item) any { return i.Task }, func(a, b Item) bool { return a.Task == b.Task }},
	{"worker", func(i Item) any { return i.Worker }, func(a, b Item) bool { return a.Worker == b.Worker }},
	{"site", func(i Item) any { return i.Site }, func(a, b Item) bool { return a.Site == b.Site }},
}

// Diff describes how to get from old to new. It is pure, and swapping the
// arguments swaps Old and New in every record.
func Diff(old, new *Snapshot) []FieldChange {
	changes := []FieldChange{}
	n := len(old.Items)
	if len(new.Items) > n {
		n = len(new.Items)
	}

	for i := 0; i < n; i++ {
		path := fmt.Sprintf("items[%d]", i)
		switch {
		case i >= len(old.Items):
			changes = append(changes, FieldChange{Path: path, Old: nil, New: new.Items[i]})
		case i >= len(new.Items):
			changes = append(changes, FieldChange{Path: path, Old: old.Items[i], New: nil})
		default:
			a, b := old.Items[i], new.Items[i]
			for _, f := range trackedFields {
				if !f.eq(a, b) {
					changes = append(changes, FieldChange{Path: path + "." + f.name, Old: f.get(a), New: f.get(b)})
				}
			}
		}
	}
	return changes
}

// DiffVersions wraps Diff with version numbers and totals.
func DiffVersions(from, to *InvoiceVersion) *VersionDiff {
	return &VersionDiff{
		From:    from.Version,
		To:      to.Version,
		Changes: Diff(from.Snapshot, to.Snapshot),
		Total:   TotalChange{Old: from.Snapshot.Total, New: to.Snapshot.Total},
	}
}
