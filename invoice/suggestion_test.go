package invoice

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleSnapshot() *Snapshot {
	s := &Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Client:        "C1",
		PeriodStart:   "2025-01-01",
		PeriodEnd:     "2025-01-31",
		Currency:      "EUR",
		Precision:     2,
		Items: []Item{
			{TaskID: "t1", Task: "Wiring", Worker: "ana", Site: "north", RateCode: "hour_electric", Rate: d("800"), Qty: d("2"), Unit: "h", Amount: d("1600")},
			{TaskID: "t2", Task: "Survey", Worker: "bo", RateCode: "hour_survey", Rate: d("0"), Qty: d("0"), Unit: "h", Amount: d("75")},
		},
	}
	s.Recompute()
	return s
}

func TestCheckForbidden(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload string
		op      string
	}{
		{"kind", "delete_item", `{}`, "delete_item"},
		{"kind padded upper", "  UPDATE_TOTAL ", `{}`, "update_total"},
		{"operation field", "edit_item", `{"operation":"Mass_Replace"}`, "mass_replace"},
		{"allowed", "edit_item", `{"path":"items[0].qty","new":1}`, ""},
		{"allowed operation", "comment", `{"operation":"note","text":"x"}`, ""},
		{"nested operation ignored", "comment", `{"meta":{"operation":"delete_item"}}`, ""},
		{"non object payload", "comment", `["delete_item"]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckForbidden(tt.kind, json.RawMessage(tt.payload))
			if tt.op == "" {
				assert.NoError(t, err)
				return
			}
			var fe *ForbiddenOperationError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.op, fe.Operation)
			assert.ErrorIs(t, err, ErrForbiddenOperation)
		})
	}
}

func TestForbiddenOperations_ReturnsCopy(t *testing.T) {
	ops := ForbiddenOperations()
	assert.Equal(t, []string{"delete_item", "mass_replace", "update_total"}, ops)

	ops[0] = "comment"
	assert.NoError(t, CheckForbidden("comment", nil))
	assert.Error(t, CheckForbidden("delete_item", nil))
}

func TestDecodeChange_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		payload string
	}{
		{"unknown kind", "rename", `{}`},
		{"amount not editable", KindEditItem, `{"path":"items[0].amount","new":"1"}`},
		{"bad path", KindEditItem, `{"path":"items.0.qty","new":1}`},
		{"missing new", KindEditItem, `{"path":"items[0].qty"}`},
		{"negative qty", KindEditItem, `{"path":"items[0].qty","new":-1}`},
		{"empty task", KindEditItem, `{"path":"items[0].task","new":"  "}`},
		{"add without unit", KindAddItem, `{"task":"x","qty":"1","rate":"5"}`},
		{"add zero qty", KindAddItem, `{"task":"x","qty":"0","unit":"h","rate":"5"}`},
		{"add no price", KindAddItem, `{"task":"x","qty":"1","unit":"h"}`},
		{"add bad date", KindAddItem, `{"task":"x","qty":"1","unit":"h","rate":"5","date":"15/01/2025"}`},
		{"empty comment", KindComment, `{"text":""}`},
		{"malformed json", KindComment, `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeChange(tt.kind, json.RawMessage(tt.payload))
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestApplyChanges_EditQtyScalesAmount(t *testing.T) {
	base := sampleSnapshot()
	c, err := DecodeChange(KindEditItem, json.RawMessage(`{"path":"items[0].qty","new":"3"}`))
	require.NoError(t, err)

	next, err := ApplyChanges(base, []Change{c})

	require.NoError(t, err)
	assert.Equal(t, "2400.00", next.Format(next.Items[0].Amount))
	assert.Equal(t, "2475.00", next.Format(next.Total))
	// base untouched
	assert.Equal(t, "1600.00", base.Format(base.Items[0].Amount))
	assert.Equal(t, "1675.00", base.Format(base.Total))
}

func TestApplyChanges_ZeroQtyKeepsAmount(t *testing.T) {
	base := sampleSnapshot()
	c, err := DecodeChange(KindEditItem, json.RawMessage(`{"path":"items[1].qty","new":4}`))
	require.NoError(t, err)

	next, err := ApplyChanges(base, []Change{c})

	require.NoError(t, err)
	assert.True(t, next.Items[1].Qty.Equal(d("4")))
	assert.Equal(t, "75.00", next.Format(next.Items[1].Amount))
}

func TestApplyChanges_OrderAndStringFields(t *testing.T) {
	base := sampleSnapshot()
	var changes []Change
	for _, p := range []string{
		`{"path":"items[0].site","new":""}`,
		`{"path":"items[0].unit","new":"hours"}`,
		`{"path":"items[0].unit","new":"hrs"}`,
	} {
		c, err := DecodeChange(KindEditItem, json.RawMessage(p))
		require.NoError(t, err)
		changes = append(changes, c)
	}

	next, err := ApplyChanges(base, changes)

	require.NoError(t, err)
	assert.Equal(t, "", next.Items[0].Site)
	assert.Equal(t, "hrs", next.Items[0].Unit)
}

func TestApplyChanges_AddItemExplicitAmount(t *testing.T) {
	base := sampleSnapshot()
	c, err := DecodeChange(KindAddItem, json.RawMessage(`{"task":"Travel","qty":1,"unit":"trip","amount":"42.5","date":"2025-01-20"}`))
	require.NoError(t, err)

	next, err := ApplyChanges(base, []Change{c})

	require.NoError(t, err)
	require.Len(t, next.Items, 3)
	assert.Equal(t, "42.50", next.Format(next.Items[2].Amount))
	assert.Equal(t, "1717.50", next.Format(next.Total))
	assert.Len(t, base.Items, 2)
}

func TestApplyChanges_IndexOutOfRange(t *testing.T) {
	c, err := DecodeChange(KindEditItem, json.RawMessage(`{"path":"items[5].task","new":"x"}`))
	require.NoError(t, err)

	_, err = ApplyChanges(sampleSnapshot(), []Change{c})

	assert.ErrorIs(t, err, ErrValidation)
}

// =============================================================================
// DIFF
// =============================================================================

func TestDiff_IsSymmetric(t *testing.T) {
	a := sampleSnapshot()
	b := a.Clone()
	b.Items[0].Qty = d("3")
	b.Items[0].Amount = d("2400")
	b.Items[1].Worker = "cy"
	b.Items = append(b.Items, Item{Task: "Extra", Qty: d("1"), Unit: "h", Amount: d("10")})
	b.Recompute()

	forward := Diff(a, b)
	backward := Diff(b, a)

	require.Len(t, forward, 4)
	require.Len(t, backward, len(forward))
	for i := range forward {
		assert.Equal(t, forward[i].Path, backward[i].Path)
		assert.Equal(t, forward[i].Old, backward[i].New)
		assert.Equal(t, forward[i].New, backward[i].Old)
	}
	assert.Equal(t, "items[0].qty", forward[0].Path)
	assert.Equal(t, "items[0].amount", forward[1].Path)
	assert.Equal(t, "items[1].worker", forward[2].Path)
	assert.Equal(t, "items[2]", forward[3].Path)
}

func TestDiff_IdenticalSnapshots(t *testing.T) {
	a := sampleSnapshot()
	changes := Diff(a, a.Clone())
	assert.NotNil(t, changes)
	assert.Empty(t, changes)
}

func TestSnapshot_EncodeDecode(t *testing.T) {
	data, err := EncodeSnapshot(sampleSnapshot())
	require.NoError(t, err)

	got, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, "1675.00", got.Format(got.Total))

	_, err = DecodeSnapshot([]byte(`{"schema_version":99}`))
	assert.Error(t, err)
}
