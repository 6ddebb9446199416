/*
Package pricing derives monetary amounts from versioned rule sets.

PURPOSE:
  A RuleSet bundles rates, surcharge modifiers and the rounding precision
  used to price ledger work. Rule documents are plain YAML (or JSON, which
  YAML accepts) so operators can change prices without a deploy.

DOCUMENT SCHEMA:
  version: 3
  precision: 2
  rates:
    hour_electric: "800.00"
    hour_plumbing: 650
  modifiers:
    weekend: {percent: "50", applies: weekend}
    night:   {percent: "25", applies: night, from_hour: 22, to_hour: 6}
  modifier_order: [weekend, night]

MERGING:
  Several documents may be loaded in priority order. Top-level keys are
  merged shallowly: a later document replacing "rates" replaces the whole
  rate table, it does not patch individual codes.

HASHING:
  Every loaded RuleSet carries a content hash computed over its normalized
  form, so formatting changes in the source files never change the hash
  while any price change always does. Invoices pin the hash they were
  priced with.

PRECISION:
  Numbers are decoded from the YAML scalar text and parsed with
  shopspring/decimal. A rate never passes through float64.

SEE ALSO:
  - calculator.go: Calculate, ApplyModifiers
  - explain.go: deterministic pricing explanation
*/
package pricing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPrecision is the number of decimal digits amounts are rounded to
// when a rule set does not say otherwise.
const DefaultPrecision = 2

// defaultModifierOrder is applied when a rule set has no modifier_order key.
var defaultModifierOrder = []string{"weekend", "night"}

// =============================================================================
// RULE SET
// =============================================================================

// Applicability names the predicate deciding whether a modifier fires.
type Applicability string

const (
	AppliesAlways  Applicability = "always"
	AppliesWeekend Applicability = "weekend"
	AppliesWeekday Applicability = "weekday"
	AppliesNight   Applicability = "night"
)

// Modifier is a percentage surcharge (or discount, when negative).
type Modifier struct {
	Name     string          `json:"name"`
	Percent  decimal.Decimal `json:"percent"`
	Applies  Applicability   `json:"applies"`
	FromHour int             `json:"from_hour"`
	ToHour   int             `json:"to_hour"`
}

// RuleSet is an immutable, hashable bundle of pricing rules.
// Do not mutate a RuleSet after Load; share it freely instead.
type RuleSet struct {
	Version   int                        `json:"version"`
	Precision int32                      `json:"precision"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	Modifiers map[string]Modifier        `json:"modifiers"`
	Order     []string                   `json:"modifier_order"`

	Hash string `json:"-"`
}

// Rate returns the rate value for a code.
func (rs *RuleSet) Rate(code string) (decimal.Decimal, bool) {
	v, ok := rs.Rates[code]
	return v, ok
}

// OrderedModifiers returns modifiers in evaluation order.
func (rs *RuleSet) OrderedModifiers() []Modifier {
	out := make([]Modifier, 0, len(rs.Order))
	for _, name := range rs.Order {
		if m, ok := rs.Modifiers[name]; ok {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// DOCUMENT SCHEMA
// =============================================================================

type modifierDoc struct {
	Percent  string `yaml:"percent"`
	Applies  string `yaml:"applies"`
	FromHour *int   `yaml:"from_hour"`
	ToHour   *int   `yaml:"to_hour"`
}

type ruleDoc struct {
	Version   int                    `yaml:"version"`
	Precision *int32                 `yaml:"precision"`
	Rates     map[string]string      `yaml:"rates"`
	Modifiers map[string]modifierDoc `yaml:"modifiers"`
	Order     []string               `yaml:"modifier_order"`
}

// =============================================================================
// LOADING
// =============================================================================

// LoadFiles reads rule documents from disk in priority order.
func LoadFiles(paths ...string) (*RuleSet, error) {
	docs := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read rules %s: %w", p, err)
		}
		docs = append(docs, data)
	}
	return LoadDocuments(docs...)
}

// LoadDocuments merges rule documents (later overrides earlier at the top
// level) and builds a hashed RuleSet.
func LoadDocuments(docs ...[]byte) (*RuleSet, error) {
	if len(docs) == 0 {
		return nil, &ConfigError{Reason: "no rule documents"}
	}

	merged, err := mergeDocuments(docs)
	if err != nil {
		return nil, err
	}

	var doc ruleDoc
	if err := merged.Decode(&doc); err != nil {
		return nil, &ConfigError{Reason: "decode rules", Err: err}
	}

	return build(doc)
}

// mergeDocuments shallow-merges the top-level mappings of every document.
func mergeDocuments(docs [][]byte) (*yaml.Node, error) {
	merged := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	index := map[string]int{} // key -> position of its value node in merged.Content

	for i, data := range docs {
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("parse document %d", i), Err: err}
		}
		if root.Kind == 0 {
			continue // empty document
		}
		body := &root
		if body.Kind == yaml.DocumentNode && len(body.Content) > 0 {
			body = body.Content[0]
		}
		if body.Kind != yaml.MappingNode {
			return nil, &ConfigError{Reason: fmt.Sprintf("document %d is not a mapping", i)}
		}

		for j := 0; j+1 < len(body.Content); j += 2 {
			key, val := body.Content[j], body.Content[j+1]
			if pos, ok := index[key.Value]; ok {
				merged.Content[pos] = val
				continue
			}
			merged.Content = append(merged.Content, key, val)
			index[key.Value] = len(merged.Content) - 1
		}
	}
	return merged, nil
}

func build(doc ruleDoc) (*RuleSet, error) {
	if len(doc.Rates) == 0 {
		return nil, &ConfigError{Reason: "rate table missing"}
	}

	rs := &RuleSet{
		Version:   doc.Version,
		Precision: DefaultPrecision,
		Rates:     make(map[string]decimal.Decimal, len(doc.Rates)),
		Modifiers: make(map[string]Modifier, len(doc.Modifiers)),
	}
	if doc.Precision != nil {
		if *doc.Precision < 0 || *doc.Precision > 8 {
			return nil, &ConfigError{Reason: fmt.Sprintf("precision %d out of range", *doc.Precision)}
		}
		rs.Precision = *doc.Precision
	}

	for code, raw := range doc.Rates {
		v, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("rate %q", code), Err: err}
		}
		rs.Rates[code] = v
	}

	for name, md := range doc.Modifiers {
		m, err := buildModifier(name, md)
		if err != nil {
			return nil, err
		}
		rs.Modifiers[name] = m
	}

	order, err := modifierOrder(doc.Order, rs.Modifiers)
	if err != nil {
		return nil, err
	}
	rs.Order = order

	hash, err := hashRuleSet(rs)
	if err != nil {
		return nil, err
	}
	rs.Hash = hash
	return rs, nil
}

func buildModifier(name string, md modifierDoc) (Modifier, error) {
	pct, err := decimal.NewFromString(strings.TrimSpace(md.Percent))
	if err != nil {
		return Modifier{}, &ConfigError{Reason: fmt.Sprintf("modifier %q percent", name), Err: err}
	}

	applies := Applicability(md.Applies)
	if applies == "" {
		applies = Applicability(name)
	}
	switch applies {
	case AppliesAlways, AppliesWeekend, AppliesWeekday, AppliesNight:
	default:
		return Modifier{}, &ConfigError{Reason: fmt.Sprintf("modifier %q: unknown predicate %q", name, applies)}
	}

	m := Modifier{Name: name, Percent: pct, Applies: applies, FromHour: 22, ToHour: 6}
	if md.FromHour != nil {
		m.FromHour = *md.FromHour
	}
	if md.ToHour != nil {
		m.ToHour = *md.ToHour
	}
	if m.FromHour < 0 || m.FromHour > 23 || m.ToHour < 0 || m.ToHour > 23 {
		return Modifier{}, &ConfigError{Reason: fmt.Sprintf("modifier %q: hours out of range", name)}
	}
	return m, nil
}

// modifierOrder resolves evaluation order: explicit order first, otherwise
// the default weekend -> night sequence followed by the remaining names
// sorted alphabetically.
func modifierOrder(explicit []string, mods map[string]Modifier) ([]string, error) {
	if len(explicit) > 0 {
		seen := make(map[string]bool, len(explicit))
		for _, name := range explicit {
			if _, ok := mods[name]; !ok {
				return nil, &ConfigError{Reason: fmt.Sprintf("modifier_order references unknown modifier %q", name)}
			}
			if seen[name] {
				return nil, &ConfigError{Reason: fmt.Sprintf("modifier_order lists %q twice", name)}
			}
			seen[name] = true
		}
		if len(seen) != len(mods) {
			return nil, &ConfigError{Reason: "modifier_order must list every modifier"}
		}
		return append([]string(nil), explicit...), nil
	}

	order := make([]string, 0, len(mods))
	used := map[string]bool{}
	for _, name := range defaultModifierOrder {
		if _, ok := mods[name]; ok {
			order = append(order, name)
			used[name] = true
		}
	}
	var rest []string
	for name := range mods {
		if !used[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...), nil
}

// hashRuleSet hashes the canonical JSON form. encoding/json sorts map keys
// and decimal marshals as a string, which makes the encoding stable.
func hashRuleSet(rs *RuleSet) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(rs); err != nil {
		return "", fmt.Errorf("hash rules: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// =============================================================================
// SOURCES
// =============================================================================

// RulesSource yields the RuleSet in force for a request.
type RulesSource interface {
	Load(ctx context.Context) (*RuleSet, error)
}

// FileSource re-reads its files on every Load. Callers that want caching
// can key on RuleSet.Hash.
type FileSource struct {
	Paths []string
}

func (f FileSource) Load(_ context.Context) (*RuleSet, error) {
	if len(f.Paths) == 0 {
		return nil, &ConfigError{Reason: "no rule files configured"}
	}
	return LoadFiles(f.Paths...)
}

// StaticSource always returns the same RuleSet.
type StaticSource struct {
	Rules *RuleSet
}

func (s StaticSource) Load(_ context.Context) (*RuleSet, error) {
	if s.Rules == nil {
		return nil, &ConfigError{Reason: "no rule set"}
	}
	return s.Rules, nil
}
