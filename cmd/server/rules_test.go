package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invoice-engine/pricing"
)

func writeRules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 4
precision: 2
rates:
  hour_electric: "800.00"
modifiers:
  weekend: {percent: "50", applies: weekend}
`), 0o644))
	return path
}

func TestRulesHash(t *testing.T) {
	path := writeRules(t)
	var out bytes.Buffer
	cmd := newRulesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash", path})

	require.NoError(t, cmd.Execute())

	rules, err := pricing.LoadFiles(path)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "version 4")
	assert.Contains(t, out.String(), rules.Hash)
}

func TestRulesPrice_Weekend(t *testing.T) {
	path := writeRules(t)
	var out bytes.Buffer
	cmd := newRulesCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"price", "hour_electric", "2", "--rules", path, "--at", "2025-01-18T10:00:00Z"})

	require.NoError(t, cmd.Execute())

	var exp pricing.Explanation
	require.NoError(t, json.Unmarshal(out.Bytes(), &exp))
	assert.Equal(t, "2400", exp.Total.String())
	assert.Len(t, exp.Steps, 1)
}

func TestRulesPrice_BadInput(t *testing.T) {
	path := writeRules(t)
	for _, args := range [][]string{
		{"price", "hour_electric", "two", "--rules", path},
		{"price", "hour_electric", "2", "--rules", path, "--at", "yesterday"},
		{"price", "unknown_code", "2", "--rules", path},
	} {
		cmd := newRulesCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		assert.Error(t, cmd.Execute(), args)
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, splitList(" a.yaml, ,b.yaml "))
	assert.Nil(t, splitList(""))
}
