package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOrder(t *testing.T) {
	e := New(map[string]string{"MODE": "global", "REGION": "westus"}).
		WithBase([]string{"PATH=/usr/bin", "MODE=os", "=broken"})

	got := e.Merge([]string{"MODE=agent", "noequals"})
	assert.Equal(t, []string{"MODE=agent", "PATH=/usr/bin", "REGION=westus"}, got)
}

func TestMergeExpandsBraces(t *testing.T) {
	e := New(map[string]string{
		"HOME_DIR": "/var/lib/agent",
		"CONF":     "${HOME_DIR}/conf.d",
		"RAW":      "$HOME_DIR and ${MISSING}",
	}).WithBase(nil)

	got := e.Merge(nil)
	assert.Contains(t, got, "CONF=/var/lib/agent/conf.d")
	assert.Contains(t, got, "RAW=$HOME_DIR and ${MISSING}")
}

func TestSetUnset(t *testing.T) {
	e := New(nil).WithBase([]string{})
	e.Set("A", "1")
	e.Set("", "ignored")
	assert.Equal(t, []string{"A=1"}, e.Merge(nil))
	e.Unset("A")
	assert.Empty(t, e.Merge(nil))
}
