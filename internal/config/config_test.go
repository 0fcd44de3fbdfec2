package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	c := &Config{}
	c.applyEnvOverrides()

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, 64, c.Fanout.QueueCapacity)
	assert.Equal(t, int64(20000), c.Topics.RunEvents.ReplayBudgetEvents)
	assert.Equal(t, "RustActive", c.Authority.WriteMode)
	assert.False(t, c.Authority.ReadOnly())
}

func TestAuthorityReadOnlyMode(t *testing.T) {
	c := &Config{Authority: AuthorityConfig{WriteMode: "ReadOnly"}}
	assert.True(t, c.Authority.ReadOnly())
}

func TestEnvOverridesWinOverDefaults(t *testing.T) {
	os.Setenv("FANOUT_QUEUE_CAPACITY", "777")
	defer os.Unsetenv("FANOUT_QUEUE_CAPACITY")

	c := &Config{}
	c.applyEnvOverrides()
	assert.Equal(t, 777, c.Fanout.QueueCapacity)
}

func TestTopicsClassForFallsBackToFallback(t *testing.T) {
	c := &Config{}
	c.applyEnvOverrides()
	got := c.Topics.ClassFor("unknown_class")
	assert.Equal(t, c.Topics.Fallback, got)
}
