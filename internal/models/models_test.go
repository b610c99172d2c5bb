package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	p, ok := Lookup("gpt-4o")
	assert.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p)

	p, ok = Lookup("llama3.3:70b")
	assert.True(t, ok)
	assert.Equal(t, ProviderOllama, p)

	_, ok = Lookup("not-a-model")
	assert.False(t, ok)
}

func TestIsOllama(t *testing.T) {
	assert.True(t, IsOllama("gemma3:27b"))
	assert.False(t, IsOllama("gpt-4o-mini"))
	assert.False(t, IsOllama("unknown-model"))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("anthropic/claude-3.5-sonnet"))
	assert.False(t, Known("anthropic/claude-9000"))
}
