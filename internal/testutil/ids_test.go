package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("op")
	assert.Equal(t, "op-1", g.Generate())
	assert.Equal(t, "op-2", g.Generate())

	g.Reset()
	assert.Equal(t, "op-1", g.Generate())
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-1", NewSequentialIDs("").Generate())
}
