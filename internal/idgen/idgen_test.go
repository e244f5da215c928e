package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("esc_")
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, 4+24)
	assert.NotEqual(t, id, WithPrefix("esc_"))
}

func TestNew(t *testing.T) {
	assert.True(t, IsUUID(New()))
	assert.False(t, IsUUID("esc_123"))
}
