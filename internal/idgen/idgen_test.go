package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
}

func TestWithPrefix(t *testing.T) {
	a := WithPrefix(PrefixTenant)
	b := WithPrefix(PrefixTenant)

	assert.True(t, strings.HasPrefix(a, "ten_"))
	assert.Len(t, a, len("ten_")+32)
	assert.NotEqual(t, a, b)
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(16), 32)
}
