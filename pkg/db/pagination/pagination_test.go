package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, Pagination{Limit: DefaultLimit, Offset: 0}, Pagination{Limit: 0, Offset: -4}.Normalize())
	assert.Equal(t, Pagination{Limit: MaxLimit, Offset: 10}, Pagination{Limit: 10_000, Offset: 10}.Normalize())
}

func TestBuildPageInfo(t *testing.T) {
	info := BuildPageInfo(Pagination{Limit: 10, Offset: 0}, 10, 25)
	require.True(t, info.HasMore)
	require.NotNil(t, info.NextOffset)
	assert.Equal(t, 10, *info.NextOffset)

	last := BuildPageInfo(Pagination{Limit: 10, Offset: 20}, 5, 25)
	assert.False(t, last.HasMore)
	assert.Nil(t, last.NextOffset)
}
