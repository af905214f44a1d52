package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) Count(context.Context, string, string) (int, error) {
	return 0, errors.New("store offline")
}

func TestStatic_Count(t *testing.T) {
	s := NewStatic(map[string]map[string]int{"ash": {"pokemon": 6}})
	n, err := s.Count(context.Background(), "ash", "pokemon")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = s.Count(context.Background(), "misty", "pokemon")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRequirement_Check(t *testing.T) {
	s := NewStatic(nil)
	s.Set("ash", "pokemon", 4)
	req := Requirement{Resource: "pokemon", Min: 5}

	ok, held, err := req.Check(context.Background(), s, "ash")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 4, held)

	s.Set("ash", "pokemon", 5)
	ok, _, err = req.Check(context.Background(), s, "ash")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequirement_ZeroAlwaysSatisfied(t *testing.T) {
	ok, _, err := Requirement{}.Check(context.Background(), nil, "anyone")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequirement_SourceError(t *testing.T) {
	_, _, err := Requirement{Resource: "pokemon", Min: 5}.Check(context.Background(), failingSource{}, "ash")
	assert.ErrorContains(t, err, "store offline")
}
