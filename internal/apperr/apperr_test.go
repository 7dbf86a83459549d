package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("list services: %w", AgentUnreachable("ai_worker", context.DeadlineExceeded))

	assert.ErrorIs(t, err, ErrAgentUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ErrAgentUnreachable, Kind(err))
	assert.Equal(t, `container "ai_worker": context deadline exceeded`, Detail(err))
}

func TestUpstreamStatus(t *testing.T) {
	err := Upstream(404, "service not found: nope")
	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, 404, UpstreamStatus(err))
	assert.Equal(t, 0, UpstreamStatus(NotFound("x")))
	assert.Equal(t, "upstream error: service not found: nope", err.Error())
}

func TestUnclassified(t *testing.T) {
	err := errors.New("boom")
	assert.Nil(t, Kind(err))
	assert.Equal(t, "boom", Detail(err))
}
