package voicecall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/domain"
)

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	_, err := NewSweeper(f.svc, 45*time.Second, "every now and then")
	assert.Error(t, err)
}

func TestSweeper_SweepMarksMissed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.InitiateCall(ctx, "alice", "bob", "")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	sweeper, err := NewSweeper(f.svc, 45*time.Second, "@every 1h")
	require.NoError(t, err)
	sweeper.Start()
	defer sweeper.Stop()

	sweeper.Sweep()

	status, err := f.svc.GetCallStatus(ctx, out.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, status.Status)
}
