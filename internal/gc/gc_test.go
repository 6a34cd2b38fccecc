package gc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngineService struct {
	calls     int32
	removed   int64
	returnErr error
}

func (f *fakeEngineService) RemoveDead(ctx context.Context) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.removed, f.returnErr
}

func TestScheduler_RunsRemoveDeadOnSchedule(t *testing.T) {
	svc := &fakeEngineService{removed: 3}

	s, err := New("@every 1s", svc, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&svc.calls) >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_RejectsInvalidCronSpec(t *testing.T) {
	svc := &fakeEngineService{}
	_, err := New("not a cron spec", svc, zerolog.Nop())
	assert.Error(t, err)
}

func TestScheduler_StopIsSafeAfterStart(t *testing.T) {
	svc := &fakeEngineService{}
	s, err := New("@every 1h", svc, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
