package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRegisterJob_ValidatesSchedule(t *testing.T) {
	s := NewService(arbor.NewLogger())

	assert.Error(t, s.RegisterJob("batch", "* * * * *", "", func() error { return nil }))
	assert.Error(t, s.RegisterJob("batch", "nonsense", "", func() error { return nil }))
	assert.Error(t, s.RegisterJob("batch", "0 6 * * 1-5", "", nil))

	require.NoError(t, s.RegisterJob("batch", "0 6 * * 1-5", "weekday run", func() error { return nil }))
	assert.Error(t, s.RegisterJob("batch", "0 7 * * *", "", func() error { return nil }), "duplicate name")
}

func TestExecuteJob_TracksStatusAndRecoversPanics(t *testing.T) {
	s := NewService(arbor.NewLogger())
	calls := 0
	require.NoError(t, s.RegisterJob("ok", "0 6 * * *", "", func() error { calls++; return nil }))
	require.NoError(t, s.RegisterJob("fails", "0 6 * * *", "", func() error { return errors.New("input missing") }))
	require.NoError(t, s.RegisterJob("panics", "0 6 * * *", "", func() error { panic("boom") }))

	s.executeJob("ok")
	s.executeJob("fails")
	s.executeJob("panics")
	s.executeJob("unknown")

	status, err := s.GetJobStatus("ok")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NotNil(t, status.LastRun)
	assert.Empty(t, status.LastError)
	assert.False(t, status.IsRunning)

	status, err = s.GetJobStatus("fails")
	require.NoError(t, err)
	assert.Equal(t, "input missing", status.LastError)

	status, err = s.GetJobStatus("panics")
	require.NoError(t, err)
	assert.Contains(t, status.LastError, "boom")

	_, err = s.GetJobStatus("unknown")
	assert.Error(t, err)

	names := []string{}
	for _, st := range s.GetAllJobStatuses() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"fails", "ok", "panics"}, names)
}

func TestExecuteJob_SkipsOverlappingRun(t *testing.T) {
	s := NewService(arbor.NewLogger())
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.RegisterJob("slow", "0 6 * * *", "", func() error {
		runs.Add(1)
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		s.executeJob("slow")
		close(done)
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.executeJob("slow")
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	<-done
}

func TestStartStop(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("batch", "0 6 * * 1-5", "", func() error { return nil }))

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	status, err := s.GetJobStatus("batch")
	require.NoError(t, err)
	require.NotNil(t, status.NextRun)
	assert.True(t, status.NextRun.After(time.Now()))

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())
}
