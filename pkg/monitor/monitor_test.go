package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/netlab/vimport/pkg/api"
	"github.com/netlab/vimport/pkg/api/apitest"
	"github.com/netlab/vimport/pkg/errors"
	"github.com/netlab/vimport/pkg/selection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		PollInterval:     time.Millisecond,
		RetryInterval:    2 * time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
	}
}

func importing(pct float64) api.ProgressResponse {
	return api.ProgressResponse{Status: StatusImporting, ProgressPercent: pct}
}

func TestObserve_ImportingNeverTerminates(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.Progress = []api.ProgressResponse{
		{Status: StatusPending},
		importing(40),
		importing(70),
		{Status: StatusCompleted, ProgressPercent: 100, ImageProgress: map[string]api.ImageProgress{
			"iosv-158-3": {Status: ImageStatusCompleted, ProgressPercent: 100},
		}},
	}
	m := New(srv.Client(t), fastConfig(), nil)

	var seen []string
	job, err := m.Observe(context.Background(), "scan-1", func(j *Job) {
		seen = append(seen, j.Status)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{StatusPending, StatusImporting, StatusImporting, StatusCompleted}, seen)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "iosv-158-3", job.Images["iosv-158-3"].ImageID)
	assert.Equal(t, 4, srv.PollCalls())
}

func TestObserve_TransientFailuresThenJobFailure(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.PollFailures = 3
	srv.Progress = []api.ProgressResponse{{Status: StatusFailed, ErrorMessage: "disk full"}}
	m := New(srv.Client(t), fastConfig(), nil)

	var updates int
	job, err := m.Observe(context.Background(), "scan-1", func(*Job) { updates++ })

	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "disk full", failed.Message)
	assert.Equal(t, "disk full", errors.Detail(err))
	assert.NotErrorIs(t, err, ErrObservationTimedOut)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 1, updates)
	assert.Equal(t, 4, srv.PollCalls())
}

func TestObserve_CompletedWithFailedImageIsFailure(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.Progress = []api.ProgressResponse{{
		Status: StatusCompleted,
		ImageProgress: map[string]api.ImageProgress{
			"a": {Status: ImageStatusCompleted, ProgressPercent: 100},
			"b": {Status: ImageStatusFailed, ErrorMessage: "checksum mismatch"},
		},
	}}
	m := New(srv.Client(t), fastConfig(), nil)

	job, err := m.Observe(context.Background(), "scan-1", nil)

	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Images, 1)
	assert.Equal(t, "b", failed.Images[0].ImageID)
	assert.Equal(t, "checksum mismatch", failed.Images[0].ErrorMessage)
	assert.Equal(t, "1 of 2 images failed", failed.Message)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestObserve_WatchdogTimesOut(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.PollFailures = 1 << 30
	cfg := fastConfig()
	cfg.ObservationTimeout = 30 * time.Millisecond
	m := New(srv.Client(t), cfg, clock.WallClock)

	job, err := m.Observe(context.Background(), "scan-1", nil)

	assert.Nil(t, job)
	require.ErrorIs(t, err, ErrObservationTimedOut)
	var failed *JobFailedError
	assert.NotErrorAs(t, err, &failed)
	assert.Greater(t, srv.PollCalls(), 1)
}

func TestObserve_ContextCancelDetaches(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.Progress = []api.ProgressResponse{importing(10)}
	m := New(srv.Client(t), fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.Observe(ctx, "scan-1", func(j *Job) {
		if j.ProgressPercent == 10 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestStart_SendsSelection(t *testing.T) {
	srv := apitest.NewServer(t)
	m := New(srv.Client(t), fastConfig(), nil)

	sel := selection.New("scan-1", []string{"a", "b", "c"})
	require.NoError(t, sel.Toggle("b"))
	sel.SetCreateMissingDeviceTypes(false)

	require.NoError(t, m.Start(context.Background(), sel))

	calls, body := srv.StartCalls()
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"a", "c"}, body.ImageIDs)
	assert.False(t, body.CreateDevices)
}

func TestStart_EmptySelectionRejectedLocally(t *testing.T) {
	srv := apitest.NewServer(t)
	m := New(srv.Client(t), fastConfig(), nil)

	sel := selection.New("scan-1", []string{"a"})
	sel.SelectNone()

	var startErr *ImportStartError
	require.ErrorAs(t, m.Start(context.Background(), sel), &startErr)
	calls, _ := srv.StartCalls()
	assert.Equal(t, 0, calls)
}

func TestStart_ServerRejection(t *testing.T) {
	srv := apitest.NewServer(t)
	srv.StartError = "Session already imported"
	m := New(srv.Client(t), fastConfig(), nil)

	err := m.Start(context.Background(), selection.New("scan-1", []string{"a"}))

	var startErr *ImportStartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, "Session already imported", errors.Detail(err))
}

func TestBackOff_GrowsToCeiling(t *testing.T) {
	m := New(nil, Config{
		PollInterval:     time.Second,
		RetryInterval:    2 * time.Second,
		MaxRetryInterval: 5 * time.Second,
	}, nil)
	b := m.newBackOff()

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}, got)
}

func TestNew_DefaultsRetryToTwicePoll(t *testing.T) {
	m := New(nil, Config{PollInterval: time.Second}, nil)
	assert.Equal(t, 2*time.Second, m.cfg.RetryInterval)
	assert.Equal(t, 2*time.Second, m.cfg.MaxRetryInterval)
}
