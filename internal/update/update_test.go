package update

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
	"github.com/skyforge-av/bondctl/internal/proto"
)

func TestShouldRefreshCatalogWhenDisabled(t *testing.T) {
	o := New(zap.NewNop().Sugar(), &execseam.Fake{}, false, nil, nil, nil)
	require.False(t, o.ShouldRefreshCatalog(false))
}

func TestShouldRefreshCatalogSkipsWhileStreaming(t *testing.T) {
	o := New(zap.NewNop().Sugar(), &execseam.Fake{}, true, nil, nil, nil)
	require.False(t, o.ShouldRefreshCatalog(true))
}

func TestShouldRefreshCatalogTrueInitially(t *testing.T) {
	o := New(zap.NewNop().Sugar(), &execseam.Fake{}, true, nil, nil, nil)
	require.True(t, o.ShouldRefreshCatalog(false))
}

func TestRefreshCatalogReportsAvailableUpdates(t *testing.T) {
	fake := &execseam.Fake{RunResults: map[string]execseam.FakeResult{
		"apt-get update": {},
		"apt-get --dry-run -qq upgrade": {
			Stdout: []byte("5 upgraded, 0 newly installed, 0 to remove.\nNeed to get 12.5 MB of archives.\n"),
		},
	}}
	var got proto.AvailableUpdates
	o := New(zap.NewNop().Sugar(), fake, true, nil, func(a proto.AvailableUpdates) { got = a }, nil)

	err := o.RefreshCatalog(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, got.PackageCount)
	require.Equal(t, int64(12.5*1024*1024), got.DownloadSize)
	require.False(t, o.ShouldRefreshCatalog(false))
}

func TestParseProgressLineClampsAndIsMonotone(t *testing.T) {
	status := proto.UpdateStatus{}
	status = applyProgressLine(status, "downloading: 3/10")
	require.Equal(t, 3, status.Downloading)
	require.Equal(t, 10, status.Total)

	status = applyProgressLine(status, "downloading: 2/10")
	require.Equal(t, 3, status.Downloading, "counter must not decrease")

	status = applyProgressLine(status, "unpacking: 999/10")
	require.Equal(t, 10, status.Unpacking, "counter must clamp to total")
}

func TestDoUpdateRejectsWhileStreaming(t *testing.T) {
	o := New(zap.NewNop().Sugar(), &execseam.Fake{}, true, nil, nil, nil)
	err := o.DoUpdate(context.Background(), true)
	require.ErrorIs(t, err, ErrStreaming)
}

func TestDoUpdateRunsProgressAndRequestsExitOnSuccess(t *testing.T) {
	fake := &execseam.Fake{}
	proc := execseam.NewFakeProcess()
	fake.QueueProcess(proc)

	var statuses []proto.UpdateStatus
	exited := false
	o := New(zap.NewNop().Sugar(), fake, true,
		func(s proto.UpdateStatus) { statuses = append(statuses, s) }, nil,
		func() { exited = true })

	done := make(chan error, 1)
	go func() { done <- o.DoUpdate(context.Background(), false) }()

	proc.Emit("downloading: 1/2")
	proc.Emit("downloading: 2/2")
	proc.Exit(nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("DoUpdate did not return")
	}

	require.True(t, exited)
	require.False(t, o.Updating())
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	require.Equal(t, 2, last.Downloading)
	require.False(t, last.Updating)
}

func TestDoUpdateRejectsConcurrentRun(t *testing.T) {
	fake := &execseam.Fake{}
	proc := execseam.NewFakeProcess()
	fake.QueueProcess(proc)

	o := New(zap.NewNop().Sugar(), fake, true, nil, nil, nil)

	started := make(chan struct{})
	go func() {
		close(started)
		o.DoUpdate(context.Background(), false)
	}()
	<-started
	require.Eventually(t, func() bool { return o.Updating() }, time.Second, time.Millisecond)

	err := o.DoUpdate(context.Background(), false)
	require.ErrorIs(t, err, ErrAlreadyUpdating)

	proc.Exit(nil)
}
