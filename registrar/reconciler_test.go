package registrar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svc-registrar/directory"
	"svc-registrar/registration"
)

func TestRunOnceInSync(t *testing.T) {
	r, dir := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Register(ctx, registration.New(ep("a"), ep("b")))
	require.NoError(t, err)
	dir.resetCounters()

	for i := 0; i < 2; i++ {
		report := r.Reconciler().RunOnce(ctx)
		assert.Equal(t, Report{Listed: 2}, report)
	}
	assert.Zero(t, dir.totalPushes())
	assert.Empty(t, dir.removed())
}

func TestRunOnceRecoversFromAmnesia(t *testing.T) {
	r, dir := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Register(ctx, registration.New(ep("a"), ep("b")))
	require.NoError(t, err)
	_, err = r.Register(ctx, registration.New(ep("c-v1")))
	require.NoError(t, err)

	dir.forget()
	dir.resetCounters()

	report := r.Reconciler().RunOnce(ctx)
	assert.Equal(t, Report{Listed: 0, Repushed: 3}, report)
	for _, id := range []string{"a", "b", "c-v1"} {
		assert.Equal(t, 1, dir.pushCount(id), "endpoint %s", id)
	}

	// converged: the next pass is a no-op
	report = r.Reconciler().RunOnce(ctx)
	assert.Equal(t, Report{Listed: 3}, report)
	assert.Equal(t, 3, dir.totalPushes())
}

func TestRunOnceResendsWholeRegistration(t *testing.T) {
	r, dir := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Register(ctx, registration.New(ep("a"), ep("b")))
	require.NoError(t, err)
	_, err = r.Register(ctx, registration.New(ep("untouched")))
	require.NoError(t, err)

	dir.set(func(f *fakeDirectory) { delete(f.records, "a") })
	dir.resetCounters()

	report := r.Reconciler().RunOnce(ctx)
	assert.Equal(t, 2, report.Repushed)
	assert.Equal(t, 1, dir.pushCount("a"))
	assert.Equal(t, 1, dir.pushCount("b"))
	assert.Zero(t, dir.pushCount("untouched"))
}

func TestRunOncePrunesOrphans(t *testing.T) {
	r, dir := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Register(ctx, registration.New(ep("live")))
	require.NoError(t, err)
	dir.seed(directory.Record{ID: "orphan", Name: "orphan", Tags: []string{deployTag}})
	dir.seed(directory.Record{ID: "manual", Name: "manual", Tags: []string{"hand-made"}})

	report := r.Reconciler().RunOnce(ctx)
	assert.Equal(t, Report{Listed: 2, Pruned: 1}, report)
	assert.Equal(t, []string{"orphan"}, dir.removed())
	assert.ElementsMatch(t, []string{"live", "manual"}, dir.ids(), "untagged entries are not ours to touch")
}

func TestRunOnceAbortsWhenListFails(t *testing.T) {
	r, dir := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Register(ctx, registration.New(ep("a")))
	require.NoError(t, err)
	dir.forget()
	dir.seed(directory.Record{ID: "orphan", Tags: []string{deployTag}})
	dir.resetCounters()

	listErr := errors.New("connection refused")
	dir.set(func(f *fakeDirectory) { f.listErr = listErr })

	report := r.Reconciler().RunOnce(ctx)
	assert.ErrorIs(t, report.Err, listErr)
	assert.Zero(t, dir.totalPushes(), "a failed list must not be read as an empty directory")
	assert.Empty(t, dir.removed())
}

func TestRunOncePruneFailureDoesNotStopRepush(t *testing.T) {
	r, dir := newTestRegistrar(t)
	ctx := context.Background()

	_, err := r.Register(ctx, registration.New(ep("a")))
	require.NoError(t, err)
	dir.forget()
	dir.seed(directory.Record{ID: "orphan", Tags: []string{deployTag}})
	dir.set(func(f *fakeDirectory) { f.removeErr = directory.ErrUnavailable })

	report := r.Reconciler().RunOnce(ctx)
	assert.Equal(t, Report{Listed: 1, Pruned: 0, Repushed: 1}, report)
	_, ok := dir.record("a")
	assert.True(t, ok)
}

func TestReconcilerFirstRunWaitsOneInterval(t *testing.T) {
	_, dir := newTickingRegistrar(t, 200*time.Millisecond, nil)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, dir.listCount())
	assert.Eventually(t, func() bool { return dir.listCount() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestReconcilerRepairsPeriodically(t *testing.T) {
	r, dir := newTickingRegistrar(t, 10*time.Millisecond, nil)

	_, err := r.Register(context.Background(), registration.New(ep("a")))
	require.NoError(t, err)
	dir.forget()

	assert.Eventually(t, func() bool {
		_, ok := dir.record("a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcilerStop(t *testing.T) {
	r, _ := newTestRegistrar(t)

	idle := NewReconciler(r, time.Millisecond, nil)
	assert.NoError(t, idle.Stop(context.Background()), "stopping an unstarted reconciler is fine")
	idle.Start()
	assert.Nil(t, idle.done, "a stopped reconciler must not start")

	rc := NewReconciler(r, time.Hour, nil)
	rc.Start()
	require.NoError(t, rc.Stop(context.Background()))
	assert.NoError(t, rc.Stop(context.Background()))
}
