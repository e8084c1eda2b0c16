package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/devrev/guildstore/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchService_InvalidatesOnExternalWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.docs.Save(ctx, tenant, model.NewTenantDocument())
	require.NoError(t, err)

	watcher, err := NewWatchService(env.layout, env.cache, env.metrics, zap.NewNop())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	// Re-warm after any events from the save above have drained.
	time.Sleep(50 * time.Millisecond)
	env.cache.Put(tenant, docAtRev(1))
	require.Equal(t, 1, env.cache.Len())

	paths := env.layout.Paths(tenant)
	require.NoError(t, os.WriteFile(paths.Canonical, []byte(`{"schemaVersion":2,"rev":7,"voice":{}}`), 0644))

	assert.Eventually(t, func() bool { return env.cache.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(env.metrics.CacheInvalidTotal), 1.0)

	doc, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(7), doc.Rev)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchService_IgnoresOtherFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := NewWatchService(env.layout, env.cache, env.metrics, zap.NewNop())
	require.NoError(t, err)
	go watcher.Run(ctx)

	env.cache.Put(tenant, docAtRev(1))

	paths := env.layout.Paths(tenant)
	require.NoError(t, os.WriteFile(paths.Scratch, []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(paths.Backup, []byte(`{}`), 0644))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, env.cache.Len())
}
