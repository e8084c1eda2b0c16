package service

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/devrev/guildstore/internal/codec"
	"github.com/devrev/guildstore/internal/errors"
	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/model"
	"github.com/devrev/guildstore/internal/storage/atomicfile"
	"github.com/devrev/guildstore/internal/storage/layout"
	"github.com/devrev/guildstore/internal/validation"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenant = "123456789012345678"

type testEnv struct {
	dir     string
	layout  *layout.Layout
	metrics *metrics.Metrics
	cache   *CacheService
	docs    *DocumentService
}

type envOption func(*envConfig)

type envConfig struct {
	maxAttempts int
	space       atomicfile.SpaceChecker
	noCache     bool
}

func withMaxAttempts(n int) envOption {
	return func(c *envConfig) { c.maxAttempts = n }
}

func withSpaceChecker(s atomicfile.SpaceChecker) envOption {
	return func(c *envConfig) { c.space = s }
}

func withoutCache() envOption {
	return func(c *envConfig) { c.noCache = true }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	return newTestEnvInDir(t, t.TempDir(), opts...)
}

func newTestEnvInDir(t *testing.T, dir string, opts ...envOption) *testEnv {
	t.Helper()

	cfg := &envConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zap.NewNop()
	m := metrics.NewUnregistered()
	l := layout.New(dir)

	var cache *CacheService
	if !cfg.noCache {
		cache = NewCacheService(&CacheConfig{MaxEntries: 100, TTL: time.Minute}, m, logger)
	}

	writer := atomicfile.NewWriter(atomicfile.Config{FileMode: 0644, SyncDir: true}, cfg.space, m, logger)
	docs := NewDocumentService(
		&DocumentServiceConfig{MaxSaveAttempts: cfg.maxAttempts},
		l,
		validation.NewValidator(validation.FormatSnowflake),
		writer,
		cache,
		m,
		logger,
	)

	return &testEnv{dir: dir, layout: l, metrics: m, cache: cache, docs: docs}
}

func (e *testEnv) readDisk(t *testing.T, path string) *model.TenantDocument {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	return decoded.Doc
}

func (e *testEnv) writeRaw(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func getString(t *testing.T, doc *model.TenantDocument, key string) string {
	t.Helper()
	var s string
	ok, err := doc.Get(key, &s)
	require.NoError(t, err)
	require.True(t, ok, "missing key %q", key)
	return s
}

type refusingSpace struct{}

func (refusingSpace) CheckBeforeWrite(uint64) error {
	return errors.DiskFull(99.5, 0, nil)
}

func TestLoad_MissingTenantReturnsDefault(t *testing.T) {
	env := newTestEnv(t)

	doc, err := env.docs.Load(context.Background(), tenant)
	require.NoError(t, err)

	assert.Equal(t, int64(0), doc.Rev)
	assert.Equal(t, model.CurrentSchemaVersion, doc.SchemaVersion)
	assert.Empty(t, doc.Voice.Lobbies)
	assert.Empty(t, doc.Voice.TempChannels)

	_, err = os.Stat(env.layout.Paths(tenant).Canonical)
	assert.True(t, os.IsNotExist(err), "Load must not create files")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.LoadsTotal.WithLabelValues(metrics.SourceDefault)))
}

func TestSave_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	require.NoError(t, doc.Set("prefix", "!"))
	require.NoError(t, doc.SetLobby("111", map[string]interface{}{"name": "Lobby", "limit": 4}))

	saved, err := env.docs.Save(ctx, tenant, doc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Rev)
	assert.Equal(t, model.CurrentSchemaVersion, saved.SchemaVersion)

	reloaded, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, saved.Equal(reloaded))
	assert.Equal(t, "!", getString(t, reloaded, "prefix"))

	onDisk := env.readDisk(t, env.layout.Paths(tenant).Canonical)
	assert.True(t, saved.Equal(onDisk))
	assert.Contains(t, onDisk.Voice.Lobbies, "111")

	_, err = os.Stat(env.layout.Paths(tenant).Scratch)
	assert.True(t, os.IsNotExist(err), "no scratch file may remain")
}

func TestSave_ReturnedDocumentIsACopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc := model.NewTenantDocument()
	require.NoError(t, doc.Set("prefix", "!"))
	saved, err := env.docs.Save(ctx, tenant, doc)
	require.NoError(t, err)

	require.NoError(t, saved.Set("prefix", "?"))
	require.NoError(t, doc.Set("prefix", "#"))

	reloaded, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "!", getString(t, reloaded, "prefix"))
}

func TestSave_RevisionIncreasesByOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)

	for want := int64(1); want <= 3; want++ {
		doc, err = env.docs.Save(ctx, tenant, doc)
		require.NoError(t, err)
		assert.Equal(t, want, doc.Rev)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.SavesTotal.WithLabelValues(metrics.OutcomeAccepted)))
}

func TestSave_MergesConcurrentWriter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		base, err = env.docs.Save(ctx, tenant, base)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), base.Rev)

	a, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	b, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)

	require.NoError(t, b.Set("tickets", map[string]bool{"enabled": true}))
	require.NoError(t, b.SetTempChannel("900", map[string]string{"owner": "42"}))
	savedB, err := env.docs.Save(ctx, tenant, b)
	require.NoError(t, err)
	assert.Equal(t, int64(4), savedB.Rev)

	require.NoError(t, a.SetLobby("111", map[string]string{"name": "Lobby"}))
	savedA, err := env.docs.Save(ctx, tenant, a)
	require.NoError(t, err)
	assert.Equal(t, int64(5), savedA.Rev)

	final := env.readDisk(t, env.layout.Paths(tenant).Canonical)
	assert.Equal(t, int64(5), final.Rev)
	assert.Contains(t, final.Extra, "tickets")
	assert.Contains(t, final.Voice.TempChannels, "900")
	assert.Contains(t, final.Voice.Lobbies, "111")

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SavesTotal.WithLabelValues(metrics.OutcomeMerged)))
}

func TestSave_CallerWinsOnKeyCollision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	b := a.Clone()

	require.NoError(t, b.Set("prefix", "b"))
	require.NoError(t, b.SetLobby("1", "from-b"))
	_, err = env.docs.Save(ctx, tenant, b)
	require.NoError(t, err)

	require.NoError(t, a.Set("prefix", "a"))
	require.NoError(t, a.SetLobby("1", "from-a"))
	saved, err := env.docs.Save(ctx, tenant, a)
	require.NoError(t, err)

	assert.Equal(t, "a", getString(t, saved, "prefix"))
	assert.JSONEq(t, `"from-a"`, string(saved.Voice.Lobbies["1"]))
}

func TestSaveWithMerge_UsesCustomMerge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)

	fresh := stale.Clone()
	require.NoError(t, fresh.Set("prefix", "fresh"))
	_, err = env.docs.Save(ctx, tenant, fresh)
	require.NoError(t, err)

	require.NoError(t, stale.Set("prefix", "stale"))
	calls := 0
	keepCurrent := func(current, incoming *model.TenantDocument) *model.TenantDocument {
		calls++
		assert.Equal(t, int64(1), current.Rev)
		return current
	}

	saved, err := env.docs.SaveWithMerge(ctx, tenant, stale, keepCurrent)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(2), saved.Rev)
	assert.Equal(t, "fresh", getString(t, saved, "prefix"))
}

func TestSave_RetriesWhenRevisionMovesMidAttempt(t *testing.T) {
	env := newTestEnv(t)
	other := newTestEnvInDir(t, env.dir)
	ctx := context.Background()

	var attempts []int
	env.docs.afterRead = func(tenantID string, attempt int) {
		attempts = append(attempts, attempt)
		if attempt == 1 {
			intruder := model.NewTenantDocument()
			require.NoError(t, intruder.Set("intruder", true))
			_, err := other.docs.Save(ctx, tenantID, intruder)
			require.NoError(t, err)
		}
	}

	doc := model.NewTenantDocument()
	require.NoError(t, doc.Set("prefix", "!"))
	saved, err := env.docs.Save(ctx, tenant, doc)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, int64(2), saved.Rev)
	assert.Contains(t, saved.Extra, "intruder")
	assert.Contains(t, saved.Extra, "prefix")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SaveRetriesTotal))
}

func TestSave_ExhaustedRetriesReturnsSaveConflict(t *testing.T) {
	env := newTestEnv(t)
	other := newTestEnvInDir(t, env.dir)
	ctx := context.Background()

	attempts := 0
	env.docs.afterRead = func(tenantID string, attempt int) {
		attempts = attempt
		_, err := other.docs.Update(ctx, tenantID, func(doc *model.TenantDocument) error {
			return doc.Set("intruder", attempt)
		})
		require.NoError(t, err)
	}

	_, err := env.docs.Save(ctx, tenant, model.NewTenantDocument())
	require.Error(t, err)
	assert.True(t, errors.IsSaveConflict(err))
	assert.Equal(t, errors.ErrCodeSaveConflict, errors.GetCode(err))
	assert.Equal(t, DefaultMaxSaveAttempts, attempts)

	// Only the intruder's writes reached the disk.
	onDisk := env.readDisk(t, env.layout.Paths(tenant).Canonical)
	assert.Equal(t, int64(DefaultMaxSaveAttempts), onDisk.Rev)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SavesTotal.WithLabelValues(metrics.OutcomeConflict)))
}

func TestSave_FailedWriteLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	good := newTestEnvInDir(t, dir)
	ctx := context.Background()

	doc := model.NewTenantDocument()
	require.NoError(t, doc.Set("prefix", "!"))
	_, err := good.docs.Save(ctx, tenant, doc)
	require.NoError(t, err)

	paths := good.layout.Paths(tenant)
	before, err := os.ReadFile(paths.Canonical)
	require.NoError(t, err)

	full := newTestEnvInDir(t, dir, withSpaceChecker(refusingSpace{}))
	require.NoError(t, doc.Set("prefix", "?"))
	_, err = full.docs.Save(ctx, tenant, doc)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(err))

	after, err := os.ReadFile(paths.Canonical)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = os.Stat(paths.Scratch)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(full.metrics.SavesTotal.WithLabelValues(metrics.OutcomeError)))
}

func TestLoad_RecoversFromBackup(t *testing.T) {
	env := newTestEnv(t, withoutCache())
	ctx := context.Background()
	paths := env.layout.Paths(tenant)

	doc := model.NewTenantDocument()
	require.NoError(t, doc.Set("prefix", "first"))
	doc, err := env.docs.Save(ctx, tenant, doc)
	require.NoError(t, err)
	require.NoError(t, doc.Set("prefix", "second"))
	_, err = env.docs.Save(ctx, tenant, doc)
	require.NoError(t, err)

	env.writeRaw(t, paths.Canonical, `{"schemaVersion": 2, "rev": 2, "voice": {`)

	loaded, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Rev)
	assert.Equal(t, "first", getString(t, loaded, "prefix"))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.LoadsTotal.WithLabelValues(metrics.SourceBackup)))

	// Saving on top of the recovered document must keep the good backup.
	require.NoError(t, loaded.Set("prefix", "third"))
	saved, err := env.docs.Save(ctx, tenant, loaded)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Rev)

	backup := env.readDisk(t, paths.Backup)
	assert.Equal(t, int64(1), backup.Rev)
	assert.Equal(t, "first", getString(t, backup, "prefix"))
}

func TestLoad_BothFilesCorruptGivesDefault(t *testing.T) {
	env := newTestEnv(t)
	paths := env.layout.Paths(tenant)

	env.writeRaw(t, paths.Canonical, `not json`)
	env.writeRaw(t, paths.Backup, ``)

	doc, err := env.docs.Load(context.Background(), tenant)
	require.NoError(t, err)
	assert.True(t, model.NewTenantDocument().Equal(doc))
}

func TestLoad_ServesFromCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc := model.NewTenantDocument()
	require.NoError(t, doc.Set("prefix", "!"))
	_, err := env.docs.Save(ctx, tenant, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, env.cache.Len())

	loaded, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Rev)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.LoadsTotal.WithLabelValues(metrics.SourceCache)))

	// Mutating a loaded copy must not leak into the cache.
	require.NoError(t, loaded.Set("prefix", "?"))
	again, err := env.docs.Load(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "!", getString(t, again, "prefix"))
}

func TestEnsureLoaded_RewritesLegacyFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	paths := env.layout.Paths(tenant)

	env.writeRaw(t, paths.Canonical, `{
		"prefix": "!",
		"lobbies": {"111": {"name": "Lobby"}},
		"tempChannels": {"900": {"owner": "42"}}
	}`)

	doc, healed, err := env.docs.ensureLoaded(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, healed)
	assert.Equal(t, int64(0), doc.Rev)
	assert.Contains(t, doc.Voice.Lobbies, "111")
	assert.Contains(t, doc.Voice.TempChannels, "900")

	data, err := os.ReadFile(paths.Canonical)
	require.NoError(t, err)
	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &top))
	assert.Contains(t, top, "voice")
	assert.Contains(t, top, "schemaVersion")
	assert.NotContains(t, top, "lobbies")
	assert.NotContains(t, top, "tempChannels")
	assert.JSONEq(t, `"!"`, string(top["prefix"]))

	_, healed, err = env.docs.ensureLoaded(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, healed, "a canonical file is not rewritten again")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SelfHealWritesTotal))
}

func TestEnsureLoaded_PersistsDefaultForNewTenant(t *testing.T) {
	env := newTestEnv(t)

	doc, err := env.docs.EnsureLoaded(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Rev)

	onDisk := env.readDisk(t, env.layout.Paths(tenant).Canonical)
	assert.True(t, model.NewTenantDocument().Equal(onDisk))
}

func TestEnsureLoaded_RewriteFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t, withSpaceChecker(refusingSpace{}))
	paths := env.layout.Paths(tenant)
	env.writeRaw(t, paths.Canonical, `{"lobbies": {"1": {}}}`)

	doc, err := env.docs.EnsureLoaded(context.Background(), tenant)
	require.NoError(t, err)
	assert.Contains(t, doc.Voice.Lobbies, "1")

	_, healed, healErr := env.docs.ensureLoaded(context.Background(), tenant)
	assert.False(t, healed)
	assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(healErr))
}

func TestUpdate_ConcurrentWritersLoseNothing(t *testing.T) {
	env := newTestEnv(t, withMaxAttempts(100))
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.docs.Update(ctx, tenant, func(doc *model.TenantDocument) error {
				var n int
				if _, err := doc.Get("counter", &n); err != nil {
					return err
				}
				return doc.Set("counter", n+1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final := env.readDisk(t, env.layout.Paths(tenant).Canonical)
	var n int
	_, err := final.Get("counter", &n)
	require.NoError(t, err)
	assert.Equal(t, writers, n)
	assert.Equal(t, int64(writers), final.Rev)
}

func TestUpdate_DeletionSurvivesConflict(t *testing.T) {
	env := newTestEnv(t)
	other := newTestEnvInDir(t, env.dir)
	ctx := context.Background()

	_, err := env.docs.Update(ctx, tenant, func(doc *model.TenantDocument) error {
		require.NoError(t, doc.Set("obsolete", true))
		return doc.SetLobby("1", "x")
	})
	require.NoError(t, err)

	env.docs.afterRead = func(tenantID string, attempt int) {
		if attempt == 1 {
			_, err := other.docs.Update(ctx, tenantID, func(doc *model.TenantDocument) error {
				return doc.Set("added", true)
			})
			require.NoError(t, err)
		}
	}

	saved, err := env.docs.Update(ctx, tenant, func(doc *model.TenantDocument) error {
		doc.Delete("obsolete")
		delete(doc.Voice.Lobbies, "1")
		return nil
	})
	require.NoError(t, err)
	assert.NotContains(t, saved.Extra, "obsolete")
	assert.NotContains(t, saved.Voice.Lobbies, "1")
	assert.Contains(t, saved.Extra, "added")
	assert.Equal(t, int64(3), saved.Rev)
}

func TestUpdate_MutationErrorAborts(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.docs.Update(context.Background(), tenant, func(*model.TenantDocument) error {
		return errors.InvalidArgument("rejected", nil)
	})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, statErr := os.Stat(env.layout.Paths(tenant).Canonical)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDocumentService_RejectsInvalidTenantIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc/passwd", "abc"} {
		_, err := env.docs.Load(ctx, id)
		assert.Equal(t, errors.ErrCodeInvalidTenantID, errors.GetCode(err), id)

		_, err = env.docs.Save(ctx, id, model.NewTenantDocument())
		assert.Equal(t, errors.ErrCodeInvalidTenantID, errors.GetCode(err), id)

		_, err = env.docs.EnsureLoaded(ctx, id)
		assert.Equal(t, errors.ErrCodeInvalidTenantID, errors.GetCode(err), id)
	}
}

func TestDocumentService_CanceledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.docs.Load(ctx, tenant)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = env.docs.Save(ctx, tenant, model.NewTenantDocument())
	assert.ErrorIs(t, err, context.Canceled)
}
