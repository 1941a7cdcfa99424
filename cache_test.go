package respcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/respcache/backends"
	"github.com/richardartoul/respcache/pkg/catalog"
	"github.com/richardartoul/respcache/pkg/locking"
	"github.com/richardartoul/respcache/pkg/metrics"
	"github.com/richardartoul/respcache/pkg/settings"
)

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testSettings(t *testing.T) settings.Settings {
	t.Helper()
	return settings.Settings{
		Directory:          filepath.Join(t.TempDir(), "cache"),
		ExpirationLength:   time.Hour,
		CompressionEnabled: true,
	}
}

func newTestCache(t *testing.T, s settings.Settings, clock *fakeClock, opts ...Option) *Cache {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	all := append([]Option{
		WithLogger(logger),
		WithClock(clock.Now),
		WithCollector(metrics.NewCollector("test")),
	}, opts...)
	c, err := New(s, all...)
	require.NoError(t, err)
	return c
}

func TestNewCreatesLayout(t *testing.T) {
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	assert.Equal(t, s.Directory, c.Root())
	assert.FileExists(t, filepath.Join(s.Directory, catalog.PathsFile))
	assert.FileExists(t, filepath.Join(s.Directory, catalog.ExpirationFile))
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New(settings.Settings{ExpirationLength: time.Hour})
	assert.Error(t, err)

	_, err = New(settings.Settings{Directory: t.TempDir()})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	for _, compressed := range []bool{true, false} {
		t.Run(map[bool]string{true: "compressed", false: "raw"}[compressed], func(t *testing.T) {
			ctx := context.Background()
			s := testSettings(t)
			s.CompressionEnabled = compressed
			c := newTestCache(t, s, newFakeClock())

			payload := []byte(`{"id":3,"name":"venusaur"}`)
			require.NoError(t, c.Write(ctx, "pokemon", "3", payload))

			got, ok := c.Read(ctx, "pokemon", "3")
			require.True(t, ok)
			assert.Equal(t, payload, got)

			onDisk, err := os.ReadFile(filepath.Join(s.Directory, "pokemon", "3"))
			require.NoError(t, err)
			if compressed {
				assert.Equal(t, []byte{0x1f, 0x8b}, onDisk[:2])
			} else {
				assert.Equal(t, payload, onDisk)
			}
		})
	}
}

func TestReadMissingKey(t *testing.T) {
	c := newTestCache(t, testSettings(t), newFakeClock())
	_, ok := c.Read(context.Background(), "pokemon", "151")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Collector().Snapshot().Misses)
}

func TestNumericAndStringIDsCollide(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testSettings(t), newFakeClock())

	require.NoError(t, c.Write(ctx, "pokemon", catalog.ID(3), []byte("a")))
	got, ok := c.Read(ctx, "pokemon", "3")
	require.True(t, ok)
	assert.Equal(t, "a", string(got))
}

func TestExpiredEntryIsDeletedOnRead(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := testSettings(t)
	c := newTestCache(t, s, clock)

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte(`{"id":3}`)))
	clock.Advance(2 * time.Hour)

	_, ok := c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)

	assert.NoFileExists(t, filepath.Join(s.Directory, "pokemon", "3"))
	_, found, err := c.paths.Get("pokemon", "3")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = c.expirations.Get("pokemon", "3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEntryIsLiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(t, testSettings(t), clock)

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	clock.Advance(time.Hour)

	_, ok := c.Read(ctx, "pokemon", "3")
	assert.True(t, ok, "an entry is expired only once now is past its expiry")
}

func TestRewriteResetsExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(t, testSettings(t), clock)

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("old")))
	clock.Advance(50 * time.Minute)
	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("new")))
	clock.Advance(50 * time.Minute)

	got, ok := c.Read(ctx, "pokemon", "3")
	require.True(t, ok)
	assert.Equal(t, "new", string(got))
}

func TestExpiryStoredInCatalog(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(t, testSettings(t), clock)

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	value, ok, err := c.expirations.Get("pokemon", "3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-10-18:13:00:00.000000", value)
}

func TestMissingExpiryIsAMiss(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	require.NoError(t, c.expirations.Remove("pokemon", "3"))

	_, ok := c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)
	assert.False(t, c.FileExistsForKey(ctx, "pokemon", "3"))

	// Reads leave the entry alone; reconciliation repairs it.
	path := filepath.Join(s.Directory, "pokemon", "3")
	assert.FileExists(t, path)
	_, found, err := c.paths.Get("pokemon", "3")
	require.NoError(t, err)
	assert.True(t, found)

	report, err := c.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.NoFileExists(t, path)
}

func TestUnparsableExpiryIsAMissUntilClean(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	require.NoError(t, c.expirations.Set("pokemon", "3", "someday"))

	_, ok := c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)
	assert.FileExists(t, filepath.Join(s.Directory, "pokemon", "3"))
	assert.Equal(t, int64(1), c.Collector().Snapshot().Misses)
}

func TestMissingFileIsAMiss(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	require.NoError(t, os.Remove(filepath.Join(s.Directory, "pokemon", "3")))

	_, ok := c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)
}

func TestFormatFallbackAfterSettingChange(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	s.CompressionEnabled = true
	writer := newTestCache(t, s, newFakeClock())
	require.NoError(t, writer.Write(ctx, "berry", "1", []byte("cheri")))

	s.CompressionEnabled = false
	reader := newTestCache(t, s, newFakeClock())
	got, ok := reader.Read(ctx, "berry", "1")
	require.True(t, ok)
	assert.Equal(t, "cheri", string(got))

	require.NoError(t, reader.Write(ctx, "berry", "2", []byte("chesto")))
	s.CompressionEnabled = true
	again := newTestCache(t, s, newFakeClock())
	got, ok = again.Read(ctx, "berry", "2")
	require.True(t, ok)
	assert.Equal(t, "chesto", string(got))
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	require.NoError(t, os.WriteFile(filepath.Join(s.Directory, "pokemon", "3"), []byte{0x1f, 0x8b, 0x00}, 0o644))

	_, ok := c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)
}

func TestWriteRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testSettings(t), newFakeClock())

	err := c.Write(ctx, "", "3", []byte("x"))
	assert.True(t, IsInvalidInput(err))

	err = c.Write(ctx, "pokemon", "a=b", []byte("x"))
	assert.True(t, IsInvalidInput(err))

	err = c.Write(ctx, "pokemon", "3", nil)
	assert.True(t, IsInvalidInput(err))

	err = c.Write(ctx, "pokemon", "..", []byte("x"))
	assert.True(t, IsInvalidInput(err))

	err = c.WriteAt(ctx, "pokemon", "3", "/etc/passwd", []byte("x"))
	assert.True(t, IsInvalidInput(err))

	err = c.WriteAt(ctx, "pokemon", "3", catalog.PathsFile, []byte("x"))
	assert.True(t, IsInvalidInput(err))
}

func TestKeysCannotLeaveTheirFolder(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testSettings(t), newFakeClock())
	require.NoError(t, c.Write(ctx, "berry", "1", []byte("cheri")))

	for _, key := range [][2]string{
		{"pokemon", "../berry/1"},
		{"pokemon", "."},
		{"pokemon", `..\berry`},
		{"..", "1"},
		{"pokemon/../berry", "1"},
	} {
		err := c.Write(ctx, key[0], key[1], []byte("bulbasaur"))
		assert.True(t, IsInvalidInput(err), "%s/%s", key[0], key[1])
		assert.True(t, IsInvalidInput(c.Remove(ctx, key[0], key[1])), "%s/%s", key[0], key[1])
	}

	payload, ok := c.Read(ctx, "berry", "1")
	require.True(t, ok)
	assert.Equal(t, []byte("cheri"), payload)
	assert.NoDirExists(t, filepath.Join(c.Root(), "pokemon"))
}

func TestWriteHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestCache(t, testSettings(t), newFakeClock())

	assert.ErrorIs(t, c.Write(ctx, "pokemon", "3", []byte("x")), context.Canceled)
	_, ok := c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)
}

func TestWriteFailureIsInternal(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	// A regular file where the category folder belongs.
	require.NoError(t, os.WriteFile(filepath.Join(s.Directory, "pokemon"), []byte("blocker"), 0o644))

	err := c.Write(ctx, "pokemon", "3", []byte("x"))
	require.Error(t, err)
	assert.True(t, IsInternal(err))
}

func TestWithSubfolder(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock(), WithSubfolder("pokemon", "pokemon/pokemon"))

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	assert.FileExists(t, filepath.Join(s.Directory, "pokemon", "pokemon", "3"))

	path, ok, err := c.paths.Get("pokemon", "3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(s.Directory, "pokemon", "pokemon", "3"), path)
}

func TestWriteAtMovesEntry(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	require.NoError(t, c.Write(ctx, "items", "17", []byte("potion")))
	require.NoError(t, c.WriteAt(ctx, "items", "17", "custom/potion.json", []byte("super potion")))

	assert.NoFileExists(t, filepath.Join(s.Directory, "items", "17"))
	assert.FileExists(t, filepath.Join(s.Directory, "custom", "potion.json"))

	got, ok := c.Read(ctx, "items", "17")
	require.True(t, ok)
	assert.Equal(t, "super potion", string(got))
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := testSettings(t)
	c := newTestCache(t, s, newFakeClock())

	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	require.NoError(t, c.Remove(ctx, "pokemon", "3"))
	require.NoError(t, c.Remove(ctx, "pokemon", "3"))

	_, ok := c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(s.Directory, "pokemon", "3"))
}

func TestFileExistsForKey(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := testSettings(t)
	c := newTestCache(t, s, clock)

	assert.False(t, c.FileExistsForKey(ctx, "pokemon", "3"))
	require.NoError(t, c.Write(ctx, "pokemon", "3", []byte("x")))
	assert.True(t, c.FileExistsForKey(ctx, "pokemon", "3"))

	clock.Advance(2 * time.Hour)
	assert.False(t, c.FileExistsForKey(ctx, "pokemon", "3"))
	assert.FileExists(t, filepath.Join(s.Directory, "pokemon", "3"), "an existence check does not delete")
}

// The canonical scenario: a one-hour TTL, a write, and a read two hours later.
func TestPokemonScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := testSettings(t)
	c := newTestCache(t, s, clock, WithSubfolder("pokemon", "pokemon/pokemon"))

	doc := []byte(`{"id":3,"name":"venusaur","types":["grass","poison"]}`)
	require.NoError(t, c.Write(ctx, "pokemon", "3", doc))

	got, ok := c.Read(ctx, "pokemon", "3")
	require.True(t, ok)
	assert.Equal(t, doc, got)

	clock.Advance(2 * time.Hour)
	_, ok = c.Read(ctx, "pokemon", "3")
	assert.False(t, ok)
	assert.NoFileExists(t, filepath.Join(s.Directory, "pokemon", "pokemon", "3"))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestWriteOverBudgetReconciles(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := testSettings(t)
	s.CompressionEnabled = false
	s.MaxSizeBytes = 25
	c := newTestCache(t, s, clock)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, c.Write(ctx, "pokemon", id, []byte("0123456789")))
		clock.Advance(time.Minute)
	}

	_, ok := c.Read(ctx, "pokemon", "1")
	assert.False(t, ok, "the entry closest to expiry is evicted first")
	for _, id := range []string{"2", "3"} {
		_, ok := c.Read(ctx, "pokemon", id)
		assert.True(t, ok, id)
	}
}

func TestOnMemoryFS(t *testing.T) {
	ctx := context.Background()
	s := settings.Settings{
		Directory:          "/cache",
		ExpirationLength:   time.Hour,
		CompressionEnabled: true,
	}
	c := newTestCache(t, s, newFakeClock(), WithFS(billy.NewMemory()), WithLockGroup(locking.NewNoOpGroup()))

	require.NoError(t, c.Write(ctx, "moves", "1", []byte("pound")))
	got, ok := c.Read(ctx, "moves", "1")
	require.True(t, ok)
	assert.Equal(t, "pound", string(got))
}

func TestRemoteTier(t *testing.T) {
	ctx := context.Background()
	remote := backends.NewMemory()

	first := newTestCache(t, testSettings(t), newFakeClock(), WithRemote(remote))
	require.NoError(t, first.Write(ctx, "pokemon", "25", []byte("pikachu")))
	assert.Equal(t, 1, remote.Len())

	s := testSettings(t)
	second := newTestCache(t, s, newFakeClock(), WithRemote(remote))
	got, ok := second.Read(ctx, "pokemon", "25")
	require.True(t, ok)
	assert.Equal(t, "pikachu", string(got))
	assert.FileExists(t, filepath.Join(s.Directory, "pokemon", "25"), "a remote hit is stored locally")
	assert.Equal(t, int64(1), second.Collector().Snapshot().Hits)

	require.NoError(t, second.Remove(ctx, "pokemon", "25"))
	assert.Equal(t, 0, remote.Len())
	require.NoError(t, second.Close())
}

func TestRemoteTierHonorsExpiry(t *testing.T) {
	ctx := context.Background()
	remote := backends.NewMemory()
	clock := newFakeClock()
	s := testSettings(t)
	c := newTestCache(t, s, clock, WithRemote(remote))

	require.NoError(t, c.Write(ctx, "pokemon", "25", []byte("pikachu")))
	require.Equal(t, 1, remote.Len())
	clock.Advance(2 * time.Hour)

	_, ok := c.Read(ctx, "pokemon", "25")
	assert.False(t, ok, "an expired entry must not come back from the remote tier")
	assert.Equal(t, 0, remote.Len())
	assert.NoFileExists(t, filepath.Join(s.Directory, "pokemon", "25"))
	assert.False(t, c.FileExistsForKey(ctx, "pokemon", "25"))

	_, ok = c.Read(ctx, "pokemon", "25")
	assert.False(t, ok)
	snapshot := c.Collector().Snapshot()
	assert.Zero(t, snapshot.Hits)
	assert.Equal(t, int64(2), snapshot.Misses)
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, testSettings(t), newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, c.Write(ctx, "pokemon", catalog.ID(i), []byte("x")))
		}(i)
	}
	wg.Wait()

	entries, err := c.paths.Entries("pokemon")
	require.NoError(t, err)
	assert.Len(t, entries, 16)
}
