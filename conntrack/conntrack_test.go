package conntrack

import (
	"sync"
	"testing"
	"time"

	"github.com/gopom/pom/proto"
	"github.com/stretchr/testify/require"
)

func newTestTable(ttl time.Duration) *Table {
	r := proto.NewRegistry()
	return NewTable(r, 4, ttl)
}

func TestGetOrCreateIsNewOnce(t *testing.T) {
	tab := newTestTable(time.Minute)
	fwd := []byte("A:1000->B:80")
	rev := []byte("B:80->A:1000")

	e1, dir1, isNew1, err := tab.GetOrCreate("tcp", fwd, rev, nil)
	require.NoError(t, err)
	require.Equal(t, FWD, dir1)
	require.True(t, isNew1)
	tab.Release(e1)

	e2, dir2, isNew2, err := tab.GetOrCreate("tcp", fwd, rev, nil)
	require.NoError(t, err)
	require.Equal(t, FWD, dir2)
	require.False(t, isNew2)
	require.Equal(t, e1.ID, e2.ID)
	tab.Release(e2)

	require.Equal(t, 1, tab.Len())
}

func TestGetOrCreateReverseDirection(t *testing.T) {
	tab := newTestTable(time.Minute)
	fwd := []byte("A:1000->B:80")
	rev := []byte("B:80->A:1000")

	e1, _, _, err := tab.GetOrCreate("tcp", fwd, rev, nil)
	require.NoError(t, err)
	tab.Release(e1)

	e2, dir, isNew, err := tab.GetOrCreate("tcp", rev, fwd, nil)
	require.NoError(t, err)
	require.Equal(t, REV, dir)
	require.False(t, isNew)
	require.Equal(t, e1.ID, e2.ID)
	tab.Release(e2)

	require.Equal(t, 1, tab.Len())
}

// TestSimultaneousSYNsCreateOneEntry exercises S3: two goroutines racing to
// create the same bidirectional flow from opposite directions must agree on
// exactly one entry.
func TestSimultaneousSYNsCreateOneEntry(t *testing.T) {
	tab := newTestTable(time.Minute)
	fwd := []byte("A:1000->B:80")
	rev := []byte("B:80->A:1000")

	var wg sync.WaitGroup
	ids := make([]string, 2)
	wg.Add(2)

	go func() {
		defer wg.Done()
		e, _, _, err := tab.GetOrCreate("tcp", fwd, rev, nil)
		require.NoError(t, err)
		ids[0] = e.ID.String()
		tab.Release(e)
	}()
	go func() {
		defer wg.Done()
		e, _, _, err := tab.GetOrCreate("tcp", rev, fwd, nil)
		require.NoError(t, err)
		ids[1] = e.ID.String()
		tab.Release(e)
	}()
	wg.Wait()

	require.Equal(t, ids[0], ids[1])
	require.Equal(t, 1, tab.Len())
}

func TestSelfLoopSharesShard(t *testing.T) {
	tab := newTestTable(time.Minute)
	key := []byte("A:1000->A:1000")

	e, dir, isNew, err := tab.GetOrCreate("tcp", key, key, nil)
	require.NoError(t, err)
	require.Equal(t, FWD, dir)
	require.True(t, isNew)
	tab.Release(e)
	require.Equal(t, 1, tab.Len())
}

func TestExpireScanReleasesPrivateState(t *testing.T) {
	tab := newTestTable(time.Minute)
	tab.now = func() time.Time { return time.Unix(0, 0) }

	e, _, _, err := tab.GetOrCreate("tcp", []byte("k"), []byte("r"), nil)
	require.NoError(t, err)

	released := false
	e.SetPrivate("tcp", releaseFunc(func() { released = true }))
	tab.Release(e)

	tab.now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Minute) }
	n := tab.ExpireScan(nil)

	require.Equal(t, 1, n)
	require.True(t, released)
	require.Equal(t, 0, tab.Len())
}

type releaseFunc func()

func (f releaseFunc) Release() { f() }
