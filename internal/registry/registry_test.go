package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandle struct{}

func (nopHandle) Send(context.Context, []byte) error { return nil }
func (nopHandle) Close() error                      { return nil }

func newConn(id, user string) *Connection {
	return &Connection{ID: id, UserID: user, EstablishedAt: time.Now(), Handle: nopHandle{}}
}

// assertConsistent checks that every user mapping resolves to a live connection
// belonging to that user.
func assertConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for user, id := range r.byUserID {
		conn, ok := r.byConnectionID[id]
		require.True(t, ok, "user %q maps to missing connection %q", user, id)
		require.Equal(t, user, conn.UserID)
	}
}

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	r := New()
	c := newConn("c1", "42")

	assert.Nil(t, r.Register(c))

	got, ok := r.Lookup("42")
	require.True(t, ok)
	assert.Same(t, c, got)

	removed, released := r.Unregister("c1")
	assert.Same(t, c, removed)
	assert.True(t, released)

	_, ok = r.Lookup("42")
	assert.False(t, ok)
	assertConsistent(t, r)
}

func TestRegistry_AnonymousNotRoutable(t *testing.T) {
	r := New()
	r.Register(newConn("anon", ""))

	_, ok := r.Lookup("")
	assert.False(t, ok)

	_, ok = r.Get("anon")
	assert.True(t, ok, "anonymous connection should still be tracked by id")
	assert.Equal(t, Stats{Connections: 1, Users: 0, Anonymous: 1}, r.Stats())

	removed, released := r.Unregister("anon")
	assert.NotNil(t, removed)
	assert.False(t, released)
}

func TestRegistry_LastConnectWins(t *testing.T) {
	r := New()
	first := newConn("c1", "42")
	second := newConn("c2", "42")

	r.Register(first)
	superseded := r.Register(second)
	assert.Same(t, first, superseded)

	got, ok := r.Lookup("42")
	require.True(t, ok)
	assert.Same(t, second, got)

	// The older connection is still registered and can be removed on its own.
	_, ok = r.Get("c1")
	assert.True(t, ok)

	removed, released := r.Unregister("c1")
	assert.Same(t, first, removed)
	assert.False(t, released, "stale unregister must not release the newer mapping")

	got, ok = r.Lookup("42")
	require.True(t, ok)
	assert.Same(t, second, got)
	assertConsistent(t, r)
}

func TestRegistry_ReRegisterSameConnection(t *testing.T) {
	r := New()
	c := newConn("c1", "42")
	r.Register(c)
	assert.Nil(t, r.Register(c), "re-registering the same id is not a supersede")
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := New()
	r.Register(newConn("c1", "42"))

	_, released := r.Unregister("c1")
	assert.True(t, released)

	removed, released := r.Unregister("c1")
	assert.Nil(t, removed)
	assert.False(t, released)

	removed, released = r.Unregister("never-seen")
	assert.Nil(t, removed)
	assert.False(t, released)
}

func TestRegistry_RejectsEmptyID(t *testing.T) {
	r := New()
	assert.Nil(t, r.Register(nil))
	assert.Nil(t, r.Register(newConn("", "42")))
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistry_InvariantHoldsForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := New()

	var ids []string
	for i := 0; i < 5000; i++ {
		if len(ids) == 0 || rng.Intn(3) != 0 {
			id := fmt.Sprintf("c%d", i)
			user := ""
			if rng.Intn(5) != 0 {
				user = fmt.Sprintf("u%d", rng.Intn(20))
			}
			r.Register(newConn(id, user))
			ids = append(ids, id)
		} else {
			// Unregister a random known id, or occasionally an unknown one.
			if rng.Intn(10) == 0 {
				r.Unregister("unknown")
			} else {
				idx := rng.Intn(len(ids))
				r.Unregister(ids[idx])
				ids = append(ids[:idx], ids[idx+1:]...)
			}
		}
		assertConsistent(t, r)
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("w%d-c%d", w, i)
				user := fmt.Sprintf("u%d", i%10)
				r.Register(newConn(id, user))
				if conn, ok := r.Lookup(user); ok {
					// Whatever we see must be a live, matching connection.
					assert.Equal(t, user, conn.UserID)
				}
				r.Unregister(id)
			}
		}(w)
	}
	wg.Wait()

	assertConsistent(t, r)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRegistry_ConnectionsSnapshot(t *testing.T) {
	r := New()
	r.Register(newConn("c1", "1"))
	r.Register(newConn("c2", ""))
	r.Register(newConn("c3", "1"))

	assert.Len(t, r.Connections(), 3)
	assert.Equal(t, Stats{Connections: 3, Users: 1, Anonymous: 1}, r.Stats())
}
