package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"bambuk-rpc/endpoint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRegistry exercises any Registry implementation.
func testRegistry(t *testing.T, reg Registry) {
	ep1 := endpoint.New("10.0.0.1", 5555)
	ep2 := endpoint.New("10.0.0.2", 5556)

	require.NoError(t, reg.Register("compute-1", ep1, 10))
	require.NoError(t, reg.Register("compute-2", ep2, 10))

	got, err := reg.Resolve("compute-1")
	require.NoError(t, err)
	assert.Equal(t, ep1, got)

	all, err := reg.List()
	require.NoError(t, err)
	assert.Equal(t, map[string]endpoint.Endpoint{"compute-1": ep1, "compute-2": ep2}, all)

	require.NoError(t, reg.Deregister("compute-1"))
	_, err = reg.Resolve("compute-1")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err = reg.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Error(t, reg.Register("compute-3", endpoint.Endpoint{Host: "x"}, 10), "invalid port")

	require.NoError(t, reg.Deregister("compute-2"))
}

func TestStaticRegistry(t *testing.T) {
	testRegistry(t, NewStaticRegistry(nil))
}

func TestStaticRegistryWatch(t *testing.T) {
	reg := NewStaticRegistry(map[string]endpoint.Endpoint{"compute-1": endpoint.New("10.0.0.1", 5555)})
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Watch(ctx)

	require.NoError(t, reg.Register("compute-2", endpoint.New("10.0.0.2", 5555), 0))
	require.NoError(t, reg.Deregister("compute-1"))

	// Two changes, one unread slot: only the newest map is kept.
	select {
	case agents := <-updates:
		assert.Equal(t, map[string]endpoint.Endpoint{"compute-2": endpoint.New("10.0.0.2", 5555)}, agents)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 10*time.Millisecond)
}

// TestEtcdRegistry needs a running etcd, e.g. BAMBUK_TEST_ETCD=127.0.0.1:2379.
func TestEtcdRegistry(t *testing.T) {
	addrs := os.Getenv("BAMBUK_TEST_ETCD")
	if addrs == "" {
		t.Skip("BAMBUK_TEST_ETCD not set")
	}

	reg, err := NewEtcdRegistry(strings.Split(addrs, ","), 3*time.Second, WithPrefix("/bambuk-test/"+t.Name()))
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := reg.Watch(ctx)
	time.Sleep(100 * time.Millisecond) // let the watch attach

	testRegistry(t, reg)

	select {
	case <-updates:
	case <-time.After(3 * time.Second):
		t.Fatal("watch saw no change")
	}
}
