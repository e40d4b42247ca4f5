package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

func TestDiscoveryFanOut(t *testing.T) {
	d := NewDiscovery("127.0.0.1:0", NewMetrics(), nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close() })

	d.Listen(func(protocol.Beacon) { panic("listener bug") })
	got := make(chan protocol.Beacon, 1)
	d.Listen(func(b protocol.Beacon) { got <- b })

	conn, err := net.Dial("udp4", d.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not a beacon at all"))
	require.NoError(t, err)

	data, err := protocol.EncodeBroadcast(protocol.Beacon{DUID: "duid-9", IP: "192.0.2.44", Version: protocol.VersionL01}, 3)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.Equal(t, "duid-9", b.DUID)
		assert.Equal(t, "192.0.2.44", b.IP)
		assert.Equal(t, protocol.VersionL01, b.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("beacon not delivered")
	}
}

func TestDiscoveryRemoveListener(t *testing.T) {
	d := NewDiscovery("127.0.0.1:0", nil, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close() })

	calls := make(chan struct{}, 4)
	remove := d.Listen(func(protocol.Beacon) { calls <- struct{}{} })
	remove()
	kept := make(chan struct{}, 4)
	d.Listen(func(protocol.Beacon) { kept <- struct{}{} })

	conn, err := net.Dial("udp4", d.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	data, err := protocol.EncodeBroadcast(protocol.Beacon{DUID: "duid-1", IP: "192.0.2.1"}, 1)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	select {
	case <-kept:
	case <-time.After(2 * time.Second):
		t.Fatal("beacon not delivered")
	}
	assert.Len(t, calls, 0)
}

func TestDiscoveryCloseIsIdempotent(t *testing.T) {
	d := NewDiscovery("127.0.0.1:0", nil, nil)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Nil(t, d.Addr())
}

// brokenConn fails every read until closed.
type brokenConn struct {
	net.PacketConn
	reads  atomic.Int32
	closed atomic.Bool
}

func (c *brokenConn) ReadFrom([]byte) (int, net.Addr, error) {
	if c.closed.Load() {
		return 0, nil, net.ErrClosed
	}
	c.reads.Add(1)
	return 0, nil, errors.New("network is down")
}

func (c *brokenConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestDiscoveryClosesFailingSocket(t *testing.T) {
	d := NewDiscovery("127.0.0.1:0", nil, nil)
	d.readBackoff = time.Millisecond
	conn := &brokenConn{}
	d.conn = conn
	d.wg.Add(1)
	go d.loop(conn)

	require.Eventually(t, conn.closed.Load, 2*time.Second, 5*time.Millisecond)
	d.wg.Wait()
	assert.Equal(t, int32(maxReadFailures), conn.reads.Load())
	assert.Nil(t, d.Addr())

	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	assert.NotNil(t, d.Addr())
}
