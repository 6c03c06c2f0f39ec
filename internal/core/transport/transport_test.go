package transport

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-beaconp2p/config"
	"github.com/dep2p/go-beaconp2p/internal/core/identity"
)

func testConfig() config.TransportConfig {
	cfg := config.DefaultTransportConfig()
	cfg.ListenIP = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.UDPPort = 0
	cfg.DialTimeout = config.Duration(3 * time.Second)
	cfg.HandshakeTimeout = config.Duration(3 * time.Second)
	return cfg
}

// newTestHost 创建并启动监听在回环地址的 Host
func newTestHost(t *testing.T) (*Host, *identity.PeerRecord) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	h := New(testConfig(), id)
	require.NoError(t, h.Listen(true))
	addrs, err := h.ListenAddrs()
	require.NoError(t, err)
	require.Len(t, addrs, 2)

	rec, err := identity.NewPeerRecord(id, 1, addrs)
	require.NoError(t, err)
	require.NoError(t, h.Start(rec))
	t.Cleanup(func() { _ = h.Close() })
	return h, rec
}

// waitEvent 等待满足条件的事件
func waitEvent[T Event](t *testing.T, h *Host, match func(T) bool) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.Inbox():
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		case <-deadline:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return zero
		}
	}
}

func tcpAddr(t *testing.T, rec *identity.PeerRecord) ma.Multiaddr {
	t.Helper()
	a, ok := rec.TCPMultiaddr()
	require.True(t, ok)
	return a
}

// TestFrame_RoundTrip 测试帧编解码
func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))

	r := &unbufferedReader{r: &buf}
	got, err := ReadFrame(r, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	got, err = ReadFrame(r, 16)
	require.NoError(t, err)
	assert.Empty(t, got)

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, make([]byte, 32)))
	_, err = ReadFrame(&unbufferedReader{r: &buf}, 16)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestHandshake_Pipe 测试身份交换
func TestHandshake_Pipe(t *testing.T) {
	a, err := identity.Generate()
	require.NoError(t, err)
	b, err := identity.Generate()
	require.NoError(t, err)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/1")
	require.NoError(t, err)
	recA, err := identity.NewPeerRecord(a, 1, []ma.Multiaddr{addr})
	require.NoError(t, err)
	recB, err := identity.NewPeerRecord(b, 1, []ma.Multiaddr{addr})
	require.NoError(t, err)

	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	type result struct {
		res *handshakeResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := handshake(cb, b, recB, false, time.Second)
		done <- result{res, err}
	}()

	resA, err := handshake(ca, a, recA, true, time.Second)
	require.NoError(t, err)
	resB := <-done
	require.NoError(t, resB.err)

	assert.Equal(t, b.ID(), resA.record.NodeID)
	assert.Equal(t, a.ID(), resB.res.record.NodeID)
	// 双方对主连接排序依据的看法一致
	assert.Equal(t, a.ID(), resA.dialer)
	assert.Equal(t, resA.dialer, resB.res.dialer)
	assert.Equal(t, resA.dialerNonce, resB.res.dialerNonce)
}

// TestHost_ConnectSendClose 测试拨号、发送与断开
func TestHost_ConnectSendClose(t *testing.T) {
	a, recA := newTestHost(t)
	b, recB := newTestHost(t)

	_, err := a.Dial(tcpAddr(t, recB))
	require.NoError(t, err)

	estA := waitEvent[ConnEstablished](t, a, nil)
	assert.Equal(t, recB.NodeID, estA.Peer)
	assert.True(t, estA.Outbound)
	estB := waitEvent[ConnEstablished](t, b, nil)
	assert.Equal(t, recA.NodeID, estB.Peer)
	assert.False(t, estB.Outbound)

	require.True(t, a.Send(recB.NodeID, ProtocolRPC, []byte("ping")))
	frame := waitEvent[StreamFrame](t, b, nil)
	assert.Equal(t, ProtocolRPC, frame.Protocol)
	assert.Equal(t, []byte("ping"), frame.Data)
	assert.Equal(t, estB.Session, frame.Session)

	require.True(t, b.Send(recA.NodeID, ProtocolGossip, []byte("pong")))
	frame = waitEvent[StreamFrame](t, a, nil)
	assert.Equal(t, ProtocolGossip, frame.Protocol)

	a.ClosePeer(recB.NodeID)
	closedA := waitEvent[ConnClosed](t, a, nil)
	assert.Equal(t, estA.Session, closedA.Session)
	waitEvent[ConnClosed](t, b, nil)

	assert.False(t, a.Connected(recB.NodeID))
	assert.False(t, a.Send(recB.NodeID, ProtocolRPC, []byte("late")))
}

// TestHost_DialFailures 测试拨号失败路径
func TestHost_DialFailures(t *testing.T) {
	a, recA := newTestHost(t)

	t.Run("self", func(t *testing.T) {
		_, err := a.Dial(tcpAddr(t, recA))
		require.NoError(t, err)
		ev := waitEvent[DialFailed](t, a, nil)
		assert.ErrorIs(t, ev.Err, ErrSelfDial)
	})

	t.Run("refused", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())

		addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/" + strconv.Itoa(port))
		require.NoError(t, err)
		_, err = a.Dial(addr)
		require.NoError(t, err)
		waitEvent[DialFailed](t, a, nil)
	})

	t.Run("no tcp", func(t *testing.T) {
		addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/9000")
		require.NoError(t, err)
		_, err = a.Dial(addr)
		assert.ErrorIs(t, err, ErrNoTCPAddress)
	})
}

// TestHost_SimultaneousDial 测试双方同时拨号只保留一个会话
func TestHost_SimultaneousDial(t *testing.T) {
	a, recA := newTestHost(t)
	b, recB := newTestHost(t)

	_, err := a.Dial(tcpAddr(t, recB))
	require.NoError(t, err)
	_, err = b.Dial(tcpAddr(t, recA))
	require.NoError(t, err)

	waitEvent[ConnEstablished](t, a, nil)
	waitEvent[ConnEstablished](t, b, nil)

	require.Eventually(t, func() bool {
		return a.ConnCount(recB.NodeID) == 1 && b.ConnCount(recA.NodeID) == 1
	}, 10*time.Second, 50*time.Millisecond)

	require.True(t, a.Send(recB.NodeID, ProtocolRPC, []byte("after")))
	frame := waitEvent[StreamFrame](t, b, nil)
	assert.Equal(t, []byte("after"), frame.Data)
}

// TestHost_Packet 测试 UDP 收发
func TestHost_Packet(t *testing.T) {
	a, _ := newTestHost(t)
	b, _ := newTestHost(t)

	require.NoError(t, a.SendPacket(b.UDPAddr(), []byte("findnode")))
	pkt := waitEvent[Packet](t, b, nil)
	assert.Equal(t, []byte("findnode"), pkt.Data)
	assert.Equal(t, a.UDPAddr().Port, pkt.From.Port)
}
