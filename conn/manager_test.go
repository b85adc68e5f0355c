package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilidcore/address"
)

type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, b)
	return nil
}
func (c *fakeConn) Close() error { return nil }

func TestConnectionDeduplicationUnderRace(t *testing.T) {
	m := NewManager(DefaultLimits(), NewAssemblyBuffer(time.Second, 65535, 16))
	flow := Flow{PeerAddr: "203.0.113.9:5150", LocalAddr: "0.0.0.0:5150", Protocol: address.ProtocolTCP}
	ip := net.ParseIP("203.0.113.9")

	var wg sync.WaitGroup
	results := make([]Connection, 2)
	errs := make([]error, 2)
	var dialCount int
	var dialMu sync.Mutex

	dial := func() (Connection, error) {
		dialMu.Lock()
		dialCount++
		dialMu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return &fakeConn{}, nil
	}

	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Open(flow, ip, dial)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Same(t, results[0], results[1], "exactly one connection must be inserted; the racer must observe the winner")
	require.Equal(t, 1, m.Len())
	require.Equal(t, 1, dialCount, "only one dial should occur for a single flow")
}

func TestPunishedAddressRejected(t *testing.T) {
	m := NewManager(DefaultLimits(), NewAssemblyBuffer(time.Second, 65535, 16))
	ip := net.ParseIP("198.51.100.1")
	m.Filter.Punish(ip)

	flow := Flow{PeerAddr: "198.51.100.1:5150", LocalAddr: "0.0.0.0:5150", Protocol: address.ProtocolUDP}
	_, err := m.Open(flow, ip, func() (Connection, error) { return &fakeConn{}, nil })
	require.Error(t, err)
}

func TestPerIPConnectionCap(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConnectionsPerIP4 = 1
	limits.MaxConnectFrequencyPerMin = 120
	m := NewManager(limits, NewAssemblyBuffer(time.Second, 65535, 16))
	ip := net.ParseIP("203.0.113.9")

	f1 := Flow{PeerAddr: "203.0.113.9:1", LocalAddr: "a", Protocol: address.ProtocolTCP}
	f2 := Flow{PeerAddr: "203.0.113.9:2", LocalAddr: "a", Protocol: address.ProtocolTCP}

	_, err := m.Open(f1, ip, func() (Connection, error) { return &fakeConn{}, nil })
	require.NoError(t, err)

	_, err = m.Open(f2, ip, func() (Connection, error) { return &fakeConn{}, nil })
	require.Error(t, err)
}

func TestCloseAllEmptiesTable(t *testing.T) {
	m := NewManager(DefaultLimits(), NewAssemblyBuffer(time.Second, 65535, 16))
	ip := net.ParseIP("203.0.113.9")
	flow := Flow{PeerAddr: "203.0.113.9:1", LocalAddr: "a", Protocol: address.ProtocolTCP}
	_, err := m.Open(flow, ip, func() (Connection, error) { return &fakeConn{}, nil })
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	m.CloseAll()
	require.Equal(t, 0, m.Len())
}

func TestAssemblyBufferReassembly(t *testing.T) {
	buf := NewAssemblyBuffer(time.Second, 1024, 4)
	now := time.Now()

	_, complete, err := buf.Add(Fragment{RemoteAddr: "a", MessageID: 1, ChunkIndex: 0, ChunkCount: 2, Data: []byte("hel")}, now)
	require.NoError(t, err)
	require.False(t, complete)

	got, complete, err := buf.Add(Fragment{RemoteAddr: "a", MessageID: 1, ChunkIndex: 1, ChunkCount: 2, Data: []byte("lo")}, now)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, []byte("hello"), got)
}

func TestAssemblyBufferTTLSweep(t *testing.T) {
	buf := NewAssemblyBuffer(100*time.Millisecond, 1024, 4)
	now := time.Now()
	_, complete, err := buf.Add(Fragment{RemoteAddr: "a", MessageID: 1, ChunkIndex: 0, ChunkCount: 2, Data: []byte("x")}, now)
	require.NoError(t, err)
	require.False(t, complete)
	require.Equal(t, 1, buf.Pending())

	buf.Sweep(now.Add(200 * time.Millisecond))
	require.Equal(t, 0, buf.Pending())
}
