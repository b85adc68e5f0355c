package conn

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	verrors "veilidcore/pkg/errors"
)

// Limits bounds the manager's connection caps.
type Limits struct {
	MaxConnectionsPerIP4       int
	MaxConnectionsPerIP6Prefix int
	MaxConnectFrequencyPerMin  int
	SendQueueSize              int
}

func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerIP4:       8,
		MaxConnectionsPerIP6Prefix: 8,
		MaxConnectFrequencyPerMin:  60,
		SendQueueSize:              256,
	}
}

type sendQueue struct {
	ch   chan []byte
	conn Connection
	done chan struct{}
}

// Manager owns the table of live connections keyed by Flow, the address
// filter, per-IP stats, connect-rate limiters, and bounded per-flow send
// queues.
type Manager struct {
	mu       sync.Mutex
	table    map[Flow]*sendQueue
	perIP    map[string]int // live connection count per IPv4/IPv6-prefix bucket
	limiters map[string]*rate.Limiter
	limits   Limits

	Filter *AddressFilter
	Stats  *StatsTracker
	Buffer *AssemblyBuffer
}

func NewManager(limits Limits, buffer *AssemblyBuffer) *Manager {
	return &Manager{
		table:    make(map[Flow]*sendQueue),
		perIP:    make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		limits:   limits,
		Filter:   NewAddressFilter(),
		Stats:    NewStatsTracker(),
		Buffer:   buffer,
	}
}

func ipBucketKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	// IPv6: bucket by /64 prefix, matching the per-prefix cap.
	prefix := make(net.IP, net.IPv6len)
	copy(prefix, ip.To16())
	for i := 8; i < net.IPv6len; i++ {
		prefix[i] = 0
	}
	return prefix.String()
}

func (m *Manager) limiterFor(key string) *rate.Limiter {
	l, ok := m.limiters[key]
	if !ok {
		perSec := rate.Limit(float64(m.limits.MaxConnectFrequencyPerMin) / 60.0)
		l = rate.NewLimiter(perSec, m.limits.MaxConnectFrequencyPerMin)
		m.limiters[key] = l
	}
	return l
}

// Open registers a new connection for flow, enforcing the per-IP cap and
// connect-rate throttle, and returns the existing connection instead if one
// already occupies the flow.
func (m *Manager) Open(flow Flow, remoteIP net.IP, newConn func() (Connection, error)) (Connection, error) {
	m.mu.Lock()
	if m.Filter.IsPunished(remoteIP) {
		m.mu.Unlock()
		return nil, verrors.New(verrors.NoConnection, "conn: remote address is punished")
	}
	if existing, ok := m.table[flow]; ok {
		m.mu.Unlock()
		<-existing.done // a racing Open for this flow may still be dialing
		m.mu.Lock()
		winner, ok := m.table[flow]
		m.mu.Unlock()
		if !ok {
			return nil, verrors.New(verrors.NoConnection, "conn: racing connect failed")
		}
		return winner.conn, nil
	}

	bucket := ipBucketKey(remoteIP)
	if !m.limiterFor(bucket).Allow() {
		m.mu.Unlock()
		return nil, verrors.New(verrors.TryAgain, "conn: connect rate exceeded")
	}
	ipCap := m.limits.MaxConnectionsPerIP4
	if remoteIP.To4() == nil {
		ipCap = m.limits.MaxConnectionsPerIP6Prefix
	}
	if m.perIP[bucket] >= ipCap {
		m.mu.Unlock()
		return nil, verrors.New(verrors.NoConnection, "conn: per-IP connection cap reached")
	}

	// Reserve the slot before releasing the lock so a racing Open for the
	// same flow sees it and returns the eventual winner's connection,
	// never inserting a second live connection for one descriptor.
	placeholder := &sendQueue{done: make(chan struct{})}
	m.table[flow] = placeholder
	m.perIP[bucket]++
	m.mu.Unlock()

	c, err := newConn()
	if err != nil {
		m.mu.Lock()
		delete(m.table, flow)
		m.perIP[bucket]--
		m.mu.Unlock()
		close(placeholder.done)
		return nil, err
	}

	placeholder.ch = make(chan []byte, m.limits.SendQueueSize)
	placeholder.conn = c
	go placeholder.run()
	close(placeholder.done)
	return c, nil
}

func (sq *sendQueue) run() {
	for b := range sq.ch {
		_ = sq.conn.Send(b)
	}
}

// Send enqueues bytes for flow's connection. Returns NoConnection if the
// queue is full (back-pressure) or the flow is unknown.
func (m *Manager) Send(flow Flow, b []byte) error {
	m.mu.Lock()
	sq, ok := m.table[flow]
	m.mu.Unlock()
	if !ok || sq.conn == nil {
		return verrors.New(verrors.NoConnection, "conn: no connection for flow")
	}
	select {
	case sq.ch <- b:
		return nil
	default:
		return verrors.New(verrors.NoConnection, "conn: send queue full")
	}
}

// Close tears down flow's connection and releases its table/per-IP slot.
func (m *Manager) Close(flow Flow, remoteIP net.IP) error {
	m.mu.Lock()
	sq, ok := m.table[flow]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.table, flow)
	bucket := ipBucketKey(remoteIP)
	if m.perIP[bucket] > 0 {
		m.perIP[bucket]--
	}
	m.mu.Unlock()

	if sq.ch != nil {
		close(sq.ch)
	}
	if sq.conn != nil {
		return sq.conn.Close()
	}
	return nil
}

// CloseAll tears down every live connection; used by shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	flows := make([]Flow, 0, len(m.table))
	for f := range m.table {
		flows = append(flows, f)
	}
	m.mu.Unlock()
	for _, f := range flows {
		m.mu.Lock()
		sq := m.table[f]
		delete(m.table, f)
		m.mu.Unlock()
		if sq == nil {
			continue
		}
		if sq.ch != nil {
			close(sq.ch)
		}
		if sq.conn != nil {
			_ = sq.conn.Close()
		}
	}
}

// Len reports the number of live connections, for tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// StartReaper periodically sweeps the assembly buffer. Stop via the
// returned stop func.
func (m *Manager) StartReaper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.Buffer != nil {
					m.Buffer.Sweep(time.Now())
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
