package netclass

import (
	"net"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

// natMapLeaseSeconds is the lease duration requested from either protocol;
// both NAT-PMP and the UPnP IGD profile accept a lease in seconds.
const natMapLeaseSeconds = 3600

// NATMapper discovers the gateway, its externally visible IP, and opens port
// mappings via NAT-PMP or UPnP, falling back from one to the other exactly
// when a gateway is present.
// Discovery order: NAT-PMP's GetExternalAddress first, UPnP's
// GetExternalIPAddress second; Map/Unmap fall back the same way.
type NATMapper struct {
	mu   sync.Mutex
	ip   net.IP
	pmp  *natpmp.Client
	upnp *internetgateway1.WANIPConnection1

	mapped map[uint16]struct{}

	log *logrus.Logger
}

// NewNATMapper probes for a gateway and external address. Discovery failure
// is non-fatal: a nil-bodied NATMapper simply reports every port unmapped,
//("persistence/network-probe failures are never fatal to
// the node").
func NewNATMapper(log *logrus.Logger) *NATMapper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &NATMapper{mapped: make(map[uint16]struct{}), log: log}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		log.Debug("netclass: no UPnP/NAT-PMP gateway discovered")
	}
	return m
}

// ExternalIP returns the detected public IP address, or nil if discovery
// failed.
func (m *NATMapper) ExternalIP() net.IP { return m.ip }

// Map opens port on the gateway via NAT-PMP first, UPnP second.
func (m *NATMapper) Map(port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", int(port), int(port), natMapLeaseSeconds); err == nil {
			m.mapped[port] = struct{}{}
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", port, "TCP", port, m.ip.String(), true, "veilidcore", natMapLeaseSeconds); err == nil {
			m.mapped[port] = struct{}{}
			return nil
		}
	}
	return errNoGateway
}

// Unmap removes a previously opened port mapping.
func (m *NATMapper) Unmap(port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mapped[port]; !ok {
		return nil
	}
	delete(m.mapped, port)
	if m.pmp != nil {
		_, err := m.pmp.AddPortMapping("tcp", int(port), int(port), 0)
		return err
	}
	if m.upnp != nil {
		return m.upnp.DeletePortMapping("", port, "TCP")
	}
	return nil
}

// IsMapped reports whether port currently has an active mapping this
// NATMapper installed, used by the detector to distinguish a Direct dial
// info class from a Mapped one.
func (m *NATMapper) IsMapped(port uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mapped[port]
	return ok
}

// RefreshLease renews every currently mapped port's lease; called on the
// detector's periodic tick so mappings survive past their lease window.
func (m *NATMapper) RefreshLease(interval time.Duration) {
	m.mu.Lock()
	ports := make([]uint16, 0, len(m.mapped))
	for p := range m.mapped {
		ports = append(ports, p)
	}
	m.mu.Unlock()
	for _, p := range ports {
		if err := m.Map(p); err != nil {
			m.log.WithError(err).WithField("port", p).Debug("netclass: renew port mapping failed")
		}
	}
}

type mapError string

func (e mapError) Error() string { return string(e) }

const errNoGateway = mapError("netclass: no gateway available for port mapping")
