package netclass

import "net"

// InterfaceEnumerator produces the set of stable local addresses and local
// network prefixes. Platform-specific network-interface
// enumeration is an external collaborator out of this
// core's scope; this interface is the contract, and DefaultEnumerator below
// is a cross-platform stdlib baseline implementation of it (no domain
// library in the retrieval pack does OS interface enumeration — net.Interfaces
// is the standard cross-platform primitive every Go program reaches for).
type InterfaceEnumerator interface {
	StableAddresses() ([]net.IP, error)
	LocalPrefixes() ([]net.IPNet, error)
}

// DefaultEnumerator implements InterfaceEnumerator over net.Interfaces.
type DefaultEnumerator struct{}

func (DefaultEnumerator) StableAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			out = append(out, ipNet.IP)
		}
	}
	return out, nil
}

func (DefaultEnumerator) LocalPrefixes() ([]net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			out = append(out, *ipNet)
		}
	}
	return out, nil
}

// IsLocalNetwork reports whether ip falls within any of prefixes, used to
// assign a candidate dial info to the LocalNetwork routing domain rather
// than PublicInternet.
func IsLocalNetwork(ip net.IP, prefixes []net.IPNet) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
