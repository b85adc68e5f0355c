package netclass

import (
	"veilidcore/address"
)

// CandidateSource supplies the dial info this node currently listens on per
// routing domain, used as the detector's probe candidates each tick. The
// node orchestrator implements this from its protocol-handler listen
// addresses.
type CandidateSource interface {
	LocalDialInfo(domain address.RoutingDomain) []address.DialInfo
}

// RunOnce drives one full detection pass across both routing domains: probe, infer class, manage relay selection.
// The node orchestrator calls this on its own periodic tick and is
// responsible for turning the returned Results into a published PeerInfo
// via ShouldPublish/MarkPublished.
func (d *Detector) RunOnce(candidates CandidateSource) []Result {
	domains := []address.RoutingDomain{address.RoutingDomainPublicInternet, address.RoutingDomainLocalNetwork}
	results := make([]Result, 0, len(domains))
	for _, domain := range domains {
		di := candidates.LocalDialInfo(domain)
		if len(di) == 0 {
			continue
		}
		results = append(results, d.Detect(domain, di))
	}
	return results
}

// StartPeriodic runs RunOnce on cfg.ProbeInterval using the detector's
// clock, invoking onResult for each pass's results, until stop is called.
// Same ticker-select goroutine shape as conn.Manager.StartReaper.
func (d *Detector) StartPeriodic(candidates CandidateSource, onResult func([]Result)) (stop func()) {
	done := make(chan struct{})
	ticker := d.clock.NewTicker(d.cfg.ProbeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				res := d.RunOnce(candidates)
				if d.nat != nil {
					d.nat.RefreshLease(d.cfg.ProbeInterval)
				}
				if onResult != nil {
					onResult(res)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
