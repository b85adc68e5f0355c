package node

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"veilidcore/cryptokind"
	"veilidcore/peerinfo"
)

// peerCache is a bounded LRU of the most recently verified PeerInfo per node
// id, consulted by the sender before falling back to the routing table's
// cached signed-node-info blobs. Bounding it keeps a flood of FindNode
// answers from growing resident peer state without bound.
type peerCache struct {
	c *lru.Cache[string, peerinfo.PeerInfo]
}

func newPeerCache(size int) (*peerCache, error) {
	c, err := lru.New[string, peerinfo.PeerInfo](size)
	if err != nil {
		return nil, err
	}
	return &peerCache{c: c}, nil
}

// Put records pi under every node id it carries.
func (p *peerCache) Put(pi peerinfo.PeerInfo) {
	for _, k := range pi.NodeIDs.Kinds() {
		id, _ := pi.NodeIDs.Get(k)
		p.c.Add(id.String(), pi)
	}
}

// Get returns the cached PeerInfo for any of ids' keys.
func (p *peerCache) Get(ids *cryptokind.TypedKeyGroup) (peerinfo.PeerInfo, bool) {
	for _, k := range ids.Kinds() {
		id, _ := ids.Get(k)
		if pi, ok := p.c.Get(id.String()); ok {
			return pi, true
		}
	}
	return peerinfo.PeerInfo{}, false
}

// Remove drops every cache slot belonging to ids.
func (p *peerCache) Remove(ids *cryptokind.TypedKeyGroup) {
	for _, k := range ids.Kinds() {
		id, _ := ids.Get(k)
		p.c.Remove(id.String())
	}
}

func (p *peerCache) Len() int { return p.c.Len() }
