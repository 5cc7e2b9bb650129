package domain

type PeerID string
type SessionID string

// CandidateType is the typeDetail of a network chain entry. Values other than
// the three constants below are vendor-specific NAT descriptors (e.g. prflx).
type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidateRelay CandidateType = "relay"
)

type Peer struct {
	ID             PeerID              `json:"peerId"`
	SessionID      SessionID           `json:"sessionId,omitempty"`
	OriginPlatform string              `json:"originPlatform,omitempty"`
	NetworkChain   []NetworkChainEntry `json:"networkChain"`
	IPs            []string            `json:"ips,omitempty"`
	Attributes     map[string]any      `json:"attributes,omitempty"`
}

// NetworkChainEntry is one observed transport endpoint of a peer.
type NetworkChainEntry struct {
	IP              string        `json:"ip"`
	Port            int           `json:"port,omitempty"`
	Ports           []int         `json:"ports,omitempty"`
	Transport       string        `json:"transport,omitempty"`
	TransportsLabel string        `json:"transportsLabel,omitempty"`
	TypeDetail      CandidateType `json:"typeDetail,omitempty"`
	Network         *GeoRecord    `json:"network,omitempty"`
}

// Clone returns a deep copy so callers can read a peer without holding the
// registry lock.
func (p *Peer) Clone() *Peer {
	if p == nil {
		return nil
	}
	cp := *p
	cp.NetworkChain = CloneChain(p.NetworkChain)
	if p.IPs != nil {
		cp.IPs = append([]string(nil), p.IPs...)
	}
	if p.Attributes != nil {
		cp.Attributes = cloneAttributes(p.Attributes)
	}
	return &cp
}

func CloneChain(chain []NetworkChainEntry) []NetworkChainEntry {
	if chain == nil {
		return nil
	}
	out := make([]NetworkChainEntry, len(chain))
	for i, e := range chain {
		out[i] = e
		if e.Ports != nil {
			out[i].Ports = append([]int(nil), e.Ports...)
		}
		if e.Network != nil {
			out[i].Network = e.Network.Clone()
		}
	}
	return out
}

func cloneAttributes(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			dst[k] = cloneAttributes(nested)
			continue
		}
		dst[k] = v
	}
	return dst
}

// EntryByIP returns the index of the first entry with the given ip, or -1.
func (p *Peer) EntryByIP(ip string) int {
	for i := range p.NetworkChain {
		if p.NetworkChain[i].IP == ip {
			return i
		}
	}
	return -1
}

// EntryByType returns the index of the first entry of the given type, or -1.
func (p *Peer) EntryByType(t CandidateType) int {
	for i := range p.NetworkChain {
		if p.NetworkChain[i].TypeDetail == t {
			return i
		}
	}
	return -1
}

// PeerUpdate is a validated partial update for Peer. Nil fields are left
// untouched. Slices replace the existing value; Attributes merge recursively.
type PeerUpdate struct {
	SessionID      *SessionID           `json:"sessionId,omitempty"`
	OriginPlatform *string              `json:"originPlatform,omitempty"`
	NetworkChain   *[]NetworkChainEntry `json:"networkChain,omitempty"`
	IPs            *[]string            `json:"ips,omitempty"`
	Attributes     map[string]any       `json:"attributes,omitempty"`
}

// Apply merges u into p in place.
func (u PeerUpdate) Apply(p *Peer) {
	if u.SessionID != nil {
		p.SessionID = *u.SessionID
	}
	if u.OriginPlatform != nil {
		p.OriginPlatform = *u.OriginPlatform
	}
	if u.NetworkChain != nil {
		p.NetworkChain = CloneChain(*u.NetworkChain)
		if p.NetworkChain == nil {
			p.NetworkChain = []NetworkChainEntry{}
		}
	}
	if u.IPs != nil {
		p.IPs = append([]string(nil), (*u.IPs)...)
	}
	if u.Attributes != nil {
		if p.Attributes == nil {
			p.Attributes = make(map[string]any, len(u.Attributes))
		}
		mergeAttributes(p.Attributes, u.Attributes)
	}
}

func mergeAttributes(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeAttributes(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			dst[k] = cloneAttributes(srcMap)
			continue
		}
		dst[k] = v
	}
}
