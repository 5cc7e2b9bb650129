package services

import (
	"snapmesh/internal/core/domain"
	"snapmesh/pkg/netaddr"
)

// typePreference is the fallback order when nothing else pins an endpoint.
var typePreference = []domain.CandidateType{
	domain.CandidateHost,
	domain.CandidateSrflx,
	domain.CandidateRelay,
}

// endpointMatch is one side of a link after resolution. Addr and Port are the
// values the edge is recorded with; they differ from the request when the
// match was inferred.
type endpointMatch struct {
	Addr  string
	Port  int
	Entry *domain.NetworkChainEntry
}

func (m endpointMatch) resolved() bool { return m.Entry != nil }

func (m endpointMatch) typ() domain.CandidateType {
	if m.Entry == nil {
		return ""
	}
	return m.Entry.TypeDetail
}

// linkResolution is the pure outcome of matching a connect request against the
// two peers' network chains.
type linkResolution struct {
	From endpointMatch
	To   endpointMatch
}

func (r linkResolution) complete() bool {
	return r.From.resolved() && r.To.resolved()
}

// resolveLink matches both endpoints of req, tier by tier, without touching
// req or the peers.
func resolveLink(req domain.ConnectRequest, from, to *domain.Peer) linkResolution {
	res := linkResolution{
		From: endpointMatch{Addr: req.From, Port: req.FromPort},
		To:   endpointMatch{Addr: req.To, Port: req.ToPort},
	}

	// exact address
	res.From.Entry = entryAt(from, from.EntryByIP(req.From))
	res.To.Entry = entryAt(to, to.EntryByIP(req.To))

	// private or loopback address: the peer's host candidate
	if !res.From.resolved() && netaddr.IsLocal(req.From) {
		res.From.Entry = entryAt(from, from.EntryByType(domain.CandidateHost))
	}
	if !res.To.resolved() && netaddr.IsLocal(req.To) {
		res.To.Entry = entryAt(to, to.EntryByType(domain.CandidateHost))
	}

	// only the counterpart is typed: same type on this side
	if !res.From.resolved() && res.To.resolved() {
		res.From = inferred(from, from.EntryByType(res.To.typ()), res.From)
	}
	if !res.To.resolved() && res.From.resolved() {
		res.To = inferred(to, to.EntryByType(res.From.typ()), res.To)
	}

	// best available
	if !res.From.resolved() {
		res.From = inferred(from, bestEntry(from, res.To.typ()), res.From)
	}
	if !res.To.resolved() {
		res.To = inferred(to, bestEntry(to, res.From.typ()), res.To)
	}

	return res
}

// classify labels a fully resolved link.
func classify(res linkResolution) string {
	fromType, toType := res.From.typ(), res.To.typ()
	switch {
	case fromType == domain.CandidateHost && toType == domain.CandidateHost:
		return domain.ConnectionP2P
	case fromType == domain.CandidateRelay:
		return domain.RelayLabel(flagOf(res.From.Entry))
	case toType == domain.CandidateRelay:
		return domain.RelayLabel(flagOf(res.To.Entry))
	default:
		return domain.ConnectionP2PNAT
	}
}

// buildEdge is the apply half: it materialises the edge from a complete
// resolution.
func buildEdge(req domain.ConnectRequest, res linkResolution) domain.Edge {
	return domain.Edge{
		ID:             domain.EdgeID(res.From.Addr, res.From.Port, res.To.Addr, res.To.Port, req.InfoHash),
		FromPeerID:     req.FromPeerID,
		ToPeerID:       req.ToPeerID,
		From:           res.From.Addr,
		FromPort:       res.From.Port,
		To:             res.To.Addr,
		ToPort:         res.To.Port,
		InfoHash:       req.InfoHash,
		ConnectionType: classify(res),
	}
}

func entryAt(p *domain.Peer, idx int) *domain.NetworkChainEntry {
	if idx < 0 {
		return nil
	}
	e := p.NetworkChain[idx]
	return &e
}

// inferred returns a match whose address and port come from the entry at idx,
// or cur unchanged when idx is -1.
func inferred(p *domain.Peer, idx int, cur endpointMatch) endpointMatch {
	entry := entryAt(p, idx)
	if entry == nil {
		return cur
	}
	port := entry.Port
	if port == 0 && len(entry.Ports) > 0 {
		port = entry.Ports[0]
	}
	return endpointMatch{Addr: entry.IP, Port: port, Entry: entry}
}

// bestEntry prefers the counterpart's type when it has one, then host, srflx,
// relay, then whatever comes first in the chain.
func bestEntry(p *domain.Peer, counterpart domain.CandidateType) int {
	if counterpart != "" {
		if idx := p.EntryByType(counterpart); idx >= 0 {
			return idx
		}
	}
	for _, t := range typePreference {
		if idx := p.EntryByType(t); idx >= 0 {
			return idx
		}
	}
	if len(p.NetworkChain) > 0 {
		return 0
	}
	return -1
}

func flagOf(e *domain.NetworkChainEntry) string {
	if e == nil || e.Network == nil || e.Network.Location.CountryFlagEmoji == nil {
		return ""
	}
	return *e.Network.Location.CountryFlagEmoji
}
