package signal

import (
	"fmt"
	"strings"

	"snapmesh/internal/core/domain"

	"github.com/pion/ice/v2"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

const candidateAttribute = "candidate"

// ExtractCandidates returns the ICE candidates embedded in a negotiation
// payload, one entry per distinct ip/port/transport/type. Candidate lines
// that do not parse are skipped; the returned error is only set when the
// payload itself is not a session description.
func ExtractCandidates(desc webrtc.SessionDescription) ([]domain.NetworkChainEntry, error) {
	if strings.TrimSpace(desc.SDP) == "" {
		return nil, fmt.Errorf("%w: empty session description", domain.ErrInvalidCandidate)
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCandidate, err)
	}

	type key struct {
		ip, transport string
		port          int
		typ           domain.CandidateType
	}
	seen := make(map[key]struct{})

	var out []domain.NetworkChainEntry
	for _, raw := range candidateLines(parsed) {
		entry, err := parseCandidate(raw)
		if err != nil {
			continue
		}
		k := key{entry.IP, entry.Transport, entry.Port, entry.TypeDetail}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, entry)
	}
	return out, nil
}

// candidateLines collects candidate attribute values from the session and
// every media section.
func candidateLines(sd *sdp.SessionDescription) []string {
	var lines []string
	collect := func(attrs []sdp.Attribute) {
		for _, a := range attrs {
			if a.Key == candidateAttribute && a.Value != "" {
				lines = append(lines, a.Value)
			}
		}
	}
	collect(sd.Attributes)
	for _, md := range sd.MediaDescriptions {
		collect(md.Attributes)
	}
	return lines
}

func parseCandidate(raw string) (domain.NetworkChainEntry, error) {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(raw, "candidate:"))
	if err != nil {
		return domain.NetworkChainEntry{}, fmt.Errorf("%w: %v", domain.ErrInvalidCandidate, err)
	}
	transport := c.NetworkType().NetworkShort()
	return domain.NetworkChainEntry{
		IP:              c.Address(),
		Port:            c.Port(),
		Ports:           []int{c.Port()},
		Transport:       transport,
		TransportsLabel: strings.ToUpper(transport),
		TypeDetail:      domain.CandidateType(c.Type().String()),
	}, nil
}
