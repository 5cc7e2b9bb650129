package signal

import (
	"strings"
	"testing"

	"snapmesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sdpWith(candidates ...string) string {
	lines := []string{
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=group:BUNDLE 0",
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
		"c=IN IP4 0.0.0.0",
	}
	for _, c := range candidates {
		lines = append(lines, "a=candidate:"+c)
	}
	lines = append(lines,
		"a=ice-ufrag:Xw2b",
		"a=ice-pwd:9a0c2f6a4e1d7b3c5f8e2d1a",
		"a=mid:0",
		"a=sctp-port:5000",
	)
	return strings.Join(lines, "\r\n") + "\r\n"
}

const (
	hostCandidate  = "1 1 udp 2122260223 192.168.1.1 54321 typ host"
	srflxCandidate = "2 1 udp 1686052607 203.0.113.5 54321 typ srflx raddr 192.168.1.1 rport 54321"
	relayCandidate = "3 1 udp 41885439 198.51.100.7 3478 typ relay raddr 203.0.113.5 rport 54321"
	tcpCandidate   = "4 1 tcp 1518280447 192.168.1.1 9 typ host tcptype active"
)

func TestExtractCandidates(t *testing.T) {
	desc := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdpWith(hostCandidate, srflxCandidate, relayCandidate, tcpCandidate, hostCandidate),
	}

	entries, err := ExtractCandidates(desc)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, domain.NetworkChainEntry{
		IP: "192.168.1.1", Port: 54321, Ports: []int{54321},
		Transport: "udp", TransportsLabel: "UDP", TypeDetail: domain.CandidateHost,
	}, entries[0])
	assert.Equal(t, "203.0.113.5", entries[1].IP)
	assert.Equal(t, domain.CandidateSrflx, entries[1].TypeDetail)
	assert.Equal(t, "198.51.100.7", entries[2].IP)
	assert.Equal(t, 3478, entries[2].Port)
	assert.Equal(t, domain.CandidateRelay, entries[2].TypeDetail)
	assert.Equal(t, "tcp", entries[3].Transport)
	assert.Equal(t, "TCP", entries[3].TransportsLabel)
}

func TestExtractCandidates_SkipsBadLines(t *testing.T) {
	desc := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdpWith("garbage", hostCandidate),
	}

	entries, err := ExtractCandidates(desc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "192.168.1.1", entries[0].IP)
}

func TestExtractCandidates_NoCandidates(t *testing.T) {
	entries, err := ExtractCandidates(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWith()})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtractCandidates_InvalidPayload(t *testing.T) {
	for _, body := range []string{"", "   ", "not sdp"} {
		_, err := ExtractCandidates(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: body})
		assert.ErrorIs(t, err, domain.ErrInvalidCandidate, body)
	}
}
