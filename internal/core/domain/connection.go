package domain

import (
	"fmt"
	"strings"
)

type InfoHash string

const (
	ConnectionP2P    = "p2p"
	ConnectionP2PNAT = "p2p nat"
	ConnectionRelay  = "relay"
)

// ConnectRequest asks the topology graph to record a link between two known
// peers for one content transfer.
type ConnectRequest struct {
	FromPeerID PeerID   `json:"fromPeerId" binding:"required"`
	ToPeerID   PeerID   `json:"toPeerId" binding:"required"`
	From       string   `json:"from"`
	FromPort   int      `json:"fromPort"`
	To         string   `json:"to"`
	ToPort     int      `json:"toPort"`
	InfoHash   InfoHash `json:"infoHash" binding:"required"`
}

// Edge is one classified link in the topology graph.
type Edge struct {
	ID             string   `json:"id"`
	FromPeerID     PeerID   `json:"fromPeerId"`
	ToPeerID       PeerID   `json:"toPeerId"`
	From           string   `json:"from"`
	FromPort       int      `json:"fromPort"`
	To             string   `json:"to"`
	ToPort         int      `json:"toPort"`
	InfoHash       InfoHash `json:"infoHash"`
	ConnectionType string   `json:"connectionType"`
}

// EdgeID derives the identity of a link from its address 4-tuple and content.
func EdgeID(from string, fromPort int, to string, toPort int, infoHash InfoHash) string {
	return fmt.Sprintf("%s:%d-%s:%d-%s", from, fromPort, to, toPort, infoHash)
}

// RelayLabel builds the relay connection type, optionally followed by the
// relay endpoint's flag emoji.
func RelayLabel(flag string) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{ConnectionRelay, flag} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
