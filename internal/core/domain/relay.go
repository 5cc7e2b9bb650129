package domain

type RelayState string

const (
	RelayIdle      RelayState = "idle"
	RelayProbing   RelayState = "probing"
	RelayBinding   RelayState = "binding"
	RelayListening RelayState = "listening"
	RelayFailed    RelayState = "failed"
)

// RelayStatus is the diagnostic view of the signaling endpoint.
type RelayStatus struct {
	URL   string     `json:"url"`
	Port  int        `json:"port"`
	Ready bool       `json:"ready"`
	State RelayState `json:"state"`
}
