package domain

import "errors"

var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrEdgeNotResolved  = errors.New("connection endpoints could not be resolved")
	ErrRelayNotStarted  = errors.New("signaling relay not started")
	ErrRelayStarted     = errors.New("signaling relay already started")
	ErrInvalidCandidate = errors.New("invalid candidate")
)
