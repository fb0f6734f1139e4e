package p2p

import "errors"

var (
	ErrPeerUnknown     = errors.New("p2p: unknown peer")
	ErrPeerBanned      = errors.New("p2p: peer is banned")
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
	ErrServerClosed    = errors.New("p2p: server closed")
	ErrTopicMismatch   = errors.New("p2p: peer joined a different topic")
)

var (
	errQueueFull  = errors.New("peer outbound queue full")
	errPeerClosed = errors.New("peer shutting down")

	errDuplicateLink = errors.New("duplicate link")
	errFrameTooLarge = errors.New("frame exceeds size limit")
)
