package p2p

// MessageHandler consumes application frames read from peer links. A non-nil
// error marks the frame as noise; the link stays up and the sender's
// reputation is charged.
type MessageHandler interface {
	HandleMessage(peerID string, frame []byte) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(peerID string, frame []byte) error

func (f HandlerFunc) HandleMessage(peerID string, frame []byte) error {
	return f(peerID, frame)
}
