package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

const (
	protocolVersion        uint32        = 1
	handshakeNonceSize                   = 16
	handshakeSkewAllowance time.Duration = 5 * time.Minute
	handshakeReplayWindow                = 2 * handshakeSkewAllowance
	maxHandshakeBytes                    = 4 << 10
)

// TopicDigest hashes a channel name into the rendezvous topic peers compare
// during the handshake.
func TopicDigest(channel string) string {
	sum := blake3.Sum256([]byte(channel))
	return hex.EncodeToString(sum[:])
}

type helloMessage struct {
	ProtocolVersion uint32 `json:"protoVersion"`
	Topic           string `json:"topic"`
	NodePubHex      string `json:"nodePub"`
	ListenAddr      string `json:"listenAddr,omitempty"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"ts"`
	ClientVersion   string `json:"clientVersion"`
}

type helloPacket struct {
	helloMessage
	Signature string `json:"sig"`

	nodeID string
}

func (s *Server) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*helloPacket, error) {
	local, err := s.buildHello()
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	// both ends send first, so the write runs beside the read
	sent := make(chan error, 1)
	go func() { sent <- writeFrame(ctx, conn, local) }()

	payload, err := readFrame(ctx, conn, reader, maxHandshakeBytes)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if err := <-sent; err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty handshake from peer")
	}

	var remote helloPacket
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if err := s.verifyHello(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

func (s *Server) buildHello() (*helloPacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	payload := helloMessage{
		ProtocolVersion: protocolVersion,
		Topic:           s.topic,
		NodePubHex:      hex.EncodeToString(ethcrypto.FromECDSAPub(&s.identity.PrivateKey.PublicKey)),
		ListenAddr:      s.advertisedAddr(),
		Nonce:           hex.EncodeToString(nonce),
		Timestamp:       s.now().Unix(),
		ClientVersion:   s.cfg.ClientVersion,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake payload: %w", err)
	}
	sig, err := ethcrypto.Sign(helloDigest(body), s.identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}
	return &helloPacket{helloMessage: payload, Signature: hex.EncodeToString(sig), nodeID: s.identity.NodeID}, nil
}

func (s *Server) verifyHello(packet *helloPacket) error {
	if packet.ProtocolVersion != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", packet.ProtocolVersion)
	}
	if packet.Topic != s.topic {
		return ErrTopicMismatch
	}
	if strings.TrimSpace(packet.ClientVersion) == "" {
		return fmt.Errorf("handshake missing client version")
	}
	nonce, err := hex.DecodeString(packet.Nonce)
	if err != nil || len(nonce) != handshakeNonceSize {
		return fmt.Errorf("invalid handshake nonce")
	}
	now := s.now()
	ts := time.Unix(packet.Timestamp, 0)
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fmt.Errorf("handshake timestamp skew too large")
	}

	pub, err := parsePub(packet.NodePubHex)
	if err != nil {
		return fmt.Errorf("invalid node public key: %w", err)
	}
	sig, err := hex.DecodeString(packet.Signature)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("invalid handshake signature")
	}
	body, err := json.Marshal(packet.helloMessage)
	if err != nil {
		return fmt.Errorf("marshal handshake for verification: %w", err)
	}
	recovered, err := ethcrypto.SigToPub(helloDigest(body), sig)
	if err != nil {
		return fmt.Errorf("recover signature: %w", err)
	}
	if !bytes.Equal(ethcrypto.FromECDSAPub(recovered), ethcrypto.FromECDSAPub(pub)) {
		return fmt.Errorf("signature does not match node key")
	}

	nodeID := NodeIDFromPub(pub)
	if !s.nonces.Remember(nodeID, packet.Nonce, now) {
		return fmt.Errorf("handshake nonce replay detected")
	}
	packet.nodeID = nodeID
	return nil
}

func parsePub(value string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, err
	}
	return ethcrypto.UnmarshalPubkey(raw)
}

func helloDigest(payload []byte) []byte {
	return ethcrypto.Keccak256([]byte("ghostswap-p2p|hello|"), payload)
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, limit int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := readLine(reader, limit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}

// readLine returns the next newline-terminated line. It stops with
// errFrameTooLarge as soon as more than limit bytes arrive without a newline,
// so a peer cannot make the reader buffer an unbounded line.
func readLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		if len(line)+len(chunk) > limit+1 {
			return nil, errFrameTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}
