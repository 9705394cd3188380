// Copyright 2025 Certen Protocol
//
// HTTPTransport fans fragments and signed-digest messages out to the
// validator set over plain HTTP POST, and sends outbound BatchRequests
// (inbound ones are answered by the Listener).
// Grounded on HTTPPeerManager's peer-endpoint/http.Client shape.

package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// Peer describes one validator's network endpoint.
type Peer struct {
	Id       types.PeerId
	Endpoint string // base URL, e.g. "https://validator-3.example:9102"
}

// HTTPTransport implements batchcoordinator.Broadcaster and
// batchstore.RemoteFetcher, and can send signed-digest shares / proofs of
// store to a single peer.
type HTTPTransport struct {
	mu    sync.RWMutex
	peers map[types.PeerId]Peer

	self   types.PeerId
	client *http.Client
	logger *log.Logger
}

// NewHTTPTransport builds a transport over the given peer set.
func NewHTTPTransport(self types.PeerId, peers []Peer, timeout time.Duration) *HTTPTransport {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	byId := make(map[types.PeerId]Peer, len(peers))
	for _, p := range peers {
		byId[p.Id] = p
	}
	return &HTTPTransport{
		peers:  byId,
		self:   self,
		client: &http.Client{Timeout: timeout},
		logger: log.New(log.Writer(), "[HTTPTransport] ", log.LstdFlags),
	}
}

// SetPeers replaces the peer set, e.g. on epoch change.
func (t *HTTPTransport) SetPeers(peers []Peer) {
	byId := make(map[types.PeerId]Peer, len(peers))
	for _, p := range peers {
		byId[p.Id] = p
	}
	t.mu.Lock()
	t.peers = byId
	t.mu.Unlock()
}

// Peers returns the current peer set, excluding self.
func (t *HTTPTransport) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for id, p := range t.peers {
		if id == t.self {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Broadcast implements batchcoordinator.Broadcaster: best-effort fan-out to
// every peer, logging but not failing on individual peer errors so one
// unreachable validator never blocks batch production.
func (t *HTTPTransport) Broadcast(ctx context.Context, f types.Fragment) error {
	env, err := EncodeFragment(f)
	if err != nil {
		return err
	}
	for _, p := range t.Peers() {
		go func(p Peer) {
			if err := t.post(ctx, p, "/quorumstore/fragment", env); err != nil {
				t.logger.Printf("broadcast fragment to %s failed: %v", p.Id, err)
			}
		}(p)
	}
	return nil
}

// SendSignedDigest delivers a signed-digest share to one peer (typically
// the batch's author, whose ProofCoordinator is collecting shares).
func (t *HTTPTransport) SendSignedDigest(ctx context.Context, to types.PeerId, msg types.SignedDigest) error {
	env, err := EncodeSignedDigest(msg)
	if err != nil {
		return err
	}
	peer, ok := t.lookup(to)
	if !ok {
		return fmt.Errorf("network: unknown peer %s", to)
	}
	return t.post(ctx, peer, "/quorumstore/signed-digest", env)
}

// SendProofOfStore gossips a finalized proof of store to one peer.
func (t *HTTPTransport) SendProofOfStore(ctx context.Context, to types.PeerId, pos types.ProofOfStore) error {
	env, err := EncodeProofOfStore(pos)
	if err != nil {
		return err
	}
	peer, ok := t.lookup(to)
	if !ok {
		return fmt.Errorf("network: unknown peer %s", to)
	}
	return t.post(ctx, peer, "/quorumstore/proof-of-store", env)
}

// FetchBatch implements batchstore.RemoteFetcher. Each call is tagged with a
// correlation id for logging only; the digest remains the protocol's real
// identifying key and the id never crosses the wire.
func (t *HTTPTransport) FetchBatch(ctx context.Context, digest types.Digest, peerId types.PeerId) (types.BatchResponse, error) {
	reqId := uuid.New()
	peer, ok := t.lookup(peerId)
	if !ok {
		return types.BatchResponse{}, fmt.Errorf("network: unknown peer %s", peerId)
	}
	env, err := EncodeBatchRequest(types.BatchRequest{Digest: digest, Requester: t.self})
	if err != nil {
		return types.BatchResponse{}, err
	}
	t.logger.Printf("fetch-batch req=%s digest=%x peer=%s", reqId, digest[:4], peer.Id)
	respEnv, err := t.postAndRead(ctx, peer, "/quorumstore/batch-request", env)
	if err != nil {
		t.logger.Printf("fetch-batch req=%s failed: %v", reqId, err)
		return types.BatchResponse{}, err
	}
	return DecodeBatchResponse(respEnv)
}

func (t *HTTPTransport) lookup(id types.PeerId) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

func (t *HTTPTransport) post(ctx context.Context, peer Peer, path string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s responded with status %d", peer.Id, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) postAndRead(ctx context.Context, peer Peer, path string, env Envelope) (Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return Envelope{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Envelope{}, fmt.Errorf("peer %s responded with status %d", peer.Id, resp.StatusCode)
	}
	var respEnv Envelope
	if err := json.NewDecoder(resp.Body).Decode(&respEnv); err != nil {
		return Envelope{}, fmt.Errorf("decode response from %s: %w", peer.Id, err)
	}
	return respEnv, nil
}
