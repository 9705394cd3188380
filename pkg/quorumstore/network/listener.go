// Copyright 2025 Certen Protocol
//
// NetworkListener demultiplexes inbound HTTP-carried messages to their
// owning actor. QuorumStoreCoordinator owns the ordered shutdown protocol
// across all five actors.

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/qstore/validator/pkg/quorumstore/types"
)

// FragmentHandler routes inbound fragments to BatchCoordinator.
type FragmentHandler interface {
	RemoteFragment(ctx context.Context, f types.Fragment) error
}

// BatchRequestHandler serves a local/remote batch read.
type BatchRequestHandler interface {
	GetBatch(ctx context.Context, digest types.Digest) ([]types.SerializedTransaction, error)
}

// SignDigestHandler produces this node's signature share for a digest it
// already holds.
type SignDigestHandler interface {
	SignDigest(info types.SignedDigestInfo) ([]byte, error)
}

// SignedDigestShareHandler routes inbound shares to ProofCoordinator.
type SignedDigestShareHandler interface {
	HandleShare(msg types.SignedDigest) error
}

// ProofOfStoreHandler routes inbound remote proofs to ProofManager.
type ProofOfStoreHandler interface {
	Push(pos types.ProofOfStore, local bool)
}

// Listener is the thin demux routing inbound batch and proof requests to
// their handlers.
type Listener struct {
	self types.PeerId

	fragments     FragmentHandler
	batchReads    BatchRequestHandler
	signer        SignDigestHandler
	shares        SignedDigestShareHandler
	proofs        ProofOfStoreHandler
	transport     *HTTPTransport

	logger *log.Logger
	server *http.Server
}

// NewListener wires a Listener to its downstream actors.
func NewListener(self types.PeerId, fragments FragmentHandler, batchReads BatchRequestHandler, signer SignDigestHandler, shares SignedDigestShareHandler, proofs ProofOfStoreHandler, transport *HTTPTransport) *Listener {
	return &Listener{
		self:       self,
		fragments:  fragments,
		batchReads: batchReads,
		signer:     signer,
		shares:     shares,
		proofs:     proofs,
		transport:  transport,
		logger:     log.New(log.Writer(), "[NetworkListener] ", log.LstdFlags),
	}
}

// Serve starts the HTTP server handling inbound peer traffic on addr.
func (l *Listener) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/quorumstore/fragment", l.handleFragment)
	mux.HandleFunc("/quorumstore/batch-request", l.handleBatchRequest)
	mux.HandleFunc("/quorumstore/sign-digest-request", l.handleSignDigestRequest)
	mux.HandleFunc("/quorumstore/signed-digest", l.handleSignedDigest)
	mux.HandleFunc("/quorumstore/proof-of-store", l.handleProofOfStore)

	l.server = &http.Server{Addr: addr, Handler: mux}
	l.logger.Printf("listening on %s", addr)
	if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("network listener: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

func (l *Listener) handleFragment(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	f, err := DecodeFragment(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := l.fragments.RemoteFragment(r.Context(), f); err != nil {
		// Protocol violations from a peer are logged, never surfaced as a
		// fatal error to the caller.
		l.logger.Printf("remote fragment from %s rejected: %v", f.Source, err)
	}
	w.WriteHeader(http.StatusOK)
}

func (l *Listener) handleBatchRequest(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	req, err := DecodeBatchRequest(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := l.batchReads.GetBatch(r.Context(), req.Digest)
	resp := types.BatchResponse{Digest: req.Digest}
	if err != nil {
		resp.NotFound = true
	} else {
		resp.Payload = payload
	}
	respEnv, err := EncodeBatchResponse(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeEnvelope(w, respEnv)
}

func (l *Listener) handleSignDigestRequest(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	req, err := DecodeSignDigestRequest(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	share, err := l.signer.SignDigest(req.Info)
	if err != nil {
		l.logger.Printf("refusing to sign digest %s requested by %s: %v", req.Info.Digest, req.Requester, err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if l.transport != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.transport.SendSignedDigest(ctx, req.Requester, types.SignedDigest{
				Info:           req.Info,
				Signer:         l.self,
				SignatureShare: share,
			}); err != nil {
				l.logger.Printf("send signed digest to %s failed: %v", req.Requester, err)
			}
		}()
	}
	w.WriteHeader(http.StatusOK)
}

func (l *Listener) handleSignedDigest(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	msg, err := DecodeSignedDigest(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := l.shares.HandleShare(msg); err != nil {
		l.logger.Printf("signed digest share from %s rejected: %v", msg.Signer, err)
	}
	w.WriteHeader(http.StatusOK)
}

func (l *Listener) handleProofOfStore(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if !decodeBody(w, r, &env) {
		return
	}
	pos, err := DecodeProofOfStore(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.proofs.Push(pos, false)
	w.WriteHeader(http.StatusOK)
}

func decodeBody(w http.ResponseWriter, r *http.Request, env *Envelope) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(env); err != nil {
		http.Error(w, fmt.Sprintf("decode envelope: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeEnvelope(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

// Shutdownable is any actor that can be asked to stop and acknowledge.
type Shutdownable interface {
	Stop()
}

// Coordinator owns the ordered shutdown protocol: on epoch
// change or process stop, every actor is asked to stop in the order
// generator -> coordinator -> proof-coordinator -> proof-manager ->
// batch-store, which guarantees no in-flight fragment arrives at an
// already-stopped downstream.
type Coordinator struct {
	generator       Shutdownable
	batchCoordinator Shutdownable
	proofCoordinator Shutdownable
	proofManager     Shutdownable
	batchStore       Shutdownable
	listener         *Listener
	logger           *log.Logger
}

// NewCoordinator assembles the shutdown chain. Any entry may be nil if that
// actor has no background goroutine to stop.
func NewCoordinator(generator, batchCoordinator, proofCoordinator, proofManager, batchStore Shutdownable, listener *Listener) *Coordinator {
	return &Coordinator{
		generator:        generator,
		batchCoordinator: batchCoordinator,
		proofCoordinator: proofCoordinator,
		proofManager:     proofManager,
		batchStore:       batchStore,
		listener:         listener,
		logger:           log.New(log.Writer(), "[QuorumStoreCoordinator] ", log.LstdFlags),
	}
}

// Shutdown stops every actor in the prescribed order, then the listener.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.logger.Println("shutdown: stopping actors in order")
	stopIfPresent(c.generator, "generator")
	stopIfPresent(c.batchCoordinator, "coordinator")
	stopIfPresent(c.proofCoordinator, "proof-coordinator")
	stopIfPresent(c.proofManager, "proof-manager")
	stopIfPresent(c.batchStore, "batch-store")
	if c.listener != nil {
		if err := c.listener.Shutdown(ctx); err != nil {
			c.logger.Printf("listener shutdown: %v", err)
		}
	}
	c.logger.Println("shutdown complete")
}

func stopIfPresent(s Shutdownable, name string) {
	if s == nil {
		return
	}
	s.Stop()
}
