package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
)

// maximum accepted remote request body
const maxRemoteBody = 1 << 20

type callerKey struct{}

// caller returns the verified agent behind a remote request.
func caller(ctx context.Context) model.AgentPubKey {
	agent, _ := ctx.Value(callerKey{}).(model.AgentPubKey)
	return agent
}

// remoteAuth verifies the Ed25519 signature on an incoming peer request
// and rate limits the signing agent. The body is read once for the
// signature and handed on unchanged.
func (s *Server) remoteAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRemoteBody))
		r.Body.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		agent, err := identity.VerifyRequest(r, body, s.now())
		if err != nil {
			s.log.Warnf("remote %s from %s: %s", r.URL.Path, r.RemoteAddr, err)
			writeError(w, http.StatusUnauthorized, "signature verification failed: "+err.Error())
			return
		}
		if err := s.limiter.Allow(string(agent)); err != nil {
			writeFault(w, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, agent)))
	})
}

// handleRemoteCosign answers a peer asking this node's agent to
// countersign a receipt pair.
func (s *Server) handleRemoteCosign(w http.ResponseWriter, r *http.Request) {
	var req ppr.CosignRequest
	if !decode(w, r, &req) {
		return
	}
	if who := caller(r.Context()); req.Requester != who {
		writeFault(w, fmt.Errorf("%w: request signed by %s for %s", fault.ErrNotAuthor, who.Short(), req.Requester.Short()))
		return
	}
	resp, err := s.node.Countersign(r.Context(), req)
	respond(w, http.StatusOK, resp, err)
}

type privateDataRequest struct {
	Grant  model.Hash           `json:"grant"`
	Fields []model.PrivateField `json:"fields"`
}

type privateDataResponse struct {
	Data map[model.PrivateField]string `json:"data"`
}

// handleRemotePrivateData serves a grantee's read of this node's private
// data. The grantee is whoever signed the request.
func (s *Server) handleRemotePrivateData(w http.ResponseWriter, r *http.Request) {
	var req privateDataRequest
	if !decode(w, r, &req) {
		return
	}
	data, err := s.node.ReadPrivateData(r.Context(), caller(r.Context()), req.Grant, req.Fields)
	respond(w, http.StatusOK, privateDataResponse{Data: data}, err)
}

// handleRemoteRecords serves this replica's shared records to a peer
// pulling from it.
func (s *Server) handleRemoteRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.node.Source().Records(r.Context())
	if recs == nil {
		recs = []model.Record{}
	}
	respond(w, http.StatusOK, recs, err)
}

func (s *Server) handleRemoteLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.node.Source().Links(r.Context())
	if links == nil {
		links = []model.LinkRecord{}
	}
	respond(w, http.StatusOK, links, err)
}

// decodeJSON is decode for response bodies.
func decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
