package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/nondominium/internal/economy"
	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/resource"
)

// apiRoutes registers the local API.
func (s *Server) apiRoutes(r chi.Router) {
	// Agents
	r.Get("/agents/{agent}", s.handleGetProfile)
	r.Post("/agents/{agent}/promote", s.handlePromote)
	r.Post("/person", s.handleCreatePerson)
	r.Put("/person", s.handleUpdatePerson)
	r.Post("/roles", s.handleAssignRole)
	r.Post("/holds", s.handlePlaceHold)
	r.Post("/activity", s.handleActivity)

	// Private data and grants
	r.Post("/private-data", s.handleStorePrivateData)
	r.Put("/private-data", s.handleUpdatePrivateData)
	r.Post("/private-data/read", s.handleReadRemotePrivateData)
	r.Post("/grants", s.handleGrant)
	r.Delete("/grants/{hash}", s.handleExpireGrant)

	// Specifications and resources
	r.Get("/specifications", s.handleListSpecifications)
	r.Post("/specifications", s.handleCreateSpecification)
	r.Get("/specifications/{hash}", s.handleGetSpecification)
	r.Put("/specifications/{hash}", s.handleUpdateSpecification)
	r.Get("/resources", s.handleListResources)
	r.Post("/resources", s.handleCreateResource)
	r.Get("/resources/{hash}", s.handleGetResource)
	r.Post("/resources/{hash}/state", s.handleResourceState)
	r.Get("/resources/{hash}/components", s.handleComponents)
	r.Post("/resources/{hash}/components", s.handleAddComponent)
	r.Get("/resources/{hash}/history", s.handleHistory)

	// Validation tallies
	r.Post("/validation/requests", s.handleRequestValidation)
	r.Get("/validation/requests/{hash}", s.handleTally)
	r.Post("/validation/requests/{hash}/receipts", s.handleSubmitReceipt)

	// Economic pipeline
	r.Post("/commitments", s.handlePropose)
	r.Get("/commitments", s.handleListCommitments)
	r.Post("/commitments/{hash}/fulfil", s.handleFulfil)
	r.Get("/commitments/{hash}/claims", s.handleClaimStatus)

	// Receipts
	r.Get("/receipts", s.handleListReceipts)
	r.Get("/receipts/pending", s.handlePendingReceipts)
	r.Delete("/receipts/{hash}", s.handleRevokeReceipt)
	r.Get("/reputation", s.handleReputation)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// hashParam parses the {hash} path parameter, writing a 400 on failure.
func hashParam(w http.ResponseWriter, r *http.Request) (model.Hash, bool) {
	h, err := model.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hash: "+err.Error())
		return model.Hash{}, false
	}
	return h, true
}

func agentParam(w http.ResponseWriter, r *http.Request) (model.AgentPubKey, bool) {
	agent := model.AgentPubKey(chi.URLParam(r, "agent"))
	if !agent.Valid() {
		writeError(w, http.StatusBadRequest, "invalid agent key")
		return "", false
	}
	return agent, true
}

// respond writes v, or err with the status of its class.
func respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, status, v)
}

type hashResponse struct {
	Hash model.Hash `json:"hash"`
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	agent, ok := agentParam(w, r)
	if !ok {
		return
	}
	profile, err := s.node.GetAgentProfile(r.Context(), agent)
	respond(w, http.StatusOK, profile, err)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	agent, ok := agentParam(w, r)
	if !ok {
		return
	}
	tier, err := s.node.PromoteAgent(r.Context(), agent)
	respond(w, http.StatusOK, map[string]string{"tier": tier.String()}, err)
}

func (s *Server) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var p model.Person
	if !decode(w, r, &p) {
		return
	}
	h, err := s.node.CreatePerson(r.Context(), p)
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

func (s *Server) handleUpdatePerson(w http.ResponseWriter, r *http.Request) {
	var p model.Person
	if !decode(w, r, &p) {
		return
	}
	h, err := s.node.UpdatePerson(r.Context(), p)
	respond(w, http.StatusOK, hashResponse{h}, err)
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent    model.AgentPubKey `json:"agent"`
		Role     model.Role        `json:"role"`
		Evidence model.Hash        `json:"evidence"`
	}
	if !decode(w, r, &req) {
		return
	}
	h, err := s.node.AssignRole(r.Context(), req.Agent, req.Role, req.Evidence)
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

func (s *Server) handlePlaceHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent    model.AgentPubKey `json:"agent"`
		Evidence model.Hash        `json:"evidence"`
		Until    int64             `json:"until"`
	}
	if !decode(w, r, &req) {
		return
	}
	h, err := s.node.PlaceDisputeHold(r.Context(), req.Agent, req.Evidence, req.Until)
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	err := s.node.RegisterActivity(r.Context())
	respond(w, http.StatusOK, map[string]string{"status": "recorded"}, err)
}

// ---------------------------------------------------------------------------
// Private data and grants
// ---------------------------------------------------------------------------

func (s *Server) handleStorePrivateData(w http.ResponseWriter, r *http.Request) {
	var d model.PrivateData
	if !decode(w, r, &d) {
		return
	}
	h, err := s.node.StorePrivateData(r.Context(), d)
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

func (s *Server) handleUpdatePrivateData(w http.ResponseWriter, r *http.Request) {
	var d model.PrivateData
	if !decode(w, r, &d) {
		return
	}
	h, err := s.node.UpdatePrivateData(r.Context(), d)
	respond(w, http.StatusOK, hashResponse{h}, err)
}

// handleReadRemotePrivateData reads fields another agent granted this
// node's agent, from that agent's node.
func (s *Server) handleReadRemotePrivateData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Grantor model.AgentPubKey    `json:"grantor"`
		Grant   model.Hash           `json:"grant"`
		Fields  []model.PrivateField `json:"fields"`
	}
	if !decode(w, r, &req) {
		return
	}
	if s.remote == nil {
		writeFault(w, fault.ErrCounterpartyUnavailable)
		return
	}
	data, err := s.remote.ReadPrivateData(r.Context(), req.Grantor, req.Grant, req.Fields)
	respond(w, http.StatusOK, privateDataResponse{Data: data}, err)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fields   []model.PrivateField `json:"fields"`
		Grantee  model.AgentPubKey    `json:"grantee"`
		Duration int64                `json:"duration_seconds"`
		Purpose  string               `json:"purpose"`
	}
	if !decode(w, r, &req) {
		return
	}
	h, grant, err := s.node.GrantPrivateDataAccess(r.Context(), req.Fields, req.Grantee, time.Duration(req.Duration)*time.Second, req.Purpose)
	respond(w, http.StatusCreated, map[string]any{"hash": h, "grant": grant}, err)
}

func (s *Server) handleExpireGrant(w http.ResponseWriter, r *http.Request) {
	grant, ok := hashParam(w, r)
	if !ok {
		return
	}
	h, err := s.node.ExpireGrant(r.Context(), grant, r.URL.Query().Get("reason"))
	respond(w, http.StatusOK, hashResponse{h}, err)
}

// ---------------------------------------------------------------------------
// Specifications and resources
// ---------------------------------------------------------------------------

func (s *Server) handleListSpecifications(w http.ResponseWriter, r *http.Request) {
	recs, err := s.node.ListSpecifications(r.Context())
	respond(w, http.StatusOK, recs, err)
}

func (s *Server) handleCreateSpecification(w http.ResponseWriter, r *http.Request) {
	var spec model.ResourceSpecification
	if !decode(w, r, &spec) {
		return
	}
	h, err := s.node.CreateSpecification(r.Context(), spec)
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

func (s *Server) handleGetSpecification(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	spec, err := s.node.GetSpecification(r.Context(), h)
	respond(w, http.StatusOK, spec, err)
}

func (s *Server) handleUpdateSpecification(w http.ResponseWriter, r *http.Request) {
	previous, ok := hashParam(w, r)
	if !ok {
		return
	}
	var spec model.ResourceSpecification
	if !decode(w, r, &spec) {
		return
	}
	h, err := s.node.UpdateSpecification(r.Context(), previous, spec)
	respond(w, http.StatusOK, hashResponse{h}, err)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	recs, err := s.node.ListResources(r.Context())
	respond(w, http.StatusOK, recs, err)
}

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var in resource.Input
	if !decode(w, r, &in) {
		return
	}
	created, err := s.node.CreateResource(r.Context(), in)
	respond(w, http.StatusCreated, created, err)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	res, err := s.node.GetResource(r.Context(), h)
	respond(w, http.StatusOK, res, err)
}

func (s *Server) handleResourceState(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	var req struct {
		State    model.ResourceState `json:"state"`
		Evidence model.Hash          `json:"evidence,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.node.UpdateResourceState(r.Context(), h, req.State, req.Evidence)
	respond(w, http.StatusOK, rec, err)
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	parts, err := s.node.Components(r.Context(), h)
	respond(w, http.StatusOK, parts, err)
}

func (s *Server) handleAddComponent(w http.ResponseWriter, r *http.Request) {
	parent, ok := hashParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Component model.Hash `json:"component"`
	}
	if !decode(w, r, &req) {
		return
	}
	h, err := s.node.AddComponent(r.Context(), parent, req.Component)
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	hist, err := s.node.ResourceHistory(r.Context(), h)
	respond(w, http.StatusOK, hist, err)
}

// ---------------------------------------------------------------------------
// Validation tallies
// ---------------------------------------------------------------------------

func (s *Server) handleRequestValidation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      model.RequestKind `json:"kind"`
		Agent     model.AgentPubKey `json:"agent,omitempty"`
		Resource  model.Hash        `json:"resource,omitempty"`
		Role      model.Role        `json:"role,omitempty"`
		Scheme    string            `json:"scheme,omitempty"`
		HoldUntil int64             `json:"hold_until,omitempty"`
		Note      string            `json:"note,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	h, err := s.node.RequestValidation(r.Context(), governance.RequestInput{
		Kind:      req.Kind,
		Agent:     req.Agent,
		Resource:  req.Resource,
		Role:      req.Role,
		Scheme:    req.Scheme,
		HoldUntil: req.HoldUntil,
		Note:      req.Note,
	})
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	tally, err := s.node.Tally(r.Context(), h)
	respond(w, http.StatusOK, tally, err)
}

func (s *Server) handleSubmitReceipt(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Approved bool   `json:"approved"`
		Note     string `json:"note,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	tally, err := s.node.SubmitValidationReceipt(r.Context(), h, req.Approved, req.Note)
	respond(w, http.StatusOK, tally, err)
}

// ---------------------------------------------------------------------------
// Economic pipeline
// ---------------------------------------------------------------------------

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var p economy.Proposal
	if !decode(w, r, &p) {
		return
	}
	h, err := s.node.ProposeCommitment(r.Context(), p)
	respond(w, http.StatusCreated, hashResponse{h}, err)
}

// handleListCommitments lists pending commitments, or expired ones with
// ?status=expired.
func (s *Server) handleListCommitments(w http.ResponseWriter, r *http.Request) {
	var (
		cs  []economy.Commitment
		err error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "pending":
		cs, err = s.node.GetPendingCommitments(r.Context())
	case "expired":
		cs, err = s.node.GetExpiredCommitments(r.Context())
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	if cs == nil {
		cs = []economy.Commitment{}
	}
	respond(w, http.StatusOK, cs, err)
}

func (s *Server) handleFulfil(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	var f economy.Fulfilment
	if !decode(w, r, &f) {
		return
	}
	out, err := s.node.FulfillCommitment(r.Context(), h, f)
	respond(w, http.StatusCreated, out, err)
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	st, err := s.node.ClaimStatus(r.Context(), h)
	respond(w, http.StatusOK, st, err)
}

// ---------------------------------------------------------------------------
// Receipts
// ---------------------------------------------------------------------------

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.node.Receipts(r.Context())
	if receipts == nil {
		receipts = []ppr.Receipt{}
	}
	respond(w, http.StatusOK, receipts, err)
}

func (s *Server) handlePendingReceipts(w http.ResponseWriter, r *http.Request) {
	pending, err := s.node.PendingReceipts(r.Context())
	if pending == nil {
		pending = []model.PendingReceipt{}
	}
	respond(w, http.StatusOK, pending, err)
}

func (s *Server) handleRevokeReceipt(w http.ResponseWriter, r *http.Request) {
	h, ok := hashParam(w, r)
	if !ok {
		return
	}
	err := s.node.RevokeReceipt(r.Context(), h, r.URL.Query().Get("reason"))
	respond(w, http.StatusOK, map[string]string{"status": "revoked"}, err)
}

// handleReputation returns the reputation summary, optionally bounded by
// ?from= and ?to= unix times.
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	var period ppr.Period
	for name, dst := range map[string]*int64{"from": &period.From, "to": &period.To} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+name+": "+err.Error())
			return
		}
		*dst = n
	}
	summary, err := s.node.DeriveReputationSummary(r.Context(), period)
	respond(w, http.StatusOK, summary, err)
}
