// Package resource manages resource specifications, the resources that
// instantiate them, and the lifecycle state machine resources move
// through.
package resource

import (
	"context"
	"fmt"

	"github.com/bitmark-inc/logger"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/store"
)

// Service is one agent's access to specifications and resources.
type Service struct {
	host *host.Host
	gov  *governance.Service
	log  *logger.L
}

// NewService creates the resource service for h. Validation requests for
// new resources are opened through gov.
func NewService(h *host.Host, gov *governance.Service) *Service {
	return &Service{host: h, gov: gov, log: logger.New("resource")}
}

// Input describes a new resource.
type Input struct {
	Specification model.Hash `json:"specification"`
	Quantity      float64    `json:"quantity"`
	Unit          string     `json:"unit,omitempty"`
	Location      string     `json:"location,omitempty"`
}

// Created is the result of CreateResource. Request is the resource
// validation request opened for the resource, zero when its specification
// needs none.
type Created struct {
	Resource model.Hash          `json:"resource"`
	State    model.ResourceState `json:"state"`
	Request  model.Hash          `json:"request,omitempty"`
}

// History is every revision of a resource and the events applied to it.
type History struct {
	Revisions []model.Record `json:"revisions"`
	Events    []model.Hash   `json:"events"`
}

// CreateSpecification publishes a specification.
func (s *Service) CreateSpecification(ctx context.Context, spec model.ResourceSpecification) (model.Hash, error) {
	if err := spec.Validate(); err != nil {
		return model.Hash{}, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	h, err := s.host.Create(ctx, model.EntryResourceSpecification, spec)
	if err != nil {
		return model.Hash{}, err
	}
	if _, err := s.host.Link(ctx, model.SpecificationsAnchor, h, model.LinkAllSpecifications, nil); err != nil {
		return model.Hash{}, err
	}
	s.log.Infof("specification %q published as %s", spec.Name, h.Short())
	return h, nil
}

// UpdateSpecification publishes a new revision of the specification at
// previous. Resources keep the revision they were created against.
func (s *Service) UpdateSpecification(ctx context.Context, previous model.Hash, spec model.ResourceSpecification) (model.Hash, error) {
	if err := spec.Validate(); err != nil {
		return model.Hash{}, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return s.host.Update(ctx, previous, spec)
}

// GetSpecification returns the specification revision at h.
func (s *Service) GetSpecification(ctx context.Context, h model.Hash) (model.ResourceSpecification, error) {
	var spec model.ResourceSpecification
	_, err := s.host.Load(ctx, h, model.EntryResourceSpecification, &spec)
	return spec, err
}

// ListSpecifications returns the latest revision of every specification.
func (s *Service) ListSpecifications(ctx context.Context) ([]model.Record, error) {
	return s.latest(ctx, model.SpecificationsAnchor, model.LinkAllSpecifications)
}

func (s *Service) latest(ctx context.Context, base model.Hash, lt model.LinkType) ([]model.Record, error) {
	links, err := s.host.Store().GetLinks(ctx, base, lt, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(links))
	for _, target := range store.Targets(links) {
		rec, err := s.host.Store().GetLatest(ctx, target)
		if fault.IsErrNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CreateResource instantiates a specification with the local agent as
// custodian. A specification that requires validation leaves the resource
// pending and opens a validation request for it.
func (s *Service) CreateResource(ctx context.Context, in Input) (Created, error) {
	spec, err := s.GetSpecification(ctx, in.Specification)
	if err != nil {
		return Created{}, err
	}
	if in.Quantity <= 0 {
		return Created{}, fault.ErrInvalidQuantity
	}
	unit := in.Unit
	if unit == "" {
		unit = spec.DefaultUnit
	}
	state := model.StateActive
	if spec.RequiresValidation {
		state = model.StatePendingValidation
	}
	res := model.EconomicResource{
		Specification: in.Specification,
		Quantity:      in.Quantity,
		Unit:          unit,
		Custodian:     s.host.Agent(),
		State:         state,
		Location:      in.Location,
	}
	h, err := s.host.Create(ctx, model.EntryEconomicResource, res)
	if err != nil {
		return Created{}, err
	}
	if _, err := s.host.Link(ctx, model.ResourcesAnchor, h, model.LinkAllResources, nil); err != nil {
		return Created{}, err
	}
	if _, err := s.host.Link(ctx, in.Specification, h, model.LinkSpecificationToResource, nil); err != nil {
		return Created{}, err
	}
	out := Created{Resource: h, State: state}
	if spec.RequiresValidation {
		out.Request, err = s.gov.RequestValidation(ctx, governance.RequestInput{
			Kind:     model.KindResourceValidation,
			Resource: h,
			Scheme:   spec.ValidationScheme,
		})
		if err != nil {
			return out, err
		}
	}
	s.log.Infof("resource %s of %q created %s", h.Short(), spec.Name, state)
	return out, nil
}

// GetResource returns the latest revision of the resource at h.
func (s *Service) GetResource(ctx context.Context, h model.Hash) (model.EconomicResource, model.Record, error) {
	rec, err := s.host.Store().GetLatest(ctx, h)
	if err != nil {
		return model.EconomicResource{}, model.Record{}, err
	}
	if rec.Entry.Type != model.EntryEconomicResource {
		return model.EconomicResource{}, model.Record{}, fmt.Errorf("%s: %w", h.Short(), fault.ErrWrongEntryType)
	}
	var res model.EconomicResource
	if err := rec.Entry.Decode(&res); err != nil {
		return model.EconomicResource{}, model.Record{}, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return res, rec, nil
}

// ListResources returns the latest revision of every resource.
func (s *Service) ListResources(ctx context.Context) ([]model.Record, error) {
	return s.latest(ctx, model.ResourcesAnchor, model.LinkAllResources)
}

// ResourcesOf returns the latest revision of every resource of the
// specification revision spec.
func (s *Service) ResourcesOf(ctx context.Context, spec model.Hash) ([]model.Record, error) {
	return s.latest(ctx, spec, model.LinkSpecificationToResource)
}

// AddComponent records part as a component of parent.
func (s *Service) AddComponent(ctx context.Context, parent, part model.Hash) (model.Hash, error) {
	return s.host.Link(ctx, parent, part, model.LinkResourceToComponent, nil)
}

// Components lists the components of parent.
func (s *Service) Components(ctx context.Context, parent model.Hash) ([]model.Hash, error) {
	links, err := s.host.Store().GetLinks(ctx, parent, model.LinkResourceToComponent, nil)
	if err != nil {
		return nil, err
	}
	return store.Targets(links), nil
}

// ResourceHistory returns every revision of the resource at h and the
// events recorded against it.
func (s *Service) ResourceHistory(ctx context.Context, h model.Hash) (History, error) {
	revs, err := s.host.Store().Revisions(ctx, h)
	if err != nil {
		return History{}, err
	}
	links, err := s.host.Store().GetLinks(ctx, h, model.LinkResourceToEvent, nil)
	if err != nil {
		return History{}, err
	}
	return History{Revisions: revs, Events: store.Targets(links)}, nil
}

// Rules returns the governance rules of the specification revision the
// resource at h was created against.
func (s *Service) Rules(ctx context.Context, h model.Hash) ([]model.GovernanceRule, model.EconomicResource, error) {
	res, _, err := s.GetResource(ctx, h)
	if err != nil {
		return nil, model.EconomicResource{}, err
	}
	spec, err := s.GetSpecification(ctx, res.Specification)
	if err != nil {
		return nil, model.EconomicResource{}, err
	}
	return spec.GovernanceRules, res, nil
}
