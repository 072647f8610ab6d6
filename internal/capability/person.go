package capability

import (
	"context"
	"fmt"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// Profile is the public view of an agent.
type Profile struct {
	Agent  model.AgentPubKey `json:"agent"`
	Person *model.Person     `json:"person,omitempty"`
	Tier   model.Tier        `json:"tier"`
	Roles  []model.Role      `json:"roles"`
}

// CreatePerson publishes the local agent's person. Each agent has one.
func (s *Service) CreatePerson(ctx context.Context, p model.Person) (model.Hash, error) {
	_, _, err := s.person(ctx, s.host.Agent())
	switch {
	case err == nil:
		return model.Hash{}, fmt.Errorf("%w: person already exists", fault.ErrInvalidEntry)
	case !fault.IsErrNotFound(err):
		return model.Hash{}, err
	}
	h, err := s.host.Create(ctx, model.EntryPerson, p)
	if err != nil {
		return model.Hash{}, err
	}
	if _, err := s.host.Link(ctx, s.host.Agent().Anchor(), h, model.LinkAgentToPerson, nil); err != nil {
		return model.Hash{}, err
	}
	return h, nil
}

// UpdatePerson publishes a new revision of the local agent's person.
func (s *Service) UpdatePerson(ctx context.Context, p model.Person) (model.Hash, error) {
	_, latest, err := s.person(ctx, s.host.Agent())
	if err != nil {
		return model.Hash{}, err
	}
	return s.host.Update(ctx, latest.Hash, p)
}

// GetPerson returns the latest revision of agent's person.
func (s *Service) GetPerson(ctx context.Context, agent model.AgentPubKey) (model.Person, model.Hash, error) {
	p, rec, err := s.person(ctx, agent)
	return p, rec.Hash, err
}

func (s *Service) person(ctx context.Context, agent model.AgentPubKey) (model.Person, model.Record, error) {
	links, err := s.host.Store().GetLinks(ctx, agent.Anchor(), model.LinkAgentToPerson, nil)
	if err != nil {
		return model.Person{}, model.Record{}, err
	}
	if len(links) == 0 {
		return model.Person{}, model.Record{}, fmt.Errorf("person of %s: %w", agent.Short(), fault.ErrNotFound)
	}
	rec, err := s.host.Store().GetLatest(ctx, links[0].Link.Target)
	if err != nil {
		return model.Person{}, model.Record{}, err
	}
	var p model.Person
	if err := rec.Entry.Decode(&p); err != nil {
		return model.Person{}, model.Record{}, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return p, rec, nil
}

// GetAgentProfile combines agent's person, tier and roles.
func (s *Service) GetAgentProfile(ctx context.Context, agent model.AgentPubKey) (Profile, error) {
	profile := Profile{Agent: agent}
	p, _, err := s.person(ctx, agent)
	switch {
	case err == nil:
		profile.Person = &p
	case !fault.IsErrNotFound(err):
		return Profile{}, err
	}
	if profile.Tier, err = s.resolver.TierOf(ctx, agent); err != nil {
		return Profile{}, err
	}
	if profile.Roles, err = s.resolver.RolesOf(ctx, agent); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// StorePrivateData keeps data on the local agent's chain.
func (s *Service) StorePrivateData(ctx context.Context, data model.PrivateData) (model.Hash, error) {
	if _, _, err := s.privateData(); err == nil {
		return model.Hash{}, fmt.Errorf("%w: private data already stored", fault.ErrInvalidEntry)
	}
	return s.host.Create(ctx, model.EntryPrivateData, data)
}

// UpdatePrivateData replaces the local agent's private data with a new
// revision.
func (s *Service) UpdatePrivateData(ctx context.Context, data model.PrivateData) (model.Hash, error) {
	_, rec, err := s.privateData()
	if err != nil {
		return model.Hash{}, err
	}
	return s.host.Update(ctx, rec.Hash, data)
}

// GetPrivateData returns the local agent's own private data.
func (s *Service) GetPrivateData(ctx context.Context) (model.PrivateData, error) {
	data, _, err := s.privateData()
	return data, err
}

// privateData returns the newest revision: the last one on the chain.
func (s *Service) privateData() (model.PrivateData, model.Record, error) {
	recs, err := s.host.Private(model.EntryPrivateData)
	if err != nil {
		return model.PrivateData{}, model.Record{}, err
	}
	if len(recs) == 0 {
		return model.PrivateData{}, model.Record{}, fmt.Errorf("private data: %w", fault.ErrNotFound)
	}
	rec := recs[len(recs)-1]
	var data model.PrivateData
	if err := rec.Entry.Decode(&data); err != nil {
		return model.PrivateData{}, model.Record{}, fmt.Errorf("%w: %v", fault.ErrInvalidEntry, err)
	}
	return data, rec, nil
}
