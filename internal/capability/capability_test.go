package capability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nondominium/internal/capability"
	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/host/hosttest"
	"github.com/ssd-technologies/nondominium/internal/model"
)

func TestMain(m *testing.M) {
	hosttest.Main(m)
}

func ledger(env *hosttest.Env, h *host.Host) *capability.Service {
	return capability.NewService(h, env.Resolver, capability.Config{Quorum: env.Config.Quorum})
}

func gov(env *hosttest.Env, h *host.Host) *governance.Service {
	return governance.NewService(h, env.Store, env.Config.Quorum, "")
}

// approvedPromotion opens a 2-of-3 promotion request for h and has two
// genesis agents approve it.
func approvedPromotion(t *testing.T, env *hosttest.Env, h *host.Host, role model.Role) model.Hash {
	t.Helper()
	req, err := gov(env, h).RequestValidation(env.Ctx, governance.RequestInput{
		Kind:   model.KindAgentPromotion,
		Role:   role,
		Scheme: "2-of-3",
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := gov(env, env.Genesis(i)).SubmitValidationReceipt(env.Ctx, req, true, "")
		require.NoError(t, err)
	}
	return req
}

func TestAssignRoleWithFabricatedEvidence(t *testing.T) {
	env := hosttest.New(t)
	a := env.Host()

	fabricated := model.HashBytes([]byte("trust me"))
	_, _, err := ledger(env, a).AssignRole(env.Ctx, a.Agent(), model.RolePrimaryAccountableAgent, fabricated)
	assert.ErrorIs(t, err, fault.ErrInsufficientEvidence)

	tier, err := ledger(env, a).TierOf(env.Ctx, a.Agent())
	require.NoError(t, err)
	assert.Equal(t, model.TierSimple, tier)
}

func TestAssignRoleAfterApprovedTally(t *testing.T) {
	env := hosttest.New(t)
	a := env.Host()
	svc := ledger(env, a)

	req, err := gov(env, a).RequestValidation(env.Ctx, governance.RequestInput{
		Kind:   model.KindAgentPromotion,
		Role:   model.RoleAccountableAgent,
		Scheme: "2-of-3",
	})
	require.NoError(t, err)

	tally, err := gov(env, env.Genesis(0)).SubmitValidationReceipt(env.Ctx, req, true, "")
	require.NoError(t, err)
	assert.Equal(t, governance.StatusPending, tally.Status)

	_, _, err = svc.AssignRole(env.Ctx, a.Agent(), model.RoleAccountableAgent, req)
	assert.ErrorIs(t, err, fault.ErrInsufficientEvidence)

	tally, err = gov(env, env.Genesis(1)).SubmitValidationReceipt(env.Ctx, req, true, "")
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, tally.Status)

	_, _, err = svc.AssignRole(env.Ctx, a.Agent(), model.RoleAccountableAgent, req)
	require.NoError(t, err)

	tier, err := svc.PromoteAgent(env.Ctx, a.Agent())
	require.NoError(t, err)
	assert.Equal(t, model.TierAccountable, tier)

	roles, err := svc.RolesOf(env.Ctx, a.Agent())
	require.NoError(t, err)
	assert.Equal(t, []model.Role{model.RoleAccountableAgent}, roles)
}

func TestEvidenceIsBoundToAgentAndRole(t *testing.T) {
	env := hosttest.New(t)
	a := env.Host()
	b := env.Host()
	req := approvedPromotion(t, env, a, model.RoleAccountableAgent)

	_, _, err := ledger(env, b).AssignRole(env.Ctx, b.Agent(), model.RoleAccountableAgent, req)
	assert.ErrorIs(t, err, fault.ErrInsufficientEvidence)

	_, _, err = ledger(env, a).AssignRole(env.Ctx, a.Agent(), model.RolePrimaryAccountableAgent, req)
	assert.ErrorIs(t, err, fault.ErrInsufficientEvidence)

	tier, err := env.Resolver.TierOf(env.Ctx, b.Agent())
	require.NoError(t, err)
	assert.Equal(t, model.TierSimple, tier)
}

func TestPersonLifecycle(t *testing.T) {
	env := hosttest.New(t)
	a := env.Host()
	svc := ledger(env, a)

	_, err := svc.CreatePerson(env.Ctx, model.Person{Name: "ada"})
	require.NoError(t, err)
	_, err = svc.CreatePerson(env.Ctx, model.Person{Name: "ada again"})
	assert.ErrorIs(t, err, fault.ErrInvalidEntry)

	_, err = svc.UpdatePerson(env.Ctx, model.Person{Name: "ada lovelace", Bio: "engines"})
	require.NoError(t, err)

	viewer := ledger(env, env.Host())
	p, _, err := viewer.GetPerson(env.Ctx, a.Agent())
	require.NoError(t, err)
	assert.Equal(t, "ada lovelace", p.Name)

	profile, err := viewer.GetAgentProfile(env.Ctx, a.Agent())
	require.NoError(t, err)
	require.NotNil(t, profile.Person)
	assert.Equal(t, model.TierSimple, profile.Tier)
	assert.Empty(t, profile.Roles)

	_, _, err = viewer.GetPerson(env.Ctx, env.Host().Agent())
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestGrantWindow(t *testing.T) {
	env := hosttest.New(t)
	owner := env.Host()
	reader := env.Host()
	svc := ledger(env, owner)

	_, err := svc.StorePrivateData(env.Ctx, model.PrivateData{LegalName: "Ada King", Email: "ada@example.org", Phone: "555"})
	require.NoError(t, err)

	grant, g, err := svc.GrantPrivateDataAccess(env.Ctx, []model.PrivateField{model.FieldEmail}, reader.Agent(), 24*time.Hour, "delivery")
	require.NoError(t, err)
	assert.Equal(t, int64(24*60*60), g.ExpiresAt-g.IssuedAt)

	env.Clock.Advance(23 * time.Hour)
	got, err := svc.ReadPrivateData(env.Ctx, reader.Agent(), grant, []model.PrivateField{model.FieldEmail})
	require.NoError(t, err)
	assert.Equal(t, map[model.PrivateField]string{model.FieldEmail: "ada@example.org"}, got)

	env.Clock.Advance(2 * time.Hour)
	_, err = svc.ReadPrivateData(env.Ctx, reader.Agent(), grant, []model.PrivateField{model.FieldEmail})
	var expired *fault.GrantExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, g.ExpiresAt, expired.ExpiresAt)

	_, err = svc.ReadPrivateData(env.Ctx, reader.Agent(), grant, []model.PrivateField{model.FieldPhone})
	assert.ErrorIs(t, err, fault.ErrGrantExpired)

	accesses, err := svc.Accesses()
	require.NoError(t, err)
	assert.Len(t, accesses, 1)
}

func TestGrantScoping(t *testing.T) {
	env := hosttest.New(t)
	owner := env.Host()
	reader := env.Host()
	svc := ledger(env, owner)
	_, err := svc.StorePrivateData(env.Ctx, model.PrivateData{LegalName: "Ada King", Email: "ada@example.org", Phone: "555"})
	require.NoError(t, err)

	granted := []model.PrivateField{model.FieldPhone, model.FieldEmail}
	grant, g, err := svc.GrantPrivateDataAccess(env.Ctx, granted, reader.Agent(), time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, []model.PrivateField{model.FieldEmail, model.FieldPhone}, g.Fields)

	got, err := svc.ReadPrivateData(env.Ctx, reader.Agent(), grant, []model.PrivateField{model.FieldPhone})
	require.NoError(t, err)
	assert.Equal(t, map[model.PrivateField]string{model.FieldPhone: "555"}, got)

	_, err = svc.ReadPrivateData(env.Ctx, reader.Agent(), grant, []model.PrivateField{model.FieldEmail, model.FieldLegalName})
	var notGranted *fault.FieldNotGrantedError
	require.ErrorAs(t, err, &notGranted)
	assert.Equal(t, []string{"legal_name"}, notGranted.Fields)
	assert.Equal(t, []string{"email", "phone"}, notGranted.Granted)

	_, err = svc.ReadPrivateData(env.Ctx, env.Host().Agent(), grant, []model.PrivateField{model.FieldPhone})
	assert.ErrorIs(t, err, fault.ErrGrantNotForYou)

	_, err = svc.ExpireGrant(env.Ctx, grant, "moved away")
	require.NoError(t, err)
	_, err = svc.ReadPrivateData(env.Ctx, reader.Agent(), grant, []model.PrivateField{model.FieldPhone})
	assert.ErrorIs(t, err, fault.ErrGrantExpired)

	received, err := ledger(env, reader).GrantsReceived(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Hash{grant}, received)
}

func TestGrantDurationIsClamped(t *testing.T) {
	env := hosttest.New(t)
	owner := env.Host()
	_, g, err := ledger(env, owner).GrantPrivateDataAccess(env.Ctx, []model.PrivateField{model.FieldEmail}, env.Host().Agent(), 90*24*time.Hour, "")
	require.NoError(t, err)
	assert.Equal(t, int64(capability.MaxGrantDuration/time.Second), g.ExpiresAt-g.IssuedAt)
}

func TestDisputeHold(t *testing.T) {
	env := hosttest.New(t)
	accused := env.Host()
	accuser := env.Genesis(2)

	until := accuser.Now() + 3600
	req, err := gov(env, accuser).RequestValidation(env.Ctx, governance.RequestInput{
		Kind:      model.KindDisputeHold,
		Agent:     accused.Agent(),
		Scheme:    "2-of-3",
		HoldUntil: until,
	})
	require.NoError(t, err)

	svc := ledger(env, accuser)
	_, err = svc.PlaceDisputeHold(env.Ctx, accused.Agent(), req, 0)
	assert.ErrorIs(t, err, fault.ErrInsufficientEvidence)

	for i := 0; i < 2; i++ {
		_, err := gov(env, env.Genesis(i)).SubmitValidationReceipt(env.Ctx, req, true, "")
		require.NoError(t, err)
	}
	_, err = svc.PlaceDisputeHold(env.Ctx, accused.Agent(), req, 0)
	require.NoError(t, err)

	held, err := svc.UnderHold(env.Ctx, accused.Agent())
	require.NoError(t, err)
	assert.True(t, held)
	assert.ErrorIs(t, accused.RegisterActivity(env.Ctx), fault.ErrDisputeHold)

	env.Clock.Advance(2 * time.Hour)
	assert.NoError(t, accused.RegisterActivity(env.Ctx))
}
