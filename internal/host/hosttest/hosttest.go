// Package hosttest builds networks of in-memory hosts sharing one store,
// for tests of the packages layered on host.
package hosttest

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/nondominium/internal/chain"
	"github.com/ssd-technologies/nondominium/internal/governance"
	"github.com/ssd-technologies/nondominium/internal/host"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/store"
	"github.com/ssd-technologies/nondominium/internal/validation"
)

// GenesisCount is how many genesis agents every Env starts with.
const GenesisCount = 3

// Main initialises logging into a temporary directory and runs the tests.
func Main(m *testing.M) {
	dir, err := os.MkdirTemp("", "nondominium-test")
	if err != nil {
		panic(err)
	}
	_ = logger.Initialise(logger.Configuration{
		Directory: dir,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	})
	rc := m.Run()
	logger.Finalise()
	os.RemoveAll(dir)
	os.Exit(rc)
}

// Clock is a manually advanced clock shared by the hosts of an Env.
type Clock struct {
	sync.Mutex
	now time.Time
}

// NewClock creates a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1700000000, 0)}
}

// Now returns the current time and moves the clock on by a second, so
// every commit gets a distinct timestamp.
func (c *Clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// Advance moves the clock by d.
func (c *Clock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

// Env is one shared store with its validation stack.
type Env struct {
	t        testing.TB
	Ctx      context.Context
	Store    *store.SQLite
	Resolver *governance.Resolver
	Engine   *validation.Engine
	Gate     *validation.Gate
	Clock    *Clock
	Config   validation.Config
	genesis  []*identity.Identity
	hosts    map[int]*host.Host
}

// New creates an Env with GenesisCount genesis agents.
func New(t testing.TB) *Env {
	t.Helper()
	var genesis []*identity.Identity
	for i := 0; i < GenesisCount; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)
		genesis = append(genesis, id)
	}
	return build(t, genesis, NewClock())
}

// Replica creates a second Env with its own store that shares e's genesis
// agents and clock, standing in for another peer of the same network.
func (e *Env) Replica() *Env {
	e.t.Helper()
	return build(e.t, e.genesis, e.Clock)
}

func build(t testing.TB, genesis []*identity.Identity, clock *Clock) *Env {
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := &Env{
		t:       t,
		Ctx:     context.Background(),
		Store:   s,
		Clock:   clock,
		genesis: genesis,
		hosts:   make(map[int]*host.Host),
	}
	agents := make([]model.AgentPubKey, len(genesis))
	for i, id := range genesis {
		agents[i] = id.Agent()
	}
	env.Resolver = governance.NewResolver(s, agents)

	env.Config = validation.DefaultConfig()
	env.Config.FetchAttempts = 1
	env.Config.FetchInterval = 0
	audit := logger.New("audit")
	env.Engine = validation.NewEngine(s, env.Resolver, env.Config, audit)
	env.Gate = validation.NewGate(env.Engine, s, audit)
	return env
}

// Host creates a host for a fresh agent.
func (e *Env) Host() *host.Host {
	e.t.Helper()
	id, err := identity.Generate()
	require.NoError(e.t, err)
	return e.HostFor(id)
}

// Genesis returns the host of genesis agent i.
func (e *Env) Genesis(i int) *host.Host {
	e.t.Helper()
	if h, ok := e.hosts[i]; ok {
		return h
	}
	h := e.HostFor(e.genesis[i])
	e.hosts[i] = h
	return h
}

// HostFor creates a host for id on a fresh in-memory chain.
func (e *Env) HostFor(id *identity.Identity) *host.Host {
	e.t.Helper()
	ch, err := chain.OpenMemory(id.Agent())
	require.NoError(e.t, err)
	e.t.Cleanup(func() { ch.Close() })
	h, err := host.New(id, ch, e.Store, e.Gate, e.Clock.Now)
	require.NoError(e.t, err)
	return h
}
