package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/identity"
	"github.com/ssd-technologies/nondominium/internal/model"
	"github.com/ssd-technologies/nondominium/internal/ppr"
	"github.com/ssd-technologies/nondominium/internal/store"
)

// Directory maps agents to the base URL of their node.
type Directory struct {
	sync.RWMutex
	urls map[model.AgentPubKey]string
}

// NewDirectory creates a directory from agent → URL pairs.
func NewDirectory(urls map[model.AgentPubKey]string) *Directory {
	d := &Directory{urls: make(map[model.AgentPubKey]string, len(urls))}
	for agent, u := range urls {
		d.urls[agent] = strings.TrimRight(u, "/")
	}
	return d
}

// Set records where agent's node listens.
func (d *Directory) Set(agent model.AgentPubKey, url string) {
	d.Lock()
	defer d.Unlock()
	d.urls[agent] = strings.TrimRight(url, "/")
}

// Lookup returns the base URL of agent's node.
func (d *Directory) Lookup(agent model.AgentPubKey) (string, bool) {
	d.RLock()
	defer d.RUnlock()
	u, ok := d.urls[agent]
	return u, ok
}

// Remote calls the /remote routes of other nodes on behalf of the local
// agent. It is the ppr.Cosigner of a node that serves HTTP.
type Remote struct {
	id     *identity.Identity
	dir    *Directory
	client *http.Client
	now    func() time.Time
}

var _ ppr.Cosigner = (*Remote)(nil)

// NewRemote creates a caller signing with id.
func NewRemote(id *identity.Identity, dir *Directory, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		id:     id,
		dir:    dir,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Cosign sends req to the counterparty named in its requester-side
// payload.
func (c *Remote) Cosign(ctx context.Context, req ppr.CosignRequest) (ppr.CosignResponse, error) {
	var resp ppr.CosignResponse
	err := c.post(ctx, req.Peer.Counterparty, "/remote/cosign", req, &resp)
	return resp, err
}

// ReadPrivateData reads fields of grantor's private data under grant.
func (c *Remote) ReadPrivateData(ctx context.Context, grantor model.AgentPubKey, grant model.Hash, fields []model.PrivateField) (map[model.PrivateField]string, error) {
	var resp privateDataResponse
	if err := c.post(ctx, grantor, "/remote/private-data", privateDataRequest{Grant: grant, Fields: fields}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// post signs and sends in to agent's node.
func (c *Remote) post(ctx context.Context, agent model.AgentPubKey, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, agent, path, body, out)
}

// do signs and sends a request to agent's node. Failing to reach the
// node, or the node being overloaded, is reported as the counterparty
// being unavailable; error responses are rebuilt into their fault class.
func (c *Remote) do(ctx context.Context, method string, agent model.AgentPubKey, path string, body []byte, out any) error {
	base, ok := c.dir.Lookup(agent)
	if !ok {
		return ppr.Unreachable(fmt.Errorf("no address for %s", agent.Short()))
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.id.SignRequest(req, body, c.now())

	resp, err := c.client.Do(req)
	if err != nil {
		return ppr.Unreachable(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ppr.Unreachable(err)
	}
	if resp.StatusCode == http.StatusOK {
		return decodeJSON(data, out)
	}
	return remoteError(agent, resp.StatusCode, data)
}

// Replica returns agent's shared store as a replication source.
func (c *Remote) Replica(agent model.AgentPubKey) store.Dumper {
	return replica{remote: c, agent: agent}
}

type replica struct {
	remote *Remote
	agent  model.AgentPubKey
}

func (r replica) Records(ctx context.Context) ([]model.Record, error) {
	var recs []model.Record
	err := r.remote.do(ctx, http.MethodGet, r.agent, "/remote/records", nil, &recs)
	return recs, err
}

func (r replica) Links(ctx context.Context) ([]model.LinkRecord, error) {
	var links []model.LinkRecord
	err := r.remote.do(ctx, http.MethodGet, r.agent, "/remote/links", nil, &links)
	return links, err
}

func remoteError(agent model.AgentPubKey, status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return ppr.Unreachable(fmt.Errorf("%s: %s", agent.Short(), msg))
	}
	if sentinel := fault.FromCode(body.Code); sentinel != nil {
		return fmt.Errorf("%s: %s: %w", agent.Short(), msg, sentinel)
	}
	return fmt.Errorf("%s: %d %s", agent.Short(), status, msg)
}
