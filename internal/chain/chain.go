// Package chain is the agent's own append-only source chain: every action
// the agent takes, in order, plus the content of every entry it authored.
// Private entries live only here.
package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

// key prefixes
const (
	prefixAction = 'A' // seq -> Action
	prefixEntry  = 'E' // entry hash -> Record
	prefixType   = 'T' // entry type + seq -> entry hash
	prefixHead   = 'H' // single key, the head action
)

// ActionKind is what an action did.
type ActionKind string

const (
	ActionCreate     = ActionKind("create")
	ActionUpdate     = ActionKind("update")
	ActionDelete     = ActionKind("delete")
	ActionCreateLink = ActionKind("create_link")
	ActionDeleteLink = ActionKind("delete_link")
	ActionActivity   = ActionKind("activity")
)

// Action is one element of the chain.
type Action struct {
	Seq       uint64            `json:"seq"`
	Kind      ActionKind        `json:"kind"`
	Target    model.Hash        `json:"target"`
	EntryType model.EntryType   `json:"entry_type,omitempty"`
	Previous  model.Hash        `json:"previous,omitempty"`
	Author    model.AgentPubKey `json:"author"`
	Timestamp int64             `json:"timestamp"`
}

// Hash addresses the action; the next action points back to it.
func (a Action) Hash() (model.Hash, error) {
	return model.HashOf(a)
}

// Chain is one agent's source chain on leveldb.
type Chain struct {
	sync.Mutex
	db    *leveldb.DB
	agent model.AgentPubKey
	head  *Action
}

// Open opens (or creates) the chain database at path.
func Open(path string, agent model.AgentPubKey) (*Chain, error) {
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, fmt.Errorf("open chain: %w", err)
	}
	return newChain(db, agent)
}

// OpenMemory opens a chain that is lost on Close (useful for tests).
func OpenMemory(agent model.AgentPubKey) (*Chain, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open chain: %w", err)
	}
	return newChain(db, agent)
}

func newChain(db *leveldb.DB, agent model.AgentPubKey) (*Chain, error) {
	c := &Chain{db: db, agent: agent}
	data, err := db.Get([]byte{prefixHead}, nil)
	if err == leveldb.ErrNotFound {
		return c, nil
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	var head Action
	if err := json.Unmarshal(data, &head); err != nil {
		db.Close()
		return nil, fmt.Errorf("decode chain head: %w", err)
	}
	if head.Author != agent {
		db.Close()
		return nil, fmt.Errorf("chain belongs to %s, not %s", head.Author.Short(), agent.Short())
	}
	c.head = &head
	return c, nil
}

// Close closes the database.
func (c *Chain) Close() error {
	return c.db.Close()
}

// Agent is the owner of the chain.
func (c *Chain) Agent() model.AgentPubKey {
	return c.agent
}

// Head returns the latest action.
func (c *Chain) Head() (Action, bool) {
	c.Lock()
	defer c.Unlock()
	if c.head == nil {
		return Action{}, false
	}
	return *c.head, true
}

// Append writes an action and, when rec is not nil, the record it
// created, in one batch.
func (c *Chain) Append(kind ActionKind, target model.Hash, rec *model.Record, timestamp int64) (Action, error) {
	c.Lock()
	defer c.Unlock()

	action := Action{
		Kind:      kind,
		Target:    target,
		Author:    c.agent,
		Timestamp: timestamp,
	}
	if c.head != nil {
		prev, err := c.head.Hash()
		if err != nil {
			return Action{}, err
		}
		action.Seq = c.head.Seq + 1
		action.Previous = prev
	}

	batch := new(leveldb.Batch)
	if rec != nil {
		if rec.Entry.Author != c.agent {
			return Action{}, fmt.Errorf("append %s: %w", rec.Hash.Short(), fault.ErrNotAuthor)
		}
		action.EntryType = rec.Entry.Type
		data, err := json.Marshal(rec)
		if err != nil {
			return Action{}, fmt.Errorf("encode record: %w", err)
		}
		batch.Put(entryKey(rec.Hash), data)
		batch.Put(typeKey(rec.Entry.Type, action.Seq), rec.Hash[:])
	}

	data, err := json.Marshal(action)
	if err != nil {
		return Action{}, fmt.Errorf("encode action: %w", err)
	}
	batch.Put(actionKey(action.Seq), data)
	batch.Put([]byte{prefixHead}, data)

	if err := c.db.Write(batch, nil); err != nil {
		return Action{}, fmt.Errorf("append action: %w", err)
	}
	c.head = &action
	return action, nil
}

// Get returns a record the agent authored.
func (c *Chain) Get(h model.Hash) (model.Record, bool, error) {
	data, err := c.db.Get(entryKey(h), nil)
	if err == leveldb.ErrNotFound {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, fmt.Errorf("read entry: %w", err)
	}
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return rec, true, nil
}

// Query returns the records of type t in chain order.
func (c *Chain) Query(t model.EntryType) ([]model.Record, error) {
	prefix := append([]byte{prefixType}, []byte(t)...)
	prefix = append(prefix, 0)
	iter := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []model.Record
	for iter.Next() {
		var h model.Hash
		copy(h[:], iter.Value())
		rec, found, err := c.Get(h)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, iter.Error()
}

// Actions returns the actions from seq onwards.
func (c *Chain) Actions(from uint64) ([]Action, error) {
	iter := c.db.NewIterator(&util.Range{
		Start: actionKey(from),
		Limit: []byte{prefixAction + 1},
	}, nil)
	defer iter.Release()

	var out []Action
	for iter.Next() {
		var a Action
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		out = append(out, a)
	}
	return out, iter.Error()
}

func actionKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixAction
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func entryKey(h model.Hash) []byte {
	return append([]byte{prefixEntry}, h[:]...)
}

// type names never contain a zero byte, so it separates the name from the
// sequence number
func typeKey(t model.EntryType, seq uint64) []byte {
	key := append([]byte{prefixType}, []byte(t)...)
	key = append(key, 0)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	return append(key, n[:]...)
}
