package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ssd-technologies/nondominium/internal/fault"
	"github.com/ssd-technologies/nondominium/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL UNIQUE,
	entry_type TEXT NOT NULL,
	author TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	original TEXT NOT NULL DEFAULT '',
	previous TEXT NOT NULL DEFAULT '',
	body BLOB NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_previous ON entries(previous);
CREATE INDEX IF NOT EXISTS idx_entries_original ON entries(original);

CREATE TABLE IF NOT EXISTS links (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL UNIQUE,
	base TEXT NOT NULL,
	target TEXT NOT NULL,
	link_type TEXT NOT NULL,
	tag BLOB,
	author TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_links_base ON links(base, link_type);
`

// SQLite is a Store on a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at the given path.
// Pass ":memory:" for an in-memory database (useful for tests).
func NewSQLite(dbPath string) (*SQLite, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying SQLite database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Create(ctx context.Context, entry model.Entry) (model.Hash, error) {
	return s.insert(ctx, entry, model.Hash{}, model.Hash{})
}

func (s *SQLite) Update(ctx context.Context, previous model.Hash, entry model.Entry) (model.Hash, error) {
	prev, err := s.record(ctx, previous, true)
	if err != nil {
		return model.Hash{}, fmt.Errorf("update %s: %w", previous.Short(), err)
	}
	if prev.Entry.Type != entry.Type {
		return model.Hash{}, fmt.Errorf("update %s: %w", previous.Short(), fault.ErrWrongEntryType)
	}
	return s.insert(ctx, entry, prev.Root(), previous)
}

func (s *SQLite) insert(ctx context.Context, entry model.Entry, original, previous model.Hash) (model.Hash, error) {
	h, err := entry.Hash()
	if err != nil {
		return model.Hash{}, err
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return model.Hash{}, fmt.Errorf("encode entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entries (hash, entry_type, author, timestamp, original, previous, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.String(), string(entry.Type), string(entry.Author), entry.Timestamp,
		hashText(original), hashText(previous), body,
	)
	if err != nil {
		return model.Hash{}, fmt.Errorf("insert entry: %w", err)
	}
	return h, nil
}

func (s *SQLite) Get(ctx context.Context, h model.Hash) (model.Record, bool, error) {
	rec, err := s.record(ctx, h, false)
	if errors.Is(err, fault.ErrNotFound) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLite) MustGet(ctx context.Context, h model.Hash) (model.Record, error) {
	return s.record(ctx, h, false)
}

func (s *SQLite) record(ctx context.Context, h model.Hash, includeDeleted bool) (model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, original, previous, body, deleted FROM entries WHERE hash = ?`, h.String())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows || (err == nil && rec.Deleted && !includeDeleted) {
		return model.Record{}, fault.ErrNotFound
	}
	return rec, err
}

// GetLatest walks forward from the root revision. When two revisions fork
// from the same parent, the newer one wins and equal timestamps go to the
// smaller hash, so every replica picks the same tip.
func (s *SQLite) GetLatest(ctx context.Context, h model.Hash) (model.Record, error) {
	start, err := s.record(ctx, h, true)
	if err != nil {
		return model.Record{}, err
	}
	current, err := s.record(ctx, start.Root(), true)
	if err != nil {
		return model.Record{}, err
	}
	latest := current
	for {
		next, err := s.successor(ctx, current.Hash)
		if err != nil {
			return model.Record{}, err
		}
		if next == nil {
			break
		}
		current = *next
		if !current.Deleted {
			latest = current
		}
	}
	if latest.Deleted {
		return model.Record{}, fault.ErrNotFound
	}
	return latest, nil
}

func (s *SQLite) successor(ctx context.Context, h model.Hash) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, original, previous, body, deleted FROM entries
		 WHERE previous = ? ORDER BY timestamp DESC, hash ASC LIMIT 1`, h.String())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) Revisions(ctx context.Context, h model.Hash) ([]model.Record, error) {
	start, err := s.record(ctx, h, true)
	if err != nil {
		return nil, err
	}
	root := start.Root()
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, original, previous, body, deleted FROM entries
		 WHERE hash = ? OR original = ? ORDER BY timestamp ASC, seq ASC`, root.String(), root.String())
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, h model.Hash) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET deleted = 1 WHERE hash = ?`, h.String())
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

func (s *SQLite) CreateLink(ctx context.Context, link model.Link) (model.Hash, error) {
	h, err := link.Hash()
	if err != nil {
		return model.Hash{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO links (hash, base, target, link_type, tag, author, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.String(), link.Base.String(), link.Target.String(), string(link.Type),
		link.Tag, string(link.Author), link.Timestamp,
	)
	if err != nil {
		return model.Hash{}, fmt.Errorf("insert link: %w", err)
	}
	return h, nil
}

func (s *SQLite) GetLink(ctx context.Context, h model.Hash) (model.LinkRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, base, target, link_type, tag, author, timestamp, deleted FROM links WHERE hash = ?`,
		h.String())
	rec, err := scanLink(row)
	if err == sql.ErrNoRows {
		return model.LinkRecord{}, false, nil
	}
	if err != nil {
		return model.LinkRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLite) GetLinks(ctx context.Context, base model.Hash, linkType model.LinkType, tagPrefix []byte) ([]model.LinkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, base, target, link_type, tag, author, timestamp, deleted FROM links
		 WHERE base = ? AND link_type = ? AND deleted = 0 ORDER BY timestamp ASC, hash ASC`,
		base.String(), string(linkType))
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []model.LinkRecord
	for rows.Next() {
		rec, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(rec.Link.Tag, tagPrefix) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteLink(ctx context.Context, h model.Hash) error {
	res, err := s.db.ExecContext(ctx, `UPDATE links SET deleted = 1 WHERE hash = ?`, h.String())
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// Records returns every entry row in insertion order, deleted ones
// included.
func (s *SQLite) Records(ctx context.Context) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, original, previous, body, deleted FROM entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Links returns every link row in insertion order, deleted ones included.
func (s *SQLite) Links(ctx context.Context) ([]model.LinkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, base, target, link_type, tag, author, timestamp, deleted FROM links ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	var out []model.LinkRecord
	for rows.Next() {
		rec, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.Record, error) {
	var (
		hash, original, previous string
		body                     []byte
		deleted                  bool
	)
	if err := row.Scan(&hash, &original, &previous, &body, &deleted); err != nil {
		return model.Record{}, err
	}
	rec := model.Record{Deleted: deleted}
	var err error
	if rec.Hash, err = model.ParseHash(hash); err != nil {
		return model.Record{}, err
	}
	if rec.Original, err = parseOptional(original); err != nil {
		return model.Record{}, err
	}
	if rec.Previous, err = parseOptional(previous); err != nil {
		return model.Record{}, err
	}
	if err := json.Unmarshal(body, &rec.Entry); err != nil {
		return model.Record{}, fmt.Errorf("decode entry %s: %w", hash, err)
	}
	return rec, nil
}

func scanLink(row scanner) (model.LinkRecord, error) {
	var (
		hash, base, target, linkType, author string
		tag                                  []byte
		timestamp                            int64
		deleted                              bool
	)
	if err := row.Scan(&hash, &base, &target, &linkType, &tag, &author, &timestamp, &deleted); err != nil {
		return model.LinkRecord{}, err
	}
	rec := model.LinkRecord{
		Link: model.Link{
			Type:      model.LinkType(linkType),
			Tag:       tag,
			Author:    model.AgentPubKey(author),
			Timestamp: timestamp,
		},
		Deleted: deleted,
	}
	var err error
	if rec.Hash, err = model.ParseHash(hash); err != nil {
		return model.LinkRecord{}, err
	}
	if rec.Link.Base, err = model.ParseHash(base); err != nil {
		return model.LinkRecord{}, err
	}
	if rec.Link.Target, err = model.ParseHash(target); err != nil {
		return model.LinkRecord{}, err
	}
	return rec, nil
}

func hashText(h model.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

func parseOptional(s string) (model.Hash, error) {
	if s == "" {
		return model.Hash{}, nil
	}
	return model.ParseHash(s)
}
