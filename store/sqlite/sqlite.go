// Package sqlite is a relational store.Adapter on a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS destinations (
	name          TEXT PRIMARY KEY,
	head          INTEGER NOT NULL DEFAULT 0,
	enqueue_count INTEGER NOT NULL DEFAULT 0,
	released_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	destination TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	body        BLOB NOT NULL,
	PRIMARY KEY (destination, seq)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS subscriptions (
	client_id       TEXT NOT NULL,
	name            TEXT NOT NULL,
	destination     TEXT NOT NULL,
	selector        TEXT NOT NULL DEFAULT '',
	no_local        INTEGER NOT NULL DEFAULT 0,
	generation      INTEGER NOT NULL DEFAULT 0,
	cursor          INTEGER NOT NULL DEFAULT 0,
	enqueue_counter INTEGER NOT NULL DEFAULT 0,
	dequeue_counter INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (client_id, name)
);
CREATE TABLE IF NOT EXISTS refs (
	client_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	destination TEXT NOT NULL,
	PRIMARY KEY (client_id, name, seq)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS refs_by_message ON refs (destination, seq);
`

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

// Store implements store.Adapter with one SQL transaction per operation.
type Store struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

var _ store.Adapter = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, ":memory:") {
		if strings.Contains(dsn, "?") {
			dsn += "&_journal_mode=WAL&_txlock=immediate"
		} else {
			dsn += "?_journal_mode=WAL&_txlock=immediate"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection; every operation is its own transaction
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA synchronous = FULL",  // Durable before Commit returns
		"PRAGMA cache_size = -64000", // 64MB page cache
		"PRAGMA temp_store = MEMORY", // Temp tables in RAM
		"PRAGMA busy_timeout = 5000", // Wait for external readers
		"PRAGMA foreign_keys = OFF",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("SQLite store opened")
	return &Store{db: db, dialect: goqu.Dialect("sqlite3")}, nil
}

func exec(ctx context.Context, tx *sql.Tx, b sqlBuilder) (sql.Result, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return tx.ExecContext(ctx, query, args...)
}

func queryRow(ctx context.Context, tx *sql.Tx, b sqlBuilder) (*sql.Row, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return tx.QueryRowContext(ctx, query, args...), nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, b sqlBuilder) (*sql.Rows, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func keyEx(key store.SubscriptionKey) goqu.Ex {
	return goqu.Ex{"client_id": key.ClientID, "name": key.Name}
}

func (s *Store) Load(ctx context.Context) (*store.State, error) {
	state := &store.State{}

	rows, err := s.query(ctx, s.dialect.From("destinations").
		Select("name", "head", "enqueue_count", "released_count").
		Order(goqu.C("name").Asc()).Prepared(true))
	if err != nil {
		return nil, fmt.Errorf("failed to load destinations: %w", err)
	}
	for rows.Next() {
		d := &store.DestinationRecord{}
		if err := rows.Scan(&d.Name, &d.Head, &d.EnqueueCount, &d.ReleasedCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		state.Destinations = append(state.Destinations, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.query(ctx, s.dialect.From("subscriptions").
		Select("client_id", "name", "destination", "selector", "no_local", "generation",
			"cursor", "enqueue_counter", "dequeue_counter", "created_at").
		Order(goqu.C("client_id").Asc(), goqu.C("name").Asc()).Prepared(true))
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r := &store.SubscriptionRecord{}
		if err := rows.Scan(&r.Key.ClientID, &r.Key.Name, &r.Destination, &r.Selector, &r.NoLocal,
			&r.Generation, &r.Cursor, &r.EnqueueCounter, &r.DequeueCounter, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		state.Subscriptions = append(state.Subscriptions, r)
	}
	return state, rows.Err()
}

func (s *Store) ensureDestination(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := exec(ctx, tx, s.dialect.Insert("destinations").
		Rows(goqu.Record{"name": name}).
		OnConflict(goqu.DoNothing()).Prepared(true))
	return err
}

func (s *Store) Commit(ctx context.Context, c *store.Commit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range c.Entries {
			m := e.Message
			if err := s.ensureDestination(ctx, tx, m.Destination); err != nil {
				return fmt.Errorf("failed to create destination %s: %w", m.Destination, err)
			}

			res, err := exec(ctx, tx, s.dialect.Update("destinations").
				Set(goqu.Record{
					"head":          m.Seq,
					"enqueue_count": goqu.L("enqueue_count + 1"),
				}).
				Where(goqu.C("name").Eq(m.Destination), goqu.C("head").Lt(m.Seq)).Prepared(true))
			if err != nil {
				return fmt.Errorf("failed to advance head of %s: %w", m.Destination, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("failed to append %s: sequence not after head", m)
			}

			body, err := encoding.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", m, err)
			}
			if _, err := exec(ctx, tx, s.dialect.Insert("messages").
				Rows(goqu.Record{"destination": m.Destination, "seq": m.Seq, "body": body}).Prepared(true)); err != nil {
				return fmt.Errorf("failed to insert %s: %w", m, err)
			}

			for _, ref := range e.Subscribers {
				res, err := exec(ctx, tx, s.dialect.Update("subscriptions").
					Set(goqu.Record{"enqueue_counter": goqu.L("enqueue_counter + 1")}).
					Where(keyEx(ref.Key), goqu.Ex{"generation": ref.Generation, "destination": m.Destination}).
					Prepared(true))
				if err != nil {
					return fmt.Errorf("failed to count reference for %s: %w", ref.Key, err)
				}
				if n, _ := res.RowsAffected(); n == 0 {
					continue
				}
				if _, err := exec(ctx, tx, s.dialect.Insert("refs").
					Rows(goqu.Record{
						"client_id":   ref.Key.ClientID,
						"name":        ref.Key.Name,
						"seq":         m.Seq,
						"destination": m.Destination,
					}).Prepared(true)); err != nil {
					return fmt.Errorf("failed to insert reference for %s: %w", ref.Key, err)
				}
			}
		}
		return nil
	})
}

func (s *Store) readBodies(ctx context.Context, b sqlBuilder) ([]*store.Message, error) {
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		m := &store.Message{}
		if err := encoding.Unmarshal(body, m); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ReadFrom(ctx context.Context, dest string, after uint64, limit int) ([]*store.Message, error) {
	ds := s.dialect.From("messages").Select("body").
		Where(goqu.C("destination").Eq(dest), goqu.C("seq").Gt(after)).
		Order(goqu.C("seq").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return s.readBodies(ctx, ds.Prepared(true))
}

func (s *Store) ReadMessages(ctx context.Context, dest string, seqs []uint64) ([]*store.Message, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	return s.readBodies(ctx, s.dialect.From("messages").Select("body").
		Where(goqu.C("destination").Eq(dest), goqu.C("seq").In(seqs)).
		Order(goqu.C("seq").Asc()).Prepared(true))
}

func (s *Store) PendingRefs(ctx context.Context, key store.SubscriptionKey, after uint64, limit int) ([]uint64, error) {
	ds := s.dialect.From("refs").Select("seq").
		Where(keyEx(key), goqu.C("seq").Gt(after)).
		Order(goqu.C("seq").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	rows, err := s.query(ctx, ds.Prepared(true))
	if err != nil {
		return nil, fmt.Errorf("failed to read references: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

func (s *Store) SaveSubscription(ctx context.Context, rec *store.SubscriptionRecord, reset bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if reset {
			if _, err := exec(ctx, tx, s.dialect.Delete("refs").Where(keyEx(rec.Key)).Prepared(true)); err != nil {
				return fmt.Errorf("failed to drop references of %s: %w", rec.Key, err)
			}
		}
		if err := s.ensureDestination(ctx, tx, rec.Destination); err != nil {
			return fmt.Errorf("failed to create destination %s: %w", rec.Destination, err)
		}

		values := goqu.Record{
			"destination":     rec.Destination,
			"selector":        rec.Selector,
			"no_local":        rec.NoLocal,
			"generation":      rec.Generation,
			"cursor":          rec.Cursor,
			"enqueue_counter": rec.EnqueueCounter,
			"dequeue_counter": rec.DequeueCounter,
			"created_at":      rec.CreatedAt,
		}
		row := goqu.Record{"client_id": rec.Key.ClientID, "name": rec.Key.Name}
		for k, v := range values {
			row[k] = v
		}
		if _, err := exec(ctx, tx, s.dialect.Insert("subscriptions").Rows(row).
			OnConflict(goqu.DoUpdate("client_id, name", values)).Prepared(true)); err != nil {
			return fmt.Errorf("failed to save subscription %s: %w", rec.Key, err)
		}
		return nil
	})
}

func (s *Store) Acknowledge(ctx context.Context, ack *store.Ack) (*store.AckResult, error) {
	res := &store.AckResult{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row, err := queryRow(ctx, tx, s.dialect.From("subscriptions").
			Select("destination", "generation", "cursor").
			Where(keyEx(ack.Key)).Prepared(true))
		if err != nil {
			return err
		}
		var dest string
		var gen, cursor uint64
		if err := row.Scan(&dest, &gen, &cursor); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("subscription %s: %w", ack.Key, store.ErrNotFound)
			}
			return fmt.Errorf("failed to read subscription %s: %w", ack.Key, err)
		}
		if gen != ack.Generation {
			return fmt.Errorf("subscription %s generation %d: %w", ack.Key, ack.Generation, store.ErrNotFound)
		}

		for _, seq := range ack.Seqs {
			r, err := exec(ctx, tx, s.dialect.Delete("refs").
				Where(keyEx(ack.Key), goqu.C("seq").Eq(seq)).Prepared(true))
			if err != nil {
				return fmt.Errorf("failed to drop reference %d of %s: %w", seq, ack.Key, err)
			}
			if n, _ := r.RowsAffected(); n == 0 {
				continue
			}
			res.Acked = append(res.Acked, seq)
			if seq > cursor {
				cursor = seq
			}

			row, err := queryRow(ctx, tx, s.dialect.From("refs").Select(goqu.COUNT("*")).
				Where(goqu.C("destination").Eq(dest), goqu.C("seq").Eq(seq)).Prepared(true))
			if err != nil {
				return err
			}
			var remaining int
			if err := row.Scan(&remaining); err != nil {
				return fmt.Errorf("failed to count references of %d: %w", seq, err)
			}
			if remaining == 0 {
				res.Released = append(res.Released, seq)
			}
		}

		if len(res.Acked) == 0 {
			return nil
		}
		if _, err := exec(ctx, tx, s.dialect.Update("subscriptions").
			Set(goqu.Record{
				"cursor":          cursor,
				"dequeue_counter": goqu.L("dequeue_counter + ?", len(res.Acked)),
			}).
			Where(keyEx(ack.Key)).Prepared(true)); err != nil {
			return fmt.Errorf("failed to advance cursor of %s: %w", ack.Key, err)
		}
		if len(res.Released) > 0 {
			if _, err := exec(ctx, tx, s.dialect.Update("destinations").
				Set(goqu.Record{"released_count": goqu.L("released_count + ?", len(res.Released))}).
				Where(goqu.C("name").Eq(dest)).Prepared(true)); err != nil {
				return fmt.Errorf("failed to count dequeues of %s: %w", dest, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) RemoveSubscription(ctx context.Context, key store.SubscriptionKey) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, s.dialect.Delete("refs").Where(keyEx(key)).Prepared(true)); err != nil {
			return fmt.Errorf("failed to drop references of %s: %w", key, err)
		}
		if _, err := exec(ctx, tx, s.dialect.Delete("subscriptions").Where(keyEx(key)).Prepared(true)); err != nil {
			return fmt.Errorf("failed to delete subscription %s: %w", key, err)
		}
		return nil
	})
}

// Compact deletes messages no subscription references.
func (s *Store) Compact(ctx context.Context) (*store.CompactResult, error) {
	res := &store.CompactResult{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := exec(ctx, tx, s.dialect.Delete("messages").Where(goqu.L(
			"NOT EXISTS (SELECT 1 FROM refs WHERE refs.destination = messages.destination AND refs.seq = messages.seq)",
		)).Prepared(true))
		if err != nil {
			return fmt.Errorf("failed to delete unreferenced messages: %w", err)
		}
		n, _ := r.RowsAffected()
		res.MessagesRemoved = int(n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
