// Package store keeps datasets, prediction tables and model snapshots in a
// SQLite database.
package store

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/n0madic/go-vfl/data"
	"github.com/n0madic/go-vfl/model"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

//go:embed schema.sql
var schema string

// ErrNotFound reports a name absent from the database.
var ErrNotFound = errors.New("store: not found")

// Store is a SQLite database of named datasets, predictions and models.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the database at path, creating it and its tables as needed.
// The path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps in-memory databases shared
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// inTx runs fn in a transaction, committing when it succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveDataset stores ds under name, replacing any dataset of that name.
func (s *Store) SaveDataset(ctx context.Context, name string, ds *data.Dataset) error {
	if ds == nil {
		return errors.New("store: nil dataset")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE dataset = ?`, name); err != nil {
			return fmt.Errorf("delete observations %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datasets(name, dims) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET dims=excluded.dims`,
			name, ds.Dims()); err != nil {
			return fmt.Errorf("upsert dataset %s: %w", name, err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO observations(dataset, idx, p, x, y) VALUES(?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare observations: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, d := range ds.Data() {
			x, err := json.Marshal(d.X)
			if err != nil {
				return fmt.Errorf("encode observation %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, name, i, d.P, string(x), d.Y); err != nil {
				return fmt.Errorf("insert observation %d: %w", i, err)
			}
		}
		return nil
	})
}

// LoadDataset reads the dataset stored under name.
func (s *Store) LoadDataset(ctx context.Context, name string) (*data.Dataset, error) {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dims FROM datasets WHERE name = ?`, name).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("select dataset %s: %w", name, err)
	}

	ds, err := data.New(dims)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT p, x, y FROM observations WHERE dataset = ? ORDER BY idx`, name)
	if err != nil {
		return nil, fmt.Errorf("select observations %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			d data.Datum
			x string
		)
		if err := rows.Scan(&d.P, &x, &d.Y); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(x), &d.X); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		if err := ds.Augment(d); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read observations %s: %w", name, err)
	}
	return ds, nil
}

// Prediction is one row of a prediction table.
type Prediction struct {
	data.Datum
	Mean, Variance float64
}

// SavePredictions stores the predicted means and variances under name. The
// inputs of both datasets must agree.
func (s *Store) SavePredictions(ctx context.Context, name string, mean, variance *data.Dataset) error {
	if mean == nil || variance == nil {
		return errors.New("store: nil prediction dataset")
	}
	if mean.Len() != variance.Len() {
		return fmt.Errorf("%w: %d means, %d variances", data.ErrDimMismatch, mean.Len(), variance.Len())
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete predictions %s: %w", name, err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO predictions(name, idx, p, x, mean, variance) VALUES(?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare predictions: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		vs := variance.Data()
		for i, d := range mean.Data() {
			if data.Compare(d, vs[i]) != 0 {
				return fmt.Errorf("%w: prediction inputs differ at %d", data.ErrDimMismatch, i)
			}
			x, err := json.Marshal(d.X)
			if err != nil {
				return fmt.Errorf("encode prediction %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, name, i, d.P, string(x), d.Y, vs[i].Y); err != nil {
				return fmt.Errorf("insert prediction %d: %w", i, err)
			}
		}
		return nil
	})
}

// LoadPredictions reads the prediction table stored under name in input
// order.
func (s *Store) LoadPredictions(ctx context.Context, name string) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT p, x, mean, variance FROM predictions WHERE name = ? ORDER BY idx`, name)
	if err != nil {
		return nil, fmt.Errorf("select predictions %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Prediction
	for rows.Next() {
		var (
			r Prediction
			x string
		)
		if err := rows.Scan(&r.P, &x, &r.Mean, &r.Variance); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(x), &r.X); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		r.Y = r.Mean
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read predictions %s: %w", name, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: predictions %s", ErrNotFound, name)
	}
	return out, nil
}

// SaveModel stores the gob state of m under name.
func (s *Store) SaveModel(ctx context.Context, name string, m *model.Model) error {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return fmt.Errorf("encode model %s: %w", name, err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO models(name, kind, state) VALUES(?, ?, ?) ON CONFLICT(name) DO UPDATE SET kind=excluded.kind, state=excluded.state`,
			name, m.Kind().String(), buf.Bytes()); err != nil {
			return fmt.Errorf("upsert model %s: %w", name, err)
		}
		return nil
	})
}

// LoadModel rebuilds the model stored under name. Options are passed to
// model.Load; use model.WithData to reattach observations.
func (s *Store) LoadModel(ctx context.Context, name string, options ...model.Option) (*model.Model, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM models WHERE name = ?`, name).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: model %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("select model %s: %w", name, err)
	}

	m, err := model.Load(bytes.NewReader(state), options...)
	if err != nil {
		return nil, fmt.Errorf("decode model %s: %w", name, err)
	}
	return m, nil
}
