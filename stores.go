/*
 * Copyright 2024 Lakeroad Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package apisuite

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// Book is a single catalogue entry.
type Book struct {
	ID     uint64 `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Year   int    `json:"year"`
}

// Author is a single catalogue author record.
type Author struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Bio  string `json:"bio"`
}

// ErrNotFound is returned by store lookups when no record has the given id.
var ErrNotFound = errors.New("not found")

// CatalogStore is the backing store of the catalogue service. Identifiers
// are assigned by the store and are unique and strictly increasing per
// collection.
type CatalogStore interface {
	GetBook(ctx context.Context, id uint64) (Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	SearchBooks(ctx context.Context, query string) ([]Book, error)
	AddBook(ctx context.Context, title, author string, year int) (Book, error)

	GetAuthor(ctx context.Context, id uint64) (Author, error)
	ListAuthors(ctx context.Context) ([]Author, error)
	AddAuthor(ctx context.Context, name, bio string) (Author, error)

	Close() error
}

// openCatalogStore creates the store selected by cfg, and seeds it if so
// configured and it is empty.
func openCatalogStore(ctx context.Context, cfg *CatalogConfig) (CatalogStore, error) {
	var store CatalogStore
	var err error
	switch cfg.Store {
	case "", "memory":
		store = newMemCatalog()
	case "sqlite":
		store, err = openSqliteCatalog(ctx, cfg.Path)
	case "postgres":
		store, err = openPgCatalog(ctx, cfg)
	default: // should not happen with valid config
		return nil, errors.Errorf("unknown catalogue store %q", cfg.Store)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Seed {
		if err := seedCatalog(ctx, store); err != nil {
			store.Close()
			return nil, errors.Wrap(err, "failed to seed catalogue")
		}
	}
	return store, nil
}

// seedCatalog loads a small fixture into an empty store.
func seedCatalog(ctx context.Context, store CatalogStore) error {
	books, err := store.ListBooks(ctx)
	if err != nil {
		return err
	}
	if len(books) > 0 {
		return nil // only seed an empty catalogue
	}
	if _, err := store.AddBook(ctx, "The Art of Computer Programming", "Donald Knuth", 1968); err != nil {
		return err
	}
	if _, err := store.AddBook(ctx, "Structure and Interpretation of Computer Programs", "Harold Abelson", 1985); err != nil {
		return err
	}
	_, err = store.AddAuthor(ctx, "Donald Knuth", "Computer scientist, creator of TeX")
	return err
}

//------------------------------------------------------------------------------
// in-memory store

// memCatalog keeps the catalogue in two maps guarded by a single
// reader/writer lock. The lock is held only for the duration of each
// operation.
type memCatalog struct {
	mtx          sync.RWMutex
	books        map[uint64]Book
	authors      map[uint64]Author
	nextBookID   uint64
	nextAuthorID uint64
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		books:        make(map[uint64]Book),
		authors:      make(map[uint64]Author),
		nextBookID:   1,
		nextAuthorID: 1,
	}
}

func (m *memCatalog) GetBook(ctx context.Context, id uint64) (Book, error) {
	m.mtx.RLock()
	b, ok := m.books[id]
	m.mtx.RUnlock()
	if !ok {
		return Book{}, ErrNotFound
	}
	return b, nil
}

func (m *memCatalog) ListBooks(ctx context.Context) ([]Book, error) {
	m.mtx.RLock()
	out := make([]Book, 0, len(m.books))
	for _, b := range m.books {
		out = append(out, b)
	}
	m.mtx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCatalog) SearchBooks(ctx context.Context, query string) ([]Book, error) {
	q := strings.ToLower(query)
	m.mtx.RLock()
	out := make([]Book, 0)
	for _, b := range m.books {
		if strings.Contains(strings.ToLower(b.Title), q) {
			out = append(out, b)
		}
	}
	m.mtx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCatalog) AddBook(ctx context.Context, title, author string, year int) (Book, error) {
	m.mtx.Lock()
	id := m.nextBookID
	m.nextBookID++
	b := Book{ID: id, Title: title, Author: author, Year: year}
	m.books[id] = b
	m.mtx.Unlock()
	return b, nil
}

func (m *memCatalog) GetAuthor(ctx context.Context, id uint64) (Author, error) {
	m.mtx.RLock()
	a, ok := m.authors[id]
	m.mtx.RUnlock()
	if !ok {
		return Author{}, ErrNotFound
	}
	return a, nil
}

func (m *memCatalog) ListAuthors(ctx context.Context) ([]Author, error) {
	m.mtx.RLock()
	out := make([]Author, 0, len(m.authors))
	for _, a := range m.authors {
		out = append(out, a)
	}
	m.mtx.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCatalog) AddAuthor(ctx context.Context, name, bio string) (Author, error) {
	m.mtx.Lock()
	id := m.nextAuthorID
	m.nextAuthorID++
	a := Author{ID: id, Name: name, Bio: bio}
	m.authors[id] = a
	m.mtx.Unlock()
	return a, nil
}

func (m *memCatalog) Close() error { return nil }

//------------------------------------------------------------------------------
// sqlite store

const sqliteSchema = `
create table if not exists books (
	id     integer primary key autoincrement,
	title  text not null,
	author text not null,
	year   integer not null
);
create table if not exists authors (
	id   integer primary key autoincrement,
	name text not null,
	bio  text not null
);`

type sqliteCatalog struct {
	db *sql.DB
}

func openSqliteCatalog(ctx context.Context, path string) (*sqliteCatalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create sqlite schema")
	}
	return &sqliteCatalog{db: db}, nil
}

func (s *sqliteCatalog) GetBook(ctx context.Context, id uint64) (Book, error) {
	var b Book
	err := s.db.QueryRowContext(ctx,
		"select id, title, author, year from books where id = ?", id).
		Scan(&b.ID, &b.Title, &b.Author, &b.Year)
	if err == sql.ErrNoRows {
		return Book{}, ErrNotFound
	} else if err != nil {
		return Book{}, errors.Wrap(err, "query failed")
	}
	return b, nil
}

func (s *sqliteCatalog) queryBooks(ctx context.Context, q string, args ...any) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query failed")
	}
	defer rows.Close()
	out := make([]Book, 0)
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.Year); err != nil {
			return nil, errors.Wrap(err, "scan failed")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "query failed")
}

func (s *sqliteCatalog) ListBooks(ctx context.Context) ([]Book, error) {
	return s.queryBooks(ctx, "select id, title, author, year from books order by id")
}

func (s *sqliteCatalog) SearchBooks(ctx context.Context, query string) ([]Book, error) {
	return s.queryBooks(ctx,
		"select id, title, author, year from books where lower(title) like '%'||lower(?)||'%' order by id",
		query)
}

func (s *sqliteCatalog) AddBook(ctx context.Context, title, author string, year int) (Book, error) {
	res, err := s.db.ExecContext(ctx,
		"insert into books (title, author, year) values (?, ?, ?)", title, author, year)
	if err != nil {
		return Book{}, errors.Wrap(err, "insert failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Book{}, errors.Wrap(err, "insert failed")
	}
	return Book{ID: uint64(id), Title: title, Author: author, Year: year}, nil
}

func (s *sqliteCatalog) GetAuthor(ctx context.Context, id uint64) (Author, error) {
	var a Author
	err := s.db.QueryRowContext(ctx,
		"select id, name, bio from authors where id = ?", id).
		Scan(&a.ID, &a.Name, &a.Bio)
	if err == sql.ErrNoRows {
		return Author{}, ErrNotFound
	} else if err != nil {
		return Author{}, errors.Wrap(err, "query failed")
	}
	return a, nil
}

func (s *sqliteCatalog) ListAuthors(ctx context.Context) ([]Author, error) {
	rows, err := s.db.QueryContext(ctx, "select id, name, bio from authors order by id")
	if err != nil {
		return nil, errors.Wrap(err, "query failed")
	}
	defer rows.Close()
	out := make([]Author, 0)
	for rows.Next() {
		var a Author
		if err := rows.Scan(&a.ID, &a.Name, &a.Bio); err != nil {
			return nil, errors.Wrap(err, "scan failed")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "query failed")
}

func (s *sqliteCatalog) AddAuthor(ctx context.Context, name, bio string) (Author, error) {
	res, err := s.db.ExecContext(ctx,
		"insert into authors (name, bio) values (?, ?)", name, bio)
	if err != nil {
		return Author{}, errors.Wrap(err, "insert failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Author{}, errors.Wrap(err, "insert failed")
	}
	return Author{ID: uint64(id), Name: name, Bio: bio}, nil
}

func (s *sqliteCatalog) Close() error { return s.db.Close() }

//------------------------------------------------------------------------------
// postgres store

const pgSchema = `
create table if not exists books (
	id     bigserial primary key,
	title  text not null,
	author text not null,
	year   integer not null
);
create table if not exists authors (
	id   bigserial primary key,
	name text not null,
	bio  text not null
);`

type pgCatalog struct {
	pool *pgxpool.Pool
}

// pgWrap annotates a postgres error, including the SQLSTATE code when the
// server reported one.
func pgWrap(err error, msg string) error {
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return errors.Wrapf(err, "%s (SQLSTATE %s)", msg, pgerr.Code)
	}
	return errors.Wrap(err, msg)
}

func openPgCatalog(ctx context.Context, cfg *CatalogConfig) (*pgCatalog, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres URL")
	}
	if cfg.ConnectTimeout != nil && *cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(*cfg.ConnectTimeout*float64(time.Second)))
		defer cancel()
	}
	pool, err := pgxpool.ConnectConfig(ctx, pcfg)
	if err != nil {
		return nil, pgWrap(err, "failed to connect to postgres")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, pgWrap(err, "failed to create postgres schema")
	}
	return &pgCatalog{pool: pool}, nil
}

func (p *pgCatalog) GetBook(ctx context.Context, id uint64) (Book, error) {
	var bid int64
	var b Book
	err := p.pool.QueryRow(ctx,
		"select id, title, author, year from books where id = $1", int64(id)).
		Scan(&bid, &b.Title, &b.Author, &b.Year)
	if err == pgx.ErrNoRows {
		return Book{}, ErrNotFound
	} else if err != nil {
		return Book{}, pgWrap(err, "query failed")
	}
	b.ID = uint64(bid)
	return b, nil
}

func (p *pgCatalog) queryBooks(ctx context.Context, q string, args ...any) ([]Book, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgWrap(err, "query failed")
	}
	defer rows.Close()
	out := make([]Book, 0)
	for rows.Next() {
		var bid int64
		var b Book
		if err := rows.Scan(&bid, &b.Title, &b.Author, &b.Year); err != nil {
			return nil, pgWrap(err, "scan failed")
		}
		b.ID = uint64(bid)
		out = append(out, b)
	}
	return out, pgWrap(rows.Err(), "query failed")
}

func (p *pgCatalog) ListBooks(ctx context.Context) ([]Book, error) {
	return p.queryBooks(ctx, "select id, title, author, year from books order by id")
}

func (p *pgCatalog) SearchBooks(ctx context.Context, query string) ([]Book, error) {
	return p.queryBooks(ctx,
		"select id, title, author, year from books where lower(title) like '%'||lower($1)||'%' order by id",
		query)
}

func (p *pgCatalog) AddBook(ctx context.Context, title, author string, year int) (Book, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		"insert into books (title, author, year) values ($1, $2, $3) returning id",
		title, author, year).Scan(&id)
	if err != nil {
		return Book{}, pgWrap(err, "insert failed")
	}
	return Book{ID: uint64(id), Title: title, Author: author, Year: year}, nil
}

func (p *pgCatalog) GetAuthor(ctx context.Context, id uint64) (Author, error) {
	var aid int64
	var a Author
	err := p.pool.QueryRow(ctx,
		"select id, name, bio from authors where id = $1", int64(id)).
		Scan(&aid, &a.Name, &a.Bio)
	if err == pgx.ErrNoRows {
		return Author{}, ErrNotFound
	} else if err != nil {
		return Author{}, pgWrap(err, "query failed")
	}
	a.ID = uint64(aid)
	return a, nil
}

func (p *pgCatalog) ListAuthors(ctx context.Context) ([]Author, error) {
	rows, err := p.pool.Query(ctx, "select id, name, bio from authors order by id")
	if err != nil {
		return nil, pgWrap(err, "query failed")
	}
	defer rows.Close()
	out := make([]Author, 0)
	for rows.Next() {
		var aid int64
		var a Author
		if err := rows.Scan(&aid, &a.Name, &a.Bio); err != nil {
			return nil, pgWrap(err, "scan failed")
		}
		a.ID = uint64(aid)
		out = append(out, a)
	}
	return out, pgWrap(rows.Err(), "query failed")
}

func (p *pgCatalog) AddAuthor(ctx context.Context, name, bio string) (Author, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		"insert into authors (name, bio) values ($1, $2) returning id",
		name, bio).Scan(&id)
	if err != nil {
		return Author{}, pgWrap(err, "insert failed")
	}
	return Author{ID: uint64(id), Name: name, Bio: bio}, nil
}

func (p *pgCatalog) Close() error {
	p.pool.Close()
	return nil
}
