// Package store indexes completed scrapes so cases can be found by plan
// number after the fact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	configlibsql "planscraper/lib/configutil/libsql"

	_ "embed"
)

//go:embed schema.sql
var Schema string

var ErrNotFound = errors.New("scrape not found")

type Record struct {
	CaseId     string            `json:"caseId"`
	PlanNumber string            `json:"planNumber,omitempty"`
	Folder     string            `json:"folder"`
	Total      int               `json:"total"`
	Downloaded int               `json:"downloaded"`
	Summary    map[string]string `json:"summary,omitempty"`
	ScrapedAt  time.Time         `json:"scrapedAt"`
}

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Open opens the configured database and applies the schema.
func Open(ctx context.Context, config configlibsql.Struct) (Store, error) {
	database, err := config.OpenDB()
	if err != nil {
		return Store{}, err
	}
	s := NewStore(database)
	err = s.Migrate(ctx)
	if err != nil {
		database.Close()
		return Store{}, err
	}
	return s, nil
}

func (s Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s Store) Close() error {
	return s.db.Close()
}

const upsert = `
insert into scrape (case_id, plan_number, folder, total, downloaded, summary, scraped_at)
values (?, ?, ?, ?, ?, ?, ?)
on conflict (case_id) do update set
    plan_number = excluded.plan_number,
    folder = excluded.folder,
    total = excluded.total,
    downloaded = excluded.downloaded,
    summary = excluded.summary,
    scraped_at = excluded.scraped_at`

// Put inserts the record or replaces the one with the same case id.
func (s Store) Put(ctx context.Context, r Record) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsert,
		r.CaseId,
		r.PlanNumber,
		r.Folder,
		r.Total,
		r.Downloaded,
		string(summary),
		r.ScrapedAt.Unix(),
	)
	return err
}

const selectColumns = `select case_id, plan_number, folder, total, downloaded, summary, scraped_at from scrape`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var summary string
	var scrapedAt int64
	err := row.Scan(&r.CaseId, &r.PlanNumber, &r.Folder, &r.Total, &r.Downloaded, &summary, &scrapedAt)
	if err != nil {
		return Record{}, err
	}
	r.ScrapedAt = time.Unix(scrapedAt, 0).UTC()
	if summary != "" && summary != "null" {
		err = json.Unmarshal([]byte(summary), &r.Summary)
		if err != nil {
			return Record{}, err
		}
	}
	return r, nil
}

func (s Store) Get(ctx context.Context, caseId string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` where case_id = ?`, caseId))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// FindByPlan returns the most recent scrape of the plan number.
func (s Store) FindByPlan(ctx context.Context, planNumber string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		selectColumns+` where plan_number = ? collate nocase order by scraped_at desc limit 1`,
		planNumber,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// List returns up to limit records, newest first.
func (s Store) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` order by scraped_at desc, case_id limit ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
