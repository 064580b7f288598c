// Package store archives job snapshots and transcript entries to Postgres.
// It is a write-behind audit record fed by the engine's transition observer;
// the engine itself never reads from it.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apexprotocol/apex-go/pkg/negotiation"
	"github.com/apexprotocol/apex-go/pkg/transcript"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Schema creates the archive tables when they do not exist yet.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          TEXT PRIMARY KEY,
	capability      TEXT NOT NULL,
	buyer           TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	round           INT  NOT NULL,
	max_rounds      INT  NOT NULL,
	offer_minor     BIGINT NOT NULL DEFAULT 0,
	agreed_minor    BIGINT NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT '',
	rail            TEXT NOT NULL,
	deadline        TIMESTAMPTZ,
	output          TEXT NOT NULL DEFAULT '',
	transcript_head TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transcript_entries (
	job_id    TEXT NOT NULL,
	seq       INT  NOT NULL,
	party     TEXT NOT NULL,
	action    TEXT NOT NULL,
	price_minor BIGINT,
	currency  TEXT,
	metadata  TEXT NOT NULL DEFAULT '',
	ts        TIMESTAMPTZ NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL,
	PRIMARY KEY (job_id, seq)
);
`

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, Schema)
	return err
}

// UpsertJob writes one snapshot. Observer callbacks may arrive out of order,
// so stale snapshots (by updated_at) never overwrite newer rows.
func (s *Store) UpsertJob(ctx context.Context, snap negotiation.Snapshot) error {
	currency := snap.CurrentOffer.Currency
	if snap.AgreedPrice.Currency != "" {
		currency = snap.AgreedPrice.Currency
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO jobs(job_id,capability,buyer,state,round,max_rounds,offer_minor,agreed_minor,currency,rail,deadline,output,transcript_head,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (job_id) DO UPDATE SET
	state=EXCLUDED.state, round=EXCLUDED.round,
	offer_minor=EXCLUDED.offer_minor, agreed_minor=EXCLUDED.agreed_minor,
	currency=EXCLUDED.currency, deadline=EXCLUDED.deadline,
	output=EXCLUDED.output, transcript_head=EXCLUDED.transcript_head,
	updated_at=EXCLUDED.updated_at
WHERE EXCLUDED.updated_at >= jobs.updated_at
`, snap.JobID, snap.Capability, snap.Buyer, string(snap.State), snap.Round, snap.MaxRounds,
		snap.CurrentOffer.Minor, snap.AgreedPrice.Minor, currency, snap.Rail,
		snap.Deadline, snap.Output, snap.TranscriptHead, snap.UpdatedAt)
	return err
}

// SaveTranscript appends the entries for one job. Rows are immutable; already
// archived sequence numbers are skipped.
func (s *Store) SaveTranscript(ctx context.Context, jobID string, entries []transcript.Entry) error {
	for i, e := range entries {
		var priceMinor *int64
		var currency *string
		if e.Price != nil {
			priceMinor = &e.Price.Minor
			currency = &e.Price.Currency
		}
		_, err := s.DB.Exec(ctx, `
INSERT INTO transcript_entries(job_id,seq,party,action,price_minor,currency,metadata,ts,prev_hash,hash)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (job_id,seq) DO NOTHING
`, jobID, i, string(e.Party), string(e.Action), priceMinor, currency, e.Metadata, e.Timestamp, e.PrevHash, e.Hash)
		if err != nil {
			return err
		}
	}
	return nil
}

// JobRow is one archived job.
type JobRow struct {
	JobID          string    `json:"job_id"`
	Capability     string    `json:"capability"`
	Buyer          string    `json:"buyer,omitempty"`
	State          string    `json:"state"`
	Round          int       `json:"round"`
	MaxRounds      int       `json:"max_rounds"`
	OfferMinor     int64     `json:"offer_minor"`
	AgreedMinor    int64     `json:"agreed_minor"`
	Currency       string    `json:"currency"`
	Rail           string    `json:"rail"`
	Output         string    `json:"output,omitempty"`
	TranscriptHead string    `json:"transcript_head"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GetJob reads one archived job.
func (s *Store) GetJob(ctx context.Context, jobID string) (JobRow, error) {
	var j JobRow
	err := s.DB.QueryRow(ctx, `
SELECT job_id,capability,buyer,state,round,max_rounds,offer_minor,agreed_minor,currency,rail,output,transcript_head,updated_at
FROM jobs WHERE job_id=$1`, jobID).Scan(
		&j.JobID, &j.Capability, &j.Buyer, &j.State, &j.Round, &j.MaxRounds,
		&j.OfferMinor, &j.AgreedMinor, &j.Currency, &j.Rail, &j.Output, &j.TranscriptHead, &j.UpdatedAt)
	return j, err
}

// ListJobs returns archived jobs in a given state, newest first.
func (s *Store) ListJobs(ctx context.Context, state string, limit int) ([]JobRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
SELECT job_id,capability,buyer,state,round,max_rounds,offer_minor,agreed_minor,currency,rail,output,transcript_head,updated_at
FROM jobs WHERE state=$1 ORDER BY updated_at DESC LIMIT $2`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRow
	for rows.Next() {
		var j JobRow
		if err := rows.Scan(&j.JobID, &j.Capability, &j.Buyer, &j.State, &j.Round, &j.MaxRounds,
			&j.OfferMinor, &j.AgreedMinor, &j.Currency, &j.Rail, &j.Output, &j.TranscriptHead, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Archiver adapts the store into the engine's transition observer, pulling
// each job's transcript from the ledger as it changes.
type Archiver struct {
	store  *Store
	ledger *transcript.Ledger
}

// NewArchiver builds an observer that archives snapshots and transcripts.
func NewArchiver(store *Store, ledger *transcript.Ledger) *Archiver {
	return &Archiver{store: store, ledger: ledger}
}

// Observe persists one transition. Errors are returned for the caller to log;
// archiving never blocks the protocol path.
func (a *Archiver) Observe(ctx context.Context, snap negotiation.Snapshot) error {
	if err := a.store.UpsertJob(ctx, snap); err != nil {
		return err
	}
	return a.store.SaveTranscript(ctx, snap.JobID, a.ledger.Entries(snap.JobID))
}
