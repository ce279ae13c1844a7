// Package zombiezen persists run outcomes and the certificate history in SQLite.
package zombiezen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/certpilot"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier        TEXT NOT NULL,
	domains           TEXT NOT NULL, -- JSON array
	certificate_chain TEXT NOT NULL,
	issued_at         TEXT NOT NULL,
	expires_at        TEXT NOT NULL,
	created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_certificates_identifier ON certificates (identifier);

CREATE TABLE IF NOT EXISTS run_outcomes (
	id          TEXT PRIMARY KEY,
	domain      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	status      TEXT NOT NULL,
	renewed     INTEGER NOT NULL,
	installed   INTEGER NOT NULL,
	renew       INTEGER NOT NULL,
	reason      TEXT NOT NULL,
	remaining   INTEGER NOT NULL,
	stage       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	not_after   TEXT NOT NULL DEFAULT '',
	manual      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_outcomes_domain ON run_outcomes (domain);
`

const outcomeColumns = `id, domain, started_at, finished_at, status, renewed, installed,
	renew, reason, remaining, stage, error, not_after, manual`

// Db implements certpilot.Recorder and certpilot.CertWriter.
type Db struct {
	pool *sqlitex.Pool
}

// New wraps an externally managed pool. Call Migrate before first use.
func New(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.New: received nil pool")
	}
	return &Db{pool: pool}
}

// Open creates a pool on the database file at path and applies the schema.
func Open(ctx context.Context, path string) (*Db, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL,
		PoolSize: 4,
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to open %s: %w", path, err)
	}
	d := New(pool)
	if err := d.Migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return d, nil
}

func (d *Db) Close() error {
	return d.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (d *Db) Migrate(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("db: failed to apply schema: %w", err)
	}
	return nil
}

// AddCert adds a new certificate record to the 'certificates' table.
func (d *Db) AddCert(ctx context.Context, cert certpilot.Cert) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	domains, err := json.Marshal(cert.Domains)
	if err != nil {
		return fmt.Errorf("db: failed to encode domains for identifier %q: %w", cert.Identifier, err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO certificates (
			identifier, domains, certificate_chain, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				cert.Identifier,
				string(domains),
				cert.CertificateChain,
				timeFormat(cert.IssuedAt),
				timeFormat(cert.ExpiresAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}

// Certs returns the archived certificates for identifier, newest first.
func (d *Db) Certs(ctx context.Context, identifier string, limit int) ([]certpilot.Cert, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var certs []certpilot.Cert
	err = sqlitex.Execute(conn,
		`SELECT id, identifier, domains, certificate_chain, issued_at, expires_at
		FROM certificates WHERE identifier = ? ORDER BY id DESC LIMIT ?;`,
		&sqlitex.ExecOptions{
			Args: []any{identifier, limitOrAll(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var domains []string
				if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &domains); err != nil {
					return fmt.Errorf("decode domains of certificate %d: %w", stmt.ColumnInt64(0), err)
				}
				certs = append(certs, certpilot.Cert{
					ID:               stmt.ColumnInt64(0),
					Identifier:       stmt.ColumnText(1),
					Domains:          domains,
					CertificateChain: stmt.ColumnText(3),
					IssuedAt:         parseTime(stmt.ColumnText(4)),
					ExpiresAt:        parseTime(stmt.ColumnText(5)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to list certificates for identifier %q: %w", identifier, err)
	}
	return certs, nil
}

// Record appends a run outcome.
func (d *Db) Record(ctx context.Context, o certpilot.RunOutcome) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	manual := ""
	if o.Manual != nil {
		b, err := json.Marshal(o.Manual)
		if err != nil {
			return fmt.Errorf("db: failed to encode manual delivery: %w", err)
		}
		manual = string(b)
	}
	notAfter := ""
	if !o.NotAfter.IsZero() {
		notAfter = timeFormat(o.NotAfter)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO run_outcomes (`+outcomeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				o.ID,
				o.Domain,
				timeFormat(o.StartedAt),
				timeFormat(o.FinishedAt),
				string(o.Status),
				boolInt(o.Renewed),
				boolInt(o.Installed),
				boolInt(o.Decision.Renew),
				string(o.Decision.Reason),
				int64(o.Decision.Remaining),
				string(o.Stage),
				o.Error,
				notAfter,
				manual,
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert run outcome %q: %w", o.ID, err)
	}
	return nil
}

// Last returns the most recently recorded outcome for domain, or nil.
func (d *Db) Last(ctx context.Context, domain string) (*certpilot.RunOutcome, error) {
	outcomes, err := d.History(ctx, domain, 1)
	if err != nil || len(outcomes) == 0 {
		return nil, err
	}
	return &outcomes[0], nil
}

// History returns up to limit outcomes for domain, newest first. A limit of zero
// returns all of them.
func (d *Db) History(ctx context.Context, domain string, limit int) ([]certpilot.RunOutcome, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var outcomes []certpilot.RunOutcome
	err = sqlitex.Execute(conn,
		`SELECT `+outcomeColumns+` FROM run_outcomes
		WHERE domain = ? ORDER BY rowid DESC LIMIT ?;`,
		&sqlitex.ExecOptions{
			Args: []any{domain, limitOrAll(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				o, err := scanOutcome(stmt)
				if err != nil {
					return err
				}
				outcomes = append(outcomes, o)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to read outcomes for %q: %w", domain, err)
	}
	return outcomes, nil
}

func scanOutcome(stmt *sqlite.Stmt) (certpilot.RunOutcome, error) {
	o := certpilot.RunOutcome{
		ID:         stmt.ColumnText(0),
		Domain:     stmt.ColumnText(1),
		StartedAt:  parseTime(stmt.ColumnText(2)),
		FinishedAt: parseTime(stmt.ColumnText(3)),
		Status:     certpilot.OutcomeStatus(stmt.ColumnText(4)),
		Renewed:    stmt.ColumnInt64(5) != 0,
		Installed:  stmt.ColumnInt64(6) != 0,
		Decision: certpilot.RenewalDecision{
			Renew:     stmt.ColumnInt64(7) != 0,
			Reason:    certpilot.RenewalReason(stmt.ColumnText(8)),
			Remaining: time.Duration(stmt.ColumnInt64(9)),
		},
		Stage:    certpilot.Stage(stmt.ColumnText(10)),
		Error:    stmt.ColumnText(11),
		NotAfter: parseTime(stmt.ColumnText(12)),
	}
	if manual := stmt.ColumnText(13); manual != "" {
		o.Manual = &certpilot.ManualDelivery{}
		if err := json.Unmarshal([]byte(manual), o.Manual); err != nil {
			return o, fmt.Errorf("decode manual delivery of %q: %w", o.ID, err)
		}
	}
	return o, nil
}

func timeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func limitOrAll(limit int) int64 {
	if limit <= 0 {
		return -1
	}
	return int64(limit)
}
