// Package storage implements the repository collaborator on SQLite. The
// core never sees SQL; it talks to the repository through the narrow
// interfaces declared by the engine and the worker.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"tally/internal/aggregate"
	"tally/internal/core"
	"tally/internal/engine"
	"tally/internal/taxonomy"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

const dateLayout = "2006-01-02"

// Save upserts a transaction by id. The unique fingerprint index makes a
// duplicate import fail loudly instead of double-counting.
func (r *SQLiteRepository) Save(ctx context.Context, tx core.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, posted_at, amount_cents, description, source, category,
			 method, confidence, taxonomy_version, fingerprint, tombstone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			method = excluded.method,
			confidence = excluded.confidence,
			taxonomy_version = excluded.taxonomy_version,
			tombstone = excluded.tombstone,
			updated_at = excluded.updated_at`,
		tx.ID,
		tx.PostedAt.UTC().Format(dateLayout),
		tx.Amount.Cents,
		tx.Description,
		tx.Source,
		string(tx.Category),
		string(tx.Method),
		tx.Confidence,
		tx.TaxonomyVer,
		tx.Fingerprint(),
		boolToInt(tx.Tombstone),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, selectTransaction+` WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, engine.ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func (r *SQLiteRepository) FindByFingerprint(ctx context.Context, fingerprint string) (core.Transaction, bool, error) {
	row := r.db.QueryRowContext(ctx, selectTransaction+` WHERE fingerprint = ?`, fingerprint)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, false, nil
	}
	if err != nil {
		return core.Transaction{}, false, fmt.Errorf("find by fingerprint: %w", err)
	}
	return tx, true, nil
}

// ListActive returns all non-tombstoned transactions, oldest first.
func (r *SQLiteRepository) ListActive(ctx context.Context) ([]core.Transaction, error) {
	return r.list(ctx, selectTransaction+` WHERE tombstone = 0 ORDER BY posted_at, id`)
}

// ListUnresolved returns live transactions awaiting manual review.
func (r *SQLiteRepository) ListUnresolved(ctx context.Context) ([]core.Transaction, error) {
	return r.list(ctx,
		selectTransaction+` WHERE tombstone = 0 AND method = ? ORDER BY posted_at, id`,
		string(core.MethodUncategorized))
}

const selectTransaction = `
	SELECT id, posted_at, amount_cents, description, source, category,
	       method, confidence, taxonomy_version, tombstone
	FROM transactions`

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		tx        core.Transaction
		posted    string
		category  string
		method    string
		tombstone int
	)
	err := row.Scan(&tx.ID, &posted, &tx.Amount.Cents, &tx.Description, &tx.Source,
		&category, &method, &tx.Confidence, &tx.TaxonomyVer, &tombstone)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.PostedAt, err = time.Parse(dateLayout, posted)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse posted_at %q: %w", posted, err)
	}
	tx.Category = core.CategoryID(category)
	tx.Method = core.Method(method)
	tx.Tombstone = tombstone != 0
	return tx, nil
}

// SaveBuckets replaces one granularity's persisted buckets atomically.
// Buckets are derived data, so wholesale replacement is always safe.
func (r *SQLiteRepository) SaveBuckets(ctx context.Context, g aggregate.Granularity,
	cats []aggregate.CategoryEntry, vendors []aggregate.VendorEntry) error {

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bucket save: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx,
		`DELETE FROM buckets WHERE granularity = ?`, string(g)); err != nil {
		return fmt.Errorf("clear buckets: %w", err)
	}

	const insert = `
		INSERT INTO buckets (granularity, dimension, group_key, bucket_start, total_cents, tx_count)
		VALUES (?, ?, ?, ?, ?, ?)`
	for _, e := range cats {
		if _, err := dbTx.ExecContext(ctx, insert,
			string(g), "category", string(e.Key.Category),
			e.Key.Start.Format(dateLayout), e.Bucket.TotalCents, e.Bucket.Count); err != nil {
			return fmt.Errorf("insert category bucket: %w", err)
		}
	}
	for _, e := range vendors {
		if _, err := dbTx.ExecContext(ctx, insert,
			string(g), "vendor", e.Key.Vendor,
			e.Key.Start.Format(dateLayout), e.Bucket.TotalCents, e.Bucket.Count); err != nil {
			return fmt.Errorf("insert vendor bucket: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit bucket save: %w", err)
	}
	return nil
}

// LoadBuckets reads one granularity's persisted buckets.
func (r *SQLiteRepository) LoadBuckets(ctx context.Context, g aggregate.Granularity) ([]aggregate.CategoryEntry, []aggregate.VendorEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT dimension, group_key, bucket_start, total_cents, tx_count
		FROM buckets WHERE granularity = ?
		ORDER BY bucket_start, group_key`, string(g))
	if err != nil {
		return nil, nil, fmt.Errorf("load buckets: %w", err)
	}
	defer rows.Close()

	var (
		cats    []aggregate.CategoryEntry
		vendors []aggregate.VendorEntry
	)
	for rows.Next() {
		var (
			dimension, key, start string
			bucket                aggregate.Bucket
		)
		if err := rows.Scan(&dimension, &key, &start, &bucket.TotalCents, &bucket.Count); err != nil {
			return nil, nil, fmt.Errorf("scan bucket: %w", err)
		}
		at, err := time.Parse(dateLayout, start)
		if err != nil {
			return nil, nil, fmt.Errorf("parse bucket_start %q: %w", start, err)
		}
		switch dimension {
		case "category":
			cats = append(cats, aggregate.CategoryEntry{
				Key:    aggregate.CategoryKey{Category: core.CategoryID(key), Start: at},
				Bucket: bucket,
			})
		case "vendor":
			vendors = append(vendors, aggregate.VendorEntry{
				Key:    aggregate.VendorKey{Vendor: key, Start: at},
				Bucket: bucket,
			})
		default:
			slog.WarnContext(ctx, "Unknown bucket dimension", "dimension", dimension)
		}
	}
	return cats, vendors, rows.Err()
}

// SaveTaxonomy persists the full taxonomy state, replacing what is there.
// Taxonomy edits are all-or-nothing; persistence mirrors that in one
// database transaction.
func (r *SQLiteRepository) SaveTaxonomy(ctx context.Context, snap taxonomy.Snapshot) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin taxonomy save: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	if _, err := dbTx.ExecContext(ctx, `DELETE FROM categories`); err != nil {
		return fmt.Errorf("clear categories: %w", err)
	}

	for _, c := range snap.Categories {
		if _, err := dbTx.ExecContext(ctx, `
			INSERT INTO categories (id, name, parent, active) VALUES (?, ?, ?, ?)`,
			string(c.ID), c.Name, string(c.Parent), boolToInt(c.Active)); err != nil {
			return fmt.Errorf("insert category %s: %w", c.ID, err)
		}
	}
	for _, rule := range snap.Rules {
		if _, err := dbTx.ExecContext(ctx, `
			INSERT INTO rules
				(id, category, pattern, is_regex, min_cents, max_cents, source, priority, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(rule.ID), string(rule.Category),
			rule.Predicate.Pattern, boolToInt(rule.Predicate.IsRegex),
			nullableInt(rule.Predicate.MinCents), nullableInt(rule.Predicate.MaxCents),
			rule.Predicate.Source, rule.Priority, boolToInt(rule.Active)); err != nil {
			return fmt.Errorf("insert rule %s: %w", rule.ID, err)
		}
	}
	if _, err := dbTx.ExecContext(ctx, `
		INSERT INTO taxonomy_meta (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snap.Version); err != nil {
		return fmt.Errorf("save taxonomy version: %w", err)
	}

	return dbTx.Commit()
}

// LoadTaxonomy rebuilds the taxonomy from persisted state. Returns
// (nil, nil) when nothing was ever saved, so callers can fall back to the
// seed taxonomy.
func (r *SQLiteRepository) LoadTaxonomy(ctx context.Context) (*taxonomy.Taxonomy, error) {
	var version int64
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM taxonomy_meta WHERE key = 'version'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load taxonomy version: %w", err)
	}

	catRows, err := r.db.QueryContext(ctx,
		`SELECT id, name, parent, active FROM categories`)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	defer catRows.Close()

	var cats []taxonomy.Category
	for catRows.Next() {
		var (
			c          taxonomy.Category
			id, parent string
			active     int
		)
		if err := catRows.Scan(&id, &c.Name, &parent, &active); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.ID = core.CategoryID(id)
		c.Parent = core.CategoryID(parent)
		c.Active = active != 0
		cats = append(cats, c)
	}
	if err := catRows.Err(); err != nil {
		return nil, err
	}

	ruleRows, err := r.db.QueryContext(ctx, `
		SELECT id, category, pattern, is_regex, min_cents, max_cents, source, priority, active
		FROM rules`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer ruleRows.Close()

	var rules []taxonomy.Rule
	for ruleRows.Next() {
		var (
			rule            taxonomy.Rule
			id, category    string
			isRegex, active int
			minVal, maxVal  sql.NullInt64
		)
		if err := ruleRows.Scan(&id, &category, &rule.Predicate.Pattern, &isRegex,
			&minVal, &maxVal, &rule.Predicate.Source, &rule.Priority, &active); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.ID = core.RuleID(id)
		rule.Category = core.CategoryID(category)
		rule.Predicate.IsRegex = isRegex != 0
		rule.Active = active != 0
		if minVal.Valid {
			v := minVal.Int64
			rule.Predicate.MinCents = &v
		}
		if maxVal.Valid {
			v := maxVal.Int64
			rule.Predicate.MaxCents = &v
		}
		rules = append(rules, rule)
	}
	if err := ruleRows.Err(); err != nil {
		return nil, err
	}

	return taxonomy.Load(version, cats, rules)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
