package licensing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/date"
	"github.com/oarkflow/squealx"
	"github.com/oarkflow/squealx/drivers/sqlite"
)

type SQLiteStorage struct {
	db *squealx.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	cleaned := filepath.Clean(strings.TrimSpace(path))
	if cleaned == "" || cleaned == "." {
		return nil, fmt.Errorf("sqlite storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	db, err := sqlite.Open(cleaned, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := configureSQLite(db); err != nil {
		return nil, err
	}
	if err := ensureSQLiteSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

func configureSQLite(db *squealx.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite pragma failed: %w", err)
		}
	}
	return db.Ping()
}

func ensureSQLiteSchema(db *squealx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			email_lower TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			role TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			hardware_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_login_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			models TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			license_token TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS login_records (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			email TEXT NOT NULL,
			hardware_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			success INTEGER NOT NULL,
			reason TEXT,
			timestamp TIMESTAMP NOT NULL,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_login_records_account_id ON login_records(account_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite schema migration failed: %w", err)
		}
	}
	if err := ensureSQLiteColumn(db, "accounts", "last_login_at", "TIMESTAMP"); err != nil {
		return err
	}
	return ensureSQLiteColumn(db, "subscriptions", "license_token", "TEXT NOT NULL DEFAULT ''")
}

func ensureSQLiteColumn(db *squealx.DB, table, column, definition string) error {
	exists, err := sqliteColumnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to add column %s: %w", column, err)
	}
	return nil
}

func sqliteColumnExists(db *squealx.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   any
			notnull any
			dflt    any
			pk      any
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table info: %w", err)
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate table info: %w", err)
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqliteTimeValue struct {
	time.Time
}

func (stv *sqliteTimeValue) Scan(value any) error {
	if value == nil {
		stv.Time = time.Time{}
		return nil
	}
	t, err := parseSQLiteTime(value)
	if err != nil {
		return err
	}
	stv.Time = t.UTC()
	return nil
}

type sqliteNullTime struct {
	Time  time.Time
	Valid bool
}

func (snt *sqliteNullTime) Scan(value any) error {
	if value == nil {
		snt.Valid = false
		snt.Time = time.Time{}
		return nil
	}
	t, err := parseSQLiteTime(value)
	if err != nil {
		return err
	}
	snt.Time = t.UTC()
	snt.Valid = !t.IsZero()
	return nil
}

func parseSQLiteTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseSQLiteTimeString(v)
	case []byte:
		return parseSQLiteTimeString(string(v))
	case int64:
		return time.Unix(v, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value type %T", value)
	}
}

func parseSQLiteTimeString(input string) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := date.Parse(s)
	if err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unable to parse time %q", s)
}

// sqliteTimeLayout is RFC 3339 with a fixed nine digit fraction, so text
// order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqliteTime stores timestamps as fixed-width UTC text so ORDER BY and
// equality guards in SQL stay exact.
func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return sqliteTime(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeModels(models []string) (string, error) {
	if models == nil {
		models = []string{}
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return "", fmt.Errorf("failed to encode models: %w", err)
	}
	return string(raw), nil
}

const accountColumns = `id, email, password_hash, role, active, hardware_id, subscription_id, created_at, updated_at, last_login_at`

func scanAccountRow(scanner rowScanner) (*Account, error) {
	var a Account
	var role string
	var active int
	var createdAt, updatedAt sqliteTimeValue
	var lastLogin sqliteNullTime
	if err := scanner.Scan(
		&a.ID,
		&a.Email,
		&a.PasswordHash,
		&role,
		&active,
		&a.HardwareID,
		&a.SubscriptionID,
		&createdAt,
		&updatedAt,
		&lastLogin,
	); err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.Active = active == 1
	a.CreatedAt = createdAt.Time
	a.UpdatedAt = updatedAt.Time
	if lastLogin.Valid {
		a.LastLoginAt = lastLogin.Time
	}
	return &a, nil
}

const subscriptionColumns = `id, account_id, kind, started_at, expires_at, models, status, license_token, created_at, updated_at`

func scanSubscriptionRow(scanner rowScanner) (*Subscription, error) {
	var sub Subscription
	var kind, status, models string
	var startedAt, expiresAt, createdAt, updatedAt sqliteTimeValue
	if err := scanner.Scan(
		&sub.ID,
		&sub.AccountID,
		&kind,
		&startedAt,
		&expiresAt,
		&models,
		&status,
		&sub.LicenseToken,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	sub.Kind = SubscriptionKind(kind)
	sub.Status = SubscriptionStatus(status)
	sub.StartedAt = startedAt.Time
	sub.ExpiresAt = expiresAt.Time
	sub.CreatedAt = createdAt.Time
	sub.UpdatedAt = updatedAt.Time
	if err := json.Unmarshal([]byte(models), &sub.Models); err != nil {
		return nil, fmt.Errorf("failed to decode models for subscription %s: %w", sub.ID, err)
	}
	return &sub, nil
}

func (s *SQLiteStorage) CreateAccount(ctx context.Context, account *Account) error {
	if account == nil {
		return fmt.Errorf("account is nil")
	}
	query := `INSERT INTO accounts (` + accountColumns + `, email_lower)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		account.ID,
		account.Email,
		account.PasswordHash,
		string(account.Role),
		boolToInt(account.Active),
		account.HardwareID,
		account.SubscriptionID,
		sqliteTime(account.CreatedAt),
		sqliteTime(account.UpdatedAt),
		nullTime(account.LastLoginAt),
		normalizeEmail(account.Email),
	)
	if err != nil {
		if isSQLiteUniqueErr(err) {
			return errAccountExists
		}
		return err
	}
	return nil
}

func (s *SQLiteStorage) UpdateAccount(ctx context.Context, account *Account) error {
	if account == nil {
		return fmt.Errorf("account is nil")
	}
	query := `UPDATE accounts
	          SET email = ?, email_lower = ?, password_hash = ?, role = ?, active = ?, hardware_id = ?,
	              subscription_id = ?, created_at = ?, updated_at = ?, last_login_at = ?
	          WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		account.Email,
		normalizeEmail(account.Email),
		account.PasswordHash,
		string(account.Role),
		boolToInt(account.Active),
		account.HardwareID,
		account.SubscriptionID,
		sqliteTime(account.CreatedAt),
		sqliteTime(account.UpdatedAt),
		nullTime(account.LastLoginAt),
		account.ID,
	)
	if err != nil {
		if isSQLiteUniqueErr(err) {
			return errAccountExists
		}
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errAccountMissing
	}
	return nil
}

func (s *SQLiteStorage) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	account, err := scanAccountRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errAccountMissing
	}
	return account, err
}

func (s *SQLiteStorage) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email_lower = ?`, normalizeEmail(email))
	account, err := scanAccountRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errAccountMissing
	}
	return account, err
}

func (s *SQLiteStorage) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []*Account
	for rows.Next() {
		account, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStorage) DeleteAccount(ctx context.Context, accountID string) error {
	return s.withTx(ctx, func(tx squealx.SQLTx) error {
		// Explicit deletes keep this correct even if foreign_keys is off.
		if _, err := tx.ExecContext(ctx, `DELETE FROM login_records WHERE account_id = ?`, accountID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE account_id = ?`, accountID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, accountID)
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return errAccountMissing
		}
		return nil
	})
}

func (s *SQLiteStorage) BindHardwareID(ctx context.Context, accountID, hardwareID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET hardware_id = ?, updated_at = ?
		 WHERE id = ? AND (hardware_id = '' OR hardware_id = ?)`,
		hardwareID, sqliteTime(at), accountID, hardwareID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return err
	}
	return errHardwareBound
}

func (s *SQLiteStorage) ClearHardwareID(ctx context.Context, accountID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET hardware_id = '', updated_at = ? WHERE id = ?`,
		sqliteTime(at), accountID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errAccountMissing
	}
	return nil
}

func (s *SQLiteStorage) SaveSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	models, err := encodeModels(sub.Models)
	if err != nil {
		return err
	}
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		sub.ID,
		sub.AccountID,
		string(sub.Kind),
		sqliteTime(sub.StartedAt),
		sqliteTime(sub.ExpiresAt),
		models,
		string(sub.Status),
		sub.LicenseToken,
		sqliteTime(sub.CreatedAt),
		sqliteTime(sub.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueErr(err) {
			return errSubscriptionExists
		}
		if isSQLiteForeignKeyErr(err) {
			return errAccountMissing
		}
		return err
	}
	return nil
}

func (s *SQLiteStorage) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	models, err := encodeModels(sub.Models)
	if err != nil {
		return err
	}
	query := `UPDATE subscriptions
	          SET kind = ?, started_at = ?, expires_at = ?, models = ?, status = ?, license_token = ?,
	              created_at = ?, updated_at = ?
	          WHERE id = ? AND account_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(sub.Kind),
		sqliteTime(sub.StartedAt),
		sqliteTime(sub.ExpiresAt),
		models,
		string(sub.Status),
		sub.LicenseToken,
		sqliteTime(sub.CreatedAt),
		sqliteTime(sub.UpdatedAt),
		sub.ID,
		sub.AccountID,
	)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errSubscriptionMissing
	}
	return nil
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, subscriptionID)
	sub, err := scanSubscriptionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errSubscriptionMissing
	}
	return sub, err
}

func (s *SQLiteStorage) GetSubscriptionByAccount(ctx context.Context, accountID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = ?`, accountID)
	sub, err := scanSubscriptionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errSubscriptionMissing
	}
	return sub, err
}

func (s *SQLiteStorage) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at ASC`)
}

func (s *SQLiteStorage) querySubscriptions(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStorage) ExpireSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	candidates, err := s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ? AND kind = ? ORDER BY id ASC`,
		string(StatusActive), string(SubscriptionRental))
	if err != nil {
		return nil, err
	}
	var changed []string
	err = s.withTx(ctx, func(tx squealx.SQLTx) error {
		for _, sub := range candidates {
			if !sub.Expired(now) {
				continue
			}
			// The status guard lets a concurrent renewal win.
			res, err := tx.ExecContext(ctx,
				`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND expires_at = ?`,
				string(StatusExpired), sqliteTime(now), sub.ID, string(StatusActive), sqliteTime(sub.ExpiresAt))
			if err != nil {
				return err
			}
			if rows, _ := res.RowsAffected(); rows > 0 {
				changed = append(changed, sub.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *SQLiteStorage) RecordLogin(ctx context.Context, record *LoginRecord) error {
	if record == nil {
		return fmt.Errorf("login record is nil")
	}
	return s.withTx(ctx, func(tx squealx.SQLTx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO login_records (id, account_id, email, hardware_id, ip_address, user_agent, success, reason, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID,
			record.AccountID,
			record.Email,
			record.HardwareID,
			record.IPAddress,
			record.UserAgent,
			boolToInt(record.Success),
			record.Reason,
			sqliteTime(record.Timestamp),
		)
		if err != nil {
			if isSQLiteForeignKeyErr(err) {
				return errAccountMissing
			}
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM login_records WHERE account_id = ? AND id NOT IN (
				SELECT id FROM login_records WHERE account_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?)`,
			record.AccountID, record.AccountID, maxLoginRecords)
		return err
	})
}

func (s *SQLiteStorage) ListLogins(ctx context.Context, accountID string) ([]*LoginRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, email, hardware_id, ip_address, user_agent, success, reason, timestamp
		 FROM login_records WHERE account_id = ? ORDER BY timestamp ASC, rowid ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*LoginRecord
	for rows.Next() {
		var rec LoginRecord
		var hardwareID, ip, ua, reason sql.NullString
		var success int
		var ts sqliteTimeValue
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Email, &hardwareID, &ip, &ua, &success, &reason, &ts); err != nil {
			return nil, err
		}
		rec.HardwareID = hardwareID.String
		rec.IPAddress = ip.String
		rec.UserAgent = ua.String
		rec.Reason = reason.String
		rec.Success = success == 1
		rec.Timestamp = ts.Time
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(squealx.SQLTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isSQLiteUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isSQLiteForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
