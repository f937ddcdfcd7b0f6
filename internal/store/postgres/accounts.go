package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantforge/exec-core/pkg/types"
)

// UserStore persists User rows.
type UserStore struct{ pool *pgxpool.Pool }

func NewUserStore(pool *pgxpool.Pool) *UserStore { return &UserStore{pool: pool} }

func (s *UserStore) Create(ctx context.Context, u types.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, role, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, string(u.Role), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *UserStore) Get(ctx context.Context, id types.ID) (types.User, error) {
	var u types.User
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, role, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &role, &u.CreatedAt)
	if err != nil {
		return types.User{}, mapNoRows(err)
	}
	u.Role = types.Role(role)
	return u, nil
}

// BrokerLinkStore persists BrokerLink rows, including vault ciphertext.
type BrokerLinkStore struct{ pool *pgxpool.Pool }

func NewBrokerLinkStore(pool *pgxpool.Pool) *BrokerLinkStore { return &BrokerLinkStore{pool: pool} }

const brokerLinkCols = `id, user_id, broker_kind, client_code, encrypted_credentials,
	session_state, expires_at, status, last_login_at, created_at`

func scanBrokerLink(scanner interface{ Scan(dest ...any) error }) (types.BrokerLink, error) {
	var l types.BrokerLink
	var status string
	if err := scanner.Scan(&l.ID, &l.UserID, &l.BrokerKind, &l.ClientCode, &l.EncryptedCredentials,
		&l.SessionState, &l.ExpiresAt, &status, &l.LastLoginAt, &l.CreatedAt); err != nil {
		return types.BrokerLink{}, err
	}
	l.Status = types.BrokerLinkStatus(status)
	return l, nil
}

func (s *BrokerLinkStore) Create(ctx context.Context, l types.BrokerLink) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO broker_links (`+brokerLinkCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, l.UserID, l.BrokerKind, l.ClientCode, l.EncryptedCredentials,
		l.SessionState, l.ExpiresAt, string(l.Status), l.LastLoginAt, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create broker link %s: %w", l.ID, err)
	}
	return nil
}

func (s *BrokerLinkStore) Get(ctx context.Context, id types.ID) (types.BrokerLink, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+brokerLinkCols+` FROM broker_links WHERE id = $1`, id)
	l, err := scanBrokerLink(row)
	if err != nil {
		return types.BrokerLink{}, mapNoRows(err)
	}
	return l, nil
}

// ListByUser returns a user's BrokerLinks, newest first, for `GET /brokers`.
func (s *BrokerLinkStore) ListByUser(ctx context.Context, userID types.ID) ([]types.BrokerLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+brokerLinkCols+` FROM broker_links WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list broker links for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []types.BrokerLink
	for rows.Next() {
		l, err := scanBrokerLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Delete removes a BrokerLink and, via ON DELETE CASCADE, its Accounts.
func (s *BrokerLinkStore) Delete(ctx context.Context, id types.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM broker_links WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete broker link %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionState persists the adapter-opaque session token/expiry so a
// restart does not force every link to re-authenticate.
func (s *BrokerLinkStore) UpdateSessionState(ctx context.Context, id types.ID, state string, status types.BrokerLinkStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE broker_links SET session_state = $1, status = $2 WHERE id = $3`,
		state, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update broker link session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AccountStore persists Account rows and is the backing store for
// orchestrator.AccountResolver.
type AccountStore struct{ pool *pgxpool.Pool }

func NewAccountStore(pool *pgxpool.Pool) *AccountStore { return &AccountStore{pool: pool} }

func (s *AccountStore) Create(ctx context.Context, a types.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, broker_link_id, broker_account_ref, currency, margin_available, margin_snapshot_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.BrokerLinkID, a.BrokerAccountRef, a.Currency, a.MarginAvailable, a.MarginSnapshotAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create account %s: %w", a.ID, err)
	}
	return nil
}

func (s *AccountStore) Get(ctx context.Context, id types.ID) (types.Account, error) {
	var a types.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, broker_link_id, broker_account_ref, currency, margin_available, margin_snapshot_at, created_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.BrokerLinkID, &a.BrokerAccountRef, &a.Currency, &a.MarginAvailable, &a.MarginSnapshotAt, &a.CreatedAt)
	if err != nil {
		return types.Account{}, mapNoRows(err)
	}
	return a, nil
}

// ListByBrokerLink returns every Account under one BrokerLink.
func (s *AccountStore) ListByBrokerLink(ctx context.Context, brokerLinkID types.ID) ([]types.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, broker_link_id, broker_account_ref, currency, margin_available, margin_snapshot_at, created_at
		 FROM accounts WHERE broker_link_id = $1`, brokerLinkID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts for broker link %s: %w", brokerLinkID, err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.ID, &a.BrokerLinkID, &a.BrokerAccountRef, &a.Currency, &a.MarginAvailable, &a.MarginSnapshotAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateMarginSnapshot overwrites an account's stored margin figure and
// stamps margin_snapshot_at; no component of this module calls it.
func (s *AccountStore) UpdateMarginSnapshot(ctx context.Context, id types.ID, available decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET margin_available = $1, margin_snapshot_at = NOW() WHERE id = $2`,
		available, id)
	if err != nil {
		return fmt.Errorf("postgres: update margin snapshot %s: %w", id, err)
	}
	return nil
}

// AccountResolver adapts AccountStore+BrokerLinkStore into
// orchestrator.AccountResolver, joining the two tables in one round trip.
type AccountResolver struct{ pool *pgxpool.Pool }

func NewAccountResolver(pool *pgxpool.Pool) *AccountResolver { return &AccountResolver{pool: pool} }

func (r *AccountResolver) Resolve(ctx context.Context, accountID types.ID) (types.BrokerLink, types.Account, error) {
	var a types.Account
	var l types.BrokerLink
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT a.id, a.broker_link_id, a.broker_account_ref, a.currency, a.margin_available, a.margin_snapshot_at, a.created_at,
		       l.id, l.user_id, l.broker_kind, l.client_code, l.encrypted_credentials, l.session_state, l.expires_at, l.status, l.last_login_at, l.created_at
		FROM accounts a JOIN broker_links l ON l.id = a.broker_link_id
		WHERE a.id = $1`, accountID,
	).Scan(
		&a.ID, &a.BrokerLinkID, &a.BrokerAccountRef, &a.Currency, &a.MarginAvailable, &a.MarginSnapshotAt, &a.CreatedAt,
		&l.ID, &l.UserID, &l.BrokerKind, &l.ClientCode, &l.EncryptedCredentials, &l.SessionState, &l.ExpiresAt, &status, &l.LastLoginAt, &l.CreatedAt,
	)
	if err != nil {
		return types.BrokerLink{}, types.Account{}, mapNoRows(err)
	}
	l.Status = types.BrokerLinkStatus(status)
	return l, a, nil
}
