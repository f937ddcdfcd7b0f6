package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/internal/vault"
	"github.com/quantforge/exec-core/pkg/types"
)

// CredentialSource resolves the vault secrets for one BrokerLink into the
// Credentials shape an Adapter expects, computing a fresh TOTP code from
// the stored seed if the adapter requires one (spec §4.2: "the seed never
// leaves the vault return frame" — only the derived code does).
type CredentialSource func(ctx context.Context, link types.BrokerLink) (Credentials, error)

// NewCredentialSource builds a CredentialSource backed by a Vault.
func NewCredentialSource(v *vault.Vault) CredentialSource {
	return func(ctx context.Context, link types.BrokerLink) (Credentials, error) {
		secrets, err := v.Fetch(ctx, link.ID, link.EncryptedCredentials)
		if err != nil {
			return Credentials{}, err
		}
		creds := Credentials{APIKey: secrets.APIKey, APISecret: secrets.APISecret, ClientID: secrets.ClientID}
		if secrets.TOTPSeed != "" {
			code, err := vault.TOTP(secrets.TOTPSeed, time.Now())
			if err != nil {
				return Credentials{}, err
			}
			creds.TOTPCode = code
		}
		return creds, nil
	}
}

// SessionManager owns one live Session per BrokerLink and the per-adapter
// deadlines from spec §4.1 (5s place, 2s metadata, both configurable). A
// Place that returns BROKER_SESSION_EXPIRED is retried exactly once after a
// session refresh, then the failure (if any) is surfaced. Cancel, Convert,
// Margin, Positions and Holdings are not retried: they surface
// BROKER_SESSION_EXPIRED as the adapter returned it.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[types.ID]Session

	creds           CredentialSource
	refreshSF       singleflight.Group
	placeDeadline   time.Duration
	metaDeadline    time.Duration
}

// NewSessionManager builds a manager using the given credential source and
// adapter deadlines.
func NewSessionManager(creds CredentialSource, placeDeadline, metaDeadline time.Duration) *SessionManager {
	return &SessionManager{
		sessions:      make(map[types.ID]Session),
		creds:         creds,
		placeDeadline: placeDeadline,
		metaDeadline:  metaDeadline,
	}
}

func (m *SessionManager) get(link types.ID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[link]
	return s, ok
}

func (m *SessionManager) set(link types.ID, sess Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[link] = sess
}

// ensure returns a non-expired session, connecting or refreshing through a
// per-BrokerLink singleflight group so concurrent legs never double-auth.
func (m *SessionManager) ensure(ctx context.Context, a Adapter, link types.BrokerLink) (Session, error) {
	if sess, ok := m.get(link.ID); ok && !sess.Expired(time.Now()) {
		return sess, nil
	}
	v, err, _ := m.refreshSF.Do(link.ID.String(), func() (any, error) {
		creds, err := m.creds(ctx, link)
		if err != nil {
			return Session{}, err
		}
		if sess, ok := m.get(link.ID); ok {
			refreshed, err := a.Refresh(ctx, sess, creds)
			if err == nil {
				m.set(link.ID, refreshed)
				return refreshed, nil
			}
		}
		sess, err := a.Connect(ctx, creds)
		if err != nil {
			return Session{}, err
		}
		m.set(link.ID, sess)
		return sess, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// Place drives Adapter.Place under the place deadline, with exactly one
// silent re-auth attempt on BROKER_SESSION_EXPIRED per spec §4.1.
func (m *SessionManager) Place(ctx context.Context, a Adapter, link types.BrokerLink, intent OrderIntent) (PlaceResult, error) {
	sess, err := m.ensure(ctx, a, link)
	if err != nil {
		return PlaceResult{}, err
	}

	res, err := callWithDeadline(ctx, m.placeDeadline, func(ctx context.Context) (PlaceResult, error) {
		return a.Place(ctx, sess, intent)
	})
	if !isSessionExpired(err) {
		return res, err
	}

	creds, cerr := m.creds(ctx, link)
	if cerr != nil {
		return PlaceResult{}, err
	}
	refreshed, rerr := a.Refresh(ctx, sess, creds)
	if rerr != nil {
		return PlaceResult{}, err
	}
	m.set(link.ID, refreshed)

	return callWithDeadline(ctx, m.placeDeadline, func(ctx context.Context) (PlaceResult, error) {
		return a.Place(ctx, refreshed, intent)
	})
}

// Cancel drives Adapter.Cancel under the metadata deadline. Used by the
// orchestrator's best-effort rollback path; failures are not retried since
// a rollback is already a best-effort operation.
func (m *SessionManager) Cancel(ctx context.Context, a Adapter, link types.BrokerLink, brokerOrderID string) error {
	sess, err := m.ensure(ctx, a, link)
	if err != nil {
		return err
	}
	_, err = callWithDeadline(ctx, m.metaDeadline, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.Cancel(ctx, sess, brokerOrderID)
	})
	return err
}

// Convert drives Adapter.ConvertPosition under the metadata deadline, for
// brokers that support changing a position's product type (e.g. intraday
// to delivery) without closing it.
func (m *SessionManager) Convert(ctx context.Context, a Adapter, link types.BrokerLink, accountID types.ID, symbol string) error {
	sess, err := m.ensure(ctx, a, link)
	if err != nil {
		return err
	}
	_, err = callWithDeadline(ctx, m.metaDeadline, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.ConvertPosition(ctx, sess, accountID, symbol)
	})
	return err
}

// Margin drives Adapter.Margin under the metadata deadline.
func (m *SessionManager) Margin(ctx context.Context, a Adapter, link types.BrokerLink, accountID types.ID) (Margin, error) {
	sess, err := m.ensure(ctx, a, link)
	if err != nil {
		return Margin{}, err
	}
	return callWithDeadline(ctx, m.metaDeadline, func(ctx context.Context) (Margin, error) {
		return a.Margin(ctx, sess, accountID)
	})
}

// Login forces session establishment for a BrokerLink without placing an
// order, for the explicit connect/login HTTP surface.
func (m *SessionManager) Login(ctx context.Context, a Adapter, link types.BrokerLink) error {
	_, err := m.ensure(ctx, a, link)
	return err
}

// Logout drops the cached session for a BrokerLink and tells the adapter
// to invalidate it upstream.
func (m *SessionManager) Logout(ctx context.Context, a Adapter, link types.BrokerLink) error {
	sess, ok := m.get(link.ID)
	if !ok {
		return nil
	}
	m.mu.Lock()
	delete(m.sessions, link.ID)
	m.mu.Unlock()
	return a.Logout(ctx, sess)
}

// Positions drives Adapter.Positions under the metadata deadline.
func (m *SessionManager) Positions(ctx context.Context, a Adapter, link types.BrokerLink) ([]types.Position, error) {
	sess, err := m.ensure(ctx, a, link)
	if err != nil {
		return nil, err
	}
	return callWithDeadline(ctx, m.metaDeadline, func(ctx context.Context) ([]types.Position, error) {
		return a.Positions(ctx, sess)
	})
}

// Holdings drives Adapter.Holdings under the metadata deadline.
func (m *SessionManager) Holdings(ctx context.Context, a Adapter, link types.BrokerLink) ([]types.Position, error) {
	sess, err := m.ensure(ctx, a, link)
	if err != nil {
		return nil, err
	}
	return callWithDeadline(ctx, m.metaDeadline, func(ctx context.Context) ([]types.Position, error) {
		return a.Holdings(ctx, sess)
	})
}

func isSessionExpired(err error) bool {
	var rerr *rmscore.Error
	return errors.As(err, &rerr) && rerr.Code == rmscore.CodeBrokerSessionExpired
}

// callWithDeadline bounds one adapter call and converts a context deadline
// exceeded into ADAPTER_TIMEOUT, per spec §4.1: "on deadline, the adapter
// returns TIMEOUT and the leg is marked error."
func callWithDeadline[T any](ctx context.Context, deadline time.Duration, fn func(context.Context) (T, error)) (T, error) {
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(dctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-dctx.Done():
		var zero T
		return zero, rmscore.New(rmscore.KindAdapterTransport, rmscore.CodeAdapterTimeout, "adapter call exceeded deadline")
	}
}

