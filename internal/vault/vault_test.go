package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/pkg/types"
)

func testKey() string {
	return "0102030405060708090a0b0c0d0e0f100102030405060708090a0b0c0d0e0f10"
}

func TestStoreFetchRoundTrip(t *testing.T) {
	var audited []string
	v, err := New(testKey(), zap.NewNop(), func(event string, _ types.ID) {
		audited = append(audited, event)
	})
	require.NoError(t, err)

	link := types.NewID()
	secrets := Secrets{APIKey: "k", APISecret: "s", ClientID: "c1", TOTPSeed: "3132333435363738393031323334353637383930"}

	ciphertext, err := v.Store(context.Background(), link, secrets)
	require.NoError(t, err)
	require.NotContains(t, string(ciphertext), "apiSecret")

	got, err := v.Fetch(context.Background(), link, ciphertext)
	require.NoError(t, err)
	require.Equal(t, secrets, got)
	require.Equal(t, []string{"store", "fetch"}, audited)
}

func TestFetchRejectsWrongLink(t *testing.T) {
	v, err := New(testKey(), zap.NewNop(), nil)
	require.NoError(t, err)

	link := types.NewID()
	ciphertext, err := v.Store(context.Background(), link, Secrets{APIKey: "k"})
	require.NoError(t, err)

	_, err = v.Fetch(context.Background(), types.NewID(), ciphertext)
	require.Error(t, err)
}

func TestTOTPIsDeterministicPerStep(t *testing.T) {
	seed := "3132333435363738393031323334353637383930" // RFC 6238 test seed, hex
	at := time.Unix(59, 0).UTC()

	code1, err := TOTP(seed, at)
	require.NoError(t, err)
	code2, err := TOTP(seed, at)
	require.NoError(t, err)
	require.Equal(t, code1, code2)
	require.Len(t, code1, 6)

	later, err := TOTP(seed, at.Add(31*time.Second))
	require.NoError(t, err)
	require.NotEqual(t, code1, later)
}
