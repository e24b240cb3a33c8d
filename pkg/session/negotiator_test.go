package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/backkem/meshtalk/pkg/cipher"
	"github.com/backkem/meshtalk/pkg/identity"
	"github.com/backkem/meshtalk/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNegotiator(t *testing.T) (*Negotiator, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	n, err := NewNegotiator(id, DefaultParams())
	require.NoError(t, err)
	return n, id
}

func decodeOffer(t *testing.T, offer []byte) *message.Envelope {
	t.Helper()
	env, err := message.Decode(offer)
	require.NoError(t, err)
	require.Equal(t, message.TypeHandshakeKey, env.Type)
	return env
}

func TestNegotiator_Agreement(t *testing.T) {
	na, ida := newTestNegotiator(t)
	nb, _ := newTestNegotiator(t)

	offerA, nonceA, err := na.Offer()
	require.NoError(t, err)
	offerB, nonceB, err := nb.Offer()
	require.NoError(t, err)
	assert.Equal(t, ida.PublicKeyBytes(), decodeOffer(t, offerA).Payload)
	assert.Equal(t, nonceA, decodeOffer(t, offerA).Nonce)

	engA, err := na.Derive(nonceA, decodeOffer(t, offerB))
	require.NoError(t, err)
	engB, err := nb.Derive(nonceB, decodeOffer(t, offerA))
	require.NoError(t, err)

	confirm, err := na.Confirm(engA)
	require.NoError(t, err)
	env, err := message.Decode(confirm)
	require.NoError(t, err)
	require.NoError(t, nb.Verify(engB, env))

	nonce, ct, err := engB.Encrypt([]byte("hello"))
	require.NoError(t, err)
	pt, err := engA.Decrypt(nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestNegotiator_FreshKeyPerHandshake(t *testing.T) {
	na, _ := newTestNegotiator(t)
	nb, _ := newTestNegotiator(t)

	session := func() *cipher.Engine {
		offerA, nonceA, err := na.Offer()
		require.NoError(t, err)
		offerB, _, err := nb.Offer()
		require.NoError(t, err)
		assert.False(t, bytes.Equal(offerA, offerB))
		eng, err := na.Derive(nonceA, decodeOffer(t, offerB))
		require.NoError(t, err)
		return eng
	}

	first, second := session(), session()
	nonce, ct, err := first.Encrypt([]byte("old"))
	require.NoError(t, err)
	_, err = second.Decrypt(nonce, ct)
	assert.ErrorIs(t, err, cipher.ErrAuthenticationFailed)
}

func TestNegotiator_VerifyMismatch(t *testing.T) {
	na, _ := newTestNegotiator(t)
	nb, _ := newTestNegotiator(t)
	nc, _ := newTestNegotiator(t)

	offerB, _, err := nb.Offer()
	require.NoError(t, err)
	offerC, _, err := nc.Offer()
	require.NoError(t, err)
	_, nonceA, err := na.Offer()
	require.NoError(t, err)

	withB, err := na.Derive(nonceA, decodeOffer(t, offerB))
	require.NoError(t, err)
	withC, err := na.Derive(nonceA, decodeOffer(t, offerC))
	require.NoError(t, err)

	confirm, err := na.Confirm(withB)
	require.NoError(t, err)
	env, err := message.Decode(confirm)
	require.NoError(t, err)
	assert.ErrorIs(t, na.Verify(withC, env), ErrConfirmationFailed)
}

func TestNegotiator_Errors(t *testing.T) {
	_, err := NewNegotiator(nil, DefaultParams())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	id, err := identity.Generate()
	require.NoError(t, err)
	n, err := newNegotiator(id, DefaultParams(), failingReader{})
	require.NoError(t, err)
	_, _, err = n.Offer()
	assert.Error(t, err)

	id.Destroy()
	na, _ := newTestNegotiator(t)
	offer, _, err := na.Offer()
	require.NoError(t, err)
	_, err = n.Derive(make([]byte, message.HandshakeNonceSize), decodeOffer(t, offer))
	assert.ErrorIs(t, err, identity.ErrDestroyed)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNoSession, StateAwaitingPeerKey, true},
		{StateNoSession, StateReady, false},
		{StateAwaitingPeerKey, StateKeyExchanged, true},
		{StateAwaitingPeerKey, StateReady, false},
		{StateKeyExchanged, StateReady, true},
		{StateKeyExchanged, StateFailed, true},
		{StateReady, StateKeyExchanged, false},
		{StateReady, StateNoSession, true},
		{StateFailed, StateAwaitingPeerKey, true},
		{StateFailed, StateReady, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	assert.True(t, StateKeyExchanged.IsHandshaking())
	assert.False(t, StateReady.IsHandshaking())
	assert.False(t, State(42).IsValid())
	assert.Equal(t, "Ready", StateReady.String())
}

func TestParams(t *testing.T) {
	p := Params{}.WithDefaults()
	assert.Equal(t, DefaultHandshakeTimeout, p.HandshakeTimeout)
	assert.False(t, p.Confirm, "confirm is left as given")
	assert.NoError(t, p.Validate())

	assert.True(t, DefaultParams().Confirm)
	assert.ErrorIs(t, Params{HandshakeTimeout: time.Microsecond}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Params{HandshakeTimeout: time.Hour}.Validate(), ErrInvalidConfig)
}
