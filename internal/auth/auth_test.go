package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lupamo/realtime-collab/internal/model"
)

const testSecret = "test-secret-key"

func TestAuth_RoundTrip(t *testing.T) {
	a := New(testSecret)

	token, err := a.Token(model.User{ID: 42, Email: "user@example.com", Name: "Dana"}, time.Hour)
	require.NoError(t, err)

	u, err := a.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, model.User{ID: 42, Email: "user@example.com", Name: "Dana"}, u)
}

func TestAuth_MissingCredential(t *testing.T) {
	a := New(testSecret)

	_, err := a.Authenticate("")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestAuth_WrongSecret(t *testing.T) {
	other := New("other-secret")
	token, err := other.Token(model.User{ID: 42}, time.Hour)
	require.NoError(t, err)

	_, err = New(testSecret).Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_ExpiredToken(t *testing.T) {
	a := New(testSecret)
	token, err := a.Token(model.User{ID: 42}, -time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_GarbageToken(t *testing.T) {
	_, err := New(testSecret).Authenticate("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_RejectsUnsignedToken(t *testing.T) {
	claims := jwt.MapClaims{"user_id": 42, "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = New(testSecret).Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_MissingUserID(t *testing.T) {
	claims := jwt.MapClaims{"email": "user@example.com", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = New(testSecret).Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
