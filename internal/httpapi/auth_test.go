package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canteenpos/internal/domain"
	"canteenpos/internal/store/memory"
)

const testSecret = "test-secret-key-that-is-long-enough"

func TestLoginIssuesTokenCarryingActor(t *testing.T) {
	repo := memory.New()
	user := repo.AddUser(domain.User{Username: "manager", Password: mustHashPassword(t, "s3cret-pass"), FullName: "Canteen Manager", Role: domain.RoleManager, IsActive: true})
	auth := NewAuthManager(testSecret, time.Hour, repo)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: " Manager ", Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, user.ID, resp.User.ID)
	assert.Empty(t, resp.User.Password)

	actor, err := auth.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{UserID: user.ID, Username: "manager", Role: domain.RoleManager}, actor)
}

func TestLoginFailures(t *testing.T) {
	repo := memory.New()
	repo.AddUser(domain.User{Username: "cashier1", Password: mustHashPassword(t, "right-pass"), Role: domain.RoleCashier, IsActive: true})
	repo.AddUser(domain.User{Username: "retired", Password: mustHashPassword(t, "right-pass"), Role: domain.RoleCashier, IsActive: false})
	auth := NewAuthManager(testSecret, time.Hour, repo)

	tests := []struct {
		name string
		req  domain.LoginRequest
		want error
	}{
		{"unknown user", domain.LoginRequest{Username: "ghost", Password: "right-pass"}, ErrInvalidCredentials},
		{"wrong password", domain.LoginRequest{Username: "cashier1", Password: "wrong-pass"}, ErrInvalidCredentials},
		{"empty password", domain.LoginRequest{Username: "cashier1"}, ErrInvalidCredentials},
		{"empty username", domain.LoginRequest{Password: "right-pass"}, ErrInvalidCredentials},
		{"inactive account", domain.LoginRequest{Username: "retired", Password: "right-pass"}, ErrInactiveAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Login(context.Background(), tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestLoginUpgradesLegacyPlainPassword(t *testing.T) {
	repo := memory.New()
	repo.AddUser(domain.User{Username: "owner", Password: "plain-legacy", Role: domain.RoleOwner, IsActive: true})
	auth := NewAuthManager(testSecret, time.Hour, repo)

	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "plain-legacy"})
	require.NoError(t, err)

	stored, err := repo.FindUserByUsername(context.Background(), "owner")
	require.NoError(t, err)
	assert.True(t, isPasswordHash(stored.Password))

	_, err = auth.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "plain-legacy"})
	require.NoError(t, err)
}

func TestLoginLeavesInactiveLegacyPasswordUntouched(t *testing.T) {
	repo := memory.New()
	repo.AddUser(domain.User{Username: "former", Password: "plain-legacy", Role: domain.RoleCashier, IsActive: false})
	auth := NewAuthManager(testSecret, time.Hour, repo)

	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "former", Password: "plain-legacy"})
	require.ErrorIs(t, err, ErrInactiveAccount)

	stored, err := repo.FindUserByUsername(context.Background(), "former")
	require.NoError(t, err)
	assert.Equal(t, "plain-legacy", stored.Password)
}

func TestParseTokenRejectsTampering(t *testing.T) {
	repo := memory.New()
	repo.AddUser(domain.User{Username: "cashier1", Password: mustHashPassword(t, "right-pass"), Role: domain.RoleCashier, IsActive: true})
	auth := NewAuthManager(testSecret, time.Hour, repo)
	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "cashier1", Password: "right-pass"})
	require.NoError(t, err)

	other := NewAuthManager("another-secret-key-that-is-long-enough", time.Hour, repo)
	_, err = other.ParseToken(resp.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.ParseToken(resp.AccessToken + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	repo := memory.New()
	repo.AddUser(domain.User{Username: "cashier1", Password: mustHashPassword(t, "right-pass"), Role: domain.RoleCashier, IsActive: true})
	auth := NewAuthManager(testSecret, time.Minute, repo)
	issued := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	auth.now = func() time.Time { return issued }

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "cashier1", Password: "right-pass"})
	require.NoError(t, err)

	auth.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = auth.ParseToken(resp.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsNoneAndForeignIssuer(t *testing.T) {
	auth := NewAuthManager(testSecret, time.Hour, memory.New())

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "owner", Issuer: tokenIssuer, ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           1,
		Role:             domain.RoleOwner,
	})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ParseToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "owner", Issuer: "someone-else", ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour))},
		UserID:           1,
		Role:             domain.RoleOwner,
	})
	raw, err = foreign.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = auth.ParseToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAttemptLimiterRefillsAndSweeps(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	limiter := newAttemptLimiter(1, 2)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))

	now = now.Add(loginLimiterIdle + time.Minute)
	assert.True(t, limiter.Allow("10.0.0.3"))
	assert.Len(t, limiter.clients, 1)
}
