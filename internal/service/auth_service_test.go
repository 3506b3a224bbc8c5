package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/edukit/student-records-api/internal/models"
	appErrors "github.com/edukit/student-records-api/pkg/errors"
)

type fakeUserStore struct {
	users         map[string]*models.User
	refreshTokens map[string]*models.RefreshToken
	nextUserID    int64
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:         make(map[string]*models.User),
		refreshTokens: make(map[string]*models.RefreshToken),
	}
}

func (f *fakeUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	if user, ok := f.users[username]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	for _, user := range f.users {
		if user.ID == id {
			copied := *user
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) Create(ctx context.Context, user *models.User) error {
	if _, ok := f.users[user.Username]; ok {
		return fmt.Errorf("insert user: %w", &pq.Error{Code: "23505"})
	}
	f.nextUserID++
	user.ID = f.nextUserID
	user.CreatedAt = time.Now()
	copied := *user
	f.users[user.Username] = &copied
	return nil
}

func (f *fakeUserStore) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	token.ID = fmt.Sprintf("token-%d", len(f.refreshTokens)+1)
	copied := *token
	f.refreshTokens[token.Token] = &copied
	return nil
}

func (f *fakeUserStore) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if stored, ok := f.refreshTokens[token]; ok {
		copied := *stored
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) RevokeRefreshToken(ctx context.Context, id string) error {
	for _, token := range f.refreshTokens {
		if token.ID == id {
			token.Revoked = true
			return nil
		}
	}
	return sql.ErrNoRows
}

func newAuthTestService(store *fakeUserStore) *AuthService {
	return NewAuthService(store, validator.New(), zap.NewNop(), AuthConfig{
		AccessTokenSecret:  "test-secret",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 24 * time.Hour,
		Issuer:             "student-records-api",
	})
}

func seedUser(t *testing.T, store *fakeUserStore, username, password string, role models.UserRole) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{Username: username, PasswordHash: string(hash), Role: role}
	require.NoError(t, store.Create(context.Background(), user))
	return user
}

func TestAuthServiceLogin(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)
	seedUser(t, store, "jane", "s3cret-pass", models.RoleAdmin)

	resp, err := svc.Login(context.Background(), models.LoginRequest{Username: "jane", Password: "s3cret-pass"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, int64(15*60), resp.ExpiresIn)
	assert.Equal(t, "jane", resp.User.Username)
	assert.Equal(t, models.RoleAdmin, resp.User.Role)

	claims, err := svc.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, claims.UserID)
	assert.Equal(t, "jane", claims.Username)
	assert.Equal(t, models.RoleAdmin, claims.Role)
}

func TestAuthServiceLoginWrongPassword(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)
	seedUser(t, store, "jane", "s3cret-pass", models.RoleEmployee)

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "jane", Password: "wrong"})
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, errorCode(t, err))
}

func TestAuthServiceLoginUnknownUser(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)

	_, err := svc.Login(context.Background(), models.LoginRequest{Username: "ghost", Password: "whatever"})
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, errorCode(t, err))
}

func TestAuthServiceRegisterDefaultsRole(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)

	info, err := svc.Register(context.Background(), models.RegisterRequest{Username: "newbie", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, models.RoleEmployee, info.Role)
	assert.NotZero(t, info.ID)

	// password is stored hashed, never verbatim
	stored := store.users["newbie"]
	assert.NotEqual(t, "secret1", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret1")))
}

func TestAuthServiceRegisterDuplicateUsername(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)
	seedUser(t, store, "jane", "s3cret-pass", models.RoleEmployee)

	_, err := svc.Register(context.Background(), models.RegisterRequest{Username: "jane", Password: "secret1"})
	assert.Equal(t, appErrors.ErrConflict.Code, errorCode(t, err))
}

func TestAuthServiceRefreshTokenRotation(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)
	seedUser(t, store, "jane", "s3cret-pass", models.RoleEmployee)

	login, err := svc.Login(context.Background(), models.LoginRequest{Username: "jane", Password: "s3cret-pass"})
	require.NoError(t, err)

	refreshed, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	// the used token is revoked and cannot be replayed
	_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	assert.Equal(t, appErrors.ErrUnauthorized.Code, errorCode(t, err))
}

func TestAuthServiceRefreshTokenExpired(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)
	user := seedUser(t, store, "jane", "s3cret-pass", models.RoleEmployee)

	stale := &models.RefreshToken{UserID: user.ID, Token: "stale-token", ExpiresAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, store.CreateRefreshToken(context.Background(), stale))

	_, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: "stale-token"})
	assert.Equal(t, appErrors.ErrUnauthorized.Code, errorCode(t, err))
}

func TestAuthServiceValidateTokenRejectsTampered(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)
	seedUser(t, store, "jane", "s3cret-pass", models.RoleEmployee)

	login, err := svc.Login(context.Background(), models.LoginRequest{Username: "jane", Password: "s3cret-pass"})
	require.NoError(t, err)

	other := NewAuthService(store, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "other-secret", AccessTokenExpiry: time.Minute})
	_, err = other.ValidateToken(login.AccessToken)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, errorCode(t, err))
}

func TestAuthServiceProfile(t *testing.T) {
	store := newFakeUserStore()
	svc := newAuthTestService(store)
	user := seedUser(t, store, "jane", "s3cret-pass", models.RoleAdmin)

	info, err := svc.Profile(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane", info.Username)

	_, err = svc.Profile(context.Background(), 999)
	assert.Equal(t, appErrors.ErrNotFound.Code, errorCode(t, err))
}
