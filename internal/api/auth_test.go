package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/config"
	"github.com/voxchat/voxd/internal/server"
	"github.com/voxchat/voxd/internal/user"
)

// testTimeout extends the default app.Test() deadline so argon2 hashing under the race detector does not trigger a
// spurious i/o timeout.
var testTimeout = fiber.TestConfig{Timeout: 10 * time.Second}

// fakeUserRepo implements user.Repository for handler tests.
type fakeUserRepo struct {
	nextID int64
	users  map[int64]*user.Credentials
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[int64]*user.Credentials)}
}

func (r *fakeUserRepo) Create(_ context.Context, params user.CreateParams) (int64, error) {
	for _, c := range r.users {
		if c.Username == params.Username && c.HomeDomain == params.HomeDomain {
			return 0, user.ErrAlreadyExists
		}
	}
	r.nextID++
	id := r.nextID
	hash := params.PasswordHash
	r.users[id] = &user.Credentials{
		User:         user.User{ID: id, Username: params.Username, HomeDomain: params.HomeDomain, Active: true},
		PasswordHash: &hash,
	}
	return id, nil
}

func (r *fakeUserRepo) GetOrCreateFederatedStub(_ context.Context, username, homeDomain string) (*user.User, error) {
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) GetByID(_ context.Context, id int64) (*user.User, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cpy := c.User
	return &cpy, nil
}

func (r *fakeUserRepo) GetByUsername(_ context.Context, username, homeDomain string) (*user.User, error) {
	for _, c := range r.users {
		if c.Username == username && c.HomeDomain == homeDomain {
			cpy := c.User
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) GetCredentialsByUsername(_ context.Context, username, homeDomain string) (*user.Credentials, error) {
	for _, c := range r.users {
		if c.Username == username && c.HomeDomain == homeDomain {
			return c, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) GetCredentialsByID(_ context.Context, id int64) (*user.Credentials, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return c, nil
}

func (r *fakeUserRepo) UpdatePasswordHash(_ context.Context, userID int64, hash string) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.PasswordHash = &hash
	return nil
}

func (r *fakeUserRepo) Update(_ context.Context, id int64, params user.UpdateParams) (*user.User, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	if params.DisplayName != nil {
		trimmed := strings.TrimSpace(*params.DisplayName)
		c.DisplayName = &trimmed
	}
	cpy := c.User
	return &cpy, nil
}

func (r *fakeUserRepo) Deactivate(_ context.Context, id int64) error {
	c, ok := r.users[id]
	if !ok {
		return user.ErrNotFound
	}
	c.Active = false
	return nil
}

func (r *fakeUserRepo) DisplayName(_ context.Context, userID int64) (string, error) {
	c, ok := r.users[userID]
	if !ok {
		return "", user.ErrNotFound
	}
	if c.DisplayName != nil {
		return *c.DisplayName, nil
	}
	return c.Username, nil
}

// fakeTokenStore implements auth.TokenStore for handler tests.
type fakeTokenStore struct {
	nextToken int
	tokens    map[string]int64
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]int64)}
}

func (s *fakeTokenStore) Issue(_ context.Context, userID int64, purpose auth.Purpose, _ time.Duration) (string, error) {
	s.nextToken++
	token := string(purpose) + "-" + time.Now().String() + "-" + strings.Repeat("x", s.nextToken)
	s.tokens[token] = userID
	return token, nil
}

func (s *fakeTokenStore) Resolve(_ context.Context, _ auth.Purpose, token string) (int64, error) {
	userID, ok := s.tokens[token]
	if !ok {
		return 0, auth.ErrTokenNotFound
	}
	return userID, nil
}

func (s *fakeTokenStore) Revoke(_ context.Context, token string) error {
	delete(s.tokens, token)
	return nil
}

func (s *fakeTokenStore) RevokeAllForUser(_ context.Context, userID int64) error {
	for t, u := range s.tokens {
		if u == userID {
			delete(s.tokens, t)
		}
	}
	return nil
}

func (s *fakeTokenStore) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// fakeServerRepo implements server.Repository for handler tests.
type fakeServerRepo struct {
	cfg server.Config
}

func (r *fakeServerRepo) Get(_ context.Context) (*server.Config, error) {
	cpy := r.cfg
	return &cpy, nil
}

func (r *fakeServerRepo) UpdateName(_ context.Context, name string) (*server.Config, error) {
	r.cfg.Name = name
	cpy := r.cfg
	return &cpy, nil
}

func (r *fakeServerRepo) SetOwner(_ context.Context, userID int64) error {
	r.cfg.OwnerID = &userID
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		ServerDomain:      "vox.test",
		Argon2Memory:      8 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
		SessionTTL:        24 * time.Hour,
	}
}

func newTestAuthService(t *testing.T) (*auth.Service, *fakeUserRepo, *fakeTokenStore) {
	t.Helper()
	users := newFakeUserRepo()
	tokens := newFakeTokenStore()
	svc, err := auth.NewService(users, tokens, testConfig(), &fakeServerRepo{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("auth.NewService() error = %v", err)
	}
	return svc, users, tokens
}

func decodeJSON(t *testing.T, body io.Reader, v any) {
	t.Helper()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestAuthRegister(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestAuthService(t)
	handler := NewAuthHandler(svc, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/auth/register", handler.Register)

	body := strings.NewReader(`{"username":"alice","password":"correct horse battery"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var out struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	decodeJSON(t, resp.Body, &out)
	if out.Data.Token == "" {
		t.Error("expected a non-empty token")
	}
}

func TestAuthRegisterDuplicateUsername(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestAuthService(t)
	handler := NewAuthHandler(svc, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/auth/register", handler.Register)

	for i := 0; i < 2; i++ {
		body := strings.NewReader(`{"username":"bob","password":"correct horse battery"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", body)
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req, testTimeout)
		if err != nil {
			t.Fatalf("app.Test() error = %v", err)
		}
		_ = resp.Body.Close()
		if i == 1 && resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
		}
	}
}

func TestAuthLoginWrongPassword(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestAuthService(t)
	handler := NewAuthHandler(svc, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/auth/register", handler.Register)
	app.Post("/api/v1/auth/login", handler.Login)

	regBody := strings.NewReader(`{"username":"carol","password":"correct horse battery"}`)
	regReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", regBody)
	regReq.Header.Set("Content-Type", "application/json")
	regResp, err := app.Test(regReq, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	_ = regResp.Body.Close()

	loginBody := strings.NewReader(`{"username":"carol","password":"wrong password"}`)
	loginReq := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", loginBody)
	loginReq.Header.Set("Content-Type", "application/json")
	loginResp, err := app.Test(loginReq, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = loginResp.Body.Close() }()

	if loginResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", loginResp.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthLogout(t *testing.T) {
	t.Parallel()

	svc, users, tokens := newTestAuthService(t)
	_ = users
	handler := NewAuthHandler(svc, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/auth/logout", handler.Logout)

	token, err := tokens.Issue(context.Background(), 1, auth.PurposeSession, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	if _, err := tokens.Resolve(context.Background(), auth.PurposeSession, token); err == nil {
		t.Error("expected token to be revoked")
	}
}

func TestAuthLogoutMissingToken(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestAuthService(t)
	handler := NewAuthHandler(svc, zerolog.Nop())

	app := fiber.New()
	app.Post("/api/v1/auth/logout", handler.Logout)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}
