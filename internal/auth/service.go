package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/config"
	"github.com/voxchat/voxd/internal/server"
	"github.com/voxchat/voxd/internal/user"
)

// Service implements authentication business logic, keeping HTTP handlers thin and focused on request parsing /
// response formatting. It also satisfies gateway.Authenticator, gateway.UserDirectory, and ratelimit.TokenResolver,
// so it is the one thing those packages depend on for identity.
type Service struct {
	users      user.Repository
	tokens     TokenStore
	config     *config.Config
	serverRepo server.Repository
	log        zerolog.Logger
	// dummyHash is a precomputed Argon2id hash used to keep login timing constant when a user is not found,
	// preventing username enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new authentication service. It returns an error if the Argon2id configuration is invalid,
// since password hashing is fundamental to every auth operation.
func NewService(users user.Repository, tokens TokenStore, cfg *config.Config, serverRepo server.Repository, logger zerolog.Logger) (*Service, error) {
	dummy, err := HashPassword("vox-dummy-password", cfg.Argon2Memory, cfg.Argon2Iterations, cfg.Argon2Parallelism, cfg.Argon2SaltLength, cfg.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("generate dummy hash: %w", err)
	}
	return &Service{
		users:      users,
		tokens:     tokens,
		config:     cfg,
		serverRepo: serverRepo,
		log:        logger,
		dummyHash:  dummy,
	}, nil
}

// RegisterRequest is the input for Service.Register.
type RegisterRequest struct {
	Username string
	Password string
}

// LoginRequest is the input for Service.Login.
type LoginRequest struct {
	Username string
	Password string
}

// AuthResult is the output for Register and Login.
type AuthResult struct {
	User  user.User
	Token string
}

// Register validates inputs, creates the local user, and returns a session token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	if err := ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := s.hashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	userID, err := s.users.Create(ctx, user.CreateParams{
		Username:     req.Username,
		PasswordHash: hash,
		HomeDomain:   s.config.ServerDomain,
	})
	if err != nil {
		if errors.Is(err, user.ErrAlreadyExists) {
			return nil, ErrUsernameAlreadyTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	token, err := s.tokens.Issue(ctx, userID, PurposeSession, s.config.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}

	s.log.Debug().Int64("user_id", userID).Msg("user registered")

	return &AuthResult{
		User: user.User{
			ID:         userID,
			Username:   req.Username,
			HomeDomain: s.config.ServerDomain,
			Active:     true,
		},
		Token: token,
	}, nil
}

// Login verifies credentials and returns a session token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	creds, err := s.users.GetCredentialsByUsername(ctx, req.Username, s.config.ServerDomain)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value to prevent timing-based username enumeration. Without this, "user not
			// found" returns faster than "wrong password" because Argon2id is skipped.
			_, _ = VerifyPassword(req.Password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if creds.Federated || creds.PasswordHash == nil {
		return nil, ErrFederatedAccount
	}
	if !creds.Active {
		return nil, ErrInvalidCredentials
	}

	match, err := VerifyPassword(req.Password, *creds.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	// Lazy hash rotation: rehash with current parameters if the stored hash was generated with older settings.
	if NeedsRehash(*creds.PasswordHash, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength) {
		if newHash, hashErr := s.hashPassword(req.Password); hashErr == nil {
			if updateErr := s.users.UpdatePasswordHash(ctx, creds.ID, newHash); updateErr != nil {
				s.log.Warn().Err(updateErr).Int64("user_id", creds.ID).Msg("failed to rotate password hash")
			}
		}
	}

	token, err := s.tokens.Issue(ctx, creds.ID, PurposeSession, s.config.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}

	return &AuthResult{User: creds.User, Token: token}, nil
}

// Logout revokes a single session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

// IssueFederationToken mints a fed_-prefixed token for a remote user admitted through the federation join handshake.
func (s *Service) IssueFederationToken(ctx context.Context, userID int64, ttl time.Duration) (string, error) {
	token, err := s.tokens.Issue(ctx, userID, PurposeFederation, ttl)
	if err != nil {
		return "", fmt.Errorf("issue federation token: %w", err)
	}
	return token, nil
}

// ValidateSessionToken satisfies gateway.Authenticator: it resolves a vox_sess_ token to its owning user.
func (s *Service) ValidateSessionToken(ctx context.Context, token string) (int64, error) {
	userID, err := s.tokens.Resolve(ctx, PurposeSession, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}
	return userID, nil
}

// ResolveToken satisfies ratelimit.TokenResolver: the rate limiter only cares about the owning user, not the
// token's purpose, since it is classifying traffic rather than authorizing it.
func (s *Service) ResolveToken(ctx context.Context, token string) (int64, error) {
	purpose, ok := purposeOf(token)
	if !ok {
		return 0, ErrTokenNotFound
	}
	return s.tokens.Resolve(ctx, purpose, token)
}

// DisplayName satisfies gateway.UserDirectory.
func (s *Service) DisplayName(ctx context.Context, userID int64) (string, error) {
	return s.users.DisplayName(ctx, userID)
}

// ChangePassword verifies the current password, updates the hash, and revokes every other session so other devices
// must re-authenticate.
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	creds, err := s.users.GetCredentialsByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get credentials for password change: %w", err)
	}
	if creds.Federated || creds.PasswordHash == nil {
		return ErrFederatedAccount
	}

	match, err := VerifyPassword(currentPassword, *creds.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify current password: %w", err)
	}
	if !match {
		return ErrInvalidCredentials
	}

	newHash, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, newHash); err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}

	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to revoke sessions after password change")
	}

	return nil
}

// VerifyUserPassword confirms that the provided password matches the stored hash for the given user. Used by
// endpoints that gate sensitive workflows behind a password prompt without performing any mutation.
func (s *Service) VerifyUserPassword(ctx context.Context, userID int64, password string) error {
	creds, err := s.users.GetCredentialsByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get credentials for password verification: %w", err)
	}
	if creds.Federated || creds.PasswordHash == nil {
		return ErrFederatedAccount
	}

	match, err := VerifyPassword(password, *creds.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return ErrInvalidCredentials
	}
	return nil
}

// DeleteAccount verifies the user's password, checks the user is not the server owner, deactivates the account, and
// revokes every session.
func (s *Service) DeleteAccount(ctx context.Context, userID int64, password string) error {
	if err := s.VerifyUserPassword(ctx, userID, password); err != nil {
		return err
	}

	serverCfg, err := s.serverRepo.Get(ctx)
	if err != nil {
		return fmt.Errorf("get server config: %w", err)
	}
	if serverCfg.OwnerID != nil && *serverCfg.OwnerID == userID {
		return ErrServerOwner
	}

	if err := s.users.Deactivate(ctx, userID); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}

	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to revoke sessions after account deletion")
	}

	s.log.Info().Int64("user_id", userID).Msg("account deactivated")
	return nil
}

func (s *Service) hashPassword(password string) (string, error) {
	hash, err := HashPassword(password, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}
