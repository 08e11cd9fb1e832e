// Package credentials manages the OAuth credential lifecycle: storage,
// proactive refresh ahead of expiry, forced refresh after a 401, and
// invalidation once the provider revokes the grant. Invalid credentials are
// kept, never deleted, so "needs re-auth" stays distinguishable from "never
// connected".
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omnivault/sync-engine/config"
	"github.com/omnivault/sync-engine/models"
)

var (
	ErrNotFound       = errors.New("credential not found")
	ErrReauthRequired = errors.New("credential requires user re-authentication")
)

// refreshBuffer is how far ahead of expiry a token is refreshed, so a token
// cannot expire mid-request.
const refreshBuffer = 5 * time.Minute

// Store persists credentials and fronts the provider token endpoints.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
	oauth  map[string]*oauth2.Config
	log    *zap.Logger

	// group collapses concurrent refreshes of one credential into a single
	// token endpoint call; providers that rotate refresh tokens punish
	// doubled refreshes with revocation.
	group singleflight.Group
}

func NewStore(db *gorm.DB, cipher *Cipher, providers map[string]config.Provider, redirectURL string, logger *zap.Logger) *Store {
	if cipher == nil {
		cipher = &Cipher{}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	oauthConfigs := make(map[string]*oauth2.Config)

	for name, p := range providers {
		if p.TokenURL == "" {
			continue
		}

		oauthConfigs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       p.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		}
	}

	return &Store{
		db:     db,
		cipher: cipher,
		oauth:  oauthConfigs,
		log:    logger,
	}
}

// Save upserts the credential for (user, provider) and marks it valid. The
// caller's struct keeps its plaintext tokens; encryption happens on a copy.
func (s *Store) Save(ctx context.Context, cred *models.Credential) error {
	if err := cred.Validate(); err != nil {
		return fmt.Errorf("invalid credential: %w", err)
	}

	row := *cred
	if row.ID == "" {
		row.ID = uuid.New().String()
	}

	row.Valid = true

	var err error
	if row.AccessToken, err = s.cipher.Encrypt(row.AccessToken); err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	if row.RefreshToken != "" {
		if row.RefreshToken, err = s.cipher.Encrypt(row.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "token_type", "expires_at", "scopes", "valid", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}

	cred.ID = row.ID
	cred.Valid = true

	return nil
}

// Get loads and decrypts the credential for (user, provider).
func (s *Store) Get(ctx context.Context, userID, providerName string) (*models.Credential, error) {
	var cred models.Credential

	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, providerName).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	if err := s.decrypt(&cred); err != nil {
		return nil, err
	}

	return &cred, nil
}

// AccessToken returns a token valid for at least the refresh buffer,
// refreshing it first when needed. It implements provider.TokenProvider.
func (s *Store) AccessToken(ctx context.Context, userID, providerName string) (string, error) {
	cred, err := s.Get(ctx, userID, providerName)
	if err != nil {
		return "", err
	}

	if !cred.Valid {
		return "", fmt.Errorf("%s/%s: %w", userID, providerName, ErrReauthRequired)
	}

	if cred.AccessToken != "" && !cred.ExpiresWithin(refreshBuffer) {
		return cred.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, userID, providerName, false)
	if err != nil {
		return "", err
	}

	return refreshed.AccessToken, nil
}

// ForceRefresh exchanges the refresh token regardless of the recorded
// expiry. It is the hook a 401 response triggers: the provider has already
// rejected the access token, whatever its expiry claims.
func (s *Store) ForceRefresh(ctx context.Context, userID, providerName string) error {
	_, err := s.refresh(ctx, userID, providerName, true)

	return err
}

// Invalidate flips the credential to invalid but keeps the row.
func (s *Store) Invalidate(ctx context.Context, userID, providerName string) error {
	res := s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("user_id = ? AND provider = ?", userID, providerName).
		Update("valid", false)
	if res.Error != nil {
		return fmt.Errorf("invalidate credential: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Providers returns the providers the user holds a valid credential for, in
// stable order.
func (s *Store) Providers(ctx context.Context, userID string) ([]string, error) {
	var names []string

	err := s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("user_id = ? AND valid = ?", userID, true).
		Order("provider").
		Pluck("provider", &names).Error
	if err != nil {
		return nil, fmt.Errorf("list connected providers: %w", err)
	}

	return names, nil
}

// Connections returns the user's credentials with token material blanked,
// for status endpoints.
func (s *Store) Connections(ctx context.Context, userID string) ([]models.Credential, error) {
	var creds []models.Credential

	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("provider").
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	for i := range creds {
		creds[i].AccessToken = ""
		creds[i].RefreshToken = ""
	}

	return creds, nil
}

// AuthCodeURL builds the provider consent URL for the OAuth authorize
// redirect. Offline access is requested so the grant includes a refresh
// token.
func (s *Store) AuthCodeURL(providerName, state string) (string, error) {
	cfg, ok := s.oauth[providerName]
	if !ok || cfg.Endpoint.AuthURL == "" {
		return "", fmt.Errorf("provider %s has no OAuth client configured", providerName)
	}

	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for tokens and stores them.
func (s *Store) Exchange(ctx context.Context, userID, providerName, code string) (*models.Credential, error) {
	cfg, ok := s.oauth[providerName]
	if !ok {
		return nil, fmt.Errorf("provider %s has no OAuth client configured", providerName)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	cred := &models.Credential{
		UserID:       userID,
		Provider:     providerName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Scopes:       models.StringArray(cfg.Scopes),
		Valid:        true,
	}

	if err := s.Save(ctx, cred); err != nil {
		return nil, err
	}

	return cred, nil
}

func (s *Store) refresh(ctx context.Context, userID, providerName string, force bool) (*models.Credential, error) {
	key := userID + "/" + providerName

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.doRefresh(ctx, userID, providerName, force)
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.Credential), nil
}

func (s *Store) doRefresh(ctx context.Context, userID, providerName string, force bool) (*models.Credential, error) {
	cred, err := s.Get(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}

	if !cred.Valid {
		return nil, fmt.Errorf("%s/%s: %w", userID, providerName, ErrReauthRequired)
	}

	// A peer may have refreshed while we waited on the flight group.
	if !force && cred.AccessToken != "" && !cred.ExpiresWithin(refreshBuffer) {
		return cred, nil
	}

	oauthCfg, ok := s.oauth[providerName]
	if !ok {
		return nil, fmt.Errorf("provider %s has no OAuth client configured", providerName)
	}

	if cred.RefreshToken == "" {
		s.invalidateQuietly(ctx, userID, providerName)

		return nil, fmt.Errorf("%s/%s has no refresh token: %w", userID, providerName, ErrReauthRequired)
	}

	// An expiry in the past forces the token source to hit the token
	// endpoint instead of handing back the stored access token.
	stale := &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}

	tok, err := oauthCfg.TokenSource(ctx, stale).Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.Response != nil && retrieve.Response.StatusCode < 500 {
			s.log.Warn("token refresh rejected, invalidating credential",
				zap.String("user", userID),
				zap.String("provider", providerName),
				zap.Int("status", retrieve.Response.StatusCode))

			s.invalidateQuietly(ctx, userID, providerName)

			return nil, fmt.Errorf("refresh rejected for %s/%s: %w", userID, providerName, ErrReauthRequired)
		}

		return nil, fmt.Errorf("refresh token for %s/%s: %w", userID, providerName, err)
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}

	cred.TokenType = tok.TokenType
	cred.ExpiresAt = tok.Expiry
	cred.Valid = true

	if err := s.persistTokens(ctx, cred); err != nil {
		return nil, err
	}

	s.log.Debug("credential refreshed",
		zap.String("user", userID),
		zap.String("provider", providerName),
		zap.Time("expires_at", cred.ExpiresAt))

	return cred, nil
}

func (s *Store) persistTokens(ctx context.Context, cred *models.Credential) error {
	access, err := s.cipher.Encrypt(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	refresh := cred.RefreshToken
	if refresh != "" {
		if refresh, err = s.cipher.Encrypt(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	err = s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("user_id = ? AND provider = ?", cred.UserID, cred.Provider).
		Updates(map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    cred.TokenType,
			"expires_at":    cred.ExpiresAt,
			"valid":         true,
		}).Error
	if err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	return nil
}

func (s *Store) invalidateQuietly(ctx context.Context, userID, providerName string) {
	if err := s.Invalidate(ctx, userID, providerName); err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Error("invalidate credential",
			zap.String("user", userID),
			zap.String("provider", providerName),
			zap.Error(err))
	}
}

func (s *Store) decrypt(cred *models.Credential) error {
	var err error
	if cred.AccessToken, err = s.cipher.Decrypt(cred.AccessToken); err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}

	if cred.RefreshToken != "" {
		if cred.RefreshToken, err = s.cipher.Decrypt(cred.RefreshToken); err != nil {
			return fmt.Errorf("decrypt refresh token: %w", err)
		}
	}

	return nil
}
