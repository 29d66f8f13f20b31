package hubspot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/PratikDhanave/crm-client-sync/internal/metrics"
	"github.com/PratikDhanave/crm-client-sync/internal/models"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

// ErrNoCredential is returned when a portal never completed the OAuth install.
var ErrNoCredential = errors.New("hubspot: no credential for portal")

// TokenStore persists OAuth credentials.
type TokenStore interface {
	LatestToken(ctx context.Context, tenantID string) (models.Credential, error)
	SaveToken(ctx context.Context, cred models.Credential) error
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	AppURL       string
	APIBaseURL   string
}

// Gateway owns the OAuth flow and hands out valid access tokens.
type Gateway struct {
	oauth      *oauth2.Config
	client     *Client
	tokens     TokenStore
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewGateway(cfg OAuthConfig, tokens TokenStore, httpClient *http.Client, logger *zap.Logger) *Gateway {
	appURL := strings.TrimRight(cfg.AppURL, "/")
	if appURL == "" {
		appURL = DefaultAppURL
	}
	apiURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIBaseURL
	}
	scope := cfg.Scope
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Gateway{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       strings.Fields(scope),
			Endpoint: oauth2.Endpoint{
				AuthURL:   appURL + "/oauth/authorize",
				TokenURL:  apiURL + "/oauth/v1/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:     NewClient(apiURL, httpClient),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Client returns the API client sharing the gateway's transport.
func (g *Gateway) Client() *Client { return g.client }

// InstallURL is where a portal admin is sent to grant access.
func (g *Gateway) InstallURL(state string) (string, error) {
	if g.oauth.ClientID == "" || g.oauth.RedirectURL == "" {
		return "", errors.New("hubspot: client id and redirect uri must be configured")
	}
	return g.oauth.AuthCodeURL(state), nil
}

// CompleteInstall exchanges an authorization code and stores the resulting credential
// under the portal the token belongs to.
func (g *Gateway) CompleteInstall(ctx context.Context, code string) (models.Credential, error) {
	if g.oauth.ClientID == "" || g.oauth.ClientSecret == "" || g.oauth.RedirectURL == "" {
		return models.Credential{}, errors.New("hubspot: oauth client is not configured")
	}
	tok, err := g.oauth.Exchange(g.oauthContext(ctx), code)
	if err != nil {
		return models.Credential{}, fmt.Errorf("hubspot: exchange code: %w", err)
	}
	info, err := g.client.TokenInfo(ctx, tok.AccessToken)
	if err != nil {
		return models.Credential{}, err
	}

	cred := credentialFrom(info.HubID.String(), tok, g.now().UTC())
	if err := g.tokens.SaveToken(ctx, cred); err != nil {
		return models.Credential{}, fmt.Errorf("hubspot: store token: %w", err)
	}
	g.logger.Info("hubspot app installed",
		zap.String("tenant_id", cred.TenantID),
		zap.String("hub_domain", info.HubDomain),
	)
	return cred, nil
}

// GetToken returns the newest credential for tenantID, refreshing and storing it
// first when the access token is about to expire.
func (g *Gateway) GetToken(ctx context.Context, tenantID string) (models.Credential, error) {
	cred, err := g.tokens.LatestToken(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Credential{}, fmt.Errorf("%w %q", ErrNoCredential, tenantID)
	}
	if err != nil {
		return models.Credential{}, err
	}
	if !cred.Expired(g.now()) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return models.Credential{}, fmt.Errorf("hubspot: token for portal %q expired and cannot be refreshed", tenantID)
	}

	src := g.oauth.TokenSource(g.oauthContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	})
	tok, err := src.Token()
	if err != nil {
		metrics.ObserveTokenRefresh("error")
		return models.Credential{}, fmt.Errorf("hubspot: refresh token: %w", err)
	}
	metrics.ObserveTokenRefresh("ok")

	refreshed := credentialFrom(tenantID, tok, g.now().UTC())
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if err := g.tokens.SaveToken(ctx, refreshed); err != nil {
		g.logger.Warn("refreshed token not stored", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return refreshed, nil
}

func (g *Gateway) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

func credentialFrom(tenantID string, tok *oauth2.Token, now time.Time) models.Credential {
	return models.Credential{
		TenantID:     tenantID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    strings.ToLower(tok.TokenType),
		ExpiresAt:    tok.Expiry,
		CreatedAt:    now,
	}
}
