package hubspot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/models"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

type fakeHubSpot struct {
	mu         sync.Mutex
	tokenForms []url.Values
}

func (f *fakeHubSpot) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.tokenForms = append(f.tokenForms, r.PostForm)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access-1", "refresh_token": "refresh-1", "token_type": "bearer", "expires_in": 1800,
			})
		case "refresh_token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access-2", "token_type": "bearer", "expires_in": 1800,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/oauth/v1/access-tokens/access-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hub_id":62515,"hub_domain":"demo.hubspot.com","expires_in":1800}`))
	})
	mux.HandleFunc("/crm/v3/objects/contacts/123", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"expired"}`))
			return
		}
		assert.Equal(t, "email,firstname,lastname", r.URL.Query().Get("properties"))
		_, _ = w.Write([]byte(`{"id":"123","properties":{"email":"a@x.com","firstname":"Ada","lastname":"Lovelace"}}`))
	})
	return mux
}

func newTestGateway(t *testing.T) (*Gateway, *store.MemoryStore, *fakeHubSpot) {
	t.Helper()
	fake := &fakeHubSpot{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	tokens := store.NewMemoryStore()
	g := NewGateway(OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://sync.example.com/hubspot/oauth-callback",
		APIBaseURL:   srv.URL,
	}, tokens, srv.Client(), zap.NewNop())
	return g, tokens, fake
}

func TestInstallURL(t *testing.T) {
	g, _, _ := newTestGateway(t)

	raw, err := g.InstallURL("")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "app.hubspot.com", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)
	assert.Equal(t, "client-id", u.Query().Get("client_id"))
	assert.Equal(t, DefaultScope, u.Query().Get("scope"))
	assert.Equal(t, "https://sync.example.com/hubspot/oauth-callback", u.Query().Get("redirect_uri"))

	unconfigured := NewGateway(OAuthConfig{}, store.NewMemoryStore(), nil, zap.NewNop())
	_, err = unconfigured.InstallURL("")
	assert.Error(t, err)
}

func TestCompleteInstallStoresCredentialUnderPortal(t *testing.T) {
	g, tokens, fake := newTestGateway(t)

	cred, err := g.CompleteInstall(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "62515", cred.TenantID)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.False(t, cred.ExpiresAt.IsZero())

	stored, err := tokens.LatestToken(context.Background(), "62515")
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)

	require.Len(t, fake.tokenForms, 1)
	form := fake.tokenForms[0]
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "client-id", form.Get("client_id"))
	assert.Equal(t, "client-secret", form.Get("client_secret"))
}

func TestGetToken(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown portal", func(t *testing.T) {
		g, _, _ := newTestGateway(t)
		_, err := g.GetToken(ctx, "404")
		assert.ErrorIs(t, err, ErrNoCredential)
	})

	t.Run("fresh token is returned as is", func(t *testing.T) {
		g, tokens, fake := newTestGateway(t)
		require.NoError(t, tokens.SaveToken(ctx, models.Credential{TenantID: "1", AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}))

		cred, err := g.GetToken(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "a", cred.AccessToken)
		assert.Empty(t, fake.tokenForms)
	})

	t.Run("expired token is refreshed and stored", func(t *testing.T) {
		g, tokens, fake := newTestGateway(t)
		require.NoError(t, tokens.SaveToken(ctx, models.Credential{TenantID: "1", AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Minute)}))

		cred, err := g.GetToken(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "access-2", cred.AccessToken)
		assert.Equal(t, "r", cred.RefreshToken, "refresh token is kept when HubSpot does not rotate it")

		require.Len(t, fake.tokenForms, 1)
		assert.Equal(t, "r", fake.tokenForms[0].Get("refresh_token"))

		stored, err := tokens.LatestToken(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "access-2", stored.AccessToken)
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		g, tokens, _ := newTestGateway(t)
		require.NoError(t, tokens.SaveToken(ctx, models.Credential{TenantID: "1", AccessToken: "a", ExpiresAt: time.Now().Add(-time.Minute)}))

		_, err := g.GetToken(ctx, "1")
		assert.Error(t, err)
	})
}

func TestFetchContact(t *testing.T) {
	g, _, _ := newTestGateway(t)

	details, err := g.Client().FetchContact(context.Background(), "123", "access-1")
	require.NoError(t, err)
	assert.Equal(t, models.ContactDetails{Email: "a@x.com", FirstName: "Ada", LastName: "Lovelace"}, details)

	_, err = g.Client().FetchContact(context.Background(), "123", "stale")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
