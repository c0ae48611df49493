package authorize_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/authcode"
	"github.com/gatewarden/gatewarden/internal/authorize"
	"github.com/gatewarden/gatewarden/internal/clients"
	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/store"
)

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "plain:" + password, nil }

func (plainHasher) Compare(hash, password string) error {
	if hash != "plain:"+password {
		return crypto.ErrPasswordMismatch
	}
	return nil
}

type denyConsent struct{}

func (denyConsent) Consent(context.Context, uuid.UUID, string, []string) (bool, error) {
	return false, nil
}

const redirectURI = "https://app.example.com/callback"

type fixture struct {
	orchestrator *authorize.Orchestrator
	codes        *authcode.Service
	store        *store.MemoryStore
	session      authorize.Session
}

func setup(t *testing.T, consent authorize.ConsentProvider) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	registry := clients.NewRegistry(s, plainHasher{}, crypto.NewJWKSFetcher(time.Hour), "https://auth.example.com/token", []string{"RS256"})
	codes := authcode.NewService(s, registry, 5*time.Minute)
	ctx := context.Background()

	_, err := registry.Register(ctx, clients.RegisterParams{
		ClientID:     "web-app",
		ClientSecret: "s3cret",
		RedirectURIs: []string{redirectURI},
	})
	require.NoError(t, err)
	_, err = registry.Register(ctx, clients.RegisterParams{
		ClientID:     "native-app",
		RedirectURIs: []string{redirectURI},
	})
	require.NoError(t, err)

	user := store.User{ID: uuid.New(), Username: "alice"}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.CreateResource(ctx, store.Resource{ID: uuid.New(), Name: "inventory"}))

	return fixture{
		orchestrator: authorize.NewOrchestrator(registry, codes, consent, s),
		codes:        codes,
		store:        s,
		session:      authorize.Session{Authenticated: true, UserID: user.ID},
	}
}

func validRequest() authorize.Request {
	return authorize.Request{
		ResponseType:        "code",
		ClientID:            "web-app",
		RedirectURI:         redirectURI,
		Scope:               "inventory",
		State:               "xyzzy",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
	}
}

func redirectParams(t *testing.T, rawURI string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURI)
	require.NoError(t, err)
	return u.Query()
}

func TestAuthorize_UnknownClientNeverRedirects(t *testing.T) {
	f := setup(t, nil)

	req := validRequest()
	req.ClientID = "ghost"
	result := f.orchestrator.Authorize(context.Background(), req, f.session)

	assert.Equal(t, authorize.DispositionDirectError, result.Disposition)
	assert.Empty(t, result.RedirectURI)
	assert.Equal(t, oauth.CodeInvalidRequest, result.Err.Code)
}

func TestAuthorize_UnregisteredRedirectNeverRedirects(t *testing.T) {
	f := setup(t, nil)

	req := validRequest()
	req.RedirectURI = "https://evil.example.com/callback"
	result := f.orchestrator.Authorize(context.Background(), req, f.session)

	assert.Equal(t, authorize.DispositionDirectError, result.Disposition)
	assert.Empty(t, result.RedirectURI, "open-redirect guard: never redirect to an unvalidated target")
}

func TestAuthorize_UnsupportedResponseTypeRedirects(t *testing.T) {
	f := setup(t, nil)

	req := validRequest()
	req.ResponseType = "token"
	result := f.orchestrator.Authorize(context.Background(), req, f.session)

	require.Equal(t, authorize.DispositionRedirect, result.Disposition)
	params := redirectParams(t, result.RedirectURI)
	assert.Equal(t, oauth.CodeUnsupportedResponseType, params.Get("error"))
	assert.Equal(t, "xyzzy", params.Get("state"), "state is echoed on error redirects")
}

func TestAuthorize_UnknownScopeRedirects(t *testing.T) {
	f := setup(t, nil)

	req := validRequest()
	req.Scope = "inventory nonsense"
	result := f.orchestrator.Authorize(context.Background(), req, f.session)

	require.Equal(t, authorize.DispositionRedirect, result.Disposition)
	params := redirectParams(t, result.RedirectURI)
	assert.Equal(t, oauth.CodeInvalidScope, params.Get("error"))
}

func TestAuthorize_PublicClientRequiresPKCE(t *testing.T) {
	f := setup(t, nil)

	req := validRequest()
	req.ClientID = "native-app"
	req.CodeChallenge = ""
	req.CodeChallengeMethod = ""
	result := f.orchestrator.Authorize(context.Background(), req, f.session)

	require.Equal(t, authorize.DispositionRedirect, result.Disposition)
	params := redirectParams(t, result.RedirectURI)
	assert.Equal(t, oauth.CodeInvalidRequest, params.Get("error"))
}

func TestAuthorize_UnauthenticatedRequiresLogin(t *testing.T) {
	f := setup(t, nil)

	result := f.orchestrator.Authorize(context.Background(), validRequest(), authorize.Session{})
	assert.Equal(t, authorize.DispositionLoginRequired, result.Disposition)
}

func TestAuthorize_ConsentDenied(t *testing.T) {
	f := setup(t, denyConsent{})

	result := f.orchestrator.Authorize(context.Background(), validRequest(), f.session)

	require.Equal(t, authorize.DispositionRedirect, result.Disposition)
	params := redirectParams(t, result.RedirectURI)
	assert.Equal(t, oauth.CodeAccessDenied, params.Get("error"))
	assert.Equal(t, "xyzzy", params.Get("state"))
}

func TestAuthorize_SuccessIssuesRedeemableCode(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	result := f.orchestrator.Authorize(ctx, validRequest(), f.session)

	require.Equal(t, authorize.DispositionRedirect, result.Disposition)
	require.Nil(t, result.Err)

	params := redirectParams(t, result.RedirectURI)
	code := params.Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyzzy", params.Get("state"))
	assert.Empty(t, params.Get("error"))

	// RFC 7636 appendix B verifier for the challenge in validRequest.
	redemption, err := f.codes.Redeem(ctx, authcode.RedeemParams{
		Code:         code,
		ClientID:     "web-app",
		RedirectURI:  redirectURI,
		CodeVerifier: "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
	})
	require.NoError(t, err)
	assert.Equal(t, f.session.UserID, redemption.UserID.UUID)
	assert.Equal(t, "inventory", redemption.Scope)
}

func TestAuthorize_EmptyStateNotEchoed(t *testing.T) {
	f := setup(t, nil)

	req := validRequest()
	req.State = ""
	result := f.orchestrator.Authorize(context.Background(), req, f.session)

	require.Equal(t, authorize.DispositionRedirect, result.Disposition)
	params := redirectParams(t, result.RedirectURI)
	_, present := params["state"]
	assert.False(t, present)
}
