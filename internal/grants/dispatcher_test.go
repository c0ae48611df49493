package grants_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/audit"
	"github.com/gatewarden/gatewarden/internal/authcode"
	"github.com/gatewarden/gatewarden/internal/clients"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/crypto"
	"github.com/gatewarden/gatewarden/internal/grants"
	"github.com/gatewarden/gatewarden/internal/oauth"
	"github.com/gatewarden/gatewarden/internal/store"
	"github.com/gatewarden/gatewarden/internal/tokens"
)

type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "plain:" + password, nil }

func (plainHasher) Compare(hash, password string) error {
	if hash != "plain:"+password {
		return crypto.ErrPasswordMismatch
	}
	return nil
}

const redirectURI = "https://app.example.com/callback"

type fixture struct {
	dispatcher *grants.Dispatcher
	codes      *authcode.Service
	tokens     *tokens.Service
	store      *store.MemoryStore
	user       store.User
}

func setup(t *testing.T, passwordGrantEnabled bool) fixture {
	t.Helper()
	s := store.NewMemoryStore()
	hasher := plainHasher{}
	registry := clients.NewRegistry(s, hasher, crypto.NewJWKSFetcher(time.Hour), "https://auth.example.com/token", []string{"RS256"})
	codes := authcode.NewService(s, registry, 5*time.Minute)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := crypto.NewSigner(0, crypto.SigningKey{ID: "sig-1", Alg: "RS256", Material: key})
	require.NoError(t, err)

	tokenService := tokens.NewService(s, signer, audit.Nop{}, tokens.Options{
		Issuer:     "https://auth.example.com",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		Format:     config.FormatJWT,
		Rotation:   config.RotationAlways,
	})

	ctx := context.Background()
	_, err = registry.Register(ctx, clients.RegisterParams{
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

	hash, err := hasher.Hash("alices-password")
	require.NoError(t, err)
	user := store.User{ID: uuid.New(), Username: "alice", PasswordHash: hash}
	require.NoError(t, s.CreateUser(ctx, user))

	return fixture{
		dispatcher: grants.NewDispatcher(registry, codes, tokenService, hasher, s, audit.Nop{}, passwordGrantEnabled),
		codes:      codes,
		tokens:     tokenService,
		store:      s,
		user:       user,
	}
}

func (f fixture) issueCode(t *testing.T, clientID, challenge, method string) string {
	t.Helper()
	code, err := f.codes.Issue(context.Background(), authcode.IssueParams{
		ClientID:            clientID,
		UserID:              f.user.ID,
		RedirectURI:         redirectURI,
		Scope:               "inventory",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	})
	require.NoError(t, err)
	return code
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestToken_AuthorizationCode_ConfidentialClient(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	code := f.issueCode(t, "web-app", "", "")

	pair, err := f.dispatcher.Token(ctx, grants.Request{
		GrantType:   grants.GrantAuthorizationCode,
		Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
		Code:        code,
		RedirectURI: redirectURI,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, "inventory", pair.Scope)

	v, err := f.tokens.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, v.UserID.UUID)
}

func TestToken_AuthorizationCode_PublicClientWithPKCE(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	code := f.issueCode(t, "native-app", s256Challenge(verifier), authcode.MethodS256)

	pair, err := f.dispatcher.Token(ctx, grants.Request{
		GrantType:    grants.GrantAuthorizationCode,
		Credentials:  clients.Credentials{ClientID: "native-app"},
		Code:         code,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
}

func TestToken_AuthorizationCode_ConfidentialClientMustAuthenticate(t *testing.T) {
	f := setup(t, false)
	code := f.issueCode(t, "web-app", "", "")

	// A confidential client presenting no proof is not allowed through the
	// public-client path.
	_, err := f.dispatcher.Token(context.Background(), grants.Request{
		GrantType:   grants.GrantAuthorizationCode,
		Credentials: clients.Credentials{ClientID: "web-app"},
		Code:        code,
		RedirectURI: redirectURI,
	})
	require.Error(t, err)
	assert.Equal(t, oauth.CodeInvalidClient, oauth.AsError(err).Code)
}

func TestToken_RefreshToken(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	code := f.issueCode(t, "web-app", "", "")

	pair, err := f.dispatcher.Token(ctx, grants.Request{
		GrantType:   grants.GrantAuthorizationCode,
		Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
		Code:        code,
		RedirectURI: redirectURI,
	})
	require.NoError(t, err)

	next, err := f.dispatcher.Token(ctx, grants.Request{
		GrantType:    grants.GrantRefreshToken,
		Credentials:  clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
		RefreshToken: pair.RefreshToken,
	})
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	t.Run("missing refresh_token", func(t *testing.T) {
		_, err := f.dispatcher.Token(ctx, grants.Request{
			GrantType:   grants.GrantRefreshToken,
			Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
		})
		require.Error(t, err)
		assert.Equal(t, oauth.CodeInvalidRequest, oauth.AsError(err).Code)
	})
}

func TestToken_ClientCredentials(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	pair, err := f.dispatcher.Token(ctx, grants.Request{
		GrantType:   grants.GrantClientCredentials,
		Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
		Scope:       "inventory",
	})
	require.NoError(t, err)

	v, err := f.tokens.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, v.UserID.Valid, "client_credentials tokens have no user subject")
	assert.Empty(t, pair.RefreshToken, "client_credentials responses carry no refresh token")

	t.Run("public client rejected", func(t *testing.T) {
		_, err := f.dispatcher.Token(ctx, grants.Request{
			GrantType:   grants.GrantClientCredentials,
			Credentials: clients.Credentials{ClientID: "native-app"},
		})
		require.Error(t, err)
		assert.Equal(t, oauth.CodeInvalidClient, oauth.AsError(err).Code)
	})
}

func TestToken_PasswordGrantDisabledByDefault(t *testing.T) {
	f := setup(t, false)

	_, err := f.dispatcher.Token(context.Background(), grants.Request{
		GrantType:   grants.GrantPassword,
		Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
		Username:    "alice",
		Password:    "alices-password",
	})
	require.Error(t, err)
	assert.Equal(t, oauth.CodeUnsupportedGrantType, oauth.AsError(err).Code)
}

func TestToken_PasswordGrantEnabled(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	pair, err := f.dispatcher.Token(ctx, grants.Request{
		GrantType:   grants.GrantPassword,
		Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
		Username:    "alice",
		Password:    "alices-password",
	})
	require.NoError(t, err)

	v, err := f.tokens.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, v.UserID.UUID)

	t.Run("wrong password and unknown user are indistinguishable", func(t *testing.T) {
		_, errWrong := f.dispatcher.Token(ctx, grants.Request{
			GrantType:   grants.GrantPassword,
			Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
			Username:    "alice",
			Password:    "wrong",
		})
		_, errGhost := f.dispatcher.Token(ctx, grants.Request{
			GrantType:   grants.GrantPassword,
			Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
			Username:    "ghost",
			Password:    "whatever",
		})
		require.Error(t, errWrong)
		require.Error(t, errGhost)
		assert.Equal(t, oauth.AsError(errWrong).Response(), oauth.AsError(errGhost).Response())
	})
}

func TestToken_UnsupportedGrantType(t *testing.T) {
	f := setup(t, false)

	_, err := f.dispatcher.Token(context.Background(), grants.Request{
		GrantType:   "urn:ietf:params:oauth:grant-type:device_code",
		Credentials: clients.Credentials{ClientID: "web-app", ClientSecret: "s3cret"},
	})
	require.Error(t, err)
	assert.Equal(t, oauth.CodeUnsupportedGrantType, oauth.AsError(err).Code)
}
