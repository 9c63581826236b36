// Package oidc implements identity.Provider against a standard OpenID Connect
// issuer using the resource-owner password grant and refresh tokens.
//
// Plain OIDC has no account management endpoints, so SignUp, ResetPassword
// and ChangePassword return identity.ErrUnsupported.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/sessionstore"
	"github.com/jrsteele09/go-auth-session/internal/token"
)

var _ identity.Provider = (*Provider)(nil)

const errInvalidGrant = "invalid_grant"

// ErrNoRefreshToken is returned by RefreshSession when the issuer did not
// hand out a refresh token (offline_access not granted).
var ErrNoRefreshToken = errors.New("session has no refresh token")

type Provider struct {
	identity.Hub

	oauth      *oauth2.Config
	verifier   *gooidc.IDTokenVerifier
	store      sessionstore.Store
	httpClient *http.Client
	logger     zerolog.Logger
	nowFunc    func() time.Time
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func WithNowFunc(now func() time.Time) Option {
	return func(p *Provider) { p.nowFunc = now }
}

// Discover reads the issuer's discovery document and builds a provider for
// clientID.
func Discover(ctx context.Context, issuer, clientID, clientSecret string, scopes []string, store sessionstore.Store, opts ...Option) (*Provider, error) {
	op, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("[oidc.Discover] failed to create OIDC provider: %w", err)
	}
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email", gooidc.ScopeOfflineAccess}
	}
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     op.Endpoint(),
		Scopes:       scopes,
	}
	return New(cfg, op.Verifier(&gooidc.Config{ClientID: clientID}), store, opts...)
}

// New builds a provider from an explicit OAuth2 config and ID token verifier.
func New(cfg *oauth2.Config, verifier *gooidc.IDTokenVerifier, store sessionstore.Store, opts ...Option) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("[oidc.New] oauth2 config is required")
	}
	if verifier == nil {
		return nil, errors.New("[oidc.New] ID token verifier is required")
	}
	if store == nil {
		return nil, errors.New("[oidc.New] session store is required")
	}

	p := &Provider{
		oauth:    cfg,
		verifier: verifier,
		store:    store,
		logger:   zerolog.Nop(),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "oidc").Logger()
	return p, nil
}

type idClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	SessionID     string `json:"sid"`
}

func (p *Provider) Login(ctx context.Context, email, password string) identity.AuthResult {
	tok, err := p.oauth.PasswordCredentialsToken(p.clientContext(ctx), email, password)
	if err != nil {
		if isInvalidGrant(err) {
			return identity.InvalidCredentials{}
		}
		return identity.Failed(fmt.Errorf("[oidc.Provider.Login] password grant: %w", err))
	}

	claims, idTok, err := p.verify(ctx, tok)
	if err != nil {
		return identity.Failed(fmt.Errorf("[oidc.Provider.Login] %w", err))
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return identity.EmailUnconfirmed{}
	}

	s := p.toSession(tok, claims, idTok.Expiry)
	if err := p.store.Save(ctx, s); err != nil {
		return identity.Failed(fmt.Errorf("[oidc.Provider.Login] save session: %w", err))
	}
	return identity.Authenticated{Session: *s}
}

// Logout forgets the tokens locally. The issuer session ends when the
// refresh token expires.
func (p *Provider) Logout(ctx context.Context) error {
	if err := p.store.Clear(ctx); err != nil {
		return fmt.Errorf("[oidc.Provider.Logout] clear session: %w", err)
	}
	p.Emit(identity.Event{Kind: identity.SignedOut})
	return nil
}

func (p *Provider) SignUp(context.Context, string, string, identity.Metadata) (*identity.SignUpResult, error) {
	return nil, identity.ErrUnsupported
}

func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	s, err := p.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("[oidc.Provider.GetSession] %w", err)
	}
	if s == nil {
		return nil, nil
	}
	if !s.Valid(p.nowFunc()) {
		return nil, p.store.Clear(ctx)
	}
	p.Restored(s)
	return s, nil
}

// RefreshSession runs the refresh-token grant. A rejected refresh token
// clears the session and emits SignedOut.
func (p *Provider) RefreshSession(ctx context.Context) identity.AuthResult {
	current, err := p.store.Load(ctx)
	if err != nil {
		return identity.Failed(fmt.Errorf("[oidc.Provider.RefreshSession] %w", err))
	}
	if current == nil {
		return identity.Failed(identity.ErrNoSession)
	}
	if current.RefreshHandle == "" {
		return identity.Failed(ErrNoRefreshToken)
	}

	// A token without an access token is never valid, which forces the
	// token source to refresh.
	src := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshHandle})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			if clearErr := p.store.Clear(ctx); clearErr != nil {
				p.logger.Debug().Err(clearErr).Msg("clear rejected session")
			}
			p.Emit(identity.Event{Kind: identity.SignedOut})
			return identity.InvalidCredentials{}
		}
		return identity.Failed(fmt.Errorf("[oidc.Provider.RefreshSession] refresh grant: %w", err))
	}

	claims := idClaims{Subject: current.SubjectID, Email: current.Email, SessionID: current.ID}
	idExpiry := current.ExpiresAt
	if _, ok := tok.Extra("id_token").(string); ok {
		fresh, idTok, err := p.verify(ctx, tok)
		if err != nil {
			return identity.Failed(fmt.Errorf("[oidc.Provider.RefreshSession] %w", err))
		}
		if fresh.Subject != current.SubjectID {
			return identity.Failed(fmt.Errorf("[oidc.Provider.RefreshSession] subject changed from %q to %q", current.SubjectID, fresh.Subject))
		}
		claims, idExpiry = fresh, idTok.Expiry
	}

	s := p.toSession(tok, claims, idExpiry)
	if err := p.store.Save(ctx, s); err != nil {
		return identity.Failed(fmt.Errorf("[oidc.Provider.RefreshSession] save session: %w", err))
	}
	p.Emit(identity.Event{Kind: identity.TokenRefreshed, Session: s})
	return identity.Authenticated{Session: *s}
}

func (p *Provider) ResetPassword(context.Context, string) error {
	return identity.ErrUnsupported
}

func (p *Provider) ChangePassword(context.Context, string) error {
	return identity.ErrUnsupported
}

func (p *Provider) verify(ctx context.Context, tok *oauth2.Token) (idClaims, *gooidc.IDToken, error) {
	var claims idClaims
	raw, ok := tok.Extra("id_token").(string)
	if !ok {
		return claims, nil, errors.New("no id_token in token response")
	}
	idTok, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return claims, nil, fmt.Errorf("ID token verification failed: %w", err)
	}
	if err := idTok.Claims(&claims); err != nil {
		return claims, nil, fmt.Errorf("failed to extract claims: %w", err)
	}
	return claims, idTok, nil
}

func (p *Provider) toSession(tok *oauth2.Token, claims idClaims, idExpiry time.Time) *identity.Session {
	expires := tok.Expiry
	if expires.IsZero() {
		expires = idExpiry
	}
	return &identity.Session{
		ID:            claims.SessionID,
		SubjectID:     claims.Subject,
		Email:         claims.Email,
		IssuedAt:      p.issuedAt(tok.AccessToken),
		ExpiresAt:     expires,
		AccessToken:   tok.AccessToken,
		RefreshHandle: tok.RefreshToken,
	}
}

// issuedAt reads iat from a JWT access token, falling back to now for
// opaque tokens.
func (p *Provider) issuedAt(accessToken string) time.Time {
	if iat, ok := token.IssuedAt(accessToken); ok {
		return iat
	}
	return p.nowFunc()
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.ErrorCode == errInvalidGrant
}
