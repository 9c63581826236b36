// Package kratos implements identity.Provider against Ory Kratos using the
// native (API) self-service flows and session tokens.
package kratos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	kratos "github.com/ory/kratos-client-go"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/sessionstore"
)

var _ identity.Provider = (*Provider)(nil)

// Kratos message id for "account not active yet, verify your email".
const msgAddressNotVerified = "4000010"

const passwordMethod = "password"

// Provider talks to the Kratos public API, and to the admin API for session
// extension when an admin URL is configured.
type Provider struct {
	identity.Hub

	public  *kratos.APIClient
	admin   *kratos.APIClient
	store   sessionstore.Store
	logger  zerolog.Logger
	nowFunc func() time.Time
}

type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     zerolog.Logger
	nowFunc    func() time.Time
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithNowFunc(now func() time.Time) Option {
	return func(o *options) { o.nowFunc = now }
}

// New creates a Kratos provider. adminURL may be empty, in which case
// RefreshSession re-reads the session instead of extending it.
func New(publicURL, adminURL string, store sessionstore.Store, opts ...Option) (*Provider, error) {
	if publicURL == "" {
		return nil, errors.New("[kratos.New] public URL is required")
	}
	if store == nil {
		return nil, errors.New("[kratos.New] session store is required")
	}

	o := options{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{
		public:  newAPIClient(publicURL, o.httpClient),
		store:   store,
		logger:  o.logger.With().Str("component", "kratos").Logger(),
		nowFunc: o.nowFunc,
	}
	if adminURL != "" {
		p.admin = newAPIClient(adminURL, o.httpClient)
	}
	return p, nil
}

func newAPIClient(url string, httpClient *http.Client) *kratos.APIClient {
	cfg := kratos.NewConfiguration()
	cfg.Servers = []kratos.ServerConfiguration{{URL: url}}
	cfg.HTTPClient = httpClient
	cfg.DefaultHeader = map[string]string{"Accept": "application/json"}
	return kratos.NewAPIClient(cfg)
}

func (p *Provider) Login(ctx context.Context, email, password string) identity.AuthResult {
	flow, resp, err := p.public.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return identity.Failed(wrap("[kratos.Provider.Login] create flow", resp, err))
	}

	body := kratos.UpdateLoginFlowWithPasswordMethod{
		Identifier: email,
		Password:   password,
		Method:     passwordMethod,
	}
	res, resp, err := p.public.FrontendAPI.
		UpdateLoginFlow(ctx).
		Flow(flow.GetId()).
		UpdateLoginFlowBody(kratos.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(&body)).
		Execute()
	if err != nil {
		return classifyLoginError(resp, err)
	}

	ks := res.GetSession()
	s := toSession(&ks, res.GetSessionToken())
	if err := p.store.Save(ctx, s); err != nil {
		return identity.Failed(fmt.Errorf("[kratos.Provider.Login] save session: %w", err))
	}
	return identity.Authenticated{Session: *s}
}

// Logout revokes the session token remotely and always clears the local copy.
func (p *Provider) Logout(ctx context.Context) error {
	current, err := p.store.Load(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("load session for logout")
	}

	var remoteErr error
	if current != nil && current.AccessToken != "" {
		resp, err := p.public.FrontendAPI.
			PerformNativeLogout(ctx).
			PerformNativeLogoutBody(*kratos.NewPerformNativeLogoutBody(current.AccessToken)).
			Execute()
		if err != nil && statusOf(resp) != http.StatusUnauthorized {
			remoteErr = wrap("[kratos.Provider.Logout] revoke", resp, err)
		}
	}

	if err := p.store.Clear(ctx); err != nil {
		return fmt.Errorf("[kratos.Provider.Logout] clear session: %w", err)
	}
	p.Emit(identity.Event{Kind: identity.SignedOut})
	return remoteErr
}

func (p *Provider) SignUp(ctx context.Context, email, password string, meta identity.Metadata) (*identity.SignUpResult, error) {
	flow, resp, err := p.public.FrontendAPI.CreateNativeRegistrationFlow(ctx).Execute()
	if err != nil {
		return nil, wrap("[kratos.Provider.SignUp] create flow", resp, err)
	}

	traits := map[string]interface{}{"email": email}
	if meta.Name != "" {
		traits["name"] = meta.Name
	}
	if meta.RegistrationToken != "" {
		traits["registration_token"] = meta.RegistrationToken
	}
	body := kratos.UpdateRegistrationFlowWithPasswordMethod{
		Method:   passwordMethod,
		Password: password,
		Traits:   traits,
	}
	res, resp, err := p.public.FrontendAPI.
		UpdateRegistrationFlow(ctx).
		Flow(flow.GetId()).
		UpdateRegistrationFlowBody(kratos.UpdateRegistrationFlowWithPasswordMethodAsUpdateRegistrationFlowBody(&body)).
		Execute()
	if err != nil {
		return nil, wrap("[kratos.Provider.SignUp] submit", resp, err)
	}

	ident := res.GetIdentity()
	out := &identity.SignUpResult{SubjectID: ident.GetId()}

	// Kratos only returns a session when the registration hook issues one;
	// with verification required the user must confirm and log in first.
	if ks, ok := res.GetSessionOk(); ok && ks != nil {
		s := toSession(ks, res.GetSessionToken())
		if err := p.store.Save(ctx, s); err != nil {
			return nil, fmt.Errorf("[kratos.Provider.SignUp] save session: %w", err)
		}
		out.Session = s
	}
	return out, nil
}

// GetSession returns the locally persisted session if it has not expired.
func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	s, err := p.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("[kratos.Provider.GetSession] %w", err)
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

// RefreshSession extends the session through the admin API when available,
// then re-reads it with the session token. A rejected token signs out.
func (p *Provider) RefreshSession(ctx context.Context) identity.AuthResult {
	current, err := p.store.Load(ctx)
	if err != nil {
		return identity.Failed(fmt.Errorf("[kratos.Provider.RefreshSession] %w", err))
	}
	if current == nil {
		return identity.Failed(identity.ErrNoSession)
	}

	if p.admin != nil && current.ID != "" {
		_, resp, err := p.admin.IdentityAPI.ExtendSession(ctx, current.ID).Execute()
		if err != nil {
			p.logger.Debug().Err(err).Int("status", statusOf(resp)).Msg("extend session")
		}
	}

	ks, resp, err := p.public.FrontendAPI.ToSession(ctx).XSessionToken(current.AccessToken).Execute()
	if err != nil {
		if statusOf(resp) == http.StatusUnauthorized {
			if clearErr := p.store.Clear(ctx); clearErr != nil {
				p.logger.Debug().Err(clearErr).Msg("clear rejected session")
			}
			p.Emit(identity.Event{Kind: identity.SignedOut})
			return identity.InvalidCredentials{}
		}
		return identity.Failed(wrap("[kratos.Provider.RefreshSession] whoami", resp, err))
	}

	s := toSession(ks, current.AccessToken)
	if err := p.store.Save(ctx, s); err != nil {
		return identity.Failed(fmt.Errorf("[kratos.Provider.RefreshSession] save session: %w", err))
	}
	p.Emit(identity.Event{Kind: identity.TokenRefreshed, Session: s})
	return identity.Authenticated{Session: *s}
}

// ResetPassword starts a code-based recovery flow. Kratos answers the same
// way for unknown addresses.
func (p *Provider) ResetPassword(ctx context.Context, email string) error {
	flow, resp, err := p.public.FrontendAPI.CreateNativeRecoveryFlow(ctx).Execute()
	if err != nil {
		return wrap("[kratos.Provider.ResetPassword] create flow", resp, err)
	}

	body := kratos.UpdateRecoveryFlowWithCodeMethod{
		Email:  &email,
		Method: "code",
	}
	_, resp, err = p.public.FrontendAPI.
		UpdateRecoveryFlow(ctx).
		Flow(flow.GetId()).
		UpdateRecoveryFlowBody(kratos.UpdateRecoveryFlowWithCodeMethodAsUpdateRecoveryFlowBody(&body)).
		Execute()
	if err != nil {
		return wrap("[kratos.Provider.ResetPassword] submit", resp, err)
	}
	return nil
}

func (p *Provider) ChangePassword(ctx context.Context, newPassword string) error {
	current, err := p.GetSession(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return identity.ErrNoSession
	}

	flow, resp, err := p.public.FrontendAPI.CreateNativeSettingsFlow(ctx).XSessionToken(current.AccessToken).Execute()
	if err != nil {
		return wrap("[kratos.Provider.ChangePassword] create flow", resp, err)
	}

	body := kratos.UpdateSettingsFlowWithPasswordMethod{
		Method:   passwordMethod,
		Password: newPassword,
	}
	_, resp, err = p.public.FrontendAPI.
		UpdateSettingsFlow(ctx).
		Flow(flow.GetId()).
		XSessionToken(current.AccessToken).
		UpdateSettingsFlowBody(kratos.UpdateSettingsFlowWithPasswordMethodAsUpdateSettingsFlowBody(&body)).
		Execute()
	if err != nil {
		return wrap("[kratos.Provider.ChangePassword] submit", resp, err)
	}
	return nil
}

func toSession(ks *kratos.Session, token string) *identity.Session {
	ident := ks.GetIdentity()
	return &identity.Session{
		ID:            ks.GetId(),
		SubjectID:     ident.GetId(),
		Email:         traitString(ident.GetTraits(), "email"),
		IssuedAt:      ks.GetIssuedAt(),
		ExpiresAt:     ks.GetExpiresAt(),
		AccessToken:   token,
		RefreshHandle: ks.GetId(),
	}
}

func traitString(traits interface{}, key string) string {
	m, ok := traits.(map[string]interface{})
	if !ok {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// classifyLoginError maps a failed login submission onto an AuthResult.
func classifyLoginError(resp *http.Response, err error) identity.AuthResult {
	var apiErr *kratos.GenericOpenAPIError
	if errors.As(err, &apiErr) && bytes.Contains(apiErr.Body(), []byte(msgAddressNotVerified)) {
		return identity.EmailUnconfirmed{}
	}
	switch statusOf(resp) {
	case http.StatusBadRequest, http.StatusUnauthorized:
		return identity.InvalidCredentials{}
	}
	return identity.Failed(wrap("[kratos.Provider.Login] submit", resp, err))
}

func wrap(op string, resp *http.Response, err error) error {
	if status := statusOf(resp); status != 0 {
		return fmt.Errorf("%s: status %d: %w", op, status, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
