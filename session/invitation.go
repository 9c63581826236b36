package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/profile"
)

// Registration is the outcome of a sign-up. Session and Profile are nil when
// the provider wants the email confirmed first; the invitation is then
// redeemed at the first login.
type Registration struct {
	SubjectID string
	Session   *identity.Session
	Profile   *profile.UserProfile
}

// RegisterRequest carries the sign-up form. Token is optional.
type RegisterRequest struct {
	Email    string
	Password string
	Name     string
	Token    string
}

// InvitationConsumer ties a sign-up to a one-time invitation token. The
// invitation is validated before the provider account exists and is marked
// used only after the profile has been reconciled.
type InvitationConsumer struct {
	provider identity.Provider
	repo     profile.Repository
	poll     PollConfig
	logger   zerolog.Logger
	metrics  *Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func newInvitationConsumer(provider identity.Provider, repo profile.Repository, poll PollConfig, logger zerolog.Logger, metrics *Metrics) *InvitationConsumer {
	return &InvitationConsumer{
		provider: provider,
		repo:     repo,
		poll:     poll,
		logger:   logger,
		metrics:  metrics,
		sleep:    sleepContext,
	}
}

// Register validates the invitation, signs up, waits for the profile row and
// finalises it.
func (c *InvitationConsumer) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	var inv *profile.Invitation
	if req.Token != "" {
		var err error
		inv, err = c.repo.GetInvitationByToken(ctx, req.Token)
		if err != nil {
			return nil, fmt.Errorf("[InvitationConsumer.Register] get invitation: %w", err)
		}
		if inv == nil || !inv.Redeemable(req.Email) {
			c.metrics.Invitations.WithLabelValues("invalid").Inc()
			return nil, ErrInvalidInvitation
		}
	}

	res, err := c.provider.SignUp(ctx, req.Email, req.Password, identity.Metadata{
		Name:              req.Name,
		RegistrationToken: req.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("[InvitationConsumer.Register] sign up: %w", err)
	}

	reg := &Registration{SubjectID: res.SubjectID}
	if res.Session == nil {
		if inv != nil {
			c.metrics.Invitations.WithLabelValues("deferred").Inc()
		}
		return reg, nil
	}
	reg.Session = res.Session

	p, err := c.awaitProfile(ctx, res.Session, req.Name, req.Token)
	if err != nil {
		return nil, err
	}

	target := profile.Target{
		Registered: utils.Ptr(true),
		Active:     utils.Ptr(true),
	}
	if req.Name != "" {
		target.Name = utils.Ptr(req.Name)
	}
	if inv != nil {
		target.InvitedBy = utils.NilIfZero(inv.CreatedBy)
		target.ClearRegistrationToken = true
	}
	p, err = c.reconcile(ctx, p, target)
	if err != nil {
		return nil, err
	}

	if inv != nil {
		p = c.use(ctx, inv.Token, p)
	}
	reg.Profile = p
	return reg, nil
}

// ConsumeDeferred redeems the invitation a profile still carries at login.
// A token whose invitation is gone or already used is only cleared.
func (c *InvitationConsumer) ConsumeDeferred(ctx context.Context, p *profile.UserProfile) (*profile.UserProfile, error) {
	if !p.PendingInvitation() {
		return p, nil
	}
	token := *p.RegistrationToken

	inv, err := c.repo.GetInvitationByToken(ctx, token)
	if err != nil {
		return p, fmt.Errorf("[InvitationConsumer.ConsumeDeferred] get invitation: %w", err)
	}
	if inv == nil || !inv.Redeemable(p.Email) {
		c.metrics.Invitations.WithLabelValues("stale").Inc()
		return c.reconcile(ctx, p, profile.Target{ClearRegistrationToken: true})
	}

	updated, err := c.reconcile(ctx, p, profile.Target{
		Registered:             utils.Ptr(true),
		Active:                 utils.Ptr(true),
		InvitedBy:              utils.NilIfZero(inv.CreatedBy),
		ClearRegistrationToken: true,
	})
	if err != nil {
		return p, err
	}
	return c.use(ctx, token, updated), nil
}

// awaitProfile waits for the provider-side trigger to create the profile,
// then creates it directly. A duplicate key means the trigger won the race.
func (c *InvitationConsumer) awaitProfile(ctx context.Context, s *identity.Session, name, token string) (*profile.UserProfile, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.poll.Initial
	b.Multiplier = c.poll.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.Reset()

	for attempt := 1; attempt <= c.poll.Attempts; attempt++ {
		if err := c.sleep(ctx, b.NextBackOff()); err != nil {
			return nil, err
		}
		p, err := c.repo.GetUserByID(ctx, s.SubjectID)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("poll profile")
			continue
		}
		if p != nil {
			c.logger.Debug().Int("attempt", attempt).Str("subject", s.SubjectID).Msg("profile created by trigger")
			return p, nil
		}
	}

	created, err := c.repo.CreateUser(ctx, newProfile(s, name, token))
	if errors.Is(err, profile.ErrDuplicate) {
		created, err = c.repo.GetUserByID(ctx, s.SubjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("[InvitationConsumer.awaitProfile] create profile: %w", err)
	}
	if created == nil {
		return nil, fmt.Errorf("[InvitationConsumer.awaitProfile] %w", profile.ErrNotFound)
	}
	return created, nil
}

// reconcile writes only the fields that differ from target.
func (c *InvitationConsumer) reconcile(ctx context.Context, p *profile.UserProfile, target profile.Target) (*profile.UserProfile, error) {
	patch := profile.Diff(p, target)
	if patch.Empty() {
		return p, nil
	}
	updated, err := c.repo.UpdateUser(ctx, p.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("[InvitationConsumer.reconcile] update profile: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("[InvitationConsumer.reconcile] %w", profile.ErrNotFound)
	}
	return updated, nil
}

// use marks the invitation used. The profile is already final, so a failure
// here is logged rather than undoing the registration.
func (c *InvitationConsumer) use(ctx context.Context, token string, p *profile.UserProfile) *profile.UserProfile {
	used, err := c.repo.UseInvitation(ctx, token, p.ID)
	switch {
	case err != nil:
		c.metrics.Invitations.WithLabelValues("error").Inc()
		c.logger.Debug().Err(err).Str("subject", p.ID).Msg("mark invitation used")
		return p
	case used == nil:
		c.metrics.Invitations.WithLabelValues("already_used").Inc()
		return p
	}
	c.metrics.Invitations.WithLabelValues("used").Inc()
	return used
}

// newProfile is the row created when the trigger never showed up.
func newProfile(s *identity.Session, name, token string) *profile.UserProfile {
	if name == "" {
		name = displayName(s.Email)
	}
	return &profile.UserProfile{
		ID:                s.SubjectID,
		Email:             s.Email,
		Name:              name,
		Role:              profile.RoleMember,
		Active:            true,
		RegistrationToken: utils.NilIfZero(token),
	}
}

func displayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
