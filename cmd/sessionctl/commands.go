package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/logging"
	"github.com/jrsteele09/go-auth-session/profile"
	"github.com/jrsteele09/go-auth-session/session"
)

const passwordEnv = "SESSIONCTL_PASSWORD"

type cli struct {
	cfg    config.Config
	logger zerolog.Logger
	quiet  bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "sessionctl",
		Short: "Drive the session manager from the command line",
		Long: `sessionctl logs in against the configured identity provider, resolves the
matching profile and keeps the session fresh.

Configuration is read from the environment (IDENTITY_PROVIDER, DATABASE_URL,
SESSION_STORE_REDIS_ADDR, ...). Passwords may be given with --password or
the SESSIONCTL_PASSWORD variable.

Example usage:
  sessionctl login --email max@club.org
  sessionctl whoami
  sessionctl register --email new@club.org --name "New Member" --token inv_abc
  sessionctl run`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.New(cfg.GetEnv(), cfg.LogLevel, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&c.quiet, "quiet", "q", false, "do not print the banner")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.registerCmd(),
		c.resetPasswordCmd(),
		c.changePasswordCmd(),
		c.runCmd(),
	)
	return root
}

// withManager builds the app, hands its Manager to fn and tears it down.
func (c *cli) withManager(ctx context.Context, fn func(*session.Manager) error) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close")
		}
	}()
	return fn(a.manager)
}

func (c *cli) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print the profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password = passwordOrEnv(password)
			return c.withManager(cmd.Context(), func(m *session.Manager) error {
				p, err := m.Login(cmd.Context(), email, password)
				if err != nil {
					return err
				}
				if p == nil {
					return errors.New("login failed")
				}
				return printProfile(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the persisted session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(cmd.Context(), func(m *session.Manager) error {
				m.Logout(cmd.Context())
				return nil
			})
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Restore the persisted session and print its profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(cmd.Context(), func(m *session.Manager) error {
				m.Start(cmd.Context())
				p := m.CurrentUserAsync(cmd.Context())
				if p == nil {
					return errors.New("not logged in")
				}
				return printProfile(cmd.OutOrStdout(), p)
			})
		},
	}
}

func (c *cli) registerCmd() *cobra.Command {
	var email, password, name, token string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account, optionally redeeming an invitation token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password = passwordOrEnv(password)
			return c.withManager(cmd.Context(), func(m *session.Manager) error {
				p := m.Register(cmd.Context(), email, password, name, token)
				if p == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "registration not completed; confirm the email address and log in, or check the invitation")
					return nil
				}
				return printProfile(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $"+passwordEnv+")")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&token, "token", "", "invitation token")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *cli) resetPasswordCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Send a password recovery message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(cmd.Context(), func(m *session.Manager) error {
				if !m.ResetPassword(cmd.Context(), email) {
					return errors.New("reset password failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (c *cli) changePasswordCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "change-password",
		Short: "Change the password of the logged-in account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			password = passwordOrEnv(password)
			return c.withManager(cmd.Context(), func(m *session.Manager) error {
				if !m.ChangePassword(cmd.Context(), password) {
					return errors.New("change password failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password (default $"+passwordEnv+")")
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the session fresh and serve metrics until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) (returnError error) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
					returnError = errors.New("panic recovered")
				}
			}()

			if !c.quiet {
				displayAppname(c.cfg.GetAppName())
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					c.logger.Warn().Err(err).Msg("close")
				}
			}()
			return a.run(ctx)
		},
	}
}

func passwordOrEnv(password string) string {
	if password != "" {
		return password
	}
	return os.Getenv(passwordEnv)
}

func printProfile(w io.Writer, p *profile.UserProfile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
