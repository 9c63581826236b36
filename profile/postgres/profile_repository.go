package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jrsteele09/go-auth-session/profile"
	"github.com/rs/zerolog"
)

const uniqueViolation = "23505"

// Nullable text columns are coalesced to '' and mapped back to nil.
const profileColumns = `id, email, name, role, active,
	COALESCE(invited_by, ''), COALESCE(registration_token, ''),
	registered, phone, created_at, updated_at`

var _ profile.Repository = (*ProfileRepository)(nil)

// ProfileRepository implements profile.Repository on PostgreSQL.
type ProfileRepository struct {
	db     DB
	logger zerolog.Logger
}

// NewProfileRepository creates a repository over db.
func NewProfileRepository(db DB, logger zerolog.Logger) (*ProfileRepository, error) {
	if db == nil {
		return nil, errors.New("[NewProfileRepository] db is required")
	}
	return &ProfileRepository{
		db:     db,
		logger: logger.With().Str("component", "profile_repository").Logger(),
	}, nil
}

func (r *ProfileRepository) GetUserByID(ctx context.Context, id string) (*profile.UserProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`

	user, err := scanProfile(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return user, nil
}

func (r *ProfileRepository) CreateUser(ctx context.Context, user *profile.UserProfile) (*profile.UserProfile, error) {
	if user == nil || user.ID == "" {
		return nil, errors.New("[ProfileRepository.CreateUser] id is required")
	}
	role := user.Role
	if role == "" {
		role = profile.RoleMember
	}

	query := `
		INSERT INTO profiles (
			id, email, name, role, active, invited_by, registration_token, registered, phone
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING ` + profileColumns

	created, err := scanProfile(r.db.QueryRow(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		string(role),
		user.Active,
		user.InvitedBy,
		user.RegistrationToken,
		user.Registered,
		user.Phone,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, profile.ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	r.logger.Debug().Str("user_id", created.ID).Msg("profile created")
	return created, nil
}

func (r *ProfileRepository) UpdateUser(ctx context.Context, id string, patch profile.Patch) (*profile.UserProfile, error) {
	if patch.Empty() {
		return r.GetUserByID(ctx, id)
	}

	sets, args := updateAssignments(patch)
	args = append([]any{id}, args...)
	query := `UPDATE profiles SET ` + strings.Join(sets, ", ") + `, updated_at = now()
		WHERE id = $1
		RETURNING ` + profileColumns

	user, err := scanProfile(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return user, nil
}

func (r *ProfileRepository) GetInvitationByToken(ctx context.Context, token string) (*profile.Invitation, error) {
	query := `
		SELECT token, email, created_by, used, COALESCE(used_by, ''), COALESCE(used_at, created_at), created_at
		FROM invitations
		WHERE token = $1`

	var (
		inv    profile.Invitation
		usedBy string
		usedAt time.Time
	)
	err := r.db.QueryRow(ctx, query, token).Scan(
		&inv.Token,
		&inv.Email,
		&inv.CreatedBy,
		&inv.Used,
		&usedBy,
		&usedAt,
		&inv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	inv.UsedBy = nullable(usedBy)
	if inv.Used {
		inv.UsedAt = &usedAt
	}
	return &inv, nil
}

// UseInvitation flips used in the same statement that reads the profile, so
// two concurrent calls cannot both observe an unused token.
func (r *ProfileRepository) UseInvitation(ctx context.Context, token, userID string) (*profile.UserProfile, error) {
	query := `
		WITH consumed AS (
			UPDATE invitations
			SET used = TRUE, used_by = $2, used_at = now()
			WHERE token = $1 AND used = FALSE
			RETURNING used_by
		)
		SELECT ` + profileColumns + `
		FROM profiles
		WHERE id = (SELECT used_by FROM consumed)`

	user, err := scanProfile(r.db.QueryRow(ctx, query, token, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to use invitation: %w", err)
	}
	r.logger.Debug().Str("user_id", userID).Msg("invitation consumed")
	return user, nil
}

func updateAssignments(patch profile.Patch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)+1))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Role != nil {
		add("role", string(*patch.Role))
	}
	if patch.Active != nil {
		add("active", *patch.Active)
	}
	if patch.InvitedBy != nil {
		add("invited_by", *patch.InvitedBy)
	}
	if patch.Registered != nil {
		add("registered", *patch.Registered)
	}
	if patch.Phone != nil {
		add("phone", *patch.Phone)
	}
	if patch.ClearRegistrationToken {
		sets = append(sets, "registration_token = NULL")
	}
	return sets, args
}

func scanProfile(row pgx.Row) (*profile.UserProfile, error) {
	var (
		user              profile.UserProfile
		role              string
		invitedBy         string
		registrationToken string
		createdAt         time.Time
		updatedAt         time.Time
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&role,
		&user.Active,
		&invitedBy,
		&registrationToken,
		&user.Registered,
		&user.Phone,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	user.Role = profile.RoleType(role)
	user.InvitedBy = nullable(invitedBy)
	user.RegistrationToken = nullable(registrationToken)
	user.CreatedAt = createdAt
	user.UpdatedAt = updatedAt
	return &user, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
