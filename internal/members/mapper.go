// Package members maps the source project's members onto destination users
// and grants them access to the destination project.
package members

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lherron/graphport/internal/bundle"
	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/store"
)

// Target is the destination side of a mapping.
type Target struct {
	ProjectID int64
	Actor     *domain.User
	// Ceiling caps the access level granted to any mapped member.
	Ceiling domain.AccessLevel
}

// Mapper matches source members by email first and username second.
type Mapper struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a mapper writing memberships through st.
func New(st *store.Store, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{store: st, logger: logger}
}

// Map resolves every member and adds the matched users to the destination
// project. Unmatched users stay out of the identity map; their references
// later fall back to the acting user.
func (m *Mapper) Map(ctx context.Context, target Target, records []*bundle.RawRecord) (domain.IdentityMap, error) {
	identities := domain.IdentityMap{}
	ceiling := target.Ceiling
	if ceiling == domain.NoAccess {
		ceiling = domain.Maintainer
	}

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if target.Actor != nil {
			if err := store.AddMember(ctx, tx, &domain.Member{
				SourceType:  domain.MemberSourceProject,
				SourceID:    target.ProjectID,
				UserID:      target.Actor.ID,
				AccessLevel: domain.Maintainer.Clamp(ceiling),
			}); err != nil {
				return err
			}
		}

		for _, rec := range records {
			sourceUserID, user := sourceUser(rec)
			if user == nil {
				continue
			}

			dest, err := store.FindUser(ctx, tx, user.String("email"), user.String("username"))
			if err != nil {
				return err
			}
			if dest == nil {
				m.logger.Info("member not found in destination",
					zap.String("username", user.String("username")),
					zap.Int64("source_user_id", sourceUserID),
				)
				continue
			}
			if sourceUserID != 0 {
				identities[sourceUserID] = dest.ID
			}

			level, _ := rec.Int("access_level")
			if err := store.AddMember(ctx, tx, &domain.Member{
				SourceType:  domain.MemberSourceProject,
				SourceID:    target.ProjectID,
				UserID:      dest.ID,
				AccessLevel: domain.AccessLevel(level).Clamp(ceiling),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to map members: %w", err)
	}

	m.logger.Info("members mapped", zap.Int("members", len(records)), zap.Int("mapped", len(identities)))
	return identities, nil
}

// sourceUser returns the source id and embedded user object of a member.
func sourceUser(rec *bundle.RawRecord) (int64, *bundle.RawRecord) {
	user := rec.One["user"]
	id, ok := rec.Int("user_id")
	if !ok && user != nil {
		id = user.SourceID()
	}
	return id, user
}
