package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/models"
)

const identityColumns = `id, name, email, role, company, location, active, created_at`

func (s *SQLStore) CreateIdentity(ctx context.Context, identity models.Identity) error {
	query := `
		INSERT INTO identities (` + identityColumns + `)
		VALUES (:id, :name, :email, :role, :company, :location, :active, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, identity); err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrDuplicate
		}
		return errors.Wrap(err, "create identity")
	}
	return nil
}

func (s *SQLStore) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	var identity models.Identity

	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = ?`
	if err := s.db.GetContext(ctx, &identity, s.db.Rebind(query), id); err != nil {
		return nil, errors.Wrap(notFound(err), "get identity")
	}

	identity.CreatedAt = identity.CreatedAt.UTC()
	return &identity, nil
}

// ListIdentities returns every identity, or only those holding role when it is set.
func (s *SQLStore) ListIdentities(ctx context.Context, role models.Role) ([]models.Identity, error) {
	var w where
	if role != "" {
		w.add("role = ?", role)
	}

	query := `SELECT ` + identityColumns + ` FROM identities` + w.String() + ` ORDER BY created_at, id`

	var identities []models.Identity
	if err := s.db.SelectContext(ctx, &identities, s.db.Rebind(query), w.args...); err != nil {
		return nil, errors.Wrap(err, "list identities")
	}
	for i := range identities {
		identities[i].CreatedAt = identities[i].CreatedAt.UTC()
	}
	return identities, nil
}
