package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/safar/provenance-ledger/internal/database"
	"github.com/safar/provenance-ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// RegisterIdentity adds a party to the registry. Only admins may register.
func (s *Service) RegisterIdentity(ctx context.Context, actor Actor, identity models.Identity) (*models.Identity, error) {
	if actor.Role != models.RoleAdmin {
		return nil, Forbidden("only admins can register identities")
	}
	return s.register(ctx, identity)
}

// Bootstrap registers identities without an acting admin and skips ids that
// already exist. It is used to seed a fresh ledger.
func (s *Service) Bootstrap(ctx context.Context, identities ...models.Identity) error {
	for _, identity := range identities {
		if _, err := s.register(ctx, identity); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return nil
}

func (s *Service) register(ctx context.Context, identity models.Identity) (*models.Identity, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	identity.Name = strings.TrimSpace(identity.Name)
	if identity.ID == "" || identity.Name == "" {
		return nil, InvalidArgument("identity id and name are required")
	}
	if !identity.Role.Valid() {
		return nil, InvalidArgument("unknown role %q", identity.Role)
	}
	identity.Active = true
	identity.CreatedAt = s.now()

	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, Conflict("identity %s already exists", identity.ID)
		}
		return nil, s.storageFailure(err, logrus.Fields{"identity_id": identity.ID}, "create identity")
	}

	s.log.WithFields(logrus.Fields{"identity_id": identity.ID, "role": identity.Role}).Info("identity registered")
	return &identity, nil
}

func (s *Service) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	identity, err := s.identity(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, NotFound("identity %s not found", id)
	}
	return identity, nil
}

// ListIdentities returns all identities, or those holding role when it is set.
func (s *Service) ListIdentities(ctx context.Context, role models.Role) ([]models.Identity, error) {
	if role != "" && !role.Valid() {
		return nil, InvalidArgument("unknown role %q", role)
	}
	identities, err := s.store.ListIdentities(ctx, role)
	if err != nil {
		return nil, s.storageFailure(err, logrus.Fields{"role": role}, "list identities")
	}
	if identities == nil {
		identities = []models.Identity{}
	}
	return identities, nil
}
