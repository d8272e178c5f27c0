package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/lifecycle"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/model"
)

// ErrTenantNotFound is returned by lifecycle operations on unknown tenants.
var ErrTenantNotFound = errors.New("tenant not found")

// Repository is the persistence contract the service depends on.
type Repository interface {
	Create(ctx context.Context, tenant *model.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
	FindByAdminEmail(ctx context.Context, email string) (*model.Tenant, error)
	Update(ctx context.Context, tenant *model.Tenant) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status lifecycle.Status) error
	Delete(ctx context.Context, id uuid.UUID) error
	CreateProvisioningLog(ctx context.Context, tenantID uuid.UUID, step, status string, details interface{}) error
}

// EventPublisher receives the lifecycle events the service emits.
// Publication is fire-and-forget; none of these calls can fail the operation
// that triggered them.
type EventPublisher interface {
	TenantCreated(ctx context.Context, tenant *model.Tenant, correlationID string)
	TenantUpdated(ctx context.Context, tenant *model.Tenant, correlationID string)
	TenantActivated(ctx context.Context, tenant *model.Tenant, correlationID string)
	TenantSuspended(ctx context.Context, tenant *model.Tenant, correlationID string)
	TenantReactivated(ctx context.Context, tenant *model.Tenant, correlationID string)
	TenantDeleted(ctx context.Context, tenant *model.Tenant, correlationID string)
	SubscriptionChanged(ctx context.Context, tenant *model.Tenant, oldPlan, correlationID string)
	FeatureToggled(ctx context.Context, tenant *model.Tenant, feature string, enabled bool, correlationID string)
}

// TenantService owns tenant lifecycle transitions. Every status change is
// validated against the lifecycle table before it is persisted; an illegal
// transition is rejected with a *lifecycle.TransitionError, never coerced.
type TenantService struct {
	repo         Repository
	publisher    EventPublisher
	provisioning *ProvisioningService
}

// NewTenantService wires the service with its background provisioning worker.
func NewTenantService(repo Repository, publisher EventPublisher) *TenantService {
	return &TenantService{
		repo:         repo,
		publisher:    publisher,
		provisioning: NewProvisioningService(repo, publisher),
	}
}

// CreateFromCommand creates a tenant for an inbound creation command and
// queues it for provisioning. The store assigns the identifier; a natural-key
// collision surfaces as store.ErrTenantAlreadyExists for the caller to
// resolve.
func (s *TenantService) CreateFromCommand(ctx context.Context, details model.TenantDetails, correlationID string) (*model.Tenant, error) {
	tenant := &model.Tenant{
		Name:              details.Name,
		AdminEmail:        details.AdminEmail,
		OrganizationType:  details.OrganizationType,
		SubscriptionPlan:  details.SubscriptionPlan,
		IsolationStrategy: details.IsolationStrategy,
		Metadata:          details.Metadata,
		Settings:          details.Settings,
		Status:            lifecycle.StatusProvisioning,
	}
	if err := s.repo.Create(ctx, tenant); err != nil {
		return nil, err
	}

	if s.provisioning != nil {
		s.provisioning.Queue(tenant, correlationID)
	}
	return tenant, nil
}

// Activate moves a tenant into active service.
func (s *TenantService) Activate(ctx context.Context, id uuid.UUID, correlationID string) error {
	return s.transition(ctx, id, lifecycle.StatusActive, correlationID, s.publisher.TenantActivated)
}

// Suspend takes a tenant out of service without losing its data.
func (s *TenantService) Suspend(ctx context.Context, id uuid.UUID, correlationID string) error {
	return s.transition(ctx, id, lifecycle.StatusSuspended, correlationID, s.publisher.TenantSuspended)
}

// Reactivate returns a suspended tenant to active service.
func (s *TenantService) Reactivate(ctx context.Context, id uuid.UUID, correlationID string) error {
	tenant, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if tenant.Status != lifecycle.StatusSuspended {
		return &lifecycle.TransitionError{From: tenant.Status, To: lifecycle.StatusActive}
	}
	return s.apply(ctx, tenant, lifecycle.StatusActive, correlationID, s.publisher.TenantReactivated)
}

// Deactivate retires a tenant while keeping it restorable.
func (s *TenantService) Deactivate(ctx context.Context, id uuid.UUID, correlationID string) error {
	return s.transition(ctx, id, lifecycle.StatusDeactivated, correlationID, s.publisher.TenantUpdated)
}

// MarkForDeletion schedules a tenant for removal.
func (s *TenantService) MarkForDeletion(ctx context.Context, id uuid.UUID, correlationID string) error {
	return s.transition(ctx, id, lifecycle.StatusMarkedForDeletion, correlationID, s.publisher.TenantUpdated)
}

// Delete finalizes removal of a tenant previously marked for deletion.
// DELETED is terminal: no operation can move the tenant out of it.
func (s *TenantService) Delete(ctx context.Context, id uuid.UUID, correlationID string) error {
	tenant, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.Transition(tenant.Status, lifecycle.StatusDeleted); err != nil {
		return err
	}
	if err := s.repo.UpdateStatus(ctx, id, lifecycle.StatusDeleted); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	tenant.Status = lifecycle.StatusDeleted
	s.publisher.TenantDeleted(ctx, tenant, correlationID)
	return nil
}

// ChangeSubscription switches a tenant to a new plan.
func (s *TenantService) ChangeSubscription(ctx context.Context, id uuid.UUID, newPlan, correlationID string) error {
	tenant, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if tenant.SubscriptionPlan == newPlan {
		return nil
	}
	oldPlan := tenant.SubscriptionPlan
	tenant.SubscriptionPlan = newPlan
	if err := s.repo.Update(ctx, tenant); err != nil {
		return err
	}
	s.publisher.SubscriptionChanged(ctx, tenant, oldPlan, correlationID)
	return nil
}

// ToggleFeature flips a feature flag in the tenant's settings.
func (s *TenantService) ToggleFeature(ctx context.Context, id uuid.UUID, feature string, enabled bool, correlationID string) error {
	tenant, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if tenant.Settings == nil {
		tenant.Settings = make(map[string]string)
	}
	tenant.Settings["feature:"+feature] = fmt.Sprintf("%t", enabled)
	if err := s.repo.Update(ctx, tenant); err != nil {
		return err
	}
	s.publisher.FeatureToggled(ctx, tenant, feature, enabled, correlationID)
	return nil
}

func (s *TenantService) get(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	tenant, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, ErrTenantNotFound
	}
	return tenant, nil
}

func (s *TenantService) transition(ctx context.Context, id uuid.UUID, target lifecycle.Status, correlationID string, emit func(context.Context, *model.Tenant, string)) error {
	tenant, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	return s.apply(ctx, tenant, target, correlationID, emit)
}

func (s *TenantService) apply(ctx context.Context, tenant *model.Tenant, target lifecycle.Status, correlationID string, emit func(context.Context, *model.Tenant, string)) error {
	if err := lifecycle.Transition(tenant.Status, target); err != nil {
		log.Warn().
			Str("tenant_id", tenant.ID.String()).
			Str("from", string(tenant.Status)).
			Str("to", string(target)).
			Msg("Rejected illegal status transition")
		return err
	}
	if err := s.repo.UpdateStatus(ctx, tenant.ID, target); err != nil {
		return err
	}
	tenant.Status = target
	emit(ctx, tenant, correlationID)
	return nil
}
