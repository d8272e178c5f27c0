package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/lifecycle"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/model"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/monitoring"
)

// Provisioner executes the tenant-isolation provisioning strategy
// (database-per-tenant vs shared-schema). It is an external concern consumed
// as an opaque operation.
type Provisioner interface {
	Provision(ctx context.Context, tenant *model.Tenant) error
}

// NoopProvisioner succeeds without provisioning anything; the default until a
// real strategy is plugged in.
type NoopProvisioner struct{}

func (NoopProvisioner) Provision(context.Context, *model.Tenant) error { return nil }

type provisionRequest struct {
	tenant        *model.Tenant
	correlationID string
}

// ProvisioningService handles tenant provisioning workflows in the
// background.
type ProvisioningService struct {
	repo      Repository
	publisher EventPublisher
	strategy  Provisioner
	queue     chan provisionRequest
}

// NewProvisioningService creates the service and starts its worker.
func NewProvisioningService(repo Repository, publisher EventPublisher) *ProvisioningService {
	ps := &ProvisioningService{
		repo:      repo,
		publisher: publisher,
		strategy:  NoopProvisioner{},
		queue:     make(chan provisionRequest, 10),
	}
	go ps.startProvisioningWorker()
	return ps
}

// Queue adds a tenant to the provisioning queue. The worker gets its own
// copy: it mutates status fields from its goroutine, and the caller keeps
// reading the instance it was handed.
func (ps *ProvisioningService) Queue(tenant *model.Tenant, correlationID string) {
	copied := *tenant
	ps.queue <- provisionRequest{tenant: &copied, correlationID: correlationID}
}

// startProvisioningWorker runs the background job for provisioning.
func (ps *ProvisioningService) startProvisioningWorker() {
	for req := range ps.queue {
		log.Info().
			Str("tenant_id", req.tenant.ID.String()).
			Str("correlation_id", req.correlationID).
			Msg("Starting provisioning process")
		if err := ps.provisionTenant(req); err != nil {
			log.Error().Err(err).
				Str("tenant_id", req.tenant.ID.String()).
				Str("correlation_id", req.correlationID).
				Msg("Provisioning failed")
		}
	}
}

func (ps *ProvisioningService) provisionTenant(req provisionRequest) error {
	ctx := context.Background()
	tenant := req.tenant

	if err := ps.repo.CreateProvisioningLog(ctx, tenant.ID, "init", "pending", nil); err != nil {
		return err
	}

	if err := ps.strategy.Provision(ctx, tenant); err != nil {
		if logErr := ps.repo.CreateProvisioningLog(ctx, tenant.ID, "isolation_setup", "failed", map[string]interface{}{"error": err.Error()}); logErr != nil {
			return logErr
		}
		if trErr := lifecycle.Transition(tenant.Status, lifecycle.StatusProvisioningFailed); trErr != nil {
			return trErr
		}
		tenant.Status = lifecycle.StatusProvisioningFailed
		monitoring.TenantsProvisioned.WithLabelValues("failed").Inc()
		if updErr := ps.repo.Update(ctx, tenant); updErr != nil {
			return updErr
		}
		ps.publisher.TenantUpdated(ctx, tenant, req.correlationID)
		return err
	}

	if err := ps.repo.CreateProvisioningLog(ctx, tenant.ID, "isolation_setup", "success", map[string]interface{}{"strategy": tenant.IsolationStrategy}); err != nil {
		return err
	}

	// Trial plans land in TRIAL, everything else goes straight to ACTIVE.
	target := lifecycle.StatusActive
	if tenant.SubscriptionPlan == "trial" {
		target = lifecycle.StatusTrial
	}
	if err := lifecycle.Transition(tenant.Status, target); err != nil {
		return err
	}
	tenant.Status = target
	tenant.Provisioned = true
	if err := ps.repo.Update(ctx, tenant); err != nil {
		return err
	}

	monitoring.TenantsProvisioned.WithLabelValues("success").Inc()
	ps.publisher.TenantActivated(ctx, tenant, req.correlationID)
	return nil
}
