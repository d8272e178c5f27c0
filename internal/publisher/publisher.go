package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/events"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/messaging"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/model"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/monitoring"
)

// confirmTimeout bounds how long the background goroutine waits for a broker
// delivery confirmation before treating it as lost.
const confirmTimeout = 30 * time.Second

// Publisher serializes domain events and sends them to the broker, keyed by
// tenant id so all events for one tenant preserve their order. Publication is
// fire-and-forget: no method returns an error, delivery confirmation is
// observed asynchronously and only logged. A tenant committed in the store is
// the source of truth; an event is a notification, not a prerequisite, so a
// publish failure must never fail the business operation that triggered it.
type Publisher struct {
	sender  messaging.Sender
	source  string
	breaker *gobreaker.CircuitBreaker[messaging.Confirmation]
}

// Options tune the failure-isolation breaker.
type Options struct {
	// FailureThreshold is the number of consecutive submit failures that
	// opens the breaker.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing half-open.
	Cooldown time.Duration
}

// New creates a Publisher over the given sender.
func New(sender messaging.Sender, sourceService string, opts Options) *Publisher {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "event-publisher",
		Timeout: opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publisher circuit breaker state changed")
			monitoring.PublisherBreakerState.Set(breakerStateValue(to))
			if to == gobreaker.StateOpen {
				monitoring.Alert("event publisher circuit open", map[string]string{
					"breaker": name,
				})
			}
		},
	}

	return &Publisher{
		sender:  sender,
		source:  sourceService,
		breaker: gobreaker.NewCircuitBreaker[messaging.Confirmation](settings),
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// TenantCreated announces a newly created tenant.
func (p *Publisher) TenantCreated(ctx context.Context, tenant *model.Tenant, correlationID string) {
	p.publish(ctx, events.TypeTenantCreated, tenant.ID.String(), correlationID, events.NewTenantPayload(tenant))
}

// TenantUpdated announces a change to tenant attributes.
func (p *Publisher) TenantUpdated(ctx context.Context, tenant *model.Tenant, correlationID string) {
	p.publish(ctx, events.TypeTenantUpdated, tenant.ID.String(), correlationID, events.NewTenantPayload(tenant))
}

// TenantActivated announces a tenant entering active service.
func (p *Publisher) TenantActivated(ctx context.Context, tenant *model.Tenant, correlationID string) {
	p.publish(ctx, events.TypeTenantActivated, tenant.ID.String(), correlationID, events.NewTenantPayload(tenant))
}

// TenantSuspended announces a tenant suspension.
func (p *Publisher) TenantSuspended(ctx context.Context, tenant *model.Tenant, correlationID string) {
	p.publish(ctx, events.TypeTenantSuspended, tenant.ID.String(), correlationID, events.NewTenantPayload(tenant))
}

// TenantReactivated announces a tenant returning from suspension.
func (p *Publisher) TenantReactivated(ctx context.Context, tenant *model.Tenant, correlationID string) {
	p.publish(ctx, events.TypeTenantReactivated, tenant.ID.String(), correlationID, events.NewTenantPayload(tenant))
}

// TenantDeleted announces a tenant deletion.
func (p *Publisher) TenantDeleted(ctx context.Context, tenant *model.Tenant, correlationID string) {
	p.publish(ctx, events.TypeTenantDeleted, tenant.ID.String(), correlationID, events.NewTenantPayload(tenant))
}

// SubscriptionChanged announces a plan change.
func (p *Publisher) SubscriptionChanged(ctx context.Context, tenant *model.Tenant, oldPlan, correlationID string) {
	p.publish(ctx, events.TypeSubscriptionChanged, tenant.ID.String(), correlationID, events.SubscriptionChangedPayload{
		TenantID: tenant.ID.String(),
		OldPlan:  oldPlan,
		NewPlan:  tenant.SubscriptionPlan,
	})
}

// FeatureToggled announces a feature flag flip.
func (p *Publisher) FeatureToggled(ctx context.Context, tenant *model.Tenant, feature string, enabled bool, correlationID string) {
	p.publish(ctx, events.TypeFeatureToggled, tenant.ID.String(), correlationID, events.FeatureToggledPayload{
		TenantID: tenant.ID.String(),
		Feature:  feature,
		Enabled:  enabled,
	})
}

// CreationResponse answers the issuer of a creation command. It is safe to
// send again on replay: each call mints a fresh event id and issuers dedupe
// on it.
func (p *Publisher) CreationResponse(ctx context.Context, tenantID, correlationID string, success bool, message string) {
	p.publish(ctx, events.TypeCreationResponse, tenantID, correlationID, events.CreationResponsePayload{
		TenantID: tenantID,
		Success:  success,
		Message:  message,
	})
}

func (p *Publisher) publish(ctx context.Context, typ events.Type, key, correlationID string, payload any) {
	meta := events.NewMetadata(p.source, correlationID)
	envelope := events.Envelope{
		Metadata: meta,
		Type:     typ,
		Payload:  payload,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		log.Error().Err(err).
			Str("type", string(typ)).
			Str("correlation_id", correlationID).
			Msg("Failed to serialize event")
		monitoring.EventsPublished.WithLabelValues(string(typ), "serialize_error").Inc()
		return
	}

	confirmation, err := p.breaker.Execute(func() (messaging.Confirmation, error) {
		return p.sender.Submit(ctx, string(typ), key, correlationID, meta.EventID, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Short-circuit fallback: drop instead of blocking on a broker
			// that is known to be down.
			log.Error().
				Str("type", string(typ)).
				Str("key", key).
				Str("correlation_id", correlationID).
				Str("event_id", meta.EventID).
				Msg("Event dropped: publisher circuit open")
			monitoring.EventsPublished.WithLabelValues(string(typ), "dropped").Inc()
			monitoring.Alert("event dropped while publisher circuit open", map[string]string{
				"type":           string(typ),
				"key":            key,
				"correlation_id": correlationID,
			})
			return
		}
		log.Error().Err(err).
			Str("type", string(typ)).
			Str("key", key).
			Str("correlation_id", correlationID).
			Str("event_id", meta.EventID).
			Msg("Failed to submit event")
		monitoring.EventsPublished.WithLabelValues(string(typ), "submit_error").Inc()
		return
	}

	go p.awaitConfirmation(typ, key, correlationID, meta.EventID, confirmation)
}

// awaitConfirmation observes the asynchronous broker confirmation. Failures
// are logged with full context and absorbed here; they never reach the
// business path.
func (p *Publisher) awaitConfirmation(typ events.Type, key, correlationID, eventID string, confirmation messaging.Confirmation) {
	ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
	defer cancel()

	acked, err := confirmation.Wait(ctx)
	if err != nil || !acked {
		log.Error().Err(err).
			Str("type", string(typ)).
			Str("key", key).
			Str("correlation_id", correlationID).
			Str("event_id", eventID).
			Bool("acked", acked).
			Msg("Event delivery not confirmed by broker")
		monitoring.EventsPublished.WithLabelValues(string(typ), "unconfirmed").Inc()
		return
	}

	log.Debug().
		Str("type", string(typ)).
		Str("key", key).
		Str("correlation_id", correlationID).
		Str("event_id", eventID).
		Msg("Event confirmed")
	monitoring.EventsPublished.WithLabelValues(string(typ), "confirmed").Inc()
}
