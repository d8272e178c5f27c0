package consumer

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/coordination"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/events"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/model"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/monitoring"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/store"
)

// processingMarker is the opaque value stored under a processing lock.
const processingMarker = "1"

// TenantStore is the lookup half of the external tenant store.
type TenantStore interface {
	FindByAdminEmail(ctx context.Context, email string) (*model.Tenant, error)
}

// TenantCreator performs the atomic tenant creation. It must fail with
// store.ErrTenantAlreadyExists on a natural-key collision.
type TenantCreator interface {
	CreateFromCommand(ctx context.Context, details model.TenantDetails, correlationID string) (*model.Tenant, error)
}

// EventSink receives the events a handled command produces. Implementations
// must never return control-flow errors: publication failure is isolated from
// the command path.
type EventSink interface {
	TenantCreated(ctx context.Context, tenant *model.Tenant, correlationID string)
	CreationResponse(ctx context.Context, tenantID, correlationID string, success bool, message string)
}

// CommandConsumer handles tenant-creation commands idempotently. The broker
// delivers at least once; this consumer guarantees at-most-one effective
// creation per correlation id through a processing lock and a completion
// record in the coordination cache, with the store's natural-key uniqueness
// as the final backstop. There is no in-process mutex: correctness relies
// entirely on the distributed coordination keys, so any number of consumer
// instances can share the queue.
type CommandConsumer struct {
	cache   coordination.Cache
	store   TenantStore
	creator TenantCreator
	sink    EventSink

	lockTTL       time.Duration
	completionTTL time.Duration
}

// New creates a CommandConsumer. lockTTL bounds how long a crashed handler
// blocks a retry and must exceed worst-case handling latency by a safe
// margin; completionTTL bounds how long duplicate redeliveries are
// deduplicated without a store round trip.
func New(cache coordination.Cache, tenants TenantStore, creator TenantCreator, sink EventSink, lockTTL, completionTTL time.Duration) *CommandConsumer {
	return &CommandConsumer{
		cache:         cache,
		store:         tenants,
		creator:       creator,
		sink:          sink,
		lockTTL:       lockTTL,
		completionTTL: completionTTL,
	}
}

// Handle processes one delivery end to end. It never returns a value: the
// outcome is observed through acknowledgment behavior and emitted events.
// Acknowledgment discipline:
//   - malformed payloads are acked immediately (they can never succeed and
//     must not block the queue);
//   - expected concurrency (lock held, already completed, natural key taken)
//     is a successful no-op that still answers the issuer, then acks;
//   - transient failures nack with requeue and leave the message to broker
//     redelivery, deleting the processing lock best-effort so a fast retry
//     need not wait out the TTL.
func (c *CommandConsumer) Handle(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()
	defer func() {
		monitoring.CommandDuration.Observe(time.Since(start).Seconds())
	}()

	cmd, err := events.ParseCreateTenantCommand(delivery.Body)
	if err != nil {
		log.Error().Err(err).
			Str("routing_key", delivery.RoutingKey).
			Uint64("delivery_tag", delivery.DeliveryTag).
			Msg("Unprocessable command payload, dropping")
		monitoring.CommandsProcessed.WithLabelValues("malformed").Inc()
		c.ack(delivery)
		return
	}

	logger := log.With().
		Str("correlation_id", cmd.CorrelationID).
		Str("admin_email", cmd.TenantDetails.AdminEmail).
		Logger()

	lockKey := coordination.ProcessingKey(cmd.CorrelationID)
	completedKey := coordination.CompletedKey(cmd.CorrelationID)

	acquired, err := c.cache.SetIfAbsent(ctx, lockKey, processingMarker, c.lockTTL)
	if err != nil {
		logger.Error().Err(err).Msg("Coordination cache unavailable, leaving command for redelivery")
		monitoring.CommandsProcessed.WithLabelValues("transient_error").Inc()
		c.nackRequeue(delivery)
		return
	}
	if !acquired {
		// Another handler owns this correlation id right now; expected
		// during concurrent delivery or a consumer-group rebalance. If it
		// already finished, answer the issuer again before dropping out.
		if tenantID, done, peekErr := c.cache.Get(ctx, completedKey); peekErr == nil && done {
			c.sink.CreationResponse(ctx, tenantID, cmd.CorrelationID, true, "tenant already created")
		}
		logger.Info().Msg("Command already being processed, skipping")
		monitoring.CommandsProcessed.WithLabelValues("duplicate_in_flight").Inc()
		c.ack(delivery)
		return
	}

	tenantID, done, err := c.cache.Get(ctx, completedKey)
	if err != nil {
		c.failTransient(ctx, delivery, lockKey, logger, err, "Completion record check failed")
		return
	}
	if done {
		// A prior handler finished the work but may have died before acking
		// the original message. Re-emit the response so the issuer is not
		// left hanging; zero store calls on this path.
		c.sink.CreationResponse(ctx, tenantID, cmd.CorrelationID, true, "tenant already created")
		logger.Info().Str("tenant_id", tenantID).Msg("Command previously completed, response re-emitted")
		monitoring.CommandsProcessed.WithLabelValues("replayed").Inc()
		c.releaseLock(ctx, lockKey)
		c.ack(delivery)
		return
	}

	// Natural-key check defends against two different correlation ids both
	// meaning "create this same organization" (caller-side retries with a
	// regenerated id).
	existing, err := c.store.FindByAdminEmail(ctx, cmd.TenantDetails.AdminEmail)
	if err != nil {
		c.failTransient(ctx, delivery, lockKey, logger, err, "Tenant lookup failed")
		return
	}
	if existing != nil {
		c.resolveExisting(ctx, delivery, cmd, existing, lockKey, completedKey, logger, "natural_key_exists")
		return
	}

	tenant, err := c.creator.CreateFromCommand(ctx, cmd.TenantDetails, cmd.CorrelationID)
	if errors.Is(err, store.ErrTenantAlreadyExists) {
		// Lost a race the cache protocol could not see (e.g. a handler that
		// outlived its lock TTL). The unique constraint held; resolve to the
		// winner's tenant.
		winner, lookupErr := c.store.FindByAdminEmail(ctx, cmd.TenantDetails.AdminEmail)
		if lookupErr != nil || winner == nil {
			c.failTransient(ctx, delivery, lockKey, logger, lookupErr, "Lookup after natural-key collision failed")
			return
		}
		c.resolveExisting(ctx, delivery, cmd, winner, lockKey, completedKey, logger, "natural_key_conflict")
		return
	}
	if err != nil {
		c.failTransient(ctx, delivery, lockKey, logger, err, "Tenant creation failed")
		return
	}

	// Record completion before emitting anything: if the process dies right
	// here, replay resolves through the completion record instead of
	// creating a second tenant.
	if err := c.cache.Set(ctx, completedKey, tenant.ID.String(), c.completionTTL); err != nil {
		// The tenant is committed; redelivery resolves through the
		// natural-key check rather than a second create.
		c.failTransient(ctx, delivery, lockKey, logger, err, "Completion record write failed")
		return
	}

	c.sink.TenantCreated(ctx, tenant, cmd.CorrelationID)
	c.sink.CreationResponse(ctx, tenant.ID.String(), cmd.CorrelationID, true, "tenant created")

	logger.Info().
		Str("tenant_id", tenant.ID.String()).
		Str("requested_by", cmd.RequestedBy).
		Msg("Tenant created")
	monitoring.CommandsProcessed.WithLabelValues("created").Inc()

	c.releaseLock(ctx, lockKey)
	c.ack(delivery)
}

// resolveExisting finishes a command whose tenant already exists: memoize the
// identifier, answer the issuer and ack. This is expected concurrency, not an
// error.
func (c *CommandConsumer) resolveExisting(ctx context.Context, delivery amqp.Delivery, cmd *events.CreateTenantCommand, existing *model.Tenant, lockKey, completedKey string, logger zerolog.Logger, outcome string) {
	if err := c.cache.Set(ctx, completedKey, existing.ID.String(), c.completionTTL); err != nil {
		c.failTransient(ctx, delivery, lockKey, logger, err, "Completion record write failed")
		return
	}
	c.sink.CreationResponse(ctx, existing.ID.String(), cmd.CorrelationID, true, "tenant already exists")
	logger.Info().
		Str("tenant_id", existing.ID.String()).
		Msg("Tenant already exists for this organization, resolved to existing record")
	monitoring.CommandsProcessed.WithLabelValues(outcome).Inc()
	c.releaseLock(ctx, lockKey)
	c.ack(delivery)
}

// failTransient handles retryable failures during the business steps: the
// message stays unacked so the broker redelivers it, and the processing lock
// is deleted best-effort so the retry need not wait out the TTL. If this
// process is already dead the TTL expiry covers the lock instead.
func (c *CommandConsumer) failTransient(ctx context.Context, delivery amqp.Delivery, lockKey string, logger zerolog.Logger, err error, msg string) {
	logger.Error().Err(err).Msg(msg)
	monitoring.CommandsProcessed.WithLabelValues("transient_error").Inc()
	c.releaseLock(ctx, lockKey)
	c.nackRequeue(delivery)
}

func (c *CommandConsumer) releaseLock(ctx context.Context, lockKey string) {
	if err := c.cache.Delete(ctx, lockKey); err != nil {
		log.Warn().Err(err).Str("key", lockKey).Msg("Failed to release processing lock, TTL will expire it")
	}
}

func (c *CommandConsumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		log.Warn().Err(err).Uint64("delivery_tag", delivery.DeliveryTag).Msg("Failed to ack delivery")
	}
}

func (c *CommandConsumer) nackRequeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		log.Warn().Err(err).Uint64("delivery_tag", delivery.DeliveryTag).Msg("Failed to nack delivery")
	}
}
