package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/model"
)

// SchemaVersion is stamped on every envelope this service emits.
const SchemaVersion = "1.0"

// Type identifies an event kind. Each kind has a fixed routing key equal to
// its type string.
type Type string

const (
	TypeTenantCreated       Type = "tenant.created"
	TypeTenantUpdated       Type = "tenant.updated"
	TypeTenantActivated     Type = "tenant.activated"
	TypeTenantSuspended     Type = "tenant.suspended"
	TypeTenantReactivated   Type = "tenant.reactivated"
	TypeTenantDeleted       Type = "tenant.deleted"
	TypeSubscriptionChanged Type = "tenant.subscription.changed"
	TypeFeatureToggled      Type = "tenant.feature.toggled"
	TypeCreationResponse    Type = "tenant.creation.response"
)

// Metadata carries the wire-level identity of one published message.
// EventID is fresh per message and is the downstream deduplication key;
// CorrelationID threads every message belonging to one logical command.
type Metadata struct {
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	SourceService string    `json:"source_service"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion string    `json:"schema_version"`
}

// NewMetadata mints metadata for a fresh message, propagating the triggering
// command's correlation id untouched.
func NewMetadata(sourceService, correlationID string) Metadata {
	return Metadata{
		EventID:       uuid.New().String(),
		CorrelationID: correlationID,
		SourceService: sourceService,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}
}

// Envelope is the outbound message shape for every event kind.
type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Type     Type     `json:"type"`
	Payload  any      `json:"payload"`
}

// TenantPayload is the tenant snapshot carried by lifecycle events.
type TenantPayload struct {
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name"`
	AdminEmail       string `json:"admin_email"`
	OrganizationType string `json:"organization_type"`
	SubscriptionPlan string `json:"subscription_plan"`
	Status           string `json:"status"`
}

// NewTenantPayload builds the event snapshot for a tenant record.
func NewTenantPayload(t *model.Tenant) TenantPayload {
	return TenantPayload{
		TenantID:         t.ID.String(),
		Name:             t.Name,
		AdminEmail:       t.AdminEmail,
		OrganizationType: t.OrganizationType,
		SubscriptionPlan: t.SubscriptionPlan,
		Status:           string(t.Status),
	}
}

// SubscriptionChangedPayload records a plan change.
type SubscriptionChangedPayload struct {
	TenantID string `json:"tenant_id"`
	OldPlan  string `json:"old_plan"`
	NewPlan  string `json:"new_plan"`
}

// FeatureToggledPayload records a feature flag flip for a tenant.
type FeatureToggledPayload struct {
	TenantID string `json:"tenant_id"`
	Feature  string `json:"feature"`
	Enabled  bool   `json:"enabled"`
}

// CreationResponsePayload answers the issuer of a creation command. Duplicate
// deliveries legitimately produce multiple responses, each naming the same
// tenant id; issuers dedupe on the envelope's event id.
type CreationResponsePayload struct {
	TenantID string `json:"tenant_id"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// CreateTenantCommand is the inbound command envelope. The correlation id is
// caller-supplied, opaque, and doubles as the idempotency key; it is never
// regenerated on this side.
type CreateTenantCommand struct {
	CorrelationID string              `json:"correlation_id"`
	RequestedBy   string              `json:"requested_by"`
	SchemaVersion string              `json:"schema_version"`
	TenantDetails model.TenantDetails `json:"tenant_details"`
}

// ErrMalformedCommand classifies payloads that can never be processed.
var ErrMalformedCommand = errors.New("malformed create-tenant command")

// ParseCreateTenantCommand decodes and structurally validates an inbound
// command payload. Any failure here is unretryable.
func ParseCreateTenantCommand(body []byte) (*CreateTenantCommand, error) {
	var cmd CreateTenantCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if cmd.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation_id", ErrMalformedCommand)
	}
	if cmd.TenantDetails.AdminEmail == "" {
		return nil, fmt.Errorf("%w: missing tenant_details.admin_email", ErrMalformedCommand)
	}
	if cmd.TenantDetails.Name == "" {
		return nil, fmt.Errorf("%w: missing tenant_details.name", ErrMalformedCommand)
	}
	return &cmd, nil
}
