package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/lifecycle"
)

// Tenant represents the tenants table.
type Tenant struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	AdminEmail        string            `json:"admin_email"` // natural key, unique
	OrganizationType  string            `json:"organization_type"`
	SubscriptionPlan  string            `json:"subscription_plan"`
	IsolationStrategy string            `json:"isolation_strategy"`
	Status            lifecycle.Status  `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Settings          map[string]string `json:"settings,omitempty"` // Plaintext (transient, not stored in DB)
	EncryptedSettings []byte            // Stored in DB
	SettingsNonce     []byte            // Stored in DB
	Provisioned       bool              `json:"provisioned"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	DeletedAt         *time.Time        `json:"deleted_at,omitempty"`
}

// TenantDetails is the creation payload carried by an inbound command. The
// consumer never invents identifiers; the store assigns the tenant id.
type TenantDetails struct {
	Name              string            `json:"name"`
	AdminEmail        string            `json:"admin_email"`
	OrganizationType  string            `json:"organization_type"`
	SubscriptionPlan  string            `json:"subscription_plan"`
	IsolationStrategy string            `json:"isolation_strategy"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Settings          map[string]string `json:"settings,omitempty"`
}

// ProvisioningLog represents the tenant_provisioning_logs table.
type ProvisioningLog struct {
	ID        int64     `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
