package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/crypto"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/lifecycle"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/model"
)

// ErrTenantAlreadyExists is returned by Create when the admin email (the
// natural key) is already taken. The unique constraint behind it is the
// ultimate backstop against duplicate creation even if the cache-based
// idempotency protocol is bypassed.
var ErrTenantAlreadyExists = errors.New("tenant with this admin email already exists")

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// TenantRepository handles database operations for tenants.
type TenantRepository struct {
	db *sql.DB
}

// NewTenantRepository creates a new TenantRepository.
func NewTenantRepository(dsn string) (*TenantRepository, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDB(*config)
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &TenantRepository{db: db}, nil
}

// Close closes the database connection.
func (r *TenantRepository) Close() error {
	return r.db.Close()
}

// Create inserts a new tenant. The repository owns the generated identifier
// and timestamps; the caller never supplies them. Settings are encrypted at
// rest. Returns ErrTenantAlreadyExists on a natural-key collision.
func (r *TenantRepository) Create(ctx context.Context, tenant *model.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, admin_email, organization_type, subscription_plan,
			isolation_strategy, status, metadata, encrypted_settings, settings_nonce,
			provisioned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	tenant.ID = uuid.New()
	tenant.CreatedAt = time.Now()
	tenant.UpdatedAt = tenant.CreatedAt

	if err := r.sealSettings(tenant); err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(tenant.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		tenant.ID, tenant.Name, tenant.AdminEmail, tenant.OrganizationType,
		tenant.SubscriptionPlan, tenant.IsolationStrategy, string(tenant.Status),
		metadataJSON, tenant.EncryptedSettings, tenant.SettingsNonce,
		tenant.Provisioned, tenant.CreatedAt, tenant.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrTenantAlreadyExists
	}
	return err
}

// GetByID retrieves a tenant by ID.
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	query := selectColumns + ` WHERE id = $1 AND deleted_at IS NULL`
	return r.queryOne(ctx, query, id)
}

// FindByAdminEmail retrieves a tenant by its natural key. Returns (nil, nil)
// when no tenant exists for the email.
func (r *TenantRepository) FindByAdminEmail(ctx context.Context, email string) (*model.Tenant, error) {
	query := selectColumns + ` WHERE admin_email = $1 AND deleted_at IS NULL`
	return r.queryOne(ctx, query, email)
}

const selectColumns = `
	SELECT id, name, admin_email, organization_type, subscription_plan,
		isolation_strategy, status, metadata, encrypted_settings, settings_nonce,
		provisioned, created_at, updated_at, deleted_at
	FROM tenants`

func (r *TenantRepository) queryOne(ctx context.Context, query string, arg any) (*model.Tenant, error) {
	tenant := &model.Tenant{}
	var status string
	var metadataJSON []byte
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&tenant.ID, &tenant.Name, &tenant.AdminEmail, &tenant.OrganizationType,
		&tenant.SubscriptionPlan, &tenant.IsolationStrategy, &status,
		&metadataJSON, &tenant.EncryptedSettings, &tenant.SettingsNonce,
		&tenant.Provisioned, &tenant.CreatedAt, &tenant.UpdatedAt, &tenant.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tenant.Status = lifecycle.Status(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tenant.Metadata); err != nil {
			return nil, err
		}
	}
	if err := r.openSettings(tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}

// Update persists mutable tenant fields.
func (r *TenantRepository) Update(ctx context.Context, tenant *model.Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2, subscription_plan = $3, status = $4, metadata = $5,
			encrypted_settings = $6, settings_nonce = $7, provisioned = $8, updated_at = $9
		WHERE id = $1 AND deleted_at IS NULL
	`
	tenant.UpdatedAt = time.Now()
	if err := r.sealSettings(tenant); err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(tenant.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query,
		tenant.ID, tenant.Name, tenant.SubscriptionPlan, string(tenant.Status),
		metadataJSON, tenant.EncryptedSettings, tenant.SettingsNonce,
		tenant.Provisioned, tenant.UpdatedAt,
	)
	return err
}

// UpdateStatus moves a tenant to a new lifecycle status. Transition legality
// is the service layer's concern; the repository only persists.
func (r *TenantRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status lifecycle.Status) error {
	query := `
		UPDATE tenants SET status = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, id, string(status))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete performs a soft delete on a tenant.
func (r *TenantRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tenants
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateProvisioningLog appends a row to the provisioning audit trail.
func (r *TenantRepository) CreateProvisioningLog(ctx context.Context, tenantID uuid.UUID, step, status string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	query := `INSERT INTO tenant_provisioning_logs (tenant_id, step, status, details, created_at)
              VALUES ($1, $2, $3, $4, $5)`
	_, err = r.db.ExecContext(ctx, query, tenantID, step, status, detailsJSON, time.Now())
	return err
}

// sealSettings encrypts the plaintext settings map into the stored columns.
func (r *TenantRepository) sealSettings(tenant *model.Tenant) error {
	if len(tenant.Settings) == 0 {
		tenant.EncryptedSettings = nil
		tenant.SettingsNonce = nil
		return nil
	}
	plain, err := json.Marshal(tenant.Settings)
	if err != nil {
		return err
	}
	ciphertext, nonce, err := crypto.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("encrypt settings: %w", err)
	}
	tenant.EncryptedSettings = ciphertext
	tenant.SettingsNonce = nonce
	return nil
}

// openSettings decrypts stored settings back into the transient map.
func (r *TenantRepository) openSettings(tenant *model.Tenant) error {
	if len(tenant.EncryptedSettings) == 0 || len(tenant.SettingsNonce) == 0 {
		return nil
	}
	plain, err := crypto.Decrypt(tenant.EncryptedSettings, tenant.SettingsNonce)
	if err != nil {
		return fmt.Errorf("decrypt settings: %w", err)
	}
	return json.Unmarshal(plain, &tenant.Settings)
}
