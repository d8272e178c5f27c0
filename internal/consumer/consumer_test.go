package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/coordination"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/events"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/lifecycle"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/model"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/store"
)

const (
	testLockTTL       = 30 * time.Second
	testCompletionTTL = 24 * time.Hour
)

// fakeAcker records acknowledgment behavior for one or more deliveries.
type fakeAcker struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued int
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	if requeue {
		a.requeued++
	}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// fakeCache implements coordination.Cache with call counting and error
// injection on top of an in-memory map.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string

	setNXCalls int
	getCalls   int
	setCalls   int
	delCalls   int

	failSetNX  error
	failGet    error
	failSet    error
	forceSetNX *bool // overrides the set-if-absent outcome when non-nil
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

func (c *fakeCache) SetIfAbsent(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setNXCalls++
	if c.failSetNX != nil {
		return false, c.failSetNX
	}
	if c.forceSetNX != nil {
		if *c.forceSetNX {
			c.entries[key] = value
		}
		return *c.forceSetNX, nil
	}
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = value
	return true, nil
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	if c.failGet != nil {
		return "", false, c.failGet
	}
	val, ok := c.entries[key]
	return val, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	if c.failSet != nil {
		return c.failSet
	}
	c.entries[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delCalls++
	delete(c.entries, key)
	return nil
}

func (c *fakeCache) value(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// fakeStore implements the lookup side of the tenant store.
type fakeStore struct {
	mu        sync.Mutex
	byEmail   map[string]*model.Tenant
	findCalls int
	failFind  error
	// missNextFind makes the next lookup miss regardless of contents,
	// simulating a read that raced a concurrent commit.
	missNextFind bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{byEmail: make(map[string]*model.Tenant)}
}

func (s *fakeStore) FindByAdminEmail(_ context.Context, email string) (*model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.failFind != nil {
		return nil, s.failFind
	}
	if s.missNextFind {
		s.missNextFind = false
		return nil, nil
	}
	return s.byEmail[email], nil
}

func (s *fakeStore) put(t *model.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEmail[t.AdminEmail] = t
}

// fakeCreator simulates the transactional create, enforcing the natural-key
// uniqueness backstop the real store provides.
type fakeCreator struct {
	store       *fakeStore
	createCalls int32
	failCreate  error
	delay       time.Duration
}

func (c *fakeCreator) CreateFromCommand(_ context.Context, details model.TenantDetails, _ string) (*model.Tenant, error) {
	atomic.AddInt32(&c.createCalls, 1)
	if c.failCreate != nil {
		return nil, c.failCreate
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if _, exists := c.store.byEmail[details.AdminEmail]; exists {
		return nil, store.ErrTenantAlreadyExists
	}
	tenant := &model.Tenant{
		ID:         uuid.New(),
		Name:       details.Name,
		AdminEmail: details.AdminEmail,
		Status:     lifecycle.StatusProvisioning,
	}
	c.store.byEmail[details.AdminEmail] = tenant
	return tenant, nil
}

type response struct {
	tenantID      string
	correlationID string
	success       bool
}

// fakeSink records emitted events.
type fakeSink struct {
	mu        sync.Mutex
	created   []string
	responses []response
}

func (s *fakeSink) TenantCreated(_ context.Context, tenant *model.Tenant, correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, tenant.ID.String())
}

func (s *fakeSink) CreationResponse(_ context.Context, tenantID, correlationID string, success bool, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, response{tenantID: tenantID, correlationID: correlationID, success: success})
}

func (s *fakeSink) allResponses() []response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]response, len(s.responses))
	copy(out, s.responses)
	return out
}

func commandBody(t *testing.T, correlationID, email string) []byte {
	t.Helper()
	body, err := json.Marshal(events.CreateTenantCommand{
		CorrelationID: correlationID,
		RequestedBy:   "onboarding-service",
		SchemaVersion: events.SchemaVersion,
		TenantDetails: model.TenantDetails{
			Name:       "Acme Corp",
			AdminEmail: email,
		},
	})
	require.NoError(t, err)
	return body
}

func newDelivery(body []byte, acker *fakeAcker) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		Body:         body,
		DeliveryTag:  42,
		RoutingKey:   "tenant.command.create",
	}
}

type fixture struct {
	cache    *fakeCache
	tenants  *fakeStore
	creator  *fakeCreator
	sink     *fakeSink
	consumer *CommandConsumer
}

func newFixture() *fixture {
	cache := newFakeCache()
	tenants := newFakeStore()
	creator := &fakeCreator{store: tenants}
	sink := &fakeSink{}
	return &fixture{
		cache:    cache,
		tenants:  tenants,
		creator:  creator,
		sink:     sink,
		consumer: New(cache, tenants, creator, sink, testLockTTL, testCompletionTTL),
	}
}

func TestHandle_FreshCommand(t *testing.T) {
	f := newFixture()
	acker := &fakeAcker{}
	ctx := context.Background()

	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	assert.Equal(t, int32(1), f.creator.createCalls)
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, acker.nacks)

	// Completion record holds the created tenant id, processing lock is gone.
	tenantID, ok := f.cache.value(coordination.CompletedKey("corr-1"))
	assert.True(t, ok)
	_, locked := f.cache.value(coordination.ProcessingKey("corr-1"))
	assert.False(t, locked)

	require.Len(t, f.sink.created, 1)
	assert.Equal(t, tenantID, f.sink.created[0])
	require.Len(t, f.sink.allResponses(), 1)
	assert.Equal(t, tenantID, f.sink.allResponses()[0].tenantID)
	assert.Equal(t, "corr-1", f.sink.allResponses()[0].correlationID)
	assert.True(t, f.sink.allResponses()[0].success)
}

func TestHandle_MalformedPayload(t *testing.T) {
	f := newFixture()
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), newDelivery([]byte(`{broken`), acker))

	// Acked immediately with zero lock, cache or store interactions.
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, f.cache.setNXCalls)
	assert.Equal(t, 0, f.cache.getCalls)
	assert.Equal(t, 0, f.tenants.findCalls)
	assert.Equal(t, int32(0), f.creator.createCalls)
}

func TestHandle_LockAlreadyHeld(t *testing.T) {
	f := newFixture()
	acker := &fakeAcker{}
	ctx := context.Background()

	// Another handler owns the correlation id and has not finished yet.
	_, err := f.cache.SetIfAbsent(ctx, coordination.ProcessingKey("corr-1"), "1", testLockTTL)
	require.NoError(t, err)

	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, int32(0), f.creator.createCalls)
	assert.Equal(t, 0, f.tenants.findCalls)
	assert.Empty(t, f.sink.allResponses(), "no response while the owner is still working")
}

func TestHandle_LockHeldButAlreadyCompleted(t *testing.T) {
	f := newFixture()
	acker := &fakeAcker{}
	ctx := context.Background()

	_, err := f.cache.SetIfAbsent(ctx, coordination.ProcessingKey("corr-1"), "1", testLockTTL)
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(ctx, coordination.CompletedKey("corr-1"), "tenant-7", testCompletionTTL))

	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	assert.Equal(t, 1, acker.acks)
	responses := f.sink.allResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "tenant-7", responses[0].tenantID)
}

func TestHandle_ReplayAfterCrash(t *testing.T) {
	// The command was fully handled by a prior process that crashed after
	// completion but before acking the original message.
	f := newFixture()
	acker := &fakeAcker{}
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, coordination.CompletedKey("corr-1"), "tenant-7", testCompletionTTL))

	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, 0, f.tenants.findCalls, "zero store calls on replay")
	assert.Equal(t, int32(0), f.creator.createCalls)
	responses := f.sink.allResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "tenant-7", responses[0].tenantID)
	assert.Empty(t, f.sink.created, "no second creation event")

	_, locked := f.cache.value(coordination.ProcessingKey("corr-1"))
	assert.False(t, locked)
}

func TestHandle_NaturalKeySafety(t *testing.T) {
	// Two different correlation ids both meaning "create this organization":
	// the second resolves to the first's identifier.
	f := newFixture()
	ctx := context.Background()

	first := &fakeAcker{}
	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), first))
	require.Equal(t, int32(1), f.creator.createCalls)

	second := &fakeAcker{}
	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-2", "admin@acme.example"), second))

	assert.Equal(t, int32(1), f.creator.createCalls, "no second tenant for the same natural key")
	assert.Equal(t, 1, second.acks)

	responses := f.sink.allResponses()
	require.Len(t, responses, 2)
	assert.Equal(t, responses[0].tenantID, responses[1].tenantID)

	// The second correlation id now has its own completion record.
	id, ok := f.cache.value(coordination.CompletedKey("corr-2"))
	assert.True(t, ok)
	assert.Equal(t, responses[0].tenantID, id)
}

func TestHandle_TransientLookupFailure(t *testing.T) {
	f := newFixture()
	f.tenants.failFind = errors.New("connection refused")
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	// No ack: the broker must redeliver. Lock is released so the retry does
	// not wait out the TTL.
	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.nacks)
	assert.Equal(t, 1, acker.requeued)
	_, locked := f.cache.value(coordination.ProcessingKey("corr-1"))
	assert.False(t, locked)
	assert.Equal(t, int32(0), f.creator.createCalls)
}

func TestHandle_TransientCreateFailure(t *testing.T) {
	f := newFixture()
	f.creator.failCreate = errors.New("store unavailable")
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.requeued)
	_, done := f.cache.value(coordination.CompletedKey("corr-1"))
	assert.False(t, done, "no completion record for a failed create")
}

func TestHandle_CacheUnavailable(t *testing.T) {
	f := newFixture()
	f.cache.failSetNX = errors.New("redis down")
	acker := &fakeAcker{}

	f.consumer.Handle(context.Background(), newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.requeued)
	assert.Equal(t, 0, f.tenants.findCalls)
}

func TestHandle_CompletionWriteFailureAfterCreate(t *testing.T) {
	// Business step committed, completion record write failed: leave the
	// message unacked. Redelivery resolves through the natural-key check.
	f := newFixture()
	f.cache.failSet = errors.New("redis down")
	acker := &fakeAcker{}
	ctx := context.Background()

	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), acker))

	assert.Equal(t, int32(1), f.creator.createCalls)
	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, 1, acker.requeued)
	assert.Empty(t, f.sink.created, "no events before the completion record exists")

	// Redelivery with a healthy cache: resolves to the committed tenant
	// without a second create.
	f.cache.failSet = nil
	retry := &fakeAcker{}
	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), retry))

	assert.Equal(t, int32(1), f.creator.createCalls)
	assert.Equal(t, 1, retry.acks)
	responses := f.sink.allResponses()
	require.Len(t, responses, 1)
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	// N concurrent deliveries of the same correlation id: exactly one
	// executes the create, every delivery resolves.
	f := newFixture()
	f.creator.delay = 10 * time.Millisecond
	ctx := context.Background()
	body := commandBody(t, "corr-1", "admin@acme.example")

	const n = 8
	ackers := make([]*fakeAcker, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		ackers[i] = &fakeAcker{}
		wg.Add(1)
		go func(a *fakeAcker) {
			defer wg.Done()
			f.consumer.Handle(ctx, newDelivery(body, a))
		}(ackers[i])
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.creator.createCalls, "exactly one store create")
	totalAcks := 0
	for _, a := range ackers {
		totalAcks += a.acks
		assert.Equal(t, 0, a.nacks)
	}
	assert.Equal(t, n, totalAcks, "every delivery resolves")
	require.Len(t, f.sink.created, 1)

	// All responses that were emitted name the same tenant.
	for _, r := range f.sink.allResponses() {
		assert.Equal(t, f.sink.created[0], r.tenantID)
	}
}

func TestHandle_LockTTLRaceBackstop(t *testing.T) {
	// Deliberately provoke the lock-TTL race: a second handler believes the
	// first is dead, re-acquires the "expired" lock, and its natural-key
	// lookup races the winner's commit. The store's uniqueness backstop must
	// hold and the loser must resolve to the winner's tenant.
	f := newFixture()
	forced := true
	f.cache.forceSetNX = &forced
	ctx := context.Background()

	first := &fakeAcker{}
	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), first))
	require.Equal(t, 1, first.acks)
	winner := f.sink.created[0]

	// Wipe the completion record so the loser runs the full protocol, and
	// make its lookup miss the winner's committed row.
	require.NoError(t, f.cache.Delete(ctx, coordination.CompletedKey("corr-1")))
	f.tenants.mu.Lock()
	f.tenants.missNextFind = true
	f.tenants.mu.Unlock()

	second := &fakeAcker{}
	f.consumer.Handle(ctx, newDelivery(commandBody(t, "corr-1", "admin@acme.example"), second))

	// The loser's create collided on the unique key, looked the winner up
	// and resolved to it: one tenant, both deliveries acked.
	assert.Equal(t, 1, second.acks)
	assert.Equal(t, int32(2), f.creator.createCalls, "loser attempted the create and collided")
	require.Len(t, f.sink.created, 1, "exactly one tenant exists")
	id, ok := f.cache.value(coordination.CompletedKey("corr-1"))
	assert.True(t, ok)
	assert.Equal(t, winner, id)
}
