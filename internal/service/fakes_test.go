package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rdsconnect/screen-server/internal/broadcast"
	"github.com/rdsconnect/screen-server/internal/database"
	"github.com/rdsconnect/screen-server/internal/metrics"
	"github.com/rdsconnect/screen-server/internal/model"
	"github.com/rdsconnect/screen-server/internal/registry"
	"github.com/rdsconnect/screen-server/internal/repository"
	"github.com/rdsconnect/screen-server/internal/storage"
)

// memStore is an in-memory stand-in for postgres. Transactions are
// serialized and rolled back by restoring a snapshot, which gives the
// services the same all-or-nothing behaviour the real store has.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts    map[string]model.Account
	devices     map[string]model.Device
	plans       map[string]model.SubscriptionPlan
	subs        map[string]model.Subscription
	playlists   map[string]model.Playlist
	items       []model.PlaylistItem
	assignments map[string]model.PlaylistAssignment

	// failAssignOwner makes the next AssignOwner call fail.
	failAssignOwner error
}

func newMemStore() *memStore {
	return &memStore{
		accounts:    make(map[string]model.Account),
		devices:     make(map[string]model.Device),
		plans:       make(map[string]model.SubscriptionPlan),
		subs:        make(map[string]model.Subscription),
		playlists:   make(map[string]model.Playlist),
		assignments: make(map[string]model.PlaylistAssignment),
	}
}

type memSnapshot struct {
	accounts    map[string]model.Account
	devices     map[string]model.Device
	subs        map[string]model.Subscription
	assignments map[string]model.PlaylistAssignment
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memSnapshot{
		accounts:    copyMap(s.accounts),
		devices:     copyMap(s.devices),
		subs:        copyMap(s.subs),
		assignments: copyMap(s.assignments),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = snap.accounts
	s.devices = snap.devices
	s.subs = snap.subs
	s.assignments = snap.assignments
}

func copyMap[T any](m map[string]T) map[string]T {
	out := make(map[string]T, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) WithTx(_ context.Context, fn database.TxFunc) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(nil); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func uniqueViolation(constraint string) error {
	return &pq.Error{Code: "23505", Constraint: constraint, Message: "duplicate key value violates unique constraint"}
}

// Seed helpers

func (s *memStore) addAccount(email, first, last string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.accounts[id] = model.Account{ID: id, Email: email, FirstName: first, LastName: last, CreatedAt: time.Now()}
	return id
}

func (s *memStore) addPlan(name string, kind model.PlanKind, maxScreens int, productID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.plans[id] = model.SubscriptionPlan{ID: id, Name: name, Kind: kind, MaxScreens: maxScreens, ExternalProductID: productID}
	return id
}

func (s *memStore) addDevice(code string, owner string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	d := model.Device{ID: id, Name: "Lobby " + code[:3], PairingCode: code, Status: model.DeviceStatusOffline, CreatedAt: time.Now()}
	if owner != "" {
		o := owner
		d.AccountID = &o
	}
	s.devices[id] = d
	return id
}

func (s *memStore) addPlaylist(accountID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.playlists[id] = model.Playlist{ID: id, AccountID: accountID, Name: name}
	return id
}

func (s *memStore) addItem(playlistID string, position int, mediaType model.MediaType, key string, override, intrinsic *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, model.PlaylistItem{
		ID:              uuid.NewString(),
		PlaylistID:      playlistID,
		MediaID:         uuid.NewString(),
		Position:        position,
		DurationMs:      override,
		MediaType:       mediaType,
		MediaStorageKey: key,
		MediaDurationMs: intrinsic,
	})
}

func (s *memStore) addAssignment(deviceID, playlistID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.assignments[id] = model.PlaylistAssignment{ID: id, DeviceID: deviceID, PlaylistID: playlistID, IsActive: active, AssignedAt: time.Now()}
}

func (s *memStore) device(id string) *model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[id]
	return &d
}

func (s *memStore) subscriptionByExternalID(externalID string) (model.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ExternalSubscriptionID == externalID {
			return sub, true
		}
	}
	return model.Subscription{}, false
}

func (s *memStore) activeMain(accountID string) (model.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.AccountID == accountID && sub.Status == model.SubscriptionStatusActive &&
			s.plans[sub.PlanID].Kind == model.PlanKindMain {
			return sub, true
		}
	}
	return model.Subscription{}, false
}

func (s *memStore) activePlaylists(deviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, a := range s.assignments {
		if a.DeviceID == deviceID && a.IsActive {
			ids = append(ids, a.PlaylistID)
		}
	}
	return ids
}

func (s *memStore) ownedCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.devices {
		if d.OwnedBy(accountID) {
			n++
		}
	}
	return n
}

// Accounts

type memAccountRepo struct{ s *memStore }

func (r *memAccountRepo) FindByID(_ context.Context, id string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[id]; ok {
		return &a, nil
	}
	return nil, nil
}

func (r *memAccountRepo) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if strings.EqualFold(a.Email, email) {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *memAccountRepo) FindByTokenHash(_ context.Context, tokenHash string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.APITokenHash != nil && *a.APITokenHash == tokenHash {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *memAccountRepo) LockForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return r.FindByID(ctx, id)
}

func (r *memAccountRepo) UpdateTokenHash(_ context.Context, id, tokenHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.s.accounts[id]
	a.APITokenHash = &tokenHash
	r.s.accounts[id] = a
	return nil
}

func (r *memAccountRepo) WithTx(*sqlx.Tx) repository.AccountRepository { return r }

// Devices

type memDeviceRepo struct{ s *memStore }

func (r *memDeviceRepo) FindByID(_ context.Context, id string) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.devices[id]; ok {
		return &d, nil
	}
	return nil, nil
}

func (r *memDeviceRepo) FindByCode(_ context.Context, code string) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.devices {
		if d.PairingCode == code {
			return &d, nil
		}
	}
	return nil, nil
}

func (r *memDeviceRepo) FindByAccountID(_ context.Context, accountID string) ([]model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Device
	for _, d := range r.s.devices {
		if d.OwnedBy(accountID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memDeviceRepo) CountByAccountID(ctx context.Context, accountID string) (int, error) {
	devices, _ := r.FindByAccountID(ctx, accountID)
	return len(devices), nil
}

func (r *memDeviceRepo) Create(_ context.Context, params model.CreateDeviceParams) (*model.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.devices {
		if d.PairingCode == params.PairingCode {
			return nil, uniqueViolation("devices_pairing_code_key")
		}
	}
	d := model.Device{
		ID:          uuid.NewString(),
		Name:        params.Name,
		PairingCode: params.PairingCode,
		Status:      model.DeviceStatusOffline,
		CreatedAt:   time.Now(),
	}
	r.s.devices[d.ID] = d
	return &d, nil
}

func (r *memDeviceRepo) LockForUpdate(ctx context.Context, id string) (*model.Device, error) {
	return r.FindByID(ctx, id)
}

func (r *memDeviceRepo) AssignOwner(_ context.Context, id, accountID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failAssignOwner; err != nil {
		r.s.failAssignOwner = nil
		return false, err
	}
	d, ok := r.s.devices[id]
	if !ok || d.AccountID != nil {
		return false, nil
	}
	owner := accountID
	now := time.Now()
	d.AccountID = &owner
	d.PairedAt = &now
	r.s.devices[id] = d
	return true, nil
}

func (r *memDeviceRepo) UpdateStatus(_ context.Context, id string, status model.DeviceStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil
	}
	now := time.Now()
	d.Status = status
	d.LastSeenAt = &now
	r.s.devices[id] = d
	return nil
}

func (r *memDeviceRepo) TouchLastSeen(_ context.Context, ids []string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	now := time.Now()
	for _, id := range ids {
		if d, ok := r.s.devices[id]; ok {
			d.Status = model.DeviceStatusOnline
			d.LastSeenAt = &now
			r.s.devices[id] = d
			n++
		}
	}
	return n, nil
}

func (r *memDeviceRepo) MarkStaleOffline(_ context.Context, seenBefore time.Time, exclude []string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var n int64
	for id, d := range r.s.devices {
		if skip[id] || d.Status != model.DeviceStatusOnline {
			continue
		}
		if d.LastSeenAt == nil || d.LastSeenAt.Before(seenBefore) {
			d.Status = model.DeviceStatusOffline
			r.s.devices[id] = d
			n++
		}
	}
	return n, nil
}

func (r *memDeviceRepo) WithTx(*sqlx.Tx) repository.DeviceRepository { return r }

// Plans and subscriptions

type memPlanRepo struct{ s *memStore }

func (r *memPlanRepo) FindByExternalProductID(_ context.Context, productID string) (*model.SubscriptionPlan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.plans {
		if p.ExternalProductID == productID {
			return &p, nil
		}
	}
	return nil, nil
}

type memSubscriptionRepo struct{ s *memStore }

func (r *memSubscriptionRepo) withPlan(sub model.Subscription) *model.SubscriptionWithPlan {
	plan := r.s.plans[sub.PlanID]
	return &model.SubscriptionWithPlan{Subscription: sub, PlanKind: plan.Kind, PlanMaxScreens: plan.MaxScreens}
}

func (r *memSubscriptionRepo) FindByExternalID(_ context.Context, externalID string) (*model.SubscriptionWithPlan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subs {
		if sub.ExternalSubscriptionID == externalID {
			return r.withPlan(sub), nil
		}
	}
	return nil, nil
}

func (r *memSubscriptionRepo) FindActiveMain(_ context.Context, accountID string) (*model.SubscriptionWithPlan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subs {
		if sub.AccountID == accountID && sub.Status == model.SubscriptionStatusActive &&
			r.s.plans[sub.PlanID].Kind == model.PlanKindMain {
			return r.withPlan(sub), nil
		}
	}
	return nil, nil
}

func (r *memSubscriptionRepo) LockActiveMain(ctx context.Context, accountID string) (*model.SubscriptionWithPlan, error) {
	return r.FindActiveMain(ctx, accountID)
}

func (r *memSubscriptionRepo) SumActiveOptionQuantity(_ context.Context, accountID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	total := 0
	for _, sub := range r.s.subs {
		if sub.AccountID == accountID && sub.Status == model.SubscriptionStatusActive &&
			r.s.plans[sub.PlanID].Kind == model.PlanKindOption {
			total += sub.Quantity
		}
	}
	return total, nil
}

func (r *memSubscriptionRepo) Create(_ context.Context, params model.CreateSubscriptionParams) (*model.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.subs {
		if sub.ExternalSubscriptionID == params.ExternalSubscriptionID {
			return nil, uniqueViolation("subscriptions_external_id_key")
		}
	}
	sub := model.Subscription{
		ID:                     uuid.NewString(),
		AccountID:              params.AccountID,
		PlanID:                 params.PlanID,
		ExternalSubscriptionID: params.ExternalSubscriptionID,
		Status:                 model.SubscriptionStatusActive,
		Quantity:               params.Quantity,
		UsedScreens:            params.UsedScreens,
		CurrentPeriodStart:     params.CurrentPeriodStart,
		CurrentPeriodEnd:       params.CurrentPeriodEnd,
		CreatedAt:              time.Now(),
	}
	r.s.subs[sub.ID] = sub
	return &sub, nil
}

func (r *memSubscriptionRepo) Cancel(_ context.Context, id, reason string, replacedBy *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[id]
	if !ok || sub.Status != model.SubscriptionStatusActive {
		return nil
	}
	now := time.Now()
	rs := reason
	sub.Status = model.SubscriptionStatusCanceled
	sub.CancelReason = &rs
	sub.ReplacedBy = replacedBy
	sub.CanceledAt = &now
	r.s.subs[id] = sub
	return nil
}

func (r *memSubscriptionRepo) UpdateMaxScreens(_ context.Context, id string, maxScreens int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub := r.s.subs[id]
	sub.CurrentMaxScreens = maxScreens
	r.s.subs[id] = sub
	return nil
}

func (r *memSubscriptionRepo) IncrementUsedScreens(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subs[id]
	if !ok || sub.Status != model.SubscriptionStatusActive || sub.UsedScreens >= sub.CurrentMaxScreens {
		return false, nil
	}
	sub.UsedScreens++
	r.s.subs[id] = sub
	return true, nil
}

func (r *memSubscriptionRepo) UpdatePeriod(_ context.Context, externalID string, start, end *time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, sub := range r.s.subs {
		if sub.ExternalSubscriptionID == externalID {
			sub.CurrentPeriodStart = start
			sub.CurrentPeriodEnd = end
			r.s.subs[id] = sub
			return 1, nil
		}
	}
	return 0, nil
}

func (r *memSubscriptionRepo) WithTx(*sqlx.Tx) repository.SubscriptionRepository { return r }

// Playlists

type memPlaylistRepo struct{ s *memStore }

func (r *memPlaylistRepo) FindByID(_ context.Context, id string) (*model.Playlist, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.playlists[id]; ok {
		return &p, nil
	}
	return nil, nil
}

// FindItems returns items in insertion order so callers must do the sorting.
func (r *memPlaylistRepo) FindItems(_ context.Context, playlistID string) ([]model.PlaylistItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.PlaylistItem
	for _, item := range r.s.items {
		if item.PlaylistID == playlistID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (r *memPlaylistRepo) WithTx(*sqlx.Tx) repository.PlaylistRepository { return r }

type memAssignmentRepo struct{ s *memStore }

func (r *memAssignmentRepo) FindActiveByDeviceID(_ context.Context, deviceID string) (*model.PlaylistAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.assignments {
		if a.DeviceID == deviceID && a.IsActive {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *memAssignmentRepo) FindByDeviceID(_ context.Context, deviceID string) ([]model.PlaylistAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.PlaylistAssignment
	for _, a := range r.s.assignments {
		if a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memAssignmentRepo) DeactivateOthers(_ context.Context, deviceID, keepPlaylistID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, a := range r.s.assignments {
		if a.DeviceID == deviceID && a.PlaylistID != keepPlaylistID && a.IsActive {
			a.IsActive = false
			r.s.assignments[id] = a
			n++
		}
	}
	return n, nil
}

func (r *memAssignmentRepo) Activate(_ context.Context, deviceID, playlistID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, a := range r.s.assignments {
		if a.DeviceID == deviceID && a.PlaylistID == playlistID {
			a.IsActive = true
			r.s.assignments[id] = a
			return true, nil
		}
	}
	return false, nil
}

func (r *memAssignmentRepo) WithTx(*sqlx.Tx) repository.AssignmentRepository { return r }

// Transport fakes

type fakeConn struct {
	id      string
	mu      sync.Mutex
	joined  []string
	joinErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString()}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) JoinGroup(_ context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, deviceID)
	return c.joinErr
}

func (c *fakeConn) groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...)
}

type publishedEvent struct {
	deviceID string
	event    broadcast.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, deviceID string, event broadcast.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{deviceID: deviceID, event: event})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Get(1).(time.Time)
}

type recordingEntitlements struct {
	mu      sync.Mutex
	updates []model.Entitlement
	err     error
}

func (p *recordingEntitlements) EntitlementUpdated(_ context.Context, ent model.Entitlement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, ent)
	return p.err
}

func (p *recordingEntitlements) Close() error { return nil }

func (p *recordingEntitlements) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

var errStoreDown = errors.New("connection reset by peer")

// testServices wires every service against one memStore.
type testServices struct {
	store        *memStore
	registry     *registry.Registry
	publisher    *recordingPublisher
	entitlements *recordingEntitlements
	metrics      *metrics.Metrics
	ledger       *EntitlementLedger
	pairing      *PairingCoordinator
	content      *ContentBroadcaster
	devices      *DeviceService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()

	store := newMemStore()
	reg := registry.New()
	pub := &recordingPublisher{}
	ents := &recordingEntitlements{}
	m := metrics.New()

	resolver, err := storage.NewPublicResolver("https://cdn.example.com/media")
	require.NoError(t, err)

	accounts := &memAccountRepo{s: store}
	devices := &memDeviceRepo{s: store}
	plans := &memPlanRepo{s: store}
	subs := &memSubscriptionRepo{s: store}

	ledger := NewEntitlementLedger(store, accounts, plans, subs, devices, ents, m)

	return &testServices{
		store:        store,
		registry:     reg,
		publisher:    pub,
		entitlements: ents,
		metrics:      m,
		ledger:       ledger,
		pairing:      NewPairingCoordinator(store, devices, subs, accounts, ledger, reg, pub, nil, PairingOptions{}, m),
		content:      NewContentBroadcaster(store, devices, &memPlaylistRepo{s: store}, &memAssignmentRepo{s: store}, resolver, pub, m),
		devices:      NewDeviceService(devices, reg, m),
	}
}

// subscribe applies a completed checkout and fails the test on error.
func (ts *testServices) subscribe(t *testing.T, accountID, productID, externalID string, quantity int) *ApplyResult {
	t.Helper()
	result, err := ts.ledger.ApplyWebhookEvent(context.Background(), SubscriptionCompleted{
		AccountID:              accountID,
		ExternalSubscriptionID: externalID,
		ExternalProductID:      productID,
		Quantity:               quantity,
	})
	require.NoError(t, err)
	return result
}
