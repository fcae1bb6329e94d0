package syncer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/cache"
	"thunderstorm.io/auth/internal/events"
	"thunderstorm.io/auth/internal/store/pg"
)

const (
	groupG    = "7a1c3e5f-2b4d-4f6a-8c1e-3a5c7e9f1b01"
	memberA   = "0c2e4a6c-8e0a-4c2e-9a4c-6e8a0c2e4a01"
	memberB   = "0c2e4a6c-8e0a-4c2e-9a4c-6e8a0c2e4a02"
	memberC   = "0c2e4a6c-8e0a-4c2e-9a4c-6e8a0c2e4a03"
	roleR     = "9d6c1b2e-3a5f-4c8e-9b1d-2f4a6c8e0a01"
	permP     = "5b7e0c4a-1d2f-4e6a-8c0b-3d5f7a9c1e01"
	permQ     = "5b7e0c4a-1d2f-4e6a-8c0b-3d5f7a9c1e02"
	permOther = "e3b0c442-98fc-4c14-9afb-f4c8996fb924"
)

func newTestSynchronizer(t *testing.T, opts ...Option) (*Synchronizer, *pg.Store, sqlmock.Sqlmock, *cache.Memory) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mem := cache.NewMemory(10, time.Minute)
	store, err := pg.New(db, pg.WithCache(mem), pg.WithServiceName("svc"), pg.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("pg.New: %v", err)
	}
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	return New(store, opts...), store, mock, mem
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func memberRows(members ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"group_uuid", "complex_uuid"})
	for _, m := range members {
		rows.AddRow(groupG, m)
	}
	return rows
}

func TestSyncGroupAppliesDiff(t *testing.T) {
	s, _, mock, _ := newTestSynchronizer(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select group_uuid, complex_uuid from ts_auth.complex_group_map").
		WithArgs(groupG).
		WillReturnRows(memberRows(memberA, memberB))
	mock.ExpectExec("delete from ts_auth.complex_group_map").
		WithArgs(groupG, memberA).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ts_auth.complex_group_map").
		WithArgs(groupG, memberC).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	diff, err := s.SyncGroup(context.Background(), auth.ComplexGroup, groupG, []string{memberB, memberC})
	if err != nil {
		t.Fatalf("SyncGroup: %v", err)
	}
	if !reflect.DeepEqual(diff.Added, []string{memberC}) || !reflect.DeepEqual(diff.Removed, []string{memberA}) {
		t.Fatalf("unexpected diff %+v", diff)
	}
	expectMet(t, mock)
}

func TestSyncGroupIsIdempotent(t *testing.T) {
	s, _, mock, _ := newTestSynchronizer(t)
	ctx := context.Background()
	desired := []string{memberA, memberB, memberC}

	mock.ExpectBegin()
	mock.ExpectQuery("select group_uuid, complex_uuid").WithArgs(groupG).WillReturnRows(memberRows())
	for _, m := range desired {
		mock.ExpectExec("insert into ts_auth.complex_group_map").WithArgs(groupG, m).WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	// The second run reads the members back and writes nothing.
	mock.ExpectBegin()
	mock.ExpectQuery("select group_uuid, complex_uuid").WithArgs(groupG).WillReturnRows(memberRows(desired...))
	mock.ExpectCommit()

	if _, err := s.SyncGroup(ctx, auth.ComplexGroup, groupG, desired); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	diff, err := s.SyncGroup(ctx, auth.ComplexGroup, groupG, desired)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("expected empty diff, got %+v", diff)
	}
	expectMet(t, mock)
}

func TestSyncGroupRollsBackOnFailure(t *testing.T) {
	s, _, mock, _ := newTestSynchronizer(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select group_uuid, complex_uuid").WithArgs(groupG).WillReturnRows(memberRows(memberA))
	mock.ExpectExec("delete from ts_auth.complex_group_map").WithArgs(groupG, memberA).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ts_auth.complex_group_map").WithArgs(groupG, memberB).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.SyncGroup(context.Background(), auth.ComplexGroup, groupG, []string{memberB})
	if !errors.Is(err, auth.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	expectMet(t, mock)
}

func TestSyncGroupRejectsInvalidMember(t *testing.T) {
	s, _, mock, _ := newTestSynchronizer(t)
	if _, err := s.SyncGroup(context.Background(), auth.ComplexGroup, groupG, []string{"nope"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	expectMet(t, mock)
}

var permissionColumns = []string{"uuid", "service_name", "permission", "is_deleted", "is_sent"}

func TestSyncRole(t *testing.T) {
	s, _, mock, mem := newTestSynchronizer(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("select uuid, type from ts_auth.role where uuid").
		WithArgs(roleR).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "type"}))
	mock.ExpectExec("insert into ts_auth.role").
		WithArgs(roleR, "admin").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select distinct").
		WithArgs(roleR).
		WillReturnRows(sqlmock.NewRows(permissionColumns).AddRow(permQ, "svc", "old", false, true))
	mock.ExpectExec("delete from ts_auth.role_permission_association").
		WithArgs(roleR, permQ).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from ts_auth.permission p where p.uuid in").
		WithArgs(permP, permOther).
		WillReturnRows(sqlmock.NewRows(permissionColumns).AddRow(permP, "svc", "perm-a", false, true))
	mock.ExpectExec("insert into ts_auth.role_permission_association").
		WithArgs(roleR, permP).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Cache refill for the affected permissions happens after commit.
	mock.ExpectQuery("select r.uuid, r.type").
		WithArgs(permQ).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "type"}))
	mock.ExpectQuery("select r.uuid, r.type").
		WithArgs(permP).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "type"}).AddRow(roleR, "admin"))

	diff, err := s.SyncRole(ctx, events.Role{
		UUID: roleR,
		Type: "admin",
		Permissions: []events.PermissionRef{
			{UUID: permP, Service: "svc", Permission: "perm-a"},
			{UUID: permOther, Service: "other", Permission: "perm-b"},
		},
	})
	if err != nil {
		t.Fatalf("SyncRole: %v", err)
	}
	if !diff.Created ||
		!reflect.DeepEqual(diff.Added, []string{permP}) ||
		!reflect.DeepEqual(diff.Removed, []string{permQ}) ||
		!reflect.DeepEqual(diff.Skipped, []string{permOther}) {
		t.Fatalf("unexpected diff %+v", diff)
	}

	roles, hit, _ := mem.Get(ctx, cache.Key(permP))
	if !hit || !reflect.DeepEqual(roles, []string{roleR}) {
		t.Fatalf("cache not refilled for added permission: %v hit=%v", roles, hit)
	}
	roles, hit, _ = mem.Get(ctx, cache.Key(permQ))
	if !hit || len(roles) != 0 {
		t.Fatalf("cache not refilled for removed permission: %v hit=%v", roles, hit)
	}
	expectMet(t, mock)
}

func TestSyncRoleExistingRoleNoChanges(t *testing.T) {
	s, _, mock, _ := newTestSynchronizer(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select uuid, type from ts_auth.role where uuid").
		WithArgs(roleR).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "type"}).AddRow(roleR, "admin"))
	mock.ExpectQuery("select distinct").
		WithArgs(roleR).
		WillReturnRows(sqlmock.NewRows(permissionColumns).AddRow(permP, "svc", "perm-a", false, true))
	mock.ExpectCommit()

	diff, err := s.SyncRole(context.Background(), events.Role{
		UUID:        roleR,
		Type:        "admin",
		Permissions: []events.PermissionRef{{UUID: permP, Service: "svc", Permission: "perm-a"}},
	})
	if err != nil {
		t.Fatalf("SyncRole: %v", err)
	}
	if diff.Created || len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Fatalf("unexpected diff %+v", diff)
	}
	expectMet(t, mock)
}

func TestPublishPermissions(t *testing.T) {
	pub := &recordingPublisher{}
	s, _, mock, _ := newTestSynchronizer(t, WithPublisher(pub))
	mock.ExpectQuery("from ts_auth.permission p where not p.is_sent").
		WithArgs("svc").
		WillReturnRows(sqlmock.NewRows(permissionColumns).
			AddRow(permP, "svc", "perm-a", false, false).
			AddRow(permQ, "svc", "perm-b", true, false))
	mock.ExpectExec("update ts_auth.permission set is_sent = true").WithArgs(permP).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update ts_auth.permission set is_sent = true").WithArgs(permQ).WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := s.PublishPermissions(context.Background())
	if err != nil || sent != 2 {
		t.Fatalf("PublishPermissions = %d, %v", sent, err)
	}
	if keys := pub.keys(); !reflect.DeepEqual(keys, []string{events.PermissionNew, events.PermissionDelete}) {
		t.Fatalf("unexpected events %v", keys)
	}
	expectMet(t, mock)
}

// recordingPublisher keeps published events and fails the failAt-th call.
type recordingPublisher struct {
	calls  int
	failAt int
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.calls++
	if p.calls == p.failAt {
		return errors.New("channel closed")
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) keys() []string {
	keys := make([]string, len(p.events))
	for i, ev := range p.events {
		keys[i] = ev.RoutingKey
	}
	return keys
}

func TestPublishPermissionsStopsOnFailure(t *testing.T) {
	pub := &recordingPublisher{failAt: 2}
	s, _, mock, _ := newTestSynchronizer(t, WithPublisher(pub))
	mock.ExpectQuery("from ts_auth.permission p where not p.is_sent").
		WithArgs("svc").
		WillReturnRows(sqlmock.NewRows(permissionColumns).
			AddRow(permP, "svc", "perm-a", false, false).
			AddRow(permQ, "svc", "perm-b", false, false))
	mock.ExpectExec("update ts_auth.permission set is_sent = true").WithArgs(permP).WillReturnResult(sqlmock.NewResult(0, 1))

	sent, err := s.PublishPermissions(context.Background())
	if err == nil || sent != 1 {
		t.Fatalf("expected one sent and an error, got %d, %v", sent, err)
	}
	expectMet(t, mock)
}

func TestPublishPermissionsRequiresPublisher(t *testing.T) {
	s, _, mock, _ := newTestSynchronizer(t)
	if _, err := s.PublishPermissions(context.Background()); !errors.Is(err, auth.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	expectMet(t, mock)
}

func TestRequestGroupsRepublish(t *testing.T) {
	pub := &recordingPublisher{}
	ctx := context.Background()
	s, _, mock, _ := newTestSynchronizer(t, WithPublisher(pub))
	mock.ExpectQuery("select exists").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("select exists").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	requested, err := s.RequestGroupsRepublish(ctx, auth.ComplexGroup)
	if err != nil || !requested {
		t.Fatalf("expected republish request, got %v, %v", requested, err)
	}
	if keys := pub.keys(); !reflect.DeepEqual(keys, []string{events.GroupsRepublish}) {
		t.Fatalf("unexpected events %v", keys)
	}

	requested, err = s.RequestGroupsRepublish(ctx, auth.ComplexGroup)
	if err != nil || requested {
		t.Fatalf("expected no request when groups exist, got %v, %v", requested, err)
	}
	expectMet(t, mock)
}
