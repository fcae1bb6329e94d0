package pg

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"thunderstorm.io/auth/internal/auth"
)

const (
	groupG   = "7a1c3e5f-2b4d-4f6a-8c1e-3a5c7e9f1b01"
	complex1 = "0c2e4a6c-8e0a-4c2e-9a4c-6e8a0c2e4a01"
	complex2 = "0c2e4a6c-8e0a-4c2e-9a4c-6e8a0c2e4a02"
)

func TestGroupMembers(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select group_uuid, complex_uuid from ts_auth.complex_group_map where group_uuid in").
		WithArgs(groupG).
		WillReturnRows(sqlmock.NewRows([]string{"group_uuid", "complex_uuid"}).
			AddRow(groupG, complex1).
			AddRow(groupG, complex2))

	members, err := store.GroupMembers(context.Background(), auth.ComplexGroup, groupG)
	if err != nil {
		t.Fatalf("GroupMembers: %v", err)
	}
	if !reflect.DeepEqual(members, []string{complex1, complex2}) {
		t.Fatalf("unexpected members %v", members)
	}
	expectMet(t, mock)
}

func TestMembersForUserWithoutGroups(t *testing.T) {
	store, mock := newMockStore(t)
	user := auth.UserFromClaims(map[string]any{"username": "ada"})
	if _, err := store.MembersForUser(context.Background(), auth.ComplexGroup, user); !errors.Is(err, auth.ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
	expectMet(t, mock)
}

func TestCreateGroupAssociationDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into ts_auth.complex_group_map").
		WithArgs(groupG, complex1).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.CreateGroupAssociation(context.Background(), auth.ComplexGroup, groupG, complex1)
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	expectMet(t, mock)
}

func TestGroupAssociationsExist(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select exists").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	exists, err := store.GroupAssociationsExist(context.Background(), auth.ComplexGroup)
	if err != nil || exists {
		t.Fatalf("GroupAssociationsExist = %v, %v", exists, err)
	}
	expectMet(t, mock)
}

func TestDeleteGroupAssociation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("delete from ts_auth.complex_group_map").
		WithArgs(groupG, complex1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DeleteGroupAssociation(context.Background(), auth.ComplexGroup, groupG, complex1); err != nil {
		t.Fatalf("DeleteGroupAssociation: %v", err)
	}
	expectMet(t, mock)
}
