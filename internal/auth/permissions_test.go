package auth

import (
	"reflect"
	"testing"
)

func TestReconcile(t *testing.T) {
	registry := NewRegistry("p1", "p3", "p4")
	rows := []Permission{
		{UUID: "u1", ServiceName: "svc", Permission: "p1"},
		{UUID: "u2", ServiceName: "svc", Permission: "p2"},
		{UUID: "u3", ServiceName: "svc", Permission: "p3", IsDeleted: true},
	}

	info := Reconcile(registry.List(), rows)

	if !reflect.DeepEqual(info.ToInsert, []string{"p4"}) {
		t.Fatalf("to_insert = %v", info.ToInsert)
	}
	if !reflect.DeepEqual(info.ToUndelete, []string{"u3"}) {
		t.Fatalf("to_undelete = %v", info.ToUndelete)
	}
	if !reflect.DeepEqual(info.ToDelete, []string{"u2"}) {
		t.Fatalf("to_delete = %v", info.ToDelete)
	}
	if !info.NeedsUpdate() {
		t.Fatalf("expected update needed")
	}
}

func TestReconcileDeletedUnregisteredRow(t *testing.T) {
	rows := []Permission{
		{UUID: "u1", Permission: "p1"},
		{UUID: "u2", Permission: "gone", IsDeleted: true},
	}
	info := Reconcile([]string{"p1"}, rows)
	if !reflect.DeepEqual(info.ToDelete, []string{"u2"}) {
		t.Fatalf("to_delete = %v", info.ToDelete)
	}
	if info.NeedsUpdate() {
		t.Fatalf("already deleted rows need no update")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b")
	r.Register(" a ")
	r.Register("")
	r.Register("b")
	if !reflect.DeepEqual(r.List(), []string{"a", "b"}) {
		t.Fatalf("unexpected registry %v", r.List())
	}
	if !r.Has("a") || r.Has("c") {
		t.Fatalf("unexpected Has results")
	}
}

func TestNewGroupType(t *testing.T) {
	gt, err := NewGroupType("complex")
	if err != nil {
		t.Fatalf("NewGroupType: %v", err)
	}
	want := GroupType{
		Name:         "complex",
		TableName:    "complex_group_map",
		MemberColumn: "complex_uuid",
		TaskName:     "thunderstorm_auth.group.sync.complex",
		RoutingKey:   "group.complex.data",
	}
	if gt != want {
		t.Fatalf("unexpected group type %+v", gt)
	}
	if _, err := NewGroupType("complex; drop table role"); err == nil {
		t.Fatalf("expected invalid group type error")
	}
}
