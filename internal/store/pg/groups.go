package pg

import (
	"context"
	"fmt"

	"thunderstorm.io/auth/internal/auth"
)

func (s *Store) groupTable(gt auth.GroupType) (string, error) {
	if !identifier.MatchString(gt.TableName) || !identifier.MatchString(gt.MemberColumn) {
		return "", auth.Errorf(auth.ErrConfiguration, fmt.Sprintf("invalid group type %q", gt.Name))
	}
	return s.table(gt.TableName), nil
}

// GroupMembers lists the member UUIDs of a group.
func (s *Store) GroupMembers(ctx context.Context, gt auth.GroupType, groupUUID string) ([]string, error) {
	assocs, err := s.GroupAssociations(ctx, gt, []string{groupUUID})
	if err != nil {
		return nil, err
	}
	members := make([]string, len(assocs))
	for i, a := range assocs {
		members[i] = a.MemberUUID
	}
	return members, nil
}

// GroupAssociations lists the memberships of the given groups.
func (s *Store) GroupAssociations(ctx context.Context, gt auth.GroupType, groupUUIDs []string) ([]auth.GroupAssociation, error) {
	if s.q == nil {
		return nil, errUnavailable()
	}
	table, err := s.groupTable(gt)
	if err != nil {
		return nil, err
	}
	ids, err := canonicalAll(groupUUIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []auth.GroupAssociation{}, nil
	}
	query := fmt.Sprintf(`select group_uuid, %s from %s where group_uuid in (%s) order by group_uuid, %s`,
		gt.MemberColumn, table, placeholders(1, len(ids)), gt.MemberColumn)
	rows, err := s.q.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, storeError("get group associations", err)
	}
	defer rows.Close()

	result := []auth.GroupAssociation{}
	for rows.Next() {
		var a auth.GroupAssociation
		if err := rows.Scan(&a.GroupUUID, &a.MemberUUID); err != nil {
			return nil, storeError("get group associations", err)
		}
		a.GroupUUID = normalizeUUID(a.GroupUUID)
		a.MemberUUID = normalizeUUID(a.MemberUUID)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("get group associations", err)
	}
	return result, nil
}

// MembersForUser lists the members visible through the user's groups. A user
// without groups gets ErrInsufficientPermissions.
func (s *Store) MembersForUser(ctx context.Context, gt auth.GroupType, user auth.User) ([]string, error) {
	groups, err := auth.GroupScope(user)
	if err != nil {
		return nil, err
	}
	assocs, err := s.GroupAssociations(ctx, gt, groups)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(assocs))
	members := make([]string, 0, len(assocs))
	for _, a := range assocs {
		if _, dup := seen[a.MemberUUID]; dup {
			continue
		}
		seen[a.MemberUUID] = struct{}{}
		members = append(members, a.MemberUUID)
	}
	return members, nil
}

// CreateGroupAssociation adds a member to a group. A duplicate pair is ErrConflict.
func (s *Store) CreateGroupAssociation(ctx context.Context, gt auth.GroupType, groupUUID, memberUUID string) error {
	if s.q == nil {
		return errUnavailable()
	}
	table, err := s.groupTable(gt)
	if err != nil {
		return err
	}
	group, err := canonical(groupUUID)
	if err != nil {
		return err
	}
	member, err := canonical(memberUUID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`insert into %s (group_uuid, %s) values ($1, $2)`, table, gt.MemberColumn)
	if _, err := s.q.ExecContext(ctx, query, group, member); err != nil {
		return storeError("create group association", err)
	}
	return nil
}

// DeleteGroupAssociation removes a member from a group; an absent pair is a no-op.
func (s *Store) DeleteGroupAssociation(ctx context.Context, gt auth.GroupType, groupUUID, memberUUID string) error {
	if s.q == nil {
		return errUnavailable()
	}
	table, err := s.groupTable(gt)
	if err != nil {
		return err
	}
	group, err := canonical(groupUUID)
	if err != nil {
		return err
	}
	member, err := canonical(memberUUID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`delete from %s where group_uuid = $1 and %s = $2`, table, gt.MemberColumn)
	if _, err := s.q.ExecContext(ctx, query, group, member); err != nil {
		return storeError("delete group association", err)
	}
	return nil
}

// GroupAssociationsExist reports whether any membership of gt is stored.
func (s *Store) GroupAssociationsExist(ctx context.Context, gt auth.GroupType) (bool, error) {
	if s.q == nil {
		return false, errUnavailable()
	}
	table, err := s.groupTable(gt)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`select exists (select 1 from %s)`, table)
	if err := s.q.QueryRowContext(ctx, query).Scan(&exists); err != nil {
		return false, storeError("group associations exist", err)
	}
	return exists, nil
}
