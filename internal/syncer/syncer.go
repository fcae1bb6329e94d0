// Package syncer applies group and role change-sets delivered by the
// platform to the auth store and publishes this service's permission changes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/events"
	"thunderstorm.io/auth/internal/obs"
)

// Publisher hands events to the message channel.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Synchronizer keeps the auth store in line with upstream group and role data.
type Synchronizer struct {
	store     auth.Store
	publisher Publisher
	log       *zap.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithPublisher enables outbound permission and republish events.
func WithPublisher(p Publisher) Option {
	return func(s *Synchronizer) { s.publisher = p }
}

// WithLogger overrides the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a synchronizer writing to store.
func New(store auth.Store, opts ...Option) *Synchronizer {
	s := &Synchronizer{store: store, log: obs.Component("syncer")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GroupDiff is the change applied by SyncGroup.
type GroupDiff struct {
	Added   []string
	Removed []string
}

// Empty reports whether the sync changed nothing.
func (d GroupDiff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// SyncGroup makes the stored members of groupUUID equal desired. Removals and
// additions commit together; on failure nothing is applied and the same call
// can be retried.
func (s *Synchronizer) SyncGroup(ctx context.Context, gt auth.GroupType, groupUUID string, desired []string) (diff GroupDiff, err error) {
	start := time.Now()
	defer func() { obs.ObserveSync("group", start, err) }()

	group, err := canonical(groupUUID)
	if err != nil {
		return GroupDiff{}, err
	}
	want := make(map[string]struct{}, len(desired))
	for _, m := range desired {
		c, err := canonical(m)
		if err != nil {
			return GroupDiff{}, err
		}
		want[c] = struct{}{}
	}

	err = s.store.WithTx(ctx, func(tx auth.Store) error {
		current, err := tx.GroupMembers(ctx, gt, group)
		if err != nil {
			return err
		}
		have := make(map[string]struct{}, len(current))
		for _, m := range current {
			have[m] = struct{}{}
		}
		diff = GroupDiff{Added: minus(want, have), Removed: minus(have, want)}

		for _, m := range diff.Removed {
			if err := tx.DeleteGroupAssociation(ctx, gt, group, m); err != nil {
				return err
			}
		}
		for _, m := range diff.Added {
			if err := tx.CreateGroupAssociation(ctx, gt, group, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return GroupDiff{}, fmt.Errorf("sync group %s: %w", group, err)
	}
	if !diff.Empty() {
		s.log.Info("group synced",
			zap.String("group_type", gt.Name),
			zap.String("group_uuid", group),
			zap.Int("added", len(diff.Added)),
			zap.Int("removed", len(diff.Removed)),
		)
	}
	return diff, nil
}

// RoleDiff is the change applied by SyncRole.
type RoleDiff struct {
	Created bool
	Added   []string
	Removed []string
	// Skipped lists permissions owned by other services.
	Skipped []string
}

// SyncRole creates the role if needed, drops associations no longer in the
// definition and links the listed permissions this service knows about, all
// in one transaction. Cached role sets of the affected permissions are
// refilled after commit.
func (s *Synchronizer) SyncRole(ctx context.Context, def events.Role) (diff RoleDiff, err error) {
	start := time.Now()
	defer func() { obs.ObserveSync("role", start, err) }()

	role, err := canonical(def.UUID)
	if err != nil {
		return RoleDiff{}, err
	}
	want := make(map[string]struct{}, len(def.Permissions))
	for _, p := range def.Permissions {
		c, err := canonical(p.UUID)
		if err != nil {
			return RoleDiff{}, err
		}
		want[c] = struct{}{}
	}

	err = s.store.WithTx(ctx, func(tx auth.Store) error {
		diff = RoleDiff{}
		if _, err := tx.GetRole(ctx, role); errors.Is(err, auth.ErrNotFound) {
			if _, err := tx.CreateRole(ctx, role, def.Type); err != nil {
				return err
			}
			diff.Created = true
		} else if err != nil {
			return err
		}

		linked, err := tx.GetRolePermissions(ctx, role)
		if err != nil {
			return err
		}
		have := make(map[string]struct{}, len(linked))
		for _, p := range linked {
			have[p.UUID] = struct{}{}
		}

		diff.Removed = minus(have, want)
		for _, p := range diff.Removed {
			if err := tx.DeleteRolePermissionAssociation(ctx, role, p); err != nil {
				return err
			}
		}

		missing := minus(want, have)
		local, err := tx.GetPermissions(ctx, missing)
		if err != nil {
			return err
		}
		known := make(map[string]struct{}, len(local))
		for _, p := range local {
			known[p.UUID] = struct{}{}
		}
		for _, p := range missing {
			if _, ok := known[p]; !ok {
				diff.Skipped = append(diff.Skipped, p)
				continue
			}
			if _, err := tx.CreateRolePermissionAssociation(ctx, role, p); err != nil {
				return err
			}
			diff.Added = append(diff.Added, p)
		}
		return nil
	})
	if err != nil {
		return RoleDiff{}, fmt.Errorf("sync role %s: %w", role, err)
	}

	for _, p := range append(append([]string{}, diff.Removed...), diff.Added...) {
		if _, err := s.store.GetPermissionRoles(ctx, p); err != nil {
			s.log.Warn("membership cache refill failed", zap.String("permission_uuid", p), zap.Error(err))
		}
	}
	s.log.Info("role synced",
		zap.String("role_uuid", role),
		zap.String("role_type", def.Type),
		zap.Bool("created", diff.Created),
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)),
		zap.Int("skipped", len(diff.Skipped)),
	)
	return diff, nil
}

// PublishPermissions sends a lifecycle event for every unsent permission and
// marks each one sent right after its event is accepted. A failure stops the
// scan; rows not yet marked are sent again on the next run.
func (s *Synchronizer) PublishPermissions(ctx context.Context) (sent int, err error) {
	start := time.Now()
	defer func() { obs.ObserveSync("permissions", start, err) }()

	if s.publisher == nil {
		return 0, auth.Errorf(auth.ErrConfiguration, "no publisher configured")
	}
	pending, err := s.store.UnsentPermissions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		ev, err := events.PermissionEvent(p)
		if err != nil {
			return sent, err
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			return sent, fmt.Errorf("publish %s %s: %w", ev.RoutingKey, p.UUID, err)
		}
		obs.ObservePublished(ev.RoutingKey)
		if err := s.store.MarkPermissionSent(ctx, p.UUID); err != nil {
			return sent, err
		}
		sent++
		s.log.Debug("permission published", zap.String("permission_uuid", p.UUID), zap.String("routing_key", ev.RoutingKey))
	}
	return sent, nil
}

// RequestGroupsRepublish asks for every group to be resent when no
// membership of gt is stored yet. It reports whether a request was sent.
func (s *Synchronizer) RequestGroupsRepublish(ctx context.Context, gt auth.GroupType) (bool, error) {
	if s.publisher == nil {
		return false, auth.Errorf(auth.ErrConfiguration, "no publisher configured")
	}
	exists, err := s.store.GroupAssociationsExist(ctx, gt)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	ev, err := events.RepublishRequest()
	if err != nil {
		return false, err
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		return false, fmt.Errorf("request groups republish: %w", err)
	}
	s.log.Info("requested groups republish", zap.String("group_type", gt.Name))
	return true, nil
}

func canonical(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", auth.Errorf(auth.ErrInvalidInput, fmt.Sprintf("invalid uuid %q", id))
	}
	return parsed.String(), nil
}

// minus returns the sorted members of a that are not in b.
func minus(a, b map[string]struct{}) []string {
	out := []string{}
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
