package messaging

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/events"
	"thunderstorm.io/auth/internal/obs"
	"thunderstorm.io/auth/internal/syncer"
)

// Synchronizer applies decoded group and role data.
type Synchronizer interface {
	SyncGroup(ctx context.Context, gt auth.GroupType, groupUUID string, members []string) (syncer.GroupDiff, error)
	SyncRole(ctx context.Context, def events.Role) (syncer.RoleDiff, error)
}

// Dispatcher routes inbound deliveries to the synchronizer by routing key.
type Dispatcher struct {
	sync   Synchronizer
	groups map[string]auth.GroupType
	log    *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithGroupTypes replaces the handled group types. ComplexGroup is the default.
func WithGroupTypes(gts ...auth.GroupType) DispatcherOption {
	return func(d *Dispatcher) {
		d.groups = make(map[string]auth.GroupType, len(gts))
		for _, gt := range gts {
			d.groups[gt.RoutingKey] = gt
		}
	}
}

// WithDispatcherLogger overrides the component logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher returns a dispatcher feeding s.
func NewDispatcher(s Synchronizer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sync:   s,
		groups: map[string]auth.GroupType{auth.ComplexGroup.RoutingKey: auth.ComplexGroup},
		log:    obs.Component("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RoutingKeys lists the keys the consumer queue must be bound to.
func (d *Dispatcher) RoutingKeys() []string {
	keys := make([]string, 0, len(d.groups)+1)
	for k := range d.groups {
		keys = append(keys, k)
	}
	keys = append(keys, events.RoleData)
	sort.Strings(keys)
	return keys
}

// Handle decodes body according to routingKey and applies it. Undecodable
// payloads and unknown keys yield ErrInvalidInput; other errors are
// transient and the delivery may be retried.
func (d *Dispatcher) Handle(ctx context.Context, routingKey string, body []byte) error {
	if gt, ok := d.groups[routingKey]; ok {
		g, err := events.DecodeGroup(body)
		if err != nil {
			return err
		}
		_, err = d.sync.SyncGroup(ctx, gt, g.GroupUUID, g.Members)
		return err
	}
	if routingKey == events.RoleData {
		r, err := events.DecodeRole(body)
		if err != nil {
			return err
		}
		_, err = d.sync.SyncRole(ctx, r)
		return err
	}
	return auth.Errorf(auth.ErrInvalidInput, fmt.Sprintf("unexpected routing key %q", routingKey))
}
