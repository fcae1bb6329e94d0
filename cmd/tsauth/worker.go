package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/httpapi"
	"thunderstorm.io/auth/internal/messaging"
	"thunderstorm.io/auth/internal/obs"
	"thunderstorm.io/auth/internal/syncer"
)

// broker holds an AMQP connection with separate publish and consume channels.
type broker struct {
	conn    *amqp.Connection
	consume *amqp.Channel
	publish *amqp.Channel
}

func (a *app) dialBroker() (*broker, error) {
	conn, consume, err := messaging.Dial(a.cfg.AMQPURL)
	if err != nil {
		return nil, err
	}
	publish, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	return &broker{conn: conn, consume: consume, publish: publish}, nil
}

func (b *broker) Close() {
	_ = b.publish.Close()
	_ = b.consume.Close()
	_ = b.conn.Close()
}

func (a *app) newPublisher(ch messaging.Channel) (*messaging.Publisher, error) {
	burst := int(a.cfg.PublishRate)
	return messaging.NewPublisher(ch,
		messaging.WithRateLimit(a.cfg.PublishRate, burst),
		messaging.WithAppID(a.cfg.ServiceName),
		messaging.WithPublisherLogger(obs.Component("publisher")),
	)
}

func newWorkerCommand(a *app) *cobra.Command {
	var (
		names       []string
		publishPerm bool
		preload     bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume group and role data and keep the auth tables in sync",
		Long: `worker binds the service queue to the group and role routing keys on the
ts.messaging exchange and applies every delivery to the auth tables. On
start it asks for a full group republish when no membership is stored yet
and publishes pending permission events. Health, readiness and metrics are
served on TS_AUTH_HTTP_ADDR.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireService(); err != nil {
				return err
			}
			gts, err := groupTypes(names)
			if err != nil {
				return err
			}
			obs.Init()
			obs.InitBuildInfo(version, commit)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, cleanup, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			if preload {
				if _, err := store.PreloadCache(ctx); err != nil {
					a.log.Warn("cache preload failed", zap.Error(err))
				}
			}

			b, err := a.dialBroker()
			if err != nil {
				return err
			}
			defer b.Close()

			pub, err := a.newPublisher(b.publish)
			if err != nil {
				return err
			}
			synchronizer := syncer.New(store, syncer.WithPublisher(pub), syncer.WithLogger(obs.Component("syncer")))

			for _, gt := range gts {
				if _, err := synchronizer.RequestGroupsRepublish(ctx, gt); err != nil {
					return err
				}
			}
			if publishPerm {
				sent, err := synchronizer.PublishPermissions(ctx)
				if err != nil {
					return err
				}
				a.log.Info("permissions published", zap.Int("count", sent))
			}

			dispatcher := messaging.NewDispatcher(synchronizer,
				messaging.WithGroupTypes(gts...),
				messaging.WithDispatcherLogger(obs.Component("dispatcher")),
			)
			consumer, err := messaging.NewConsumer(b.consume, dispatcher, a.cfg.ServiceName,
				messaging.WithPrefetch(a.cfg.Prefetch),
				messaging.WithConsumerLogger(obs.Component("consumer")),
			)
			if err != nil {
				return err
			}
			if err := consumer.Setup(); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              a.cfg.HTTPAddr,
				Handler:           httpapi.NewOps(httpapi.ReadinessCheck{DB: store.DB()}, a.cfg.ServiceName, version).Handler(),
				ReadHeaderTimeout: 15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			go func() {
				a.log.Info("ops server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error("ops server failed", zap.Error(err))
					cancel()
				}
			}()
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			err = consumer.Run(ctx)
			if errors.Is(err, context.Canceled) {
				a.log.Info("worker stopped")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&names, "group-type", []string{auth.ComplexGroup.Name}, "group types to sync")
	cmd.Flags().BoolVar(&publishPerm, "publish-permissions", true, "publish pending permission events on start")
	cmd.Flags().BoolVar(&preload, "preload-cache", true, "fill the membership cache on start")
	return cmd
}

func newPublishPermissionsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish-permissions",
		Short: "Publish lifecycle events for permissions not sent yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireService(); err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, cleanup, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			conn, ch, err := messaging.Dial(a.cfg.AMQPURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			defer ch.Close()

			pub, err := a.newPublisher(ch)
			if err != nil {
				return err
			}
			sent, err := syncer.New(store, syncer.WithPublisher(pub)).PublishPermissions(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "published %d permission events\n", sent)
			return err
		},
	}
}
