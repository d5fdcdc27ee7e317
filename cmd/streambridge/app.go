package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-streambridge/pkg/amqpbroker"
	"github.com/illmade-knight/go-streambridge/pkg/config"
	"github.com/illmade-knight/go-streambridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-streambridge/pkg/microservice"
	"github.com/illmade-knight/go-streambridge/pkg/offsetstore"
	"github.com/illmade-knight/go-streambridge/pkg/quarantine"
	"github.com/illmade-knight/go-streambridge/pkg/streambridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

const shutdownTimeout = 30 * time.Second

// App owns every long-lived component of the bridge process.
type App struct {
	cfg    config.Config
	logger zerolog.Logger

	store      offsetstore.Store
	task       *streambridge.Task
	forwarding *messagepipeline.ForwardingService
	quarantine *quarantine.AsyncQuarantine
	server     *microservice.BaseServer

	// closers release clients in reverse creation order.
	closers []func() error
}

// NewApp builds the bridge from cfg. On error every client created so far is closed.
func NewApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (app *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var clientOpts []option.ClientOption
	if cfg.PubSub.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.PubSub.CredentialsFile))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := streambridge.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if a.store, err = newOffsetStore(ctx, cfg, clientOpts, a, logger); err != nil {
		return nil, err
	}

	var sink streambridge.QuarantineSink
	if cfg.Quarantine.Bucket != "" {
		gcs, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		q, err := quarantine.NewGCSQuarantine(quarantine.NewGCSClientAdapter(gcs), quarantine.GCSQuarantineConfig{
			BucketName:   cfg.Quarantine.Bucket,
			ObjectPrefix: cfg.Quarantine.ObjectPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		if a.quarantine, err = quarantine.NewAsyncQuarantine(q, quarantine.NewAsyncConfigDefaults(), logger); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.quarantine.Stop(ctx)
		})
		sink = a.quarantine
	}

	psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, psClient.Close)

	producerCfg := messagepipeline.NewGooglePubsubRecordProducerDefaults()
	producerCfg.ProjectID = cfg.PubSub.ProjectID
	producerCfg.TopicID = cfg.PubSub.TopicID
	producerCfg.EnableOrdering = cfg.PubSub.EnableOrdering
	if cfg.PubSub.BatchSize > 0 {
		producerCfg.BatchSize = cfg.PubSub.BatchSize
	}
	if cfg.PubSub.BatchDelay > 0 {
		producerCfg.BatchDelay = cfg.PubSub.BatchDelay
	}
	producer, err := messagepipeline.NewGooglePubsubRecordProducer(ctx, producerCfg, psClient, logger)
	if err != nil {
		return nil, err
	}

	dialer := amqpbroker.NewDialer(amqpbroker.Config{
		URL:               cfg.AMQP.URL,
		ConnectionName:    cfg.AMQP.ConnectionName,
		Heartbeat:         cfg.AMQP.Heartbeat,
		DeliveryQueueSize: cfg.AMQP.PrefetchCount,
	}, logger)

	a.task = streambridge.NewTask(streambridge.TaskConfig{
		Queues:            cfg.AMQP.Queues,
		Destination:       cfg.Destination,
		PrefetchCount:     cfg.AMQP.PrefetchCount,
		PrefetchGlobal:    cfg.AMQP.PrefetchGlobal,
		ConsumerTagPrefix: cfg.AMQP.ConsumerTagPrefix,
		PollBatchSize:     cfg.Poll.BatchSize,
		PollIdleWait:      cfg.Poll.IdleWait,
	}, dialer, a.store, sink, metrics, logger)

	fwdCfg := messagepipeline.NewForwardingServiceDefaults()
	fwdCfg.ConfirmationTimeout = cfg.PubSub.PublishTimeout
	a.forwarding, err = messagepipeline.NewForwardingService(fwdCfg, a.task, producer, a.store, newFilter(cfg.Filter, logger), logger)
	if err != nil {
		return nil, err
	}

	a.server = microservice.NewBaseServer(logger, cfg.HTTPPort, reg)
	a.server.AddReadinessCheck("task", func() error { return doneErr(a.task.Done(), a.task.Err) })
	a.server.AddReadinessCheck("forwarding", func() error { return doneErr(a.forwarding.Done(), a.forwarding.Err) })
	return a, nil
}

func newOffsetStore(ctx context.Context, cfg config.Config, opts []option.ClientOption, a *App, logger zerolog.Logger) (offsetstore.Store, error) {
	switch cfg.OffsetStore.Kind {
	case config.OffsetStoreRedis:
		store, err := offsetstore.NewRedisStore(ctx, &offsetstore.RedisConfig{
			Addr:      cfg.OffsetStore.Redis.Addr,
			Password:  cfg.OffsetStore.Redis.Password,
			DB:        cfg.OffsetStore.Redis.DB,
			KeyPrefix: cfg.OffsetStore.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.OffsetStoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.OffsetStore.Firestore.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := offsetstore.NewFirestoreStore(&offsetstore.FirestoreConfig{
			ProjectID:      cfg.OffsetStore.Firestore.ProjectID,
			CollectionName: cfg.OffsetStore.Firestore.Collection,
		}, client, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		logger.Warn().Msg("Using in-memory offset store, resume state is lost on restart.")
		return offsetstore.NewInMemoryStore(), nil
	}
}

func newFilter(cfg config.FilterCfg, logger zerolog.Logger) messagepipeline.RecordFilter {
	var filter messagepipeline.RecordFilter
	if len(cfg.DropCommands) > 0 {
		filter = messagepipeline.DropCommands(cfg.DropCommands...)
	}
	if cfg.MaxPayloadBytes > 0 {
		filter = messagepipeline.WithPayloadSizeLimit(filter, 0, cfg.MaxPayloadBytes, logger)
	}
	return filter
}

// doneErr reports a component as unready once its done channel is closed.
func doneErr(done <-chan struct{}, errFn func() error) error {
	select {
	case <-done:
		if err := errFn(); err != nil {
			return err
		}
		return errors.New("stopped")
	default:
		return nil
	}
}

// Run starts the bridge and blocks until ctx is cancelled or a component fails,
// then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		a.close()
		return err
	}
	if err := a.task.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("start task: %w", err)
	}
	if err := a.forwarding.Start(ctx); err != nil {
		a.shutdown()
		return fmt.Errorf("start forwarding service: %w", err)
	}
	a.logger.Info().Str("version", a.task.Version()).Strs("queues", a.cfg.AMQP.Queues).Msg("Bridge running.")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return nil
		case <-a.task.Done():
			if err := a.task.Err(); err != nil {
				return err
			}
			return errors.New("task stopped unexpectedly")
		}
	})
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return nil
		case <-a.forwarding.Done():
			if err := a.forwarding.Err(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("forwarding service stopped unexpectedly")
		}
	})
	runErr := g.Wait()
	if runErr == nil {
		a.logger.Info().Msg("Shutdown signal received.")
	}

	return errors.Join(runErr, a.shutdown())
}

// shutdown stops forwarding first so in-flight publishes are confirmed and
// acknowledged while the broker channel is still open.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.forwarding.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop forwarding service: %w", err))
	}
	a.task.Stop()
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close offset store: %w", err))
		}
		a.store = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
