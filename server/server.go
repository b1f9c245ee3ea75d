package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/meterproof/api"
	"github.com/spacemeshos/meterproof/broadcaster"
	"github.com/spacemeshos/meterproof/ingest"
	"github.com/spacemeshos/meterproof/ledger"
	"github.com/spacemeshos/meterproof/logging"
	"github.com/spacemeshos/meterproof/pipeline"
	"github.com/spacemeshos/meterproof/publish"
	"github.com/spacemeshos/meterproof/reconcile"
	"github.com/spacemeshos/meterproof/store"
)

type Server struct {
	cfg        Config
	instanceID string

	store      *store.Store
	publisher  *publish.Publisher
	pipeline   *pipeline.Pipeline
	subscriber *ingest.Subscriber
	live       *broadcaster.Broadcaster
	api        *api.Server

	restListener    net.Listener
	metricsListener net.Listener
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx)

	addr, err := net.ResolveTCPAddr("tcp", cfg.RawRESTListener)
	if err != nil {
		return nil, err
	}
	restListener, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	s := &Server{
		cfg:          cfg,
		restListener: restListener,
	}
	if cfg.MetricsPort != nil {
		s.metricsListener, err = net.Listen("tcp", fmt.Sprintf(":%d", *cfg.MetricsPort))
		if err != nil {
			return nil, multierror.Append(fmt.Errorf("listening for metrics: %w", err), s.Close())
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, multierror.Append(err, s.Close())
	}
	st, err := loadState(cfg.DataDir)
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("loading state: %w", err), s.Close())
	}
	if err := saveState(cfg.DataDir, st); err != nil {
		return nil, multierror.Append(fmt.Errorf("saving state: %w", err), s.Close())
	}
	s.instanceID = st.InstanceID

	if err := s.assemble(ctx); err != nil {
		return nil, multierror.Append(err, s.Close())
	}
	logger.Info("created server", zap.String("instance_id", s.instanceID), zap.Object("config", &s.cfg))
	return s, nil
}

func (s *Server) assemble(ctx context.Context) error {
	var err error
	s.store, err = store.Open(
		s.cfg.DbDir,
		store.WithJournalFlushInterval(s.cfg.JournalFlushInterval),
		store.WithMaxJournalBatchSize(s.cfg.MaxJournalBatchSize),
		store.WithAnchorCacheSize(s.cfg.AnchorCacheSize),
	)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if err := s.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}
	if orphans, err := s.store.Orphans(ctx); err != nil {
		return fmt.Errorf("checking for orphaned contents: %w", err)
	} else if len(orphans) > 0 {
		logging.FromContext(ctx).Warn("found batch contents without a proof anchor", zap.Strings("batch_ids", orphans))
	}

	client, err := ledger.NewClient(ctx, s.cfg.Ledger)
	if err != nil {
		return err
	}

	var writer publish.Writer
	if s.cfg.Kafka.Enabled() {
		writer = publish.NewWriter(s.cfg.Kafka)
	}
	s.publisher = publish.New(writer, s.cfg.Kafka.WriteTimeout, publish.WithSource(s.instanceID))

	reconciler := reconcile.New(s.store, reconcile.WithPublisher(s.publisher))
	s.pipeline, err = pipeline.New(
		ctx,
		s.store,
		client,
		reconciler,
		pipeline.WithConfig(s.cfg.Reconcile),
		pipeline.WithBatchConfig(s.cfg.Batch),
	)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	tracker, err := ingest.NewTracker(s.cfg.Devices, clock.New())
	if err != nil {
		return err
	}
	s.live = broadcaster.New(s.cfg.Live, tracker)
	service, err := ingest.NewService(s.pipeline, ingest.WithTracker(tracker), ingest.WithListener(s.live))
	if err != nil {
		return err
	}
	if s.cfg.MQTT.Enabled() {
		mqttCfg := s.cfg.MQTT
		mqttCfg.ClientID = fmt.Sprintf("%s-%s", mqttCfg.ClientID, s.instanceID[:8])
		s.subscriber = ingest.NewSubscriber(mqttCfg, service)
	}
	s.api = api.New(s.cfg.API, service, tracker, s.store, client, s.pipeline, api.WithLiveFeed(s.live))
	return nil
}

// Close releases the resources of the server. It must be called after Start returns.
func (s *Server) Close() error {
	var result *multierror.Error
	if s.publisher != nil {
		result = multierror.Append(result, s.publisher.Close())
	}
	if s.store != nil {
		result = multierror.Append(result, s.store.Close())
	}
	for _, l := range []net.Listener{s.restListener, s.metricsListener} {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// RestAddr returns the address that the REST server is listening on.
func (s *Server) RestAddr() net.Addr {
	return s.restListener.Addr()
}

func (s *Server) InstanceID() string {
	return s.instanceID
}

// Start runs the pipeline and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	logger.Info("starting pipeline")
	serverGroup.Go(func() error {
		return s.pipeline.Run(ctx)
	})

	serverGroup.Go(func() error {
		return s.live.Run(ctx)
	})

	if s.subscriber != nil {
		logger.Info("starting MQTT subscriber")
		serverGroup.Go(func() error {
			return s.subscriber.Run(ctx)
		})
	}

	servers := []*http.Server{
		{Handler: s.api.Handler(logger), ReadHeaderTimeout: time.Second * 5},
	}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("REST server listening on %s", s.restListener.Addr())
		return serve(servers[0], s.restListener)
	})

	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		servers = append(servers, metricsServer)
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics server listening on %s", s.metricsListener.Addr())
			return serve(metricsServer, s.metricsListener)
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
		return err
	}
	return nil
}

func serve(server *http.Server, listener net.Listener) error {
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
