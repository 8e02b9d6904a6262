package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/config"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/abi"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/events"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/metrics"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/voting"
	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/wallet"
)

var log = logrus.StandardLogger()

func main() {
	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	settings := config.SettingsObj

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	abi.SetABIDir(settings.ABIDir)

	// Connect to the chain
	binding, ethClient, err := dialElection(ctx, settings)
	if err != nil {
		log.WithError(err).Fatal("Failed to bind election contract")
	}
	defer ethClient.Close()
	binding.SetGasLimit(settings.GasLimit)

	provider, err := newProvider(settings)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up wallet")
	}

	// Event emitter, optionally fanned out to Redis
	emitterConfig := events.DefaultConfig()
	emitterConfig.Contract = binding.Address().Hex()
	emitterConfig.ChainID = binding.ChainID().Int64()

	emitter := events.NewEmitter(emitterConfig)
	if err := emitter.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start event emitter")
	}

	var redisClient *redis.Client
	var publisher *events.Publisher
	if settings.PublishEvents {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr(),
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}

		publisherConfig := events.DefaultPublisherConfig(redisClient)
		publisherConfig.ChannelPrefix = settings.EventChannelPrefix
		publisherConfig.Contract = binding.Address().Hex()
		publisherConfig.ChainID = binding.ChainID().Int64()

		publisher, err = events.NewPublisher(publisherConfig)
		if err != nil {
			log.WithError(err).Fatal("Failed to create event publisher")
		}
		if err := publisher.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start event publisher")
		}
		if err := emitter.Subscribe(&events.Subscriber{
			ID:      "redis-publisher",
			Handler: publisher.Handler(),
		}); err != nil {
			log.WithError(err).Fatal("Failed to attach event publisher")
		}
		log.WithField("channel", publisher.Channel(events.EventSnapshotPublished)).Info("Publishing election events to Redis")
	}

	var m *metrics.Metrics
	if settings.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	client, err := voting.New(provider, binding, voting.Config{
		VotedCacheSize: settings.VotedCacheSize,
		Emitter:        emitter,
		Metrics:        m,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create voting client")
	}

	if settings.RefreshInterval > 0 {
		go func() {
			if err := client.Watch(ctx, settings.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Periodic refresh stopped")
			}
		}()
	}

	// Start HTTP API server
	apiServer := NewAPIServer(client, redisClient)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.APIHost, settings.APIPort),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start metrics server
	var metricsServer *http.Server
	if settings.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", settings.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.WithField("port", settings.MetricsPort).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("Starting voter API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down voter service...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to gracefully shutdown HTTP server")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Failed to gracefully shutdown metrics server")
		}
	}

	client.Close()
	if closer, ok := provider.(interface{ Close() }); ok {
		closer.Close()
	}
	emitter.Stop()
	if publisher != nil {
		if err := publisher.Stop(); err != nil {
			log.WithError(err).Error("Failed to flush event publisher")
		}
	}
	if redisClient != nil {
		redisClient.Close()
	}

	log.Info("Voter service stopped")
}

// dialElection binds the contract through the first reachable RPC node
func dialElection(ctx context.Context, settings *config.Settings) (*election.Binding, *ethclient.Client, error) {
	var lastErr error
	for _, node := range settings.RPCNodes {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		binding, client, err := election.Dial(dialCtx, node, settings.ElectionContract, settings.ContractABIPath, settings.ChainID)
		cancel()
		if err != nil {
			log.WithError(err).WithField("rpc", node).Warn("RPC node unavailable")
			lastErr = err
			continue
		}

		log.WithFields(logrus.Fields{
			"rpc":      node,
			"chain_id": binding.ChainID(),
			"contract": binding.Address().Hex(),
		}).Info("Bound election contract")
		return binding, client, nil
	}
	return nil, nil, fmt.Errorf("no RPC node reachable: %w", lastErr)
}

// newProvider picks the wallet backend from the configuration. It returns a
// nil provider when none is configured, leaving the client read-only.
func newProvider(settings *config.Settings) (wallet.Provider, error) {
	switch {
	case settings.PrivateKey != "":
		return wallet.NewKeyProvider(settings.PrivateKey)
	case settings.KeystoreDir != "":
		return wallet.NewKeystoreProvider(settings.KeystoreDir, wallet.StaticPrompter{Pass: settings.KeystorePassphrase}), nil
	default:
		return nil, nil
	}
}
