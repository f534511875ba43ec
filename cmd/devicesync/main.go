package main

import (
	"flag"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	devicesync "github.com/interviewpilot/devicesync"
	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/live"
	"github.com/interviewpilot/devicesync/pubsub"
	"github.com/interviewpilot/devicesync/state"
	"github.com/interviewpilot/devicesync/state/migrations"
)

const version = "0.3.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	flagBindAddr      = flag.String("port", ":8008", "Bind address")
	flagPostgres      = flag.String("db", "user=postgres dbname=devicesync sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagSweepInterval = flag.Duration("sweep-interval", 5*time.Minute, "How often to evict devices with stale heartbeats")
	flagPrometheus    = flag.Bool("prometheus", true, "Serve prometheus metrics on /metrics")
)

// Secrets and optional integrations come from the environment:
//
//	DEVICESYNC_JWT_SECRET  HMAC secret for verifying bearer tokens (required)
//	DEVICESYNC_SENTRY_DSN  enable sentry error reporting
//	DEVICESYNC_OTLP_URL    enable OTLP trace export (+_USER/_PASSWORD for basic auth)
func main() {
	flag.Parse()
	jwtSecret := os.Getenv("DEVICESYNC_JWT_SECRET")
	if jwtSecret == "" {
		logger.Fatal().Msg("DEVICESYNC_JWT_SECRET must be set")
	}

	if dsn := os.Getenv("DEVICESYNC_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: version,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}
	if otlpURL := os.Getenv("DEVICESYNC_OTLP_URL"); otlpURL != "" {
		err := internal.ConfigureOTLP(
			otlpURL,
			os.Getenv("DEVICESYNC_OTLP_USER"),
			os.Getenv("DEVICESYNC_OTLP_PASSWORD"),
			version,
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure OTLP")
		}
	}

	store := state.NewStorage(*flagPostgres)
	if err := migrations.Up(store.DB.DB); err != nil {
		logger.Fatal().Err(err).Msg("failed to run database migrations")
	}

	bus := pubsub.NewPubSub(128)
	var notifier pubsub.Notifier = bus
	if *flagPrometheus {
		notifier = pubsub.NewPromNotifier(bus, "live")
	}
	auditWriter := live.NewAuditWriter(bus, store.SyncEvents)
	go func() {
		if err := auditWriter.Run(); err != nil {
			logger.Err(err).Msg("audit writer stopped")
		}
	}()

	tokens := live.NewJWTVerifier([]byte(jwtSecret))
	sync := live.NewSyncHandler(store, tokens, notifier, *flagPrometheus)

	monitor := live.NewLivenessMonitor(
		store, sync.Registry, sync.Router, sync.Audit,
		*flagSweepInterval, live.DefaultStaleAfter, *flagPrometheus,
	)
	go monitor.Run()
	defer monitor.Stop()

	pairing := live.NewPairingCodes()
	defer pairing.Stop()

	devicesync.RunSyncServer(&devicesync.API{
		Store:   store,
		Tokens:  tokens,
		Pairing: pairing,
		Sync:    sync,
	}, *flagBindAddr, *flagPrometheus)
}
