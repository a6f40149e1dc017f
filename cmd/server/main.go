package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc/health"

	"identity-pairing/backend/internal/anchor"
	"identity-pairing/backend/internal/audit"
	auditrepo "identity-pairing/backend/internal/audit/repository"
	"identity-pairing/backend/internal/ceremony"
	"identity-pairing/backend/internal/challenge"
	"identity-pairing/backend/internal/config"
	"identity-pairing/backend/internal/db"
	"identity-pairing/backend/internal/devlink"
	healthhandler "identity-pairing/backend/internal/health/handler"
	identityhandler "identity-pairing/backend/internal/identity/handler"
	identityrepo "identity-pairing/backend/internal/identity/repository"
	identityservice "identity-pairing/backend/internal/identity/service"
	oauthrepo "identity-pairing/backend/internal/oauthclient/repository"
	policyengine "identity-pairing/backend/internal/policy/engine"
	"identity-pairing/backend/internal/security"
	"identity-pairing/backend/internal/server"
	"identity-pairing/backend/internal/server/middleware"
	sessionrepo "identity-pairing/backend/internal/session/repository"
	"identity-pairing/backend/internal/telemetry"
	telemetryotel "identity-pairing/backend/internal/telemetry/otel"
	"identity-pairing/backend/internal/telemetry/producer"
)

const (
	healthInterval   = 10 * time.Second
	shutdownTimeout  = 15 * time.Second
	memoryLedgerWait = 2 * time.Second
)

type stores struct {
	sessions   sessionrepo.Store
	identities identityrepo.Repository
	clients    oauthrepo.Repository
	auditLogs  auditrepo.Repository
	jobs       anchor.JobStore
}

func openStores(conn *sql.DB) stores {
	if conn == nil {
		return stores{
			sessions:   sessionrepo.NewMemoryStore(),
			identities: identityrepo.NewMemoryRepository(),
			clients:    oauthrepo.NewMemoryRepository(),
			auditLogs:  auditrepo.NewMemoryRepository(),
			jobs:       anchor.NewMemoryJobStore(),
		}
	}
	return stores{
		sessions:   sessionrepo.NewPostgresRepository(conn),
		identities: identityrepo.NewPostgresRepository(conn),
		clients:    oauthrepo.NewPostgresRepository(conn),
		auditLogs:  auditrepo.NewPostgresRepository(conn),
		jobs:       anchor.NewPostgresJobStore(conn),
	}
}

// newLedger picks the anchoring backend. A nil ledger means anchoring is unavailable.
func newLedger(cfg *config.Config) anchor.Ledger {
	switch {
	case cfg.LedgerURL != "":
		return anchor.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerAPIToken)
	case !cfg.IsProduction():
		log.Println("anchor: LEDGER_URL not set; using in-memory ledger")
		return anchor.NewMemoryLedger(memoryLedgerWait)
	default:
		log.Println("anchor: LEDGER_URL not set; anchoring is unavailable")
		return nil
	}
}

func pairingSecret(cfg *config.Config) []byte {
	if cfg.PairingSecret != "" {
		return []byte(cfg.PairingSecret)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("pairing secret: %v", err)
	}
	log.Println("pairing: PAIRING_SECRET not set; using a per-process secret")
	return key
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTelEndpoint, cfg.OTelServiceName, cfg.OTelInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	var conn *sql.DB
	if cfg.DatabaseURL != "" {
		conn, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()
	} else {
		log.Println("db: DATABASE_URL not set; using in-memory stores")
	}
	st := openStores(conn)

	privateKey, publicKey, ephemeral, err := security.LoadSigningKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey, !cfg.IsProduction())
	if err != nil {
		log.Fatalf("jwt keys: %v", err)
	}
	if ephemeral {
		log.Println("auth: JWT_PRIVATE_KEY not set; tokens are signed with an ephemeral key")
	}
	tokens := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())

	issuer, err := challenge.NewIssuer(pairingSecret(cfg))
	if err != nil {
		log.Fatalf("challenge issuer: %v", err)
	}
	verifier, err := ceremony.NewWebAuthnVerifier(ceremony.WebAuthnConfig{
		RPID:          cfg.WebAuthnRPID,
		RPDisplayName: cfg.WebAuthnRPDisplayName,
		RPOrigins:     cfg.WebAuthnOrigins(),
	})
	if err != nil {
		log.Fatalf("webauthn: %v", err)
	}

	policySource, err := policyengine.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	policy, err := policyengine.NewOPAEvaluator(ctx, policySource)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	emitters := telemetry.Fanout{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	var kafkaProducer *producer.KafkaProducer
	if brokers := cfg.TelemetryKafkaBrokersList(); len(brokers) > 0 {
		kafkaProducer = producer.NewKafkaProducer(brokers, cfg.TelemetryKafkaTopic)
		emitters = append(emitters, kafkaProducer)
		log.Printf("telemetry: emitting to kafka topic %s", cfg.TelemetryKafkaTopic)
	}

	var workers sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var anchorer identityservice.Anchorer
	ledger := newLedger(cfg)
	if ledger != nil {
		relayer := anchor.NewRelayer(ledger, st.jobs, anchor.Options{
			ConfirmTimeout: cfg.LedgerConfirmTimeout(),
			QueueSize:      cfg.LedgerQueueSize,
		})
		anchorer = relayer
		workers.Add(1)
		go func() {
			defer workers.Done()
			relayer.Run(runCtx)
		}()
	}

	var devLinks devlink.Store
	if cfg.DevMagicLinkReturn && !cfg.IsProduction() {
		devLinks = devlink.NewMemoryStore()
	}

	auditLogger := audit.NewLogger(st.auditLogs, middleware.ClientIPFromContext)
	svc, err := identityservice.NewPairingService(identityservice.Deps{
		Sessions:   st.sessions,
		Identities: st.identities,
		Clients:    st.clients,
		Issuer:     issuer,
		Verifier:   verifier,
		Anchorer:   anchorer,
		Policy:     policy,
		Tokens:     tokens,
		Hasher:     security.NewHasher(cfg.BcryptCost),
		Audit:      auditLogger,
		AuditLogs:  st.auditLogs,
		Events:     emitters,
		DevLinks:   devLinks,
	}, identityservice.Config{
		PublicBaseURL:      cfg.PublicBaseURL,
		SessionTTL:         cfg.SessionTTL(),
		QRSessionTTL:       cfg.QRSessionTTL(),
		MagicLinkTTL:       cfg.MagicLinkTTL(),
		PasswordPepper:     []byte(cfg.PasswordPepper),
		AllowZeroSignCount: cfg.WebAuthnAllowZeroCounter,
		LedgerConfigured:   ledger != nil,
		Production:         cfg.IsProduction(),
	})
	if err != nil {
		log.Fatalf("pairing service: %v", err)
	}

	limiter := middleware.NewRateLimiter(time.Minute, cfg.RateLimitPerMinute)
	hs := health.NewServer()
	var pinger healthhandler.Pinger
	if conn != nil {
		pinger = conn
	}
	checker := healthhandler.NewChecker(hs, pinger, policy)

	workers.Add(3)
	go func() {
		defer workers.Done()
		svc.RunSweeper(runCtx, cfg.SweepInterval())
	}()
	go func() {
		defer workers.Done()
		limiter.Run(runCtx, 10*time.Minute)
	}()
	go func() {
		defer workers.Done()
		checker.Run(runCtx, healthInterval)
	}()

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.RouterDeps{
			Pairing:   identityhandler.NewHandler(svc),
			Tokens:    tokens,
			Audit:     auditLogger,
			Events:    emitters,
			Limiter:   limiter,
			Health:    checker,
			DevRoutes: devLinks != nil,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	grpcSrv := server.NewGRPCServer(hs)
	go func() {
		log.Printf("gRPC health server listening on %s", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	grpcSrv.GracefulStop()

	svc.Wait()
	cancelRun()
	workers.Wait()

	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := kafkaProducer.Close(); err != nil {
		log.Printf("telemetry: kafka close: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("server stopped")
}
