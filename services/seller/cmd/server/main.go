package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/apexprotocol/apex-go/pkg/db"
	"github.com/apexprotocol/apex-go/pkg/estimate"
	"github.com/apexprotocol/apex-go/pkg/identity"
	"github.com/apexprotocol/apex-go/pkg/logging"
	"github.com/apexprotocol/apex-go/pkg/money"
	"github.com/apexprotocol/apex-go/pkg/negotiation"
	"github.com/apexprotocol/apex-go/pkg/pricing"
	"github.com/apexprotocol/apex-go/pkg/reasoning"
	"github.com/apexprotocol/apex-go/pkg/settlement"
	"github.com/apexprotocol/apex-go/pkg/transcript"
	"github.com/apexprotocol/apex-go/pkg/webhooks"
	"github.com/apexprotocol/apex-go/services/seller/internal/api"
	"github.com/apexprotocol/apex-go/services/seller/internal/store"
)

const sweepInterval = 30 * time.Second

func main() {
	logger := logging.New(os.Stdout, slog.LevelInfo)
	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	capabilities, err := loadCapabilities()
	if err != nil {
		return fmt.Errorf("loading capabilities: %w", err)
	}

	model := buildModel()
	strategy := buildStrategy(model, logger)
	ledger := transcript.NewLedger(nil)
	estimates := estimate.NewStore(estimate.WithLogger(logger))

	var gateways []settlement.Gateway
	var intentRail *settlement.Intent
	if secret := os.Getenv("APEX_RECEIPT_SECRET"); secret != "" {
		verifier, err := receiptVerifier(envOr("APEX_RECEIPT_SCHEME", "intent"))
		if err != nil {
			return err
		}
		intentRail = settlement.NewIntent(settlement.IntentConfig{
			Verifier: verifier,
			Secret:   secret,
			Logger:   logger,
		})
		gateways = append(gateways, intentRail)
	}
	if os.Getenv("APEX_ALLOW_MOCK_RAIL") == "true" {
		mock, err := settlement.NewMock(true)
		if err != nil {
			return err
		}
		gateways = append(gateways, mock)
		logger.Warn("mock settlement rail enabled; never use in production")
	}
	if len(gateways) == 0 {
		return errors.New("no settlement rail configured; set APEX_RECEIPT_SECRET or APEX_ALLOW_MOCK_RAIL")
	}

	var onTransition func(negotiation.Snapshot)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()
		st := store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("applying archive schema: %w", err)
		}
		archiver := store.NewArchiver(st, ledger)
		onTransition = func(snap negotiation.Snapshot) {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archiver.Observe(actx, snap); err != nil {
				logger.Error("archiving transition failed", "job_id", snap.JobID, "error", err)
			}
		}
	}

	engine, err := negotiation.NewEngine(negotiation.Config{
		Capabilities:  capabilities,
		Strategy:      strategy,
		Settlements:   settlement.NewRegistry(gateways...),
		Transcript:    ledger,
		Estimates:     estimates,
		Identity:      identity.NewVerifier(identity.Config{}),
		Executor:      negotiation.ExecutorFunc(echoExecutor),
		SellerAddress: envOr("SELLER_ADDRESS", "0xdev-seller"),
		Logger:        logger,
		OnTransition:  onTransition,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Config{
		Engine:       engine,
		Estimator:    estimate.NewEstimator(estimates, model, logger),
		Capabilities: capabilities,
		Intent:       intentRail,
		Logger:       logger,
	})
	r := chi.NewRouter()
	handler.Register(r)

	srv := &http.Server{
		Addr:              ":" + envOr("SERVICE_PORT", "8080"),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("seller listening", "addr", srv.Addr, "capabilities", len(capabilities))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		engine.RunSweeper(gctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := estimates.Sweep(); n > 0 {
					logger.Debug("stale estimates swept", "count", n)
				}
			}
		}
	})
	return g.Wait()
}

func echoExecutor(_ context.Context, job negotiation.Snapshot) (string, error) {
	return job.Input, nil
}

// receiptVerifier picks how provider receipt callbacks are authenticated:
// the timestamped intent scheme by default, or the body-digest scheme for
// providers that sign only the raw body.
func receiptVerifier(scheme string) (webhooks.Verifier, error) {
	switch scheme {
	case "intent":
		return webhooks.NewIntentV1Verifier("apexpay"), nil
	case "generic":
		return webhooks.NewGenericHMACVerifier("apexpay"), nil
	default:
		return nil, fmt.Errorf("APEX_RECEIPT_SCHEME: unknown scheme %q", scheme)
	}
}

// capabilitySpec is the APEX_CAPABILITIES wire shape, with prices as decimal
// strings.
type capabilitySpec struct {
	Name               string `json:"name"`
	Mode               string `json:"mode"`
	Currency           string `json:"currency"`
	Fixed              string `json:"fixed,omitempty"`
	Target             string `json:"target,omitempty"`
	Minimum            string `json:"minimum,omitempty"`
	MaxRounds          int    `json:"max_rounds,omitempty"`
	RequirePrepayment  bool   `json:"require_prepayment,omitempty"`
	ImmediateExecution bool   `json:"immediate_execution,omitempty"`
	SignatureThreshold string `json:"signature_threshold,omitempty"`
}

func loadCapabilities() (map[string]negotiation.Capability, error) {
	raw := os.Getenv("APEX_CAPABILITIES")
	if raw == "" {
		// A single demo capability so the service comes up without config.
		return map[string]negotiation.Capability{
			"echo": {
				Name:               "echo",
				Pricing:            negotiation.PricingConfig{Mode: negotiation.PricingFixed, Fixed: money.MustParse("USD", "1.00")},
				ImmediateExecution: true,
			},
		}, nil
	}

	var specs []capabilitySpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("APEX_CAPABILITIES: %w", err)
	}
	out := make(map[string]negotiation.Capability, len(specs))
	for _, spec := range specs {
		cap := negotiation.Capability{
			Name:               spec.Name,
			RequirePrepayment:  spec.RequirePrepayment,
			ImmediateExecution: spec.ImmediateExecution,
		}
		switch negotiation.PricingMode(spec.Mode) {
		case negotiation.PricingFixed:
			fixed, err := money.Parse(spec.Currency, spec.Fixed)
			if err != nil {
				return nil, fmt.Errorf("capability %q fixed price: %w", spec.Name, err)
			}
			cap.Pricing = negotiation.PricingConfig{Mode: negotiation.PricingFixed, Fixed: fixed}
		case negotiation.PricingNegotiated:
			target, err := money.Parse(spec.Currency, spec.Target)
			if err != nil {
				return nil, fmt.Errorf("capability %q target: %w", spec.Name, err)
			}
			minimum, err := money.Parse(spec.Currency, spec.Minimum)
			if err != nil {
				return nil, fmt.Errorf("capability %q minimum: %w", spec.Name, err)
			}
			maxRounds := spec.MaxRounds
			if maxRounds <= 0 {
				maxRounds = 5
			}
			cap.Pricing = negotiation.PricingConfig{
				Mode:      negotiation.PricingNegotiated,
				Target:    target,
				Minimum:   minimum,
				MaxRounds: maxRounds,
			}
		default:
			return nil, fmt.Errorf("capability %q: unknown pricing mode %q", spec.Name, spec.Mode)
		}
		if spec.SignatureThreshold != "" {
			threshold, err := money.Parse(spec.Currency, spec.SignatureThreshold)
			if err != nil {
				return nil, fmt.Errorf("capability %q signature threshold: %w", spec.Name, err)
			}
			cap.SignatureThreshold = &threshold
		}
		out[spec.Name] = cap
	}
	if len(out) == 0 {
		return nil, errors.New("APEX_CAPABILITIES is empty")
	}
	return out, nil
}

// buildModel picks a reasoning model from whichever provider key is present.
func buildModel() reasoning.Model {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return reasoning.NewAnthropicModel()
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return reasoning.NewOpenAIModel()
	}
	return nil
}

func buildStrategy(model reasoning.Model, logger logging.Logger) pricing.Strategy {
	profile := pricing.RiskProfile(envOr("APEX_RISK_PROFILE", string(pricing.RiskBalanced)))
	curve := pricing.NewCurve(profile)
	if envOr("APEX_STRATEGY", "curve") != "llm" {
		return curve
	}
	if model == nil {
		logger.Warn("llm strategy requested without a provider key, using curve")
		return curve
	}
	return pricing.NewLLM(model, os.Getenv("APEX_SELLER_INSTRUCTIONS"), curve, logger)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
