// The sweep job is the offline reconciliation trigger: it re-runs
// settlement for references that stayed PENDING past a cutoff, catching
// webhooks that never arrived and clients that never polled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/example/freshmart/pkg/config"
	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/notify"
	"github.com/example/freshmart/pkg/settlement"
	"github.com/example/freshmart/pkg/store"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	age := flag.Duration("age", 30*time.Minute, "only sweep references older than this")
	limit := flag.Int("limit", 200, "max references per record type")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	st, err := store.Open(&cfg.MySQL, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	paystack := gateway.NewPaystack(&cfg.Paystack, logger.Named("paystack"))
	dispatcher := notify.NewDispatcher(
		notify.NewStoreNotifier(st.DB()),
		notify.NewLogMailer(logger.Named("mailer")),
		logger,
	)
	svc := settlement.New(st, paystack, nil, nil, dispatcher, cfg.Paystack.CallbackURL, logger.Named("settlement"))

	ctx := context.Background()
	refs, err := svc.StaleReferences(ctx, *age, *limit)
	if err != nil {
		logger.Fatal("Failed to list stale references", zap.Error(err))
	}
	logger.Info("Sweeping stale references", zap.Int("count", len(refs)))

	var completed, failed, pending, errored int
	for _, ref := range refs {
		outcome, err := svc.Reconcile(ctx, ref)
		if err != nil {
			if errors.Is(err, gateway.ErrUnavailable) {
				pending++
				continue
			}
			logger.Error("Sweep reconciliation failed",
				zap.String("reference", ref), zap.Error(err))
			errored++
			continue
		}
		switch outcome.Status {
		case models.PaymentStatusCompleted:
			completed++
		case models.PaymentStatusFailed:
			failed++
		default:
			pending++
		}
	}

	logger.Info("Sweep finished",
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("still_pending", pending),
		zap.Int("errors", errored))
}
