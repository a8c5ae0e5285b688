package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/money"
	"github.com/stretchr/testify/require"
)

func TestReconcileUnknownReference(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Reconcile(context.Background(), "chk-does-not-exist")
	require.ErrorIs(t, err, ErrUnknownReference)
}

func TestReconcileCheckoutSuccess(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	rice := seedProduct(t, st, "Basmati Rice 5kg", 2500, 10)
	seedDeliverySettings(t, st, "Lagos", 500, 0)

	init, err := svc.InitializeCheckout(ctx, user.ID, user.Email, cartFor("Lagos", ItemInput{ProductID: rice.ID, Quantity: 1}))
	require.NoError(t, err)

	// No order exists while the charge is outstanding.
	require.EqualValues(t, 0, countRows(t, st, &models.Order{}, ""))
	require.EqualValues(t, 1, countRows(t, st, &models.PendingCheckout{}, "reference = ?", init.Reference))

	gw.succeed(init.Reference, money.MinorUnits(3000))
	outcome, err := svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusCompleted, outcome.Status)
	require.NotEmpty(t, outcome.OrderID)

	var order models.Order
	require.NoError(t, st.DB().First(&order, "id = ?", outcome.OrderID).Error)
	require.Equal(t, models.OrderStatusConfirmed, order.Status)
	require.Equal(t, models.PaymentStatusCompleted, order.PaymentStatus)
	require.Equal(t, init.Reference, *order.TransactionID)
	require.Equal(t, 3000.0, order.FinalAmount)

	// The parked cart was consumed.
	require.EqualValues(t, 0, countRows(t, st, &models.PendingCheckout{}, "reference = ?", init.Reference))

	// Second call observes the settled order without new writes.
	again, err := svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusCompleted, again.Status)
	require.Equal(t, outcome.OrderID, again.OrderID)
	require.EqualValues(t, 1, countRows(t, st, &models.Order{}, ""))
}

func TestReconcileCheckoutSurvivesStockDrop(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	rice := seedProduct(t, st, "Basmati Rice 5kg", 2500, 2)
	seedDeliverySettings(t, st, "Lagos", 500, 0)

	init, err := svc.InitializeCheckout(ctx, user.ID, user.Email, cartFor("Lagos", ItemInput{ProductID: rice.ID, Quantity: 2}))
	require.NoError(t, err)

	// Stock sold out between init and settlement; the paid checkout must
	// still materialize rather than strand captured money.
	require.NoError(t, st.DB().Model(&models.Product{}).Where("id = ?", rice.ID).Update("stock", 0).Error)

	gw.succeed(init.Reference, money.MinorUnits(5500))
	outcome, err := svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusCompleted, outcome.Status)

	// Oversell is recorded as negative stock for restocking to resolve.
	var reloaded models.Product
	require.NoError(t, st.DB().First(&reloaded, "id = ?", rice.ID).Error)
	require.Equal(t, -2, reloaded.Stock)
}

func TestReconcileCheckoutMissingVariationIsOrphaned(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	rice := seedProduct(t, st, "Basmati Rice", 2500, 10)
	variation := &models.ProductVariation{
		ID:        models.NewID(),
		ProductID: rice.ID,
		Name:      "10kg",
		Price:     4800,
		Stock:     5,
		Available: true,
	}
	require.NoError(t, st.DB().Create(variation).Error)
	seedDeliverySettings(t, st, "Lagos", 500, 0)

	init, err := svc.InitializeCheckout(ctx, user.ID, user.Email,
		cartFor("Lagos", ItemInput{ProductID: rice.ID, VariationID: variation.ID, Quantity: 1}))
	require.NoError(t, err)

	// Variation removed from the catalog while the charge was in flight.
	require.NoError(t, st.DB().Delete(&models.ProductVariation{}, "id = ?", variation.ID).Error)

	gw.succeed(init.Reference, money.MinorUnits(5300))
	_, err = svc.Reconcile(ctx, init.Reference)
	require.ErrorIs(t, err, ErrOrphanedReference)

	// No order was materialized; the checkout row stays put for operator
	// review rather than being silently dropped.
	require.EqualValues(t, 0, countRows(t, st, &models.Order{}, ""))
	require.EqualValues(t, 1, countRows(t, st, &models.PendingCheckout{}, "reference = ?", init.Reference))
}

func TestReconcileCheckoutFailureDiscardsCart(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	rice := seedProduct(t, st, "Basmati Rice 5kg", 2500, 10)
	seedDeliverySettings(t, st, "Lagos", 500, 0)

	init, err := svc.InitializeCheckout(ctx, user.ID, user.Email, cartFor("Lagos", ItemInput{ProductID: rice.ID, Quantity: 1}))
	require.NoError(t, err)

	gw.abandon(init.Reference)
	outcome, err := svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, outcome.Status)

	require.EqualValues(t, 0, countRows(t, st, &models.Order{}, ""))
	require.EqualValues(t, 0, countRows(t, st, &models.PendingCheckout{}, ""))

	// No stock was ever claimed.
	var reloaded models.Product
	require.NoError(t, st.DB().First(&reloaded, "id = ?", rice.ID).Error)
	require.Equal(t, 10, reloaded.Stock)
}

func TestReconcileWalletFundingIdempotent(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 100)
	init, err := svc.InitializeWalletFunding(ctx, user.ID, user.Email, 2000)
	require.NoError(t, err)

	gw.succeed(init.Reference, money.MinorUnits(2000))
	for i := 0; i < 5; i++ {
		outcome, err := svc.Reconcile(ctx, init.Reference)
		require.NoError(t, err)
		require.Equal(t, models.PaymentStatusCompleted, outcome.Status)
	}

	// Credited exactly once no matter how many confirmations arrive.
	var reloaded models.User
	require.NoError(t, st.DB().First(&reloaded, "id = ?", user.ID).Error)
	require.Equal(t, 2100.0, reloaded.WalletBalance)
	require.EqualValues(t, 1, countRows(t, st, &models.WalletTransaction{}, "user_id = ? AND status = ?", user.ID, models.PaymentStatusCompleted))

	// Terminal rows short-circuit before the gateway is asked again.
	require.Equal(t, 1, gw.calls(init.Reference))
}

func TestReconcileWalletFundingConcurrent(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	init, err := svc.InitializeWalletFunding(ctx, user.ID, user.Email, 1500)
	require.NoError(t, err)
	gw.succeed(init.Reference, money.MinorUnits(1500))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reconcile(ctx, init.Reference)
		}(i)
	}
	wg.Wait()
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	var reloaded models.User
	require.NoError(t, st.DB().First(&reloaded, "id = ?", user.ID).Error)
	require.Equal(t, 1500.0, reloaded.WalletBalance)
	require.EqualValues(t, 1, countRows(t, st, &models.WalletTransaction{}, "reference = ? AND status = ?", init.Reference, models.PaymentStatusCompleted))
}

func TestReconcileCheckoutConcurrent(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	rice := seedProduct(t, st, "Basmati Rice 5kg", 2500, 10)
	seedDeliverySettings(t, st, "Lagos", 500, 0)

	init, err := svc.InitializeCheckout(ctx, user.ID, user.Email, cartFor("Lagos", ItemInput{ProductID: rice.ID, Quantity: 1}))
	require.NoError(t, err)
	gw.succeed(init.Reference, money.MinorUnits(3000))

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reconcile(ctx, init.Reference)
		}(i)
	}
	wg.Wait()
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	// Exactly one caller materialized the order; stock claimed once.
	require.EqualValues(t, 1, countRows(t, st, &models.Order{}, "transaction_id = ?", init.Reference))
	var reloaded models.Product
	require.NoError(t, st.DB().First(&reloaded, "id = ?", rice.ID).Error)
	require.Equal(t, 9, reloaded.Stock)
}

func TestReconcileAbandonedFundingFails(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 800)
	init, err := svc.InitializeWalletFunding(ctx, user.ID, user.Email, 2000)
	require.NoError(t, err)

	gw.abandon(init.Reference)
	outcome, err := svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, outcome.Status)

	var reloaded models.User
	require.NoError(t, st.DB().First(&reloaded, "id = ?", user.ID).Error)
	require.Equal(t, 800.0, reloaded.WalletBalance)

	var txn models.WalletTransaction
	require.NoError(t, st.DB().First(&txn, "reference = ?", init.Reference).Error)
	require.Equal(t, models.PaymentStatusFailed, txn.Status)

	// FAILED is terminal; later calls never resurrect the reference.
	again, err := svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, again.Status)
	require.Equal(t, 1, gw.calls(init.Reference))
}

func TestReconcilePendingLeavesStateUntouched(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	init, err := svc.InitializeWalletFunding(ctx, user.ID, user.Email, 1000)
	require.NoError(t, err)

	gw.stillProcessing(init.Reference)
	outcome, err := svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, outcome.Status)

	var txn models.WalletTransaction
	require.NoError(t, st.DB().First(&txn, "reference = ?", init.Reference).Error)
	require.Equal(t, models.PaymentStatusPending, txn.Status)

	// The charge eventually clears and the same reference settles.
	gw.succeed(init.Reference, money.MinorUnits(1000))
	outcome, err = svc.Reconcile(ctx, init.Reference)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusCompleted, outcome.Status)
}

func TestReconcileGatewayUnavailableIsInconclusive(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	init, err := svc.InitializeWalletFunding(ctx, user.ID, user.Email, 1000)
	require.NoError(t, err)

	gw.mu.Lock()
	gw.verifyErrs[init.Reference] = fmt.Errorf("dial tcp: connection refused: %w", gateway.ErrUnavailable)
	gw.mu.Unlock()

	outcome, err := svc.Reconcile(ctx, init.Reference)
	require.ErrorIs(t, err, gateway.ErrUnavailable)
	require.Equal(t, models.PaymentStatusPending, outcome.Status)

	// An outage must never be recorded as failure.
	var txn models.WalletTransaction
	require.NoError(t, st.DB().First(&txn, "reference = ?", init.Reference).Error)
	require.Equal(t, models.PaymentStatusPending, txn.Status)
}

func TestReconcileOrderPaymentFlip(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	ref := "pay-direct-1"
	order := &models.Order{
		ID:            models.NewID(),
		UserID:        user.ID,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		TotalAmount:   4000,
		FinalAmount:   4000,
		PaymentMethod: "paystack",
		TransactionID: &ref,
	}
	require.NoError(t, st.DB().Create(order).Error)

	gw.succeed(ref, money.MinorUnits(4000))
	outcome, err := svc.Reconcile(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusCompleted, outcome.Status)
	require.Equal(t, order.ID, outcome.OrderID)

	var reloaded models.Order
	require.NoError(t, st.DB().First(&reloaded, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderStatusConfirmed, reloaded.Status)
	require.Equal(t, models.PaymentStatusCompleted, reloaded.PaymentStatus)
	require.Equal(t, 1, gw.calls(ref))
}

func TestReconcileOrderPaymentFailure(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	ref := "pay-direct-2"
	order := &models.Order{
		ID:            models.NewID(),
		UserID:        user.ID,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		TotalAmount:   4000,
		FinalAmount:   4000,
		PaymentMethod: "paystack",
		TransactionID: &ref,
	}
	require.NoError(t, st.DB().Create(order).Error)

	gw.abandon(ref)
	outcome, err := svc.Reconcile(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, outcome.Status)

	var reloaded models.Order
	require.NoError(t, st.DB().First(&reloaded, "id = ?", order.ID).Error)
	require.Equal(t, models.PaymentStatusFailed, reloaded.PaymentStatus)
	// Fulfillment status is left alone; cancellation is an explicit
	// storefront action, not a reconciliation side effect.
	require.Equal(t, models.OrderStatusPending, reloaded.Status)
}

func TestInitializeCheckoutGatewayRefusalDiscardsCart(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	rice := seedProduct(t, st, "Basmati Rice 5kg", 2500, 10)
	seedDeliverySettings(t, st, "Lagos", 500, 0)

	gw.mu.Lock()
	gw.initErr = errors.New("invalid merchant key")
	gw.mu.Unlock()

	_, err := svc.InitializeCheckout(ctx, user.ID, user.Email, cartFor("Lagos", ItemInput{ProductID: rice.ID, Quantity: 1}))
	require.Error(t, err)
	require.EqualValues(t, 0, countRows(t, st, &models.PendingCheckout{}, ""))
}

func TestInitializeWalletFundingGatewayRefusalVoidsRow(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	gw.mu.Lock()
	gw.initErr = errors.New("invalid merchant key")
	gw.mu.Unlock()

	_, err := svc.InitializeWalletFunding(ctx, user.ID, user.Email, 1000)
	require.Error(t, err)
	require.EqualValues(t, 1, countRows(t, st, &models.WalletTransaction{}, "user_id = ? AND status = ?", user.ID, models.PaymentStatusFailed))
}

func TestInitializeWalletFundingRejectsNonPositiveAmount(t *testing.T) {
	svc, _, st := newTestService(t)
	user := seedUser(t, st, 0)

	_, err := svc.InitializeWalletFunding(context.Background(), user.ID, user.Email, 0)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "amount", vErr.Field)
}

func TestStaleReferencesListsAllPendingKinds(t *testing.T) {
	svc, gw, st := newTestService(t)
	ctx := context.Background()

	user := seedUser(t, st, 0)
	rice := seedProduct(t, st, "Basmati Rice 5kg", 2500, 10)
	seedDeliverySettings(t, st, "Lagos", 500, 0)

	fund, err := svc.InitializeWalletFunding(ctx, user.ID, user.Email, 1000)
	require.NoError(t, err)
	chk, err := svc.InitializeCheckout(ctx, user.ID, user.Email, cartFor("Lagos", ItemInput{ProductID: rice.ID, Quantity: 1}))
	require.NoError(t, err)

	ref := "pay-direct-3"
	require.NoError(t, st.DB().Create(&models.Order{
		ID:            models.NewID(),
		UserID:        user.ID,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		TotalAmount:   4000,
		FinalAmount:   4000,
		PaymentMethod: "paystack",
		TransactionID: &ref,
	}).Error)

	refs, err := svc.StaleReferences(ctx, 0, 50)
	require.NoError(t, err)
	require.Contains(t, refs, fund.Reference)
	require.Contains(t, refs, chk.Reference)
	require.Contains(t, refs, ref)

	// Settled references drop out of the sweep set.
	gw.succeed(fund.Reference, money.MinorUnits(1000))
	_, err = svc.Reconcile(ctx, fund.Reference)
	require.NoError(t, err)
	refs, err = svc.StaleReferences(ctx, 0, 50)
	require.NoError(t, err)
	require.NotContains(t, refs, fund.Reference)
}
