package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/models"
	"github.com/example/freshmart/pkg/notify"
	"github.com/example/freshmart/pkg/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	// Per-test in-memory database to avoid cross-test interference.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Serialize connections so concurrent callers contend on the
	// conditional updates rather than on sqlite file locks.
	sqlDB.SetMaxOpenConns(1)

	st := store.New(db, true, zap.NewNop())
	require.NoError(t, st.Migrate())
	return st
}

func newTestService(t *testing.T) (*Service, *fakeGateway, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	gw := newFakeGateway()
	dispatcher := notify.NewDispatcher(notify.NewStoreNotifier(st.DB()), nil, zap.NewNop())
	svc := New(st, gw, nil, nil, dispatcher, "https://shop.test/callback", zap.NewNop())
	return svc, gw, st
}

type fakeGateway struct {
	mu          sync.Mutex
	results     map[string]*gateway.VerifyResult
	verifyErrs  map[string]error
	initErr     error
	verifyCalls map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		results:     make(map[string]*gateway.VerifyResult),
		verifyErrs:  make(map[string]error),
		verifyCalls: make(map[string]int),
	}
}

func (f *fakeGateway) Initialize(ctx context.Context, req gateway.InitRequest) (*gateway.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &gateway.InitResult{
		AuthorizationURL: "https://checkout.test/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (f *fakeGateway) Verify(ctx context.Context, reference string) (*gateway.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls[reference]++
	if err, ok := f.verifyErrs[reference]; ok {
		return nil, err
	}
	if result, ok := f.results[reference]; ok {
		return result, nil
	}
	return &gateway.VerifyResult{Status: gateway.StatusPending, RawStatus: "pending", Reference: reference}, nil
}

func (f *fakeGateway) succeed(reference string, amountMinor int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[reference] = &gateway.VerifyResult{
		Status:      gateway.StatusSuccess,
		RawStatus:   "success",
		AmountMinor: amountMinor,
		Reference:   reference,
		PaidAt:      time.Now(),
	}
}

func (f *fakeGateway) abandon(reference string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[reference] = &gateway.VerifyResult{
		Status:    gateway.StatusFailed,
		RawStatus: "abandoned",
		Reference: reference,
	}
}

func (f *fakeGateway) stillProcessing(reference string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[reference] = &gateway.VerifyResult{
		Status:    gateway.StatusPending,
		RawStatus: "ongoing",
		Reference: reference,
	}
}

func (f *fakeGateway) calls(reference string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls[reference]
}

func seedUser(t *testing.T, st *store.Store, balance float64) *models.User {
	t.Helper()
	user := &models.User{
		ID:            models.NewID(),
		Name:          "Ada Shopper",
		Email:         fmt.Sprintf("%s@example.com", models.NewID()[:8]),
		WalletBalance: balance,
	}
	require.NoError(t, st.DB().Create(user).Error)
	return user
}

func seedProduct(t *testing.T, st *store.Store, name string, price float64, stock int) *models.Product {
	t.Helper()
	product := &models.Product{
		ID:        models.NewID(),
		Name:      name,
		Price:     price,
		Stock:     stock,
		Available: true,
	}
	require.NoError(t, st.DB().Create(product).Error)
	return product
}

func seedDeliverySettings(t *testing.T, st *store.Store, region string, fee float64, capacity int) {
	t.Helper()
	require.NoError(t, st.DB().Create(&models.DeliverySettings{
		ID:           models.NewID(),
		Active:       true,
		Region:       region,
		Fee:          fee,
		SlotCapacity: capacity,
		CreatedAt:    time.Now(),
	}).Error)
}

func seedPointsSettings(t *testing.T, st *store.Store, threshold float64, per int) {
	t.Helper()
	require.NoError(t, st.DB().Create(&models.PointsSettings{
		ID:                 models.NewID(),
		Active:             true,
		AmountThreshold:    threshold,
		PointsPerThreshold: per,
		CreatedAt:          time.Now(),
	}).Error)
}

func seedReferralSettings(t *testing.T, st *store.Store, bonus float64) {
	t.Helper()
	require.NoError(t, st.DB().Create(&models.ReferralSettings{
		ID:                 models.NewID(),
		Active:             true,
		FirstPurchaseBonus: bonus,
		CreatedAt:          time.Now(),
	}).Error)
}

// seedReferredUser creates a referee linked to referrer with the signup
// referral row already consumed.
func seedReferredUser(t *testing.T, st *store.Store, referrer *models.User) (*models.User, *models.Referral) {
	t.Helper()
	usedAt := time.Now().Add(-24 * time.Hour)
	referee := &models.User{
		ID:         models.NewID(),
		Name:       "Bisi Newcomer",
		Email:      fmt.Sprintf("%s@example.com", models.NewID()[:8]),
		ReferredBy: &referrer.ID,
	}
	require.NoError(t, st.DB().Create(referee).Error)

	referral := &models.Referral{
		ID:            models.NewID(),
		ReferrerID:    referrer.ID,
		ReferredEmail: referee.Email,
		Code:          strings.ToUpper(models.NewID()[:8]),
		IsUsed:        true,
		UsedAt:        &usedAt,
	}
	require.NoError(t, st.DB().Create(referral).Error)
	return referee, referral
}

func seedCompletedOrder(t *testing.T, st *store.Store, userID string, amount float64) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:            models.NewID(),
		UserID:        userID,
		Status:        models.OrderStatusConfirmed,
		PaymentStatus: models.PaymentStatusCompleted,
		TotalAmount:   amount,
		FinalAmount:   amount,
		PaymentMethod: "paystack",
	}
	require.NoError(t, st.DB().Create(order).Error)
	return order
}

func cartFor(region string, items ...ItemInput) *CreateOrderInput {
	return &CreateOrderInput{
		Items: items,
		Delivery: DeliveryInput{
			Address:  "4 Marina Road",
			City:     "Lagos",
			Region:   region,
			TimeSlot: "09:00-12:00",
		},
		PaymentMethod: "paystack",
	}
}

func countRows(t *testing.T, st *store.Store, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := st.DB().Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}
