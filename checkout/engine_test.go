package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"storefront/affiliate"
	"storefront/catalog"
	"storefront/ledger"
	"storefront/metadata"
	"storefront/pricing"
)

var testBuyer = common.HexToAddress("0x00000000000000000000000000000000000000b1")

type mockResolver struct {
	records map[uint64]*catalog.ProductRecord
}

func (m *mockResolver) ResolveOne(_ context.Context, id uint64) (*catalog.ProductRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return rec.Clone(), nil
}

type mockLedger struct {
	mu            sync.Mutex
	balance       *big.Int
	allowance     *big.Int
	balanceErr    error
	approveErr    error
	purchaseErr   error
	waitErr       map[common.Hash]error
	approveCalls  int
	purchaseCalls int
	nonce         uint64
	lastPurchase  common.Hash
	balanceGate   chan struct{}
}

func newMockLedger(balance, allowance int64) *mockLedger {
	return &mockLedger{
		balance:   big.NewInt(balance),
		allowance: big.NewInt(allowance),
		waitErr:   make(map[common.Hash]error),
	}
}

func (m *mockLedger) newTx() *gethtypes.Transaction {
	m.nonce++
	to := common.Address{}
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    m.nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      21_000,
		GasPrice: big.NewInt(1),
	})
}

func (m *mockLedger) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	if m.balanceGate != nil {
		<-m.balanceGate
	}
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return new(big.Int).Set(m.balance), nil
}

func (m *mockLedger) Allowance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Set(m.allowance), nil
}

func (m *mockLedger) Approve(*bind.TransactOpts, *big.Int) (*gethtypes.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approveCalls++
	if m.approveErr != nil {
		return nil, m.approveErr
	}
	return m.newTx(), nil
}

func (m *mockLedger) Purchase(*bind.TransactOpts, uint64) (*gethtypes.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchaseCalls++
	if m.purchaseErr != nil {
		return nil, m.purchaseErr
	}
	tx := m.newTx()
	m.lastPurchase = tx.Hash()
	return tx, nil
}

func (m *mockLedger) WaitConfirmed(_ context.Context, txHash common.Hash, _ time.Duration) (*gethtypes.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.waitErr[txHash]; ok {
		return nil, err
	}
	if err, ok := m.waitErr[common.Hash{}]; ok {
		return nil, err
	}
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

type mockReceipts struct {
	grants map[string][]uint64
	err    error
}

func newMockReceipts() *mockReceipts {
	return &mockReceipts{grants: make(map[string][]uint64)}
}

func (m *mockReceipts) GrantReceipt(wallet string, productID uint64) error {
	if m.err != nil {
		return m.err
	}
	for _, id := range m.grants[wallet] {
		if id == productID {
			return nil
		}
	}
	m.grants[wallet] = append(m.grants[wallet], productID)
	return nil
}

type mockCoupons struct {
	coupons map[string]*pricing.Coupon
	usage   map[string]int
}

func newMockCoupons(coupons ...*pricing.Coupon) *mockCoupons {
	m := &mockCoupons{coupons: make(map[string]*pricing.Coupon), usage: make(map[string]int)}
	for _, c := range coupons {
		m.coupons[c.Code] = c
	}
	return m
}

func (m *mockCoupons) GetCoupon(code string) (*pricing.Coupon, bool, error) {
	c, ok := m.coupons[code]
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

func (m *mockCoupons) IncrementCouponUsage(code string) error {
	m.usage[code]++
	return nil
}

type mockSales struct {
	sales []affiliate.Sale
	err   error
}

func (m *mockSales) RecordSale(_ context.Context, sale affiliate.Sale) error {
	if m.err != nil {
		return m.err
	}
	m.sales = append(m.sales, sale)
	return nil
}

type mockMetadata struct {
	docs map[string]*metadata.Document
	err  error
}

func (m *mockMetadata) Fetch(_ context.Context, ref string) (*metadata.Document, error) {
	if m.err != nil {
		return nil, m.err
	}
	doc, ok := m.docs[ref]
	if !ok {
		return nil, metadata.ErrUnavailable
	}
	return doc, nil
}

type fakeSigner struct {
	err error
}

func (f fakeSigner) TransactOpts(context.Context) (*bind.TransactOpts, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &bind.TransactOpts{From: testBuyer, NoSend: false}, nil
}

func ledgerProduct(id uint64, price int64) *catalog.ProductRecord {
	return &catalog.ProductRecord{
		ID:                id,
		PriceMinor:        big.NewInt(price),
		MetadataRef:       fmt.Sprintf("ref-%d", id),
		Active:            true,
		CommissionPercent: 10,
		Origin:            catalog.OriginLedger,
	}
}

func demoProduct(id uint64, price int64) *catalog.ProductRecord {
	rec := ledgerProduct(id, price)
	rec.Origin = catalog.OriginDemo
	return rec
}

type engineFixture struct {
	engine   *Engine
	ledger   *mockLedger
	receipts *mockReceipts
	coupons  *mockCoupons
	attribs  *affiliate.Recorder
	sales    *mockSales
}

func newFixture(records ...*catalog.ProductRecord) *engineFixture {
	resolver := &mockResolver{records: make(map[uint64]*catalog.ProductRecord)}
	for _, rec := range records {
		resolver.records[rec.ID] = rec
	}
	f := &engineFixture{
		engine:   NewEngine(),
		ledger:   newMockLedger(1_000_000000, 0),
		receipts: newMockReceipts(),
		coupons:  newMockCoupons(),
		attribs:  affiliate.NewRecorder(),
		sales:    &mockSales{},
	}
	f.engine.SetResolver(resolver)
	f.engine.SetLedger(f.ledger)
	f.engine.SetReceipts(f.receipts)
	f.engine.SetCoupons(f.coupons)
	f.engine.SetAffiliates(f.attribs, f.sales)
	f.engine.SetSigner(fakeSigner{})
	f.engine.SetSimulateDelay(0)
	f.engine.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return f
}

func (f *engineFixture) wallet() string { return "0x00000000000000000000000000000000000000b1" }

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))

	if _, err := f.engine.Checkout(context.Background(), Request{ProductID: 7}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing buyer: want ErrValidation, got %v", err)
	}
	if _, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing product: want ErrValidation, got %v", err)
	}
}

func TestCheckoutSimulatedDemoPurchase(t *testing.T) {
	f := newFixture(demoProduct(9001, 9_990000))

	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 9001})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateSuccess || !res.Simulated {
		t.Fatalf("state = %s simulated = %v, want simulated success", res.State, res.Simulated)
	}
	if f.ledger.purchaseCalls != 0 || f.ledger.approveCalls != 0 {
		t.Fatalf("simulated purchase must not touch the chain")
	}
	if got := f.receipts.grants[f.wallet()]; len(got) != 1 || got[0] != 9001 {
		t.Fatalf("receipt grants = %v, want [9001]", got)
	}
}

func TestCheckoutFreeSkipsChain(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.coupons.coupons["FREE"] = &pricing.Coupon{Code: "FREE", DiscountPercent: 100, AppliesToAll: true}

	var states []State
	res, err := f.engine.Checkout(context.Background(), Request{
		Buyer:      testBuyer,
		ProductID:  7,
		CouponCode: "FREE",
		Observer:   func(s State) { states = append(states, s) },
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateSuccess {
		t.Fatalf("state = %s, want success", res.State)
	}
	if res.FinalPriceMinor.Sign() != 0 {
		t.Fatalf("final price = %s, want 0", res.FinalPriceMinor)
	}
	if f.ledger.purchaseCalls != 0 || f.ledger.approveCalls != 0 {
		t.Fatalf("free acquisition must skip balance/approval/submission")
	}
	for _, s := range states {
		if s == StateBalanceCheck || s == StateApproving || s == StateSubmitting {
			t.Fatalf("free acquisition entered %s", s)
		}
	}
	if f.coupons.usage["FREE"] != 1 {
		t.Fatalf("coupon usage = %d, want 1", f.coupons.usage["FREE"])
	}
}

func TestCheckoutInvalidCoupon(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.coupons.coupons["OLD"] = &pricing.Coupon{
		Code: "OLD", DiscountPercent: 20, AppliesToAll: true, ExpiresAt: 1_600_000_000,
	}

	res, err := f.engine.Checkout(context.Background(), Request{
		Buyer: testBuyer, ProductID: 7, CouponCode: "OLD",
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateFailed || res.Failure.Kind != FailureCouponInvalid {
		t.Fatalf("failure = %+v, want CouponInvalid", res.Failure)
	}
	if len(f.receipts.grants) != 0 {
		t.Fatalf("failed checkout must not grant a receipt")
	}
}

func TestCheckoutInsufficientFunds(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.ledger.balance = big.NewInt(10_000000)

	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateFailed || res.Failure.Kind != FailureInsufficientFunds {
		t.Fatalf("failure = %+v, want InsufficientFunds", res.Failure)
	}
	if res.BalanceMinor.Cmp(big.NewInt(10_000000)) != 0 {
		t.Fatalf("balance = %s, want the advisory read reported back", res.BalanceMinor)
	}
	if f.ledger.approveCalls != 0 || f.ledger.purchaseCalls != 0 {
		t.Fatalf("doomed purchase must stop before spending gas")
	}
}

func TestCheckoutSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.ledger.allowance = big.NewInt(60_000000)

	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateSuccess {
		t.Fatalf("state = %s (%+v), want success", res.State, res.Failure)
	}
	if f.ledger.approveCalls != 0 {
		t.Fatalf("approval must be skipped when the allowance already covers the price")
	}
	if f.ledger.purchaseCalls != 1 {
		t.Fatalf("purchase calls = %d, want 1", f.ledger.purchaseCalls)
	}
}

func TestCheckoutApprovesThenPurchases(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))

	var states []State
	res, err := f.engine.Checkout(context.Background(), Request{
		Buyer: testBuyer, ProductID: 7,
		Observer: func(s State) { states = append(states, s) },
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateSuccess {
		t.Fatalf("state = %s (%+v), want success", res.State, res.Failure)
	}
	if f.ledger.approveCalls != 1 || f.ledger.purchaseCalls != 1 {
		t.Fatalf("approve=%d purchase=%d, want 1/1", f.ledger.approveCalls, f.ledger.purchaseCalls)
	}
	want := []State{StatePricing, StateBalanceCheck, StateApproving, StateSubmitting, StateConfirming, StateSuccess}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if res.ApproveTxHash == "" || res.PurchaseTxHash == "" {
		t.Fatalf("transaction hashes missing from result: %+v", res)
	}
}

func TestCheckoutUserRejected(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.ledger.allowance = big.NewInt(60_000000)
	f.ledger.purchaseErr = errors.New("user denied transaction signature")

	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateFailed || res.Failure.Kind != FailureUserRejected {
		t.Fatalf("failure = %+v, want UserRejected", res.Failure)
	}
}

func TestCheckoutNoPartialSuccessOnRevert(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.ledger.allowance = big.NewInt(60_000000)
	f.ledger.waitErr[common.Hash{}] = fmt.Errorf("%w: tx 0xdead", ledger.ErrReverted)
	f.coupons.coupons["SAVE20"] = &pricing.Coupon{Code: "SAVE20", DiscountPercent: 20, AppliesToAll: true}
	f.attribs.Attribute("sess-1", 7, "0xreferrer")

	res, err := f.engine.Checkout(context.Background(), Request{
		Buyer: testBuyer, ProductID: 7, CouponCode: "SAVE20", SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateFailed || res.Failure.Kind != FailureOnChainRevert {
		t.Fatalf("failure = %+v, want OnChainRevert", res.Failure)
	}
	if len(f.receipts.grants) != 0 {
		t.Fatalf("revert must not grant a receipt")
	}
	if len(f.sales.sales) != 0 {
		t.Fatalf("revert must not record an affiliate sale")
	}
	if f.coupons.usage["SAVE20"] != 0 {
		t.Fatalf("revert must not consume the coupon")
	}
}

func TestCheckoutConfirmationTimeout(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.ledger.allowance = big.NewInt(60_000000)
	f.ledger.waitErr[common.Hash{}] = fmt.Errorf("%w: tx 0xslow", ledger.ErrConfirmTimeout)

	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateFailed || res.Failure.Kind != FailureConfirmationTimeout {
		t.Fatalf("failure = %+v, want ConfirmationTimeout", res.Failure)
	}
}

func TestCheckoutSuccessSideEffects(t *testing.T) {
	f := newFixture(ledgerProduct(7, 100_000000))
	f.ledger.allowance = big.NewInt(100_000000)
	f.coupons.coupons["SAVE20"] = &pricing.Coupon{Code: "SAVE20", DiscountPercent: 20, AppliesToAll: true}
	f.engine.SetMetadataFetcher(&mockMetadata{docs: map[string]*metadata.Document{
		"ref-7": {Name: "Pro", Incentive: &pricing.IncentiveOffer{DiscountPercent: 10}},
	}})
	f.attribs.Attribute("sess-1", 7, "0xReferrer")

	res, err := f.engine.Checkout(context.Background(), Request{
		Buyer: testBuyer, ProductID: 7,
		CouponCode: "SAVE20", IncentiveOptIn: true, SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateSuccess {
		t.Fatalf("state = %s (%+v), want success", res.State, res.Failure)
	}
	if res.FinalPriceMinor.Cmp(big.NewInt(72_000000)) != 0 {
		t.Fatalf("final price = %s, want 72000000 (multiplicative composition)", res.FinalPriceMinor)
	}
	if got := f.receipts.grants[f.wallet()]; len(got) != 1 || got[0] != 7 {
		t.Fatalf("receipt grants = %v, want [7]", got)
	}
	if f.coupons.usage["SAVE20"] != 1 {
		t.Fatalf("coupon usage = %d, want 1", f.coupons.usage["SAVE20"])
	}
	if len(f.sales.sales) != 1 {
		t.Fatalf("sales = %v, want one affiliate sale", f.sales.sales)
	}
	sale := f.sales.sales[0]
	if sale.Referrer != "0xreferrer" || sale.Buyer != f.wallet() {
		t.Fatalf("sale parties = %s/%s", sale.Referrer, sale.Buyer)
	}
	if sale.GrossAmountMinor.Cmp(big.NewInt(72_000000)) != 0 || sale.CommissionPercent != 10 {
		t.Fatalf("sale amount/commission = %s/%d", sale.GrossAmountMinor, sale.CommissionPercent)
	}
	if _, still := f.attribs.Referrer("sess-1", 7); still {
		t.Fatalf("attribution must be cleared after the sale is recorded")
	}
}

func TestCheckoutIncentiveSurvivesMetadataOutage(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.ledger.allowance = big.NewInt(60_000000)
	f.engine.SetMetadataFetcher(&mockMetadata{err: metadata.ErrUnavailable})

	res, err := f.engine.Checkout(context.Background(), Request{
		Buyer: testBuyer, ProductID: 7, IncentiveOptIn: true,
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateSuccess {
		t.Fatalf("state = %s (%+v), want success without the incentive", res.State, res.Failure)
	}
	if res.FinalPriceMinor.Cmp(big.NewInt(50_000000)) != 0 {
		t.Fatalf("final price = %s, want undiscounted base", res.FinalPriceMinor)
	}
}

func TestCheckoutSingleInFlightPerBuyerProduct(t *testing.T) {
	f := newFixture(ledgerProduct(7, 50_000000))
	f.ledger.balanceGate = make(chan struct{})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	}()
	<-started
	// Give the first checkout time to park in the balance read.
	time.Sleep(20 * time.Millisecond)

	_, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("want ErrInFlight, got %v", err)
	}

	close(f.ledger.balanceGate)
	<-done

	// The slot frees once the first checkout terminates.
	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	if err != nil {
		t.Fatalf("retry after terminal state: %v", err)
	}
	if !res.State.Terminal() {
		t.Fatalf("state = %s, want terminal", res.State)
	}
}

func TestCheckoutProductUnavailable(t *testing.T) {
	f := newFixture()

	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 404})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateFailed || res.Failure.Kind != FailureProductUnavailable {
		t.Fatalf("failure = %+v, want ProductUnavailable", res.Failure)
	}
}

func TestCheckoutSoldOut(t *testing.T) {
	rec := ledgerProduct(7, 50_000000)
	rec.MaxSupply = 5
	rec.Sold = 5
	f := newFixture(rec)

	res, err := f.engine.Checkout(context.Background(), Request{Buyer: testBuyer, ProductID: 7})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != StateFailed || res.Failure.Kind != FailureProductUnavailable {
		t.Fatalf("failure = %+v, want ProductUnavailable for sold-out supply", res.Failure)
	}
}
