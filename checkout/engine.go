package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"storefront/affiliate"
	"storefront/catalog"
	"storefront/ledger"
	"storefront/metadata"
	"storefront/money"
	"storefront/pricing"
)

var (
	errNotConfigured = errors.New("checkout engine: not configured")

	// ErrValidation marks precondition failures caught before any state
	// transition. Nothing has happened yet; the caller fixes the request.
	ErrValidation = errors.New("checkout: invalid request")
	// ErrInFlight is returned when a checkout for the same buyer and
	// product is already running.
	ErrInFlight = errors.New("checkout: already in flight")
)

const (
	defaultSimulateDelay  = 400 * time.Millisecond
	defaultConfirmTimeout = 2 * time.Minute
)

type productResolver interface {
	ResolveOne(ctx context.Context, id uint64) (*catalog.ProductRecord, error)
}

type ledgerClient interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	Approve(opts *bind.TransactOpts, amount *big.Int) (*gethtypes.Transaction, error)
	Purchase(opts *bind.TransactOpts, id uint64) (*gethtypes.Transaction, error)
	WaitConfirmed(ctx context.Context, txHash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error)
}

type receiptStore interface {
	GrantReceipt(wallet string, productID uint64) error
}

type couponStore interface {
	GetCoupon(code string) (*pricing.Coupon, bool, error)
	IncrementCouponUsage(code string) error
}

type attributionSource interface {
	Referrer(sessionID string, productID uint64) (string, bool)
	Clear(sessionID string, productID uint64)
}

type salesLog interface {
	RecordSale(ctx context.Context, sale affiliate.Sale) error
}

type metadataFetcher interface {
	Fetch(ctx context.Context, ref string) (*metadata.Document, error)
}

// Signer produces transaction options for the buyer's wallet. Key custody is
// an external collaborator; the engine only asks for prepared opts when a
// chain purchase actually needs them.
type Signer interface {
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// Engine drives a checkout from price computation through on-chain
// settlement and local reconciliation. Every failure lands in a terminal,
// inspectable state with no partial side effects; there are no automatic
// retries at any step.
type Engine struct {
	resolver     productResolver
	ledger       ledgerClient
	receipts     receiptStore
	coupons      couponStore
	attributions attributionSource
	sales        salesLog
	metadata     metadataFetcher
	signer       Signer
	emitter      Emitter
	log          *slog.Logger
	nowFn        func() time.Time

	simulateDelay  time.Duration
	confirmTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewEngine constructs an engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter:        NoopEmitter{},
		log:            slog.Default(),
		nowFn:          time.Now,
		simulateDelay:  defaultSimulateDelay,
		confirmTimeout: defaultConfirmTimeout,
		inflight:       make(map[string]struct{}),
	}
}

// SetResolver configures the catalog resolver.
func (e *Engine) SetResolver(resolver productResolver) { e.resolver = resolver }

// SetLedger configures the on-chain client. A nil ledger limits the engine
// to simulated and free acquisitions.
func (e *Engine) SetLedger(client ledgerClient) { e.ledger = client }

// SetReceipts configures the local receipt store written on success.
func (e *Engine) SetReceipts(store receiptStore) { e.receipts = store }

// SetCoupons configures the coupon source and usage counter.
func (e *Engine) SetCoupons(store couponStore) { e.coupons = store }

// SetAffiliates configures referrer attribution and the sales log.
func (e *Engine) SetAffiliates(attributions attributionSource, sales salesLog) {
	e.attributions = attributions
	e.sales = sales
}

// SetMetadataFetcher configures the blob store used to read incentive offers.
func (e *Engine) SetMetadataFetcher(fetcher metadataFetcher) { e.metadata = fetcher }

// SetSigner configures the wallet transaction source.
func (e *Engine) SetSigner(signer Signer) { e.signer = signer }

// SetEmitter configures the event emitter.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.log = logger
}

// SetNowFunc overrides the time source for deterministic testing.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetSimulateDelay overrides the fixed delay applied to simulated purchases.
func (e *Engine) SetSimulateDelay(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	e.simulateDelay = delay
}

// SetConfirmTimeout bounds the wait for transaction finality.
func (e *Engine) SetConfirmTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	e.confirmTimeout = timeout
}

func (e *Engine) emit(evt Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func inflightKey(wallet string, productID uint64) string {
	return wallet + "|" + strconv.FormatUint(productID, 10)
}

func (e *Engine) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

// Checkout runs one purchase attempt to a terminal state. Precondition
// failures (malformed request, duplicate in-flight checkout) return an error
// before any state transition; every other failure is reported on the Result
// so the caller can retry from a clean Idle.
func (e *Engine) Checkout(ctx context.Context, req Request) (*Result, error) {
	if e == nil || e.resolver == nil || e.receipts == nil {
		return nil, errNotConfigured
	}
	if (req.Buyer == common.Address{}) {
		return nil, fmt.Errorf("%w: buyer address required", ErrValidation)
	}
	if req.ProductID == 0 {
		return nil, fmt.Errorf("%w: product id required", ErrValidation)
	}
	wallet := strings.ToLower(req.Buyer.Hex())
	key := inflightKey(wallet, req.ProductID)
	if !e.acquire(key) {
		return nil, fmt.Errorf("%w: buyer %s product %d", ErrInFlight, wallet, req.ProductID)
	}
	defer e.release(key)

	res := &Result{State: StateIdle}
	observe := func(state State) {
		res.State = state
		if req.Observer != nil {
			req.Observer(state)
		}
		e.emit(stateChangedEvent{buyer: wallet, productID: req.ProductID, state: state})
	}
	e.emit(startedEvent{buyer: wallet, productID: req.ProductID, sessionID: req.SessionID})

	record, err := e.resolver.ResolveOne(ctx, req.ProductID)
	if err != nil {
		return e.fail(res, req, wallet, FailureProductUnavailable,
			fmt.Sprintf("product %d is unavailable", req.ProductID)), nil
	}
	if !record.Active || record.SoldOut() {
		return e.fail(res, req, wallet, FailureProductUnavailable,
			fmt.Sprintf("product %d is not for sale", req.ProductID)), nil
	}

	observe(StatePricing)
	base := big.NewInt(0)
	if record.PriceMinor != nil {
		base.Set(record.PriceMinor)
	}
	res.BasePriceMinor = new(big.Int).Set(base)

	var couponPercent uint32
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		validation, failure := e.checkCoupon(code, req.ProductID)
		if failure != nil {
			return e.fail(res, req, wallet, failure.Kind, failure.Message), nil
		}
		couponPercent = validation.DiscountPercent
		res.CouponApplied = true
		res.CouponPercent = couponPercent
	}

	var incentivePercent uint32
	if req.IncentiveOptIn {
		incentivePercent = e.incentivePercent(ctx, record)
		res.IncentivePercent = incentivePercent
	}

	final := pricing.FinalPrice(base, couponPercent, req.IncentiveOptIn, incentivePercent)
	res.FinalPriceMinor = new(big.Int).Set(final)

	simulated := record.Origin != catalog.OriginLedger
	if simulated || pricing.IsFree(final) {
		if simulated && e.simulateDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.simulateDelay):
			}
		}
		res.Simulated = simulated
		return e.succeed(ctx, res, req, record, wallet, final), nil
	}

	if e.ledger == nil {
		return e.fail(res, req, wallet, FailureLedgerUnavailable, "ledger client not configured"), nil
	}

	observe(StateBalanceCheck)
	balance, err := e.ledger.BalanceOf(ctx, req.Buyer)
	if err != nil {
		return e.fail(res, req, wallet, FailureLedgerUnavailable,
			fmt.Sprintf("balance read failed: %v", err)), nil
	}
	res.BalanceMinor = new(big.Int).Set(balance)
	if balance.Cmp(final) < 0 {
		return e.fail(res, req, wallet, FailureInsufficientFunds,
			fmt.Sprintf("balance %s is below the %s price", money.ToDisplay(balance), money.ToDisplay(final))), nil
	}

	if e.signer == nil {
		return e.fail(res, req, wallet, FailureValidation, "transaction signer not configured"), nil
	}
	opts, err := e.signer.TransactOpts(ctx)
	if err != nil {
		return e.fail(res, req, wallet, FailureValidation,
			fmt.Sprintf("wallet unavailable: %v", err)), nil
	}

	observe(StateApproving)
	allowance, err := e.ledger.Allowance(ctx, req.Buyer)
	if err != nil {
		return e.fail(res, req, wallet, FailureLedgerUnavailable,
			fmt.Sprintf("allowance read failed: %v", err)), nil
	}
	if allowance.Cmp(final) < 0 {
		tx, err := e.ledger.Approve(opts, final)
		if err != nil {
			return e.fail(res, req, wallet, FailureApprovalRejected,
				fmt.Sprintf("approval rejected: %v", err)), nil
		}
		res.ApproveTxHash = tx.Hash().Hex()
		if _, err := e.ledger.WaitConfirmed(ctx, tx.Hash(), e.confirmTimeout); err != nil {
			switch {
			case errors.Is(err, ledger.ErrReverted):
				return e.fail(res, req, wallet, FailureApprovalReverted,
					fmt.Sprintf("approval reverted: %v", err)), nil
			case errors.Is(err, ledger.ErrConfirmTimeout):
				return e.fail(res, req, wallet, FailureConfirmationTimeout,
					fmt.Sprintf("approval confirmation timed out: %v", err)), nil
			default:
				return e.fail(res, req, wallet, FailureLedgerUnavailable,
					fmt.Sprintf("approval confirmation failed: %v", err)), nil
			}
		}
	}

	// Settlement pulls the ledger's stored price regardless of the price
	// computed here; the discount stays informational until the contract
	// interface accepts a discount proof.
	if final.Cmp(base) < 0 {
		e.log.Info("discounted price is informational for on-chain settlement",
			"productId", record.ID,
			"storedPrice", base.String(),
			"finalPrice", final.String())
	}

	observe(StateSubmitting)
	tx, err := e.ledger.Purchase(opts, req.ProductID)
	if err != nil {
		return e.fail(res, req, wallet, FailureUserRejected,
			fmt.Sprintf("purchase rejected: %v", err)), nil
	}
	res.PurchaseTxHash = tx.Hash().Hex()

	observe(StateConfirming)
	if _, err := e.ledger.WaitConfirmed(ctx, tx.Hash(), e.confirmTimeout); err != nil {
		switch {
		case errors.Is(err, ledger.ErrReverted):
			return e.fail(res, req, wallet, FailureOnChainRevert,
				fmt.Sprintf("purchase reverted: %v", err)), nil
		case errors.Is(err, ledger.ErrConfirmTimeout):
			return e.fail(res, req, wallet, FailureConfirmationTimeout,
				fmt.Sprintf("purchase confirmation timed out: %v", err)), nil
		default:
			return e.fail(res, req, wallet, FailureLedgerUnavailable,
				fmt.Sprintf("purchase confirmation failed: %v", err)), nil
		}
	}

	return e.succeed(ctx, res, req, record, wallet, final), nil
}

func (e *Engine) checkCoupon(code string, productID uint64) (pricing.Validation, *Failure) {
	if e.coupons == nil {
		return pricing.Validation{}, &Failure{Kind: FailureCouponInvalid,
			Message: fmt.Sprintf("coupon %q: %s", code, pricing.ReasonNotFound)}
	}
	coupon, ok, err := e.coupons.GetCoupon(code)
	if err != nil {
		e.log.Warn("coupon lookup failed", "code", code, "err", err)
		return pricing.Validation{}, &Failure{Kind: FailureCouponInvalid,
			Message: fmt.Sprintf("coupon %q could not be verified", code)}
	}
	if !ok {
		coupon = nil
	}
	validation := pricing.ValidateCoupon(coupon, productID, e.now())
	if !validation.Valid {
		return pricing.Validation{}, &Failure{Kind: FailureCouponInvalid,
			Message: fmt.Sprintf("coupon %q: %s", code, validation.Reason)}
	}
	return validation, nil
}

// incentivePercent reads the testimonial offer from the product's metadata
// document. Metadata failures are display-grade: the purchase proceeds
// without the incentive rather than failing.
func (e *Engine) incentivePercent(ctx context.Context, record *catalog.ProductRecord) uint32 {
	if e.metadata == nil || strings.TrimSpace(record.MetadataRef) == "" {
		return 0
	}
	doc, err := e.metadata.Fetch(ctx, record.MetadataRef)
	if err != nil {
		e.log.Warn("incentive offer unavailable", "productId", record.ID, "err", err)
		return 0
	}
	if doc == nil || doc.Incentive == nil {
		return 0
	}
	return doc.Incentive.DiscountPercent
}

func (e *Engine) fail(res *Result, req Request, wallet string, kind FailureKind, message string) *Result {
	res.State = StateFailed
	res.Failure = &Failure{Kind: kind, Message: message}
	if req.Observer != nil {
		req.Observer(StateFailed)
	}
	e.emit(failedEvent{buyer: wallet, productID: req.ProductID, kind: kind, message: message})
	return res
}

// succeed applies the local reconciliation side effects. The receipt grant is
// the safety net that keeps "what the buyer owns" consistent regardless of
// where the product record lives; its failure is logged, never surfaced as a
// purchase failure once settlement is done.
func (e *Engine) succeed(ctx context.Context, res *Result, req Request, record *catalog.ProductRecord, wallet string, final *big.Int) *Result {
	res.State = StateSuccess
	res.CompletedAt = e.now().Unix()
	if req.Observer != nil {
		req.Observer(StateSuccess)
	}

	if err := e.receipts.GrantReceipt(wallet, record.ID); err != nil {
		e.log.Error("receipt grant failed after successful purchase",
			"wallet", wallet, "productId", record.ID, "err", err)
	}
	if res.CouponApplied && e.coupons != nil {
		if err := e.coupons.IncrementCouponUsage(strings.TrimSpace(req.CouponCode)); err != nil {
			e.log.Warn("coupon usage increment failed", "code", req.CouponCode, "err", err)
		}
	}
	if e.attributions != nil && e.sales != nil {
		if referrer, ok := e.attributions.Referrer(req.SessionID, record.ID); ok {
			sale := affiliate.Sale{
				ProductID:         record.ID,
				Referrer:          referrer,
				Buyer:             wallet,
				GrossAmountMinor:  new(big.Int).Set(final),
				CommissionPercent: record.CommissionPercent,
				CreatedAt:         res.CompletedAt,
			}
			if err := e.sales.RecordSale(ctx, sale); err != nil {
				e.log.Error("affiliate sale record failed",
					"referrer", referrer, "productId", record.ID, "err", err)
			} else {
				e.attributions.Clear(req.SessionID, record.ID)
			}
		}
	}

	e.emit(completedEvent{
		buyer:      wallet,
		productID:  record.ID,
		finalPrice: final.String(),
		txHash:     res.PurchaseTxHash,
		simulated:  res.Simulated,
	})
	return res
}
