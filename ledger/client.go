package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"storefront/catalog"
)

var (
	// ErrReverted is returned when a mined transaction reported failure.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrConfirmTimeout is returned when a transaction did not reach
	// finality within the confirmation deadline.
	ErrConfirmTimeout = errors.New("ledger: confirmation timed out")

	errNilClient = errors.New("ledger: client not configured")
)

const (
	defaultEventWindow  = 50_000
	defaultPollInterval = 2 * time.Second
)

// Backend is the Ethereum RPC surface the client depends on. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client reads the marketplace registry and drives stable-token movements.
// Transaction signing is the caller's concern: every mutating call takes a
// prepared TransactOpts.
type Client struct {
	backend      Backend
	market       common.Address
	token        common.Address
	marketABI    abi.ABI
	erc20ABI     abi.ABI
	marketBound  *bind.BoundContract
	tokenBound   *bind.BoundContract
	eventWindow  uint64
	pollInterval time.Duration
}

// NewClient constructs a ledger client over the supplied backend and
// contract addresses.
func NewClient(backend Backend, market, token common.Address) (*Client, error) {
	if backend == nil {
		return nil, errNilClient
	}
	marketABI, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse market abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse erc20 abi: %w", err)
	}
	return &Client{
		backend:      backend,
		market:       market,
		token:        token,
		marketABI:    marketABI,
		erc20ABI:     erc20ABI,
		marketBound:  bind.NewBoundContract(market, marketABI, backend, backend, backend),
		tokenBound:   bind.NewBoundContract(token, erc20ABI, backend, backend, backend),
		eventWindow:  defaultEventWindow,
		pollInterval: defaultPollInterval,
	}, nil
}

// SetEventWindow bounds the historical block range scanned for registry
// events.
func (c *Client) SetEventWindow(blocks uint64) {
	if blocks == 0 {
		blocks = defaultEventWindow
	}
	c.eventWindow = blocks
}

// SetPollInterval overrides the receipt polling cadence.
func (c *Client) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	c.pollInterval = interval
}

// SettlementContract returns the address granted spending allowances.
func (c *Client) SettlementContract() common.Address { return c.market }

// GetProduct reads the committed record for an id. A zero record (inactive,
// no price, no supply, empty metadata) is reported as not owned: the registry
// returns zero values rather than reverting for unknown ids.
func (c *Client) GetProduct(ctx context.Context, id uint64) (*catalog.ProductRecord, bool, error) {
	if c == nil {
		return nil, false, errNilClient
	}
	var out []interface{}
	err := c.marketBound.Call(&bind.CallOpts{Context: ctx}, &out, "getProduct", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, false, fmt.Errorf("ledger: getProduct(%d): %w", id, err)
	}
	if len(out) != 5 {
		return nil, false, fmt.Errorf("ledger: getProduct(%d): unexpected output arity %d", id, len(out))
	}
	price, ok := out[0].(*big.Int)
	if !ok {
		return nil, false, fmt.Errorf("ledger: getProduct(%d): bad price type %T", id, out[0])
	}
	metadataRef, ok := out[1].(string)
	if !ok {
		return nil, false, fmt.Errorf("ledger: getProduct(%d): bad metadataRef type %T", id, out[1])
	}
	maxSupply, ok := out[2].(*big.Int)
	if !ok {
		return nil, false, fmt.Errorf("ledger: getProduct(%d): bad maxSupply type %T", id, out[2])
	}
	sold, ok := out[3].(*big.Int)
	if !ok {
		return nil, false, fmt.Errorf("ledger: getProduct(%d): bad sold type %T", id, out[3])
	}
	active, ok := out[4].(bool)
	if !ok {
		return nil, false, fmt.Errorf("ledger: getProduct(%d): bad active type %T", id, out[4])
	}
	if price.Sign() == 0 && metadataRef == "" && maxSupply.Sign() == 0 && sold.Sign() == 0 && !active {
		return nil, false, nil
	}
	return &catalog.ProductRecord{
		ID:          id,
		PriceMinor:  price,
		MetadataRef: metadataRef,
		MaxSupply:   maxSupply.Uint64(),
		Sold:        sold.Uint64(),
		Active:      active,
		Origin:      catalog.OriginLedger,
	}, true, nil
}

// BalanceOf reads the buyer's stable-asset balance.
func (c *Client) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint256(ctx, c.tokenBound, "balanceOf", owner)
}

// Allowance reads the spending allowance granted to the settlement contract.
func (c *Client) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint256(ctx, c.tokenBound, "allowance", owner, c.market)
}

func (c *Client) callUint256(ctx context.Context, bound *bind.BoundContract, method string, params ...interface{}) (*big.Int, error) {
	if c == nil {
		return nil, errNilClient
	}
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("ledger: %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("ledger: %s: unexpected output arity %d", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: %s: bad output type %T", method, out[0])
	}
	return value, nil
}

// Approve submits an allowance increase for the settlement contract.
func (c *Client) Approve(opts *bind.TransactOpts, amount *big.Int) (*gethtypes.Transaction, error) {
	if c == nil {
		return nil, errNilClient
	}
	return c.tokenBound.Transact(opts, "approve", c.market, amount)
}

// Purchase submits the purchase transaction for a product id. Settlement
// pulls the ledger's stored price, not any client-side computed amount.
func (c *Client) Purchase(opts *bind.TransactOpts, id uint64) (*gethtypes.Transaction, error) {
	if c == nil {
		return nil, errNilClient
	}
	return c.marketBound.Transact(opts, "purchaseProduct", new(big.Int).SetUint64(id))
}

// ProductAddedIDs scans the bounded historical window for registry additions,
// newest first. Duplicate ids are preserved; callers dedupe.
func (c *Client) ProductAddedIDs(ctx context.Context) ([]uint64, error) {
	if c == nil {
		return nil, errNilClient
	}
	logs, err := c.filterWindow(ctx, c.marketABI.Events["ProductAdded"].ID, nil)
	if err != nil {
		return nil, err
	}
	return idsFromLogs(logs), nil
}

// PurchasedProductIDs scans the window for purchases by a specific buyer, for
// receipt backfill against chain truth.
func (c *Client) PurchasedProductIDs(ctx context.Context, buyer common.Address) ([]uint64, error) {
	if c == nil {
		return nil, errNilClient
	}
	buyerTopic := common.BytesToHash(buyer.Bytes())
	logs, err := c.filterWindow(ctx, c.marketABI.Events["ProductPurchased"].ID, []common.Hash{buyerTopic})
	if err != nil {
		return nil, err
	}
	return idsFromLogs(logs), nil
}

func (c *Client) filterWindow(ctx context.Context, eventID common.Hash, thirdTopic []common.Hash) ([]gethtypes.Log, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch head: %w", err)
	}
	if head == nil || head.Number == nil {
		return nil, fmt.Errorf("ledger: head unavailable")
	}
	from := big.NewInt(0)
	if head.Number.Uint64() > c.eventWindow {
		from = new(big.Int).SetUint64(head.Number.Uint64() - c.eventWindow)
	}
	topics := [][]common.Hash{{eventID}}
	if thirdTopic != nil {
		topics = append(topics, nil, thirdTopic)
	}
	query := ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   head.Number,
		Addresses: []common.Address{c.market},
		Topics:    topics,
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: filter logs: %w", err)
	}
	return logs, nil
}

// idsFromLogs extracts indexed product ids, newest log first.
func idsFromLogs(logs []gethtypes.Log) []uint64 {
	ids := make([]uint64, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		entry := logs[i]
		if len(entry.Topics) < 2 {
			continue
		}
		ids = append(ids, new(big.Int).SetBytes(entry.Topics[1].Bytes()).Uint64())
	}
	return ids
}

type receiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// WaitConfirmed polls for the transaction receipt until finality or the
// supplied deadline. A mined-but-failed receipt surfaces ErrReverted; an
// elapsed deadline surfaces ErrConfirmTimeout.
func (c *Client) WaitConfirmed(ctx context.Context, txHash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error) {
	if c == nil {
		return nil, errNilClient
	}
	return waitConfirmed(ctx, c.backend, txHash, timeout, c.pollInterval)
}

func waitConfirmed(ctx context.Context, src receiptSource, txHash common.Hash, timeout, poll time.Duration) (*gethtypes.Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		receipt, err := src.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: tx %s", ErrReverted, txHash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() != nil {
				break
			}
			return nil, fmt.Errorf("ledger: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txHash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
