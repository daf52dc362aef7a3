package checkout

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State is a phase of the purchase state machine.
type State string

const (
	StateIdle         State = "idle"
	StatePricing      State = "pricing"
	StateBalanceCheck State = "balance_check"
	StateApproving    State = "approving"
	StateSubmitting   State = "submitting"
	StateConfirming   State = "confirming"
	StateSuccess      State = "success"
	StateFailed       State = "failed"
)

// Terminal reports whether the state ends a checkout.
func (s State) Terminal() bool { return s == StateSuccess || s == StateFailed }

// FailureKind classifies a terminal failure for machine handling.
type FailureKind string

const (
	FailureValidation          FailureKind = "Validation"
	FailureProductUnavailable  FailureKind = "ProductUnavailable"
	FailureCouponInvalid       FailureKind = "CouponInvalid"
	FailureInsufficientFunds   FailureKind = "InsufficientFunds"
	FailureApprovalRejected    FailureKind = "ApprovalRejected"
	FailureApprovalReverted    FailureKind = "ApprovalReverted"
	FailureUserRejected        FailureKind = "UserRejected"
	FailureOnChainRevert       FailureKind = "OnChainRevert"
	FailureConfirmationTimeout FailureKind = "ConfirmationTimeout"
	FailureLedgerUnavailable   FailureKind = "LedgerUnavailable"
)

// Failure pairs a machine kind with a human-readable message.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Request carries everything the caller supplies for one checkout attempt.
type Request struct {
	Buyer          common.Address
	ProductID      uint64
	CouponCode     string
	IncentiveOptIn bool
	SessionID      string

	// Observer, when set, is invoked on every state transition so the
	// caller UI can disable the submit action while a checkout is live.
	Observer func(State)
}

// Result is the terminal, inspectable outcome of a checkout. Failed results
// carry no side effects; the caller may retry from Idle.
type Result struct {
	State            State    `json:"state"`
	Failure          *Failure `json:"failure,omitempty"`
	BasePriceMinor   *big.Int `json:"basePriceMinor,omitempty"`
	FinalPriceMinor  *big.Int `json:"finalPriceMinor,omitempty"`
	BalanceMinor     *big.Int `json:"balanceMinor,omitempty"`
	CouponApplied    bool     `json:"couponApplied,omitempty"`
	CouponPercent    uint32   `json:"couponPercent,omitempty"`
	IncentivePercent uint32   `json:"incentivePercent,omitempty"`
	Simulated        bool     `json:"simulated,omitempty"`
	ApproveTxHash    string   `json:"approveTxHash,omitempty"`
	PurchaseTxHash   string   `json:"purchaseTxHash,omitempty"`
	CompletedAt      int64    `json:"completedAt,omitempty"`
}
