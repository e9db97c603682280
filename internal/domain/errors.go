package domain

import "errors"

// Validation errors. Rejected before any state mutation; the caller may retry
// with corrected input.
var (
	ErrInvalidExtension         = errors.New("invalid extension")
	ErrMissingOrderExtension    = errors.New("missing order extension")
	ErrUnexpectedOrderExtension = errors.New("unexpected order extension")
	ErrInvalidExtensionHash     = errors.New("extension hash does not match order commitment")
	ErrInvalidSignature         = errors.New("invalid order signature")
	ErrSwapWithZeroAmount       = errors.New("swap with zero amount")
	ErrInvalidAmounts           = errors.New("invalid order amounts")
	ErrMismatchArraysLengths    = errors.New("mismatched array lengths")
	ErrInvalidProof             = errors.New("invalid merkle proof")
	ErrInvalidIndex             = errors.New("merkle index out of range")
)

// State errors. Recoverable only by waiting for or using the correct
// window or mechanism.
var (
	// ErrInvalidatedOrder reports a bit-invalidator hit (the order's nonce
	// bit is set).
	ErrInvalidatedOrder = errors.New("order invalidated by bit invalidator")
	// ErrOrderInvalidated reports an exhausted remaining-amount invalidator.
	ErrOrderInvalidated = errors.New("order fully filled or cancelled")

	ErrPartialFillNotAllowed = errors.New("partial fill not allowed")
	ErrTakingAmountExceeded  = errors.New("taking amount exceeded")
	ErrMakingAmountTooLow    = errors.New("making amount too low")
	ErrOrderExpired          = errors.New("order expired")
	ErrPrivateOrder          = errors.New("order is private")
	ErrPredicateIsNotTrue    = errors.New("order predicate is not true")
	ErrWrongSeriesNonce      = errors.New("wrong series nonce")

	ErrEpochManagerAndBitInvalidatorsIncompatible = errors.New("epoch manager and bit invalidator are incompatible")

	ErrEscrowTerminal     = errors.New("escrow already withdrawn or cancelled")
	ErrInvalidImmutables  = errors.New("invalid escrow immutables")
	ErrInvalidSecret      = errors.New("secret does not match hashlock")
	ErrContractPaused     = errors.New("contract paused")
	ErrReentrancyDetected = errors.New("reentrancy detected")
)

// Authorization errors. Never retryable without a different caller.
var (
	ErrInvalidCaller      = errors.New("invalid caller")
	ErrUnauthorizedCaller = errors.New("caller not authorized")
	ErrNoAccessToken      = errors.New("caller does not hold access token")
)

// Temporal errors. Too early is recoverable by waiting; too late is not.
var (
	ErrTimelockNotReached = errors.New("timelock stage not reached")
	ErrTimelockExpired    = errors.New("timelock stage expired")
)

// Transfer and infrastructure errors.
var (
	ErrTransferFailed = errors.New("asset transfer failed")
	ErrNotFound       = errors.New("not found")
	ErrLockHeld       = errors.New("lock already held")
)
