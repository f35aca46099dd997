package pool

import "errors"

// Error is an operation error with a stable machine-readable code. Callers
// distinguish failures by code (or errors.Is against the sentinels below),
// never by message text.
type Error struct {
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrCreatePoolUnauthorized   = &Error{Code: "create_pool_unauthorized", msg: "only the designated admin can create pools"}
	ErrUnauthorizedOrganization = &Error{Code: "unauthorized_organization", msg: "caller is not the pool organization"}
	ErrUnauthorized             = &Error{Code: "unauthorized", msg: "caller is not authorized for this operation"}

	ErrInvalidAmount     = &Error{Code: "invalid_amount", msg: "invalid amount"}
	ErrStringTooLong     = &Error{Code: "string_too_long", msg: "string exceeds maximum length"}
	ErrInvalidYieldBps   = &Error{Code: "invalid_yield_bps", msg: "yield basis points out of range"}
	ErrIntervalTooShort  = &Error{Code: "interval_too_short", msg: "execution interval too short (minimum 1 day)"}
	ErrInvalidIterations = &Error{Code: "invalid_iterations", msg: "invalid iterations count"}

	ErrPoolExists    = &Error{Code: "pool_exists", msg: "pool already exists for organization and species"}
	ErrPoolNotFound  = &Error{Code: "pool_not_found", msg: "pool not found"}
	ErrPoolNotActive = &Error{Code: "pool_not_active", msg: "pool is currently not active"}
	ErrPoolEmpty     = &Error{Code: "pool_empty", msg: "pool has no outstanding shares"}

	ErrInsufficientFunds         = &Error{Code: "insufficient_funds", msg: "insufficient liquid balance"}
	ErrInsufficientWithdrawFunds = &Error{Code: "insufficient_withdraw_funds", msg: "withdrawal exceeds available balance"}
	ErrInsufficientShares        = &Error{Code: "insufficient_shares", msg: "insufficient shares to withdraw"}

	ErrArithmetic      = &Error{Code: "arithmetic_overflow", msg: "arithmetic overflow"}
	ErrExternalService = &Error{Code: "external_service", msg: "external staking service call failed"}

	ErrAlreadyDelegated      = &Error{Code: "already_delegated", msg: "pool is already delegated"}
	ErrNotDelegated          = &Error{Code: "not_delegated", msg: "pool is not delegated"}
	ErrCrankAlreadyScheduled = &Error{Code: "crank_already_scheduled", msg: "a streaming crank is already scheduled"}
)

// CodeOf returns the stable code carried by err, or "internal" when err is
// not an operation error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
