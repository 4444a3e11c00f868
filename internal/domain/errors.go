package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")

	// Validation.
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrPeriodTooShort = errors.New("period below minimum")
	ErrPeriodTooLong  = errors.New("period above maximum")
	ErrInvalidFeeRate = errors.New("fee rate must be below 1.0")

	// State guards.
	ErrInvalidState      = errors.New("invalid state for operation")
	ErrWrongOrderType    = errors.New("wrong order type")
	ErrOperationInFlight = errors.New("operation already in flight for record")

	// Authorization.
	ErrUnauthorized = errors.New("unauthorized")
	ErrSelfFill     = errors.New("cannot fill own order")

	// Temporal.
	ErrOptionExpired    = errors.New("option expired")
	ErrOptionNotExpired = errors.New("option not expired")

	// Economic.
	ErrPremiumNotAboveFee = errors.New("premium does not exceed fee")
	ErrZeroClosingFee     = errors.New("closing fee is zero")

	// Custody.
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrCustodyMismatch       = errors.New("custody balance does not match registry")
	ErrCustodyBusy           = errors.New("operations in flight, custody not comparable")

	// Configuration.
	ErrInvalidPair = errors.New("underlying and strike must be distinct non-zero assets")

	// Fee policy.
	ErrUnsupportedAsset    = errors.New("asset not supported by fee policy")
	ErrInvalidFeeRecipient = errors.New("fee recipient must be a non-zero address other than custody")
)

// ErrorKind groups rejections so transports can map them without knowing
// every sentinel.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindState         ErrorKind = "state"
	KindNotFound      ErrorKind = "not_found"
	KindAuthorization ErrorKind = "authorization"
	KindTemporal      ErrorKind = "temporal"
	KindEconomic      ErrorKind = "economic"
	KindCustody       ErrorKind = "custody"
	KindInternal      ErrorKind = "internal"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidAmount, KindValidation},
	{ErrPeriodTooShort, KindValidation},
	{ErrPeriodTooLong, KindValidation},
	{ErrInvalidFeeRate, KindValidation},
	{ErrUnsupportedAsset, KindValidation},
	{ErrInvalidPair, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrInvalidState, KindState},
	{ErrWrongOrderType, KindState},
	{ErrOperationInFlight, KindState},
	{ErrUnauthorized, KindAuthorization},
	{ErrSelfFill, KindAuthorization},
	{ErrOptionExpired, KindTemporal},
	{ErrOptionNotExpired, KindTemporal},
	{ErrPremiumNotAboveFee, KindEconomic},
	{ErrZeroClosingFee, KindEconomic},
	{ErrInsufficientBalance, KindCustody},
	{ErrInsufficientAllowance, KindCustody},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
