package tranche

import "errors"

var (
	ErrNilState            = errors.New("tranche: state not configured")
	ErrNoEpochSource       = errors.New("tranche: epoch source not configured")
	ErrEpochClosed         = errors.New("tranche: orders closed until the epoch update")
	ErrPendingDisbursement = errors.New("tranche: disburse required before changing the order")
	ErrInsufficientBalance = errors.New("tranche: insufficient balance")
	ErrNotClosed           = errors.New("tranche: epoch update requires a closed epoch")
	ErrEpochFinalized      = errors.New("tranche: epoch already finalized")
	ErrEpochSequence       = errors.New("tranche: epoch update out of sequence")
)
