package coordinator

import "errors"

var (
	ErrNilStore           = errors.New("coordinator: store not configured")
	ErrNotWired           = errors.New("coordinator: tranches or assessor not configured")
	ErrEpochNotClosable   = errors.New("coordinator: minimum epoch time has not elapsed")
	ErrInSubmissionPeriod = errors.New("coordinator: previous epoch not executed yet")
	ErrNoSubmissionPeriod = errors.New("coordinator: no epoch awaiting solutions")
	ErrNoSubmission       = errors.New("coordinator: no solution submitted")
	ErrChallengePeriod    = errors.New("coordinator: challenge period still running")
)

// Result encodes the outcome of submitting a solution. Zero accepts the
// submission as the new best; negative values name the first violated
// constraint or the reason it did not displace the standing best.
type Result int

const (
	ResultSuccess           Result = 0
	ResultCurrencyAvailable Result = -1
	ResultMaxOrder          Result = -2
	ResultMaxReserve        Result = -3
	ResultMinSeniorRatio    Result = -4
	ResultMaxSeniorRatio    Result = -5
	ResultNotNewBest        Result = -6
	ResultPoolClosing       Result = -7
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultCurrencyAvailable:
		return "currency-unavailable"
	case ResultMaxOrder:
		return "max-order-exceeded"
	case ResultMaxReserve:
		return "max-reserve-exceeded"
	case ResultMinSeniorRatio:
		return "below-min-senior-ratio"
	case ResultMaxSeniorRatio:
		return "above-max-senior-ratio"
	case ResultNotNewBest:
		return "not-new-best"
	case ResultPoolClosing:
		return "pool-closing"
	default:
		return "unknown"
	}
}
