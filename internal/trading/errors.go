package trading

import "errors"

var (
	ErrInvalidConfiguration     = errors.New("invalid configuration")
	ErrNegativeAsset            = errors.New("negative total asset value")
	ErrAdvisorUnavailable       = errors.New("advisor unavailable")
	ErrAdvisorMalformedResponse = errors.New("advisor malformed response")
	ErrExecutionFailed          = errors.New("execution failed")
	ErrModeSwitchBlocked        = errors.New("mode switch blocked")
	ErrSnapshotStale            = errors.New("snapshot stale")
	ErrInsufficientHistory      = errors.New("insufficient price history")
	ErrObservationOutdated      = errors.New("observation predates last execution")

	ErrEmergencyPending   = errors.New("emergency request already pending")
	ErrNoEmergencyRequest = errors.New("no emergency request")
	ErrEmergencyExpired   = errors.New("emergency request expired")
	ErrEmergencyConfirmed = errors.New("emergency request already confirmed")
)
