package edge

import "errors"

// Sentinel domain errors. The HTTP layer maps these to status codes in one
// place; services wrap them with context via fmt.Errorf("...: %w", err).
var (
	// ErrValidation marks caller input outside the documented ranges.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidToken covers every access-token parse/signature/claim failure.
	ErrInvalidToken = errors.New("invalid access token")

	// ErrRuntimeNotFound is returned for a (tenant, ep_id) pair the registry
	// does not know.
	ErrRuntimeNotFound = errors.New("runtime not found")

	// ErrRegistrationTokenInvalid covers an unknown registration token.
	ErrRegistrationTokenInvalid = errors.New("registration token invalid")

	// ErrRegistrationTokenExpired is returned at or after expires_at.
	ErrRegistrationTokenExpired = errors.New("registration token expired")

	// ErrRegistrationTokenUsed is returned when the one-shot token was
	// already consumed.
	ErrRegistrationTokenUsed = errors.New("registration token already used")

	// ErrNoEligibleRuntime is returned when dispatch finds no active runtime
	// matching the required tags and capabilities.
	ErrNoEligibleRuntime = errors.New("no eligible runtime")

	// ErrTaskLeaseInvalid is returned for an ack/fail referencing a task that
	// is missing, owned by another runtime, or whose lease id does not match
	// the current claim.
	ErrTaskLeaseInvalid = errors.New("task lease invalid")

	// ErrTaskNotFound is returned by task lookups.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskPayloadMissing marks the internal invariant violation of a
	// claimed task without an envelope record.
	ErrTaskPayloadMissing = errors.New("task payload missing")

	// ErrReceiptExists is returned by receipt insertion when the
	// (tenant, runtime, request_id) triple is already recorded.
	ErrReceiptExists = errors.New("result receipt already recorded")

	// ErrSettingNotFound is returned by the tenant-env store for an unset key.
	ErrSettingNotFound = errors.New("tenant setting not found")
)
