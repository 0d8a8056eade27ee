package domain

import (
	"github.com/victornm/prepquiz/internal/errors"
)

var (
	// ErrAlreadyActive is returned when a user requests a question while another one is in flight.
	ErrAlreadyActive = errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("you already have an active question, answer it first"))
	// ErrNoActiveSession is returned for answers that match no live session, including stale buttons.
	ErrNoActiveSession = errors.New(errors.CodeNotFound,
		errors.WithMessagef("no active question"))
	// ErrAlreadyResolved is returned to the loser of the answer/timeout race.
	ErrAlreadyResolved = errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("question already resolved"))
	// ErrInvalidChoice is returned for an option index outside the question's options.
	ErrInvalidChoice = errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("invalid option"))
	// ErrEmptyCatalog is returned when a topic has no questions.
	ErrEmptyCatalog = errors.New(errors.CodeNotFound,
		errors.WithMessagef("no questions found for this topic"))
	// ErrUnknownTopic is returned for a subject or topic that is not configured.
	ErrUnknownTopic = errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("unknown subject or topic"))
	// ErrStoreUnavailable wraps every persistence failure.
	ErrStoreUnavailable = errors.New(errors.CodeUnavailable,
		errors.WithMessagef("user store unavailable"))
	// ErrInvalidPremiumDuration is returned for an unknown premium preset.
	ErrInvalidPremiumDuration = errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("unknown premium duration"))
	// ErrPremiumRequired is the error form of AccessDeniedPremiumRequired.
	ErrPremiumRequired = errors.New(errors.CodePermissionDenied,
		errors.WithMessagef("this context requires premium access"))
	// ErrQuotaExhausted is the error form of AccessDeniedQuotaExhausted.
	ErrQuotaExhausted = errors.New(errors.CodeResourceExhausted,
		errors.WithMessagef("you have used all free questions"))
)
