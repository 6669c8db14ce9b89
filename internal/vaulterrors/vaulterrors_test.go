package vaulterrors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesErrorsIs(t *testing.T) {
	err := Wrap(ConfigInvalid, "channel %s missing", "abc")
	assert.True(t, errors.Is(err, ConfigInvalid))
	assert.False(t, errors.Is(err, Internal))
	assert.Contains(t, err.Error(), "channel abc missing")
}

func TestRateLimitErrorUnwrapsToSentinel(t *testing.T) {
	inner := errors.New("429 too many requests")
	err := &RateLimitError{RetryAfter: 2 * time.Second, Err: inner}

	assert.True(t, errors.Is(err, RateLimited))
	assert.Contains(t, err.Error(), "2s")
	assert.Contains(t, err.Error(), inner.Error())
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ConfigInvalid, BackendUnavailable, RateLimited, TransferFailed,
		SourceDataMissing, AuthenticationFailure, MissingKey,
		RangeNotSatisfiable, Cancelled, Internal,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "expected %v and %v to be distinct", a, b)
		}
	}
}
