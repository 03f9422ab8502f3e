package chainerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ErrorString_WithAndWithoutCause(t *testing.T) {
	withCause := New(KindNonce, CodeNonceExpired, "nonce expired", errors.New("rpc said so"))
	assert.Contains(t, withCause.Error(), "nonce")
	assert.Contains(t, withCause.Error(), CodeNonceExpired)
	assert.Contains(t, withCause.Error(), "rpc said so")

	withoutCause := New(KindDecoding, "bad-event", "could not decode", nil)
	assert.Contains(t, withoutCause.Error(), "decoding")
	assert.NotContains(t, withoutCause.Error(), "%!")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	e := New(KindTransientRPC, CodeRPCTimeout, "timed out", cause)
	assert.ErrorIs(t, e, cause)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransientRPC, CodeRPCUnavailable, "x", nil)))
	assert.True(t, Retryable(New(KindNonce, CodeNonceExpired, "x", nil)))
	assert.False(t, Retryable(New(KindConfiguration, CodeBadConfig, "x", nil)))
	assert.False(t, Retryable(errors.New("plain error")))
}

func TestIs(t *testing.T) {
	e := New(KindWorkerCrash, CodeWalletCrashed, "crashed", nil)
	assert.True(t, Is(e, KindWorkerCrash))
	assert.False(t, Is(e, KindNonce))
	assert.False(t, Is(errors.New("plain"), KindWorkerCrash))
}

func TestIsNonceClass(t *testing.T) {
	assert.True(t, IsNonceClass(New(KindNonce, CodeNonceExpired, "x", nil)))
	assert.True(t, IsNonceClass(errors.New("rpc returned NONCE_EXPIRED")))
	assert.True(t, IsNonceClass(errors.New("execution reverted: invalid sequence")))
	assert.False(t, IsNonceClass(errors.New("connection refused")))
	assert.False(t, IsNonceClass(nil))
}

func TestKind_String(t *testing.T) {
	tests := map[Kind]string{
		KindConfiguration:       "configuration",
		KindTransientRPC:        "transient-rpc",
		KindNonce:               "nonce",
		KindConfirmationTimeout: "confirmation-timeout",
		KindDeadlineExceeded:    "deadline-exceeded",
		KindWorkerCrash:         "worker-crash",
		KindDecoding:            "decoding",
		Kind(999):               "unknown",
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.String())
	}
}
