package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWrapsNilErrWithKindOnly(t *testing.T) {
	err := New(TTLExpired, nil)
	require.Equal(t, "ttl_expired", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestNewfFormatsUnderlyingError(t *testing.T) {
	err := Newf(StorageError, "writing checkpoint %s failed", "ckpt-1")
	require.Equal(t, "storage_error: writing checkpoint ckpt-1 failed", err.Error())
}

func TestIsMatchesDirectKind(t *testing.T) {
	err := Newf(WrongEpoch, "epoch mismatch")
	require.True(t, Is(err, WrongEpoch))
	require.False(t, Is(err, Transport))
}

func TestIsChasesWrappedError(t *testing.T) {
	inner := Newf(UnknownEntity, "no such worker")
	outer := fmt.Errorf("handling message: %w", inner)
	require.True(t, Is(outer, UnknownEntity))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(fmt.Errorf("plain"), Transport))
}

func TestIsFalseForNilError(t *testing.T) {
	require.False(t, Is(nil, Transport))
}

func TestRetryableOnlyTransportAndStorage(t *testing.T) {
	require.True(t, Retryable(Transport))
	require.True(t, Retryable(StorageError))
	require.False(t, Retryable(WrongEpoch))
	require.False(t, Retryable(UnknownEntity))
	require.False(t, Retryable(InvariantViolation))
	require.False(t, Retryable(WorkerTimeout))
	require.False(t, Retryable(TTLExpired))
	require.False(t, Retryable(ChannelClosed))
}

func TestKindStringUnknownValue(t *testing.T) {
	require.Equal(t, "kind(99)", Kind(99).String())
}
