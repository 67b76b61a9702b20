package migerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableKinds(t *testing.T) {
	require.True(t, KindNetworkTransient.Retryable())
	require.True(t, KindAuthExpired.Retryable())
	require.False(t, KindProtocol.Retryable())
	require.False(t, KindIntegrity.Retryable())
	require.False(t, KindQuotaExceeded.Retryable())
}

func TestKindOfExtractsWrappedKind(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(KindNetworkTransient, "request failed", base)
	require.Equal(t, KindNetworkTransient, KindOf(wrapped))
}

func TestKindOfDefaultsToProtocolForPlainErrors(t *testing.T) {
	require.Equal(t, KindProtocol, KindOf(errors.New("plain error")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	base := errors.New("connection reset")
	err := Wrap(KindNetworkTransient, "fetch blob", base)
	require.Contains(t, err.Error(), "connection reset")
	require.Contains(t, err.Error(), "fetch blob")
}

func TestUnwrapExposesCause(t *testing.T) {
	base := errors.New("underlying")
	err := Wrap(KindProtocol, "wrapped", base)
	require.ErrorIs(t, err, base)
}

func TestNewErrorHasNilCause(t *testing.T) {
	err := New(KindCancelled, "operation cancelled")
	require.Nil(t, err.Unwrap())
}
