package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
		target error
	}{
		{http.StatusUnauthorized, KindFatal, ErrAuthFailed},
		{http.StatusForbidden, KindFatal, ErrAuthFailed},
		{http.StatusTooManyRequests, KindTransient, ErrRateLimited},
		{http.StatusBadGateway, KindTransient, ErrUpstreamFailure},
		{http.StatusGatewayTimeout, KindTransient, ErrUpstreamTimeout},
	}
	for _, c := range cases {
		err := FromHTTPStatus(c.status, "http://example")
		assert.Equal(t, c.kind, KindOf(err), "status %d", c.status)
		assert.ErrorIs(t, err, c.target, "status %d", c.status)
	}

	assert.NoError(t, FromHTTPStatus(http.StatusOK, "http://example"))
	assert.True(t, IsFatal(FromHTTPStatus(http.StatusNotFound, "http://example")))
}

func TestFromTransport(t *testing.T) {
	assert.True(t, IsTransient(FromTransport(context.DeadlineExceeded)))
	assert.True(t, IsTransient(FromTransport(fmt.Errorf("dial: %w", syscall.ECONNREFUSED))))
	assert.True(t, IsFatal(FromTransport(context.Canceled)))
	assert.True(t, IsFatal(FromTransport(errors.New("x509: certificate signed by unknown authority"))))
	assert.NoError(t, FromTransport(nil))
}

func TestKindOfWrapped(t *testing.T) {
	base := Wrap(errors.New("bad base64"), KindMalformed, ErrMalformedPayload.Code, "decode")
	wrapped := fmt.Errorf("window 2024-01-01: %w", base)

	assert.True(t, IsMalformed(wrapped))
	assert.ErrorIs(t, wrapped, ErrMalformedPayload)
	assert.False(t, IsFatal(wrapped))
	assert.True(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(nil))
}

func TestDatabaseNotFound(t *testing.T) {
	err := fmt.Errorf("open: %w", &DatabaseNotFoundError{Path: "data/tandem.db"})
	assert.ErrorIs(t, err, ErrDatabaseNotFound)
	assert.Contains(t, err.Error(), "tandemsync run")
	assert.False(t, errors.Is(ErrRunInProgress, ErrDatabaseNotFound))
}
