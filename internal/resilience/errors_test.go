package resilience

import (
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindNotFound, KindOf(NotFound(eris.New("gone"))))
	assert.Equal(t, KindRateLimited, KindOf(RateLimited(eris.New("slow down"))))
	assert.Equal(t, Kind(""), KindOf(eris.New("plain failure")))
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	err := eris.Wrap(Malformed(eris.New("bad payload")), "alphavantage: overview")
	assert.Equal(t, KindMalformed, KindOf(err))
}

func TestKindOf_NetworkErrors(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(syscall.ECONNRESET))
	assert.Equal(t, KindTransient, KindOf(eris.New("dial tcp: i/o timeout")))
	assert.Equal(t, KindTransient, KindOf(eris.New("lookup api.example.com: no such host")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(RateLimited(eris.New("429"))))
	assert.True(t, IsRetryable(Transient(eris.New("503"))))
	assert.False(t, IsRetryable(NotFound(eris.New("404"))))
	assert.False(t, IsRetryable(Malformed(eris.New("bad json"))))
	assert.False(t, IsRetryable(eris.New("plain failure")))
}

func TestWithKind_NilPassthrough(t *testing.T) {
	assert.NoError(t, WithKind(KindTransient, nil))
}

func TestKindForHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{404, KindNotFound},
		{429, KindRateLimited},
		{408, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, ""},
		{200, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForHTTPStatus(tt.status), "status %d", tt.status)
	}
}
