package observability_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/openclaw/vcevidence/internal/observability"
	"github.com/stretchr/testify/assert"
)

func TestTrackOperation_SuccessAndFailureRecorded(t *testing.T) {
	p := observability.New(observability.DefaultConfig())

	_, done := p.TrackOperation(context.Background(), "collect_cycle")
	done(nil)

	_, done2 := p.TrackOperation(context.Background(), "collect_cycle")
	done2(errors.New("boom"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "vcevidence_requests_total")
	assert.Contains(t, rec.Body.String(), "vcevidence_errors_total")
}
