package carrier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipCheck/internal/models"
)

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		code int
		want ErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusGatewayTimeout, KindTransient},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusBadRequest, KindMalformed},
		{http.StatusUnprocessableEntity, KindMalformed},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			err := ClassifyHTTP(models.CarrierUPS, tc.code, "body")
			require.Equal(t, tc.want, err.Kind)
			require.Equal(t, tc.code, err.StatusCode)
			require.Equal(t, models.CarrierUPS, err.Carrier)
		})
	}
}

func TestTrackingError_IsAndAs(t *testing.T) {
	base := NewError(KindAuth, models.CarrierFedEx, "bad key").WithStatusCode(401)
	wrapped := fmt.Errorf("track: %w", base)

	require.ErrorIs(t, wrapped, ErrAuth)
	require.NotErrorIs(t, wrapped, ErrTransient)

	var te *TrackingError
	require.True(t, errors.As(wrapped, &te))
	require.Equal(t, 401, te.StatusCode)
	require.Equal(t, KindAuth, KindOf(wrapped))
	require.Equal(t, KindTransient, KindOf(errors.New("boom")))
}

func TestClassifyTransport_Timeout(t *testing.T) {
	err := ClassifyTransport(models.CarrierDHL, fmt.Errorf("get: %w", context.DeadlineExceeded))
	require.Equal(t, KindTransient, err.Kind)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "timeout")
}

type stubClient struct{ c models.Carrier }

func (s stubClient) Carrier() models.Carrier { return s.c }
func (s stubClient) Track(context.Context, string) (NormalizedStatus, error) {
	return NormalizedStatus{Status: models.ShipmentStatusInTransit}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubClient{models.CarrierUPS}, stubClient{models.CarrierDHL})

	c, err := r.Get(models.CarrierUPS)
	require.NoError(t, err)
	require.Equal(t, models.CarrierUPS, c.Carrier())

	_, err = r.Get(models.CarrierFedEx)
	require.ErrorIs(t, err, ErrCarrierNotRegistered)

	require.Equal(t, []models.Carrier{models.CarrierDHL, models.CarrierUPS}, r.Carriers())
}
