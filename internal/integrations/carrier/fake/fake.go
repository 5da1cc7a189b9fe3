package fake

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/BearBump/ShipCheck/internal/integrations/carrier"
	"github.com/BearBump/ShipCheck/internal/models"
)

// FakeClient: офлайн "перевозчик" для локального запуска.
// Статус детерминирован по (carrier, tracking_number): часть отправлений станет DELIVERED.
// Номера с префиксами NOTFOUND / TIMEOUT / AUTH возвращают соответствующие ошибки.
type FakeClient struct {
	carrier models.Carrier
	now     func() time.Time
}

func New(c models.Carrier) *FakeClient { return &FakeClient{carrier: c, now: time.Now} }

func (f *FakeClient) Carrier() models.Carrier { return f.carrier }

func (f *FakeClient) Track(ctx context.Context, trackingNumber string) (carrier.NormalizedStatus, error) {
	if err := ctx.Err(); err != nil {
		return carrier.NormalizedStatus{}, carrier.ClassifyTransport(f.carrier, err)
	}

	upper := strings.ToUpper(trackingNumber)
	switch {
	case strings.HasPrefix(upper, "NOTFOUND"):
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindNotFound, f.carrier, "unknown tracking number")
	case strings.HasPrefix(upper, "TIMEOUT"):
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindTransient, f.carrier, "timeout")
	case strings.HasPrefix(upper, "AUTH"):
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindAuth, f.carrier, "credentials rejected")
	}

	now := f.now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(f.carrier))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	// 20% отправлений считаем доставленными
	status := models.ShipmentStatusInTransit
	note := "fake carrier update"
	if v%5 == 0 {
		status = models.ShipmentStatusDelivered
		note = "fake carrier: delivered"
	}

	return carrier.NormalizedStatus{
		Status:   status,
		Location: ptr("FAKE HUB " + string(f.carrier)),
		StatusAt: &now,
		RawNote:  note,
	}, nil
}

func ptr(s string) *string { return &s }
