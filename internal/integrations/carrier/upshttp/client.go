// Package upshttp talks to the UPS Track API (GET /api/track/v1/details/{inquiryNumber}).
package upshttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BearBump/ShipCheck/internal/integrations/carrier"
	"github.com/BearBump/ShipCheck/internal/models"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) Carrier() models.Carrier { return models.CarrierUPS }

type address struct {
	City          string `json:"city"`
	StateProvince string `json:"stateProvince"`
	CountryCode   string `json:"countryCode"`
}

type activity struct {
	Location struct {
		Address address `json:"address"`
	} `json:"location"`
	Status struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Code        string `json:"code"`
	} `json:"status"`
	Date string `json:"date"` // YYYYMMDD
	Time string `json:"time"` // HHMMSS
}

type warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type respBody struct {
	TrackResponse struct {
		Shipment []struct {
			Package []struct {
				TrackingNumber string     `json:"trackingNumber"`
				Activity       []activity `json:"activity"`
			} `json:"package"`
			Warnings []warning `json:"warnings"`
		} `json:"shipment"`
	} `json:"trackResponse"`
}

// UPS status type: D delivered, I in transit, P pickup, O out for delivery, X exception, M manifest only.
func normalize(statusType string) models.ShipmentStatus {
	switch strings.ToUpper(statusType) {
	case "D":
		return models.ShipmentStatusDelivered
	case "I", "P":
		return models.ShipmentStatusInTransit
	case "O":
		return models.ShipmentStatusOutForDelivery
	case "X", "RS":
		return models.ShipmentStatusException
	default:
		return models.ShipmentStatusUnknown
	}
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.NormalizedStatus, error) {
	u := c.baseURL + "/api/track/v1/details/" + url.PathEscape(trackingNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierUPS, "new request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("transId", uuid.NewString())
	req.Header.Set("transactionSrc", "shipcheck")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.ClassifyTransport(models.CarrierUPS, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return carrier.NormalizedStatus{}, carrier.ClassifyHTTP(models.CarrierUPS, resp.StatusCode, string(b))
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierUPS, "decode").WithCause(err)
	}

	if len(rb.TrackResponse.Shipment) == 0 {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierUPS, "no shipment in response")
	}
	sh := rb.TrackResponse.Shipment[0]
	for _, w := range sh.Warnings {
		if strings.Contains(strings.ToLower(w.Message), "not found") {
			return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindNotFound, models.CarrierUPS, w.Code+": "+w.Message)
		}
	}
	if len(sh.Package) == 0 || len(sh.Package[0].Activity) == 0 {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierUPS, "no activity in response")
	}

	// activity отсортированы от новых к старым
	last := sh.Package[0].Activity[0]
	out := carrier.NormalizedStatus{
		Status:  normalize(last.Status.Type),
		RawNote: strings.TrimSpace(last.Status.Code + " " + last.Status.Description),
		Location: carrier.JoinLocation(
			last.Location.Address.City,
			last.Location.Address.StateProvince,
			last.Location.Address.CountryCode,
		),
	}
	if ts, err := time.Parse("20060102150405", last.Date+last.Time); err == nil {
		out.StatusAt = &ts
	}
	return out, nil
}
