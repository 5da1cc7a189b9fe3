// Package fedexhttp talks to the FedEx Track API (POST /track/v1/trackingnumbers).
package fedexhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/ShipCheck/internal/integrations/carrier"
	"github.com/BearBump/ShipCheck/internal/models"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) Carrier() models.Carrier { return models.CarrierFedEx }

type trackingNumberInfo struct {
	TrackingNumber string `json:"trackingNumber"`
}

type trackingInfo struct {
	TrackingNumberInfo trackingNumberInfo `json:"trackingNumberInfo"`
}

type reqBody struct {
	IncludeDetailedScans bool           `json:"includeDetailedScans"`
	TrackingInfo         []trackingInfo `json:"trackingInfo"`
}

type trackResult struct {
	LatestStatusDetail struct {
		Code         string `json:"code"`
		DerivedCode  string `json:"derivedCode"`
		Description  string `json:"description"`
		ScanLocation struct {
			City                string `json:"city"`
			StateOrProvinceCode string `json:"stateOrProvinceCode"`
			CountryCode         string `json:"countryCode"`
		} `json:"scanLocation"`
	} `json:"latestStatusDetail"`
	DateAndTimes []struct {
		Type     string `json:"type"`
		DateTime string `json:"dateTime"`
	} `json:"dateAndTimes"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type respBody struct {
	Output struct {
		CompleteTrackResults []struct {
			TrackingNumber string        `json:"trackingNumber"`
			TrackResults   []trackResult `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func normalize(code string) models.ShipmentStatus {
	switch strings.ToUpper(code) {
	case "DL":
		return models.ShipmentStatusDelivered
	case "OD":
		return models.ShipmentStatusOutForDelivery
	case "IT", "PU", "AR", "DP", "AF", "IX", "FD":
		return models.ShipmentStatusInTransit
	case "DE", "SE", "CA", "RS":
		return models.ShipmentStatusException
	default:
		return models.ShipmentStatusUnknown
	}
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.NormalizedStatus, error) {
	body := reqBody{TrackingInfo: []trackingInfo{{TrackingNumberInfo: trackingNumberInfo{TrackingNumber: trackingNumber}}}}

	b, err := json.Marshal(body)
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierFedEx, "encode").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(b))
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierFedEx, "new request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-locale", "en_US")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.ClassifyTransport(models.CarrierFedEx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return carrier.NormalizedStatus{}, carrier.ClassifyHTTP(models.CarrierFedEx, resp.StatusCode, string(raw))
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierFedEx, "decode").WithCause(err)
	}
	if len(rb.Output.CompleteTrackResults) == 0 || len(rb.Output.CompleteTrackResults[0].TrackResults) == 0 {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, models.CarrierFedEx, "no track results")
	}

	tr := rb.Output.CompleteTrackResults[0].TrackResults[0]
	if tr.Error != nil && tr.Error.Code != "" {
		kind := carrier.KindMalformed
		if strings.Contains(tr.Error.Code, "NOTFOUND") {
			kind = carrier.KindNotFound
		}
		return carrier.NormalizedStatus{}, carrier.NewError(kind, models.CarrierFedEx, tr.Error.Code+": "+tr.Error.Message)
	}

	d := tr.LatestStatusDetail
	code := d.DerivedCode
	if code == "" {
		code = d.Code
	}
	out := carrier.NormalizedStatus{
		Status:   normalize(code),
		RawNote:  strings.TrimSpace(code + " " + d.Description),
		Location: carrier.JoinLocation(d.ScanLocation.City, d.ScanLocation.StateOrProvinceCode, d.ScanLocation.CountryCode),
	}
	for _, dt := range tr.DateAndTimes {
		if ts, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			ts = ts.UTC()
			out.StatusAt = &ts
			break
		}
	}
	return out, nil
}
