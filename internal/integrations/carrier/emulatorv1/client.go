package emulatorv1

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/ShipCheck/internal/integrations/carrier"
	"github.com/BearBump/ShipCheck/internal/models"
)

// Client ходит в эмулятор перевозчиков: GET /v1/tracking/{carrier}/{track_number}.
// Один клиент обслуживает ровно одного перевозчика, код берётся из конфига.
type Client struct {
	carrier models.Carrier
	baseURL string
	apiKey  string
	httpc   *http.Client
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func New(c models.Carrier, cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		carrier: c,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Carrier() models.Carrier { return c.carrier }

type respEvent struct {
	Status    string    `json:"status"`
	StatusRaw string    `json:"status_raw"`
	EventTime time.Time `json:"event_time"`
	Location  *string   `json:"location,omitempty"`
	Message   *string   `json:"message,omitempty"`
}

type respBody struct {
	Carrier     string      `json:"carrier"`
	TrackNumber string      `json:"track_number"`
	Status      string      `json:"status"`
	StatusRaw   string      `json:"status_raw"`
	StatusAt    *time.Time  `json:"status_at"`
	Events      []respEvent `json:"events"`
}

func (c *Client) Track(ctx context.Context, trackingNumber string) (carrier.NormalizedStatus, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, c.carrier, "parse base url").WithCause(err)
	}
	u.Path = fmt.Sprintf("/v1/tracking/%s/%s", url.PathEscape(string(c.carrier)), url.PathEscape(trackingNumber))
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, c.carrier, "new request").WithCause(err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.NormalizedStatus{}, carrier.ClassifyTransport(c.carrier, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return carrier.NormalizedStatus{}, carrier.ClassifyHTTP(c.carrier, resp.StatusCode, string(b))
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, c.carrier, "decode").WithCause(err)
	}
	if rb.Carrier != "" && !strings.EqualFold(rb.Carrier, string(c.carrier)) {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, c.carrier,
			fmt.Sprintf("response is for carrier %q", rb.Carrier))
	}

	status := models.ShipmentStatus(strings.ToUpper(rb.Status))
	if status == "" {
		status = models.ShipmentStatusUnknown
	}
	if !status.Valid() {
		return carrier.NormalizedStatus{}, carrier.NewError(carrier.KindMalformed, c.carrier,
			fmt.Sprintf("unknown status %q", rb.Status))
	}

	out := carrier.NormalizedStatus{
		Status:   status,
		StatusAt: rb.StatusAt,
		RawNote:  rb.StatusRaw,
	}
	// события идут от старых к новым, берём последнее
	if n := len(rb.Events); n > 0 {
		last := rb.Events[n-1]
		out.Location = last.Location
		if last.Message != nil && *last.Message != "" {
			out.RawNote = strings.TrimSpace(out.RawNote + " " + *last.Message)
		}
		if out.StatusAt == nil && !last.EventTime.IsZero() {
			t := last.EventTime
			out.StatusAt = &t
		}
	}
	return out, nil
}
