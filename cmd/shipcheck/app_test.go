package main

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipCheck/config"
	"github.com/BearBump/ShipCheck/internal/broker/messages"
	"github.com/BearBump/ShipCheck/internal/cache/rediscache"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/emulatorv1"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/fake"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/fedexhttp"
	"github.com/BearBump/ShipCheck/internal/integrations/carrier/upshttp"
	"github.com/BearBump/ShipCheck/internal/models"
	"github.com/BearBump/ShipCheck/internal/telemetry"
)

func TestNewCarrierClient_SelectsAdapterByKind(t *testing.T) {
	cl, err := newCarrierClient(config.CarrierConfig{Code: "UPS", Kind: config.CarrierKindUPS, BaseURL: "http://ups"})
	require.NoError(t, err)
	require.IsType(t, &upshttp.Client{}, cl)

	cl, err = newCarrierClient(config.CarrierConfig{Code: "fedex", Kind: config.CarrierKindFedEx, BaseURL: "http://fedex"})
	require.NoError(t, err)
	require.IsType(t, &fedexhttp.Client{}, cl)
	require.Equal(t, models.CarrierFedEx, cl.Carrier())

	cl, err = newCarrierClient(config.CarrierConfig{Code: "USPS", Kind: config.CarrierKindEmulator, BaseURL: "http://emu"})
	require.NoError(t, err)
	require.IsType(t, &emulatorv1.Client{}, cl)
	require.Equal(t, models.CarrierUSPS, cl.Carrier())

	cl, err = newCarrierClient(config.CarrierConfig{Code: "DHL", Kind: config.CarrierKindFake})
	require.NoError(t, err)
	require.IsType(t, &fake.FakeClient{}, cl)
	require.Equal(t, models.CarrierDHL, cl.Carrier())
}

func TestNewCarrierClient_Rejects(t *testing.T) {
	cases := map[string]config.CarrierConfig{
		"unknown code":        {Code: "ACME", Kind: config.CarrierKindFake},
		"ups adapter for dhl": {Code: "DHL", Kind: config.CarrierKindUPS, BaseURL: "http://ups"},
		"fedex adapter ups":   {Code: "UPS", Kind: config.CarrierKindFedEx, BaseURL: "http://fedex"},
		"unknown kind":        {Code: "UPS", Kind: "soap"},
	}
	for name, cc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newCarrierClient(cc)
			require.Error(t, err)
		})
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := &config.Config{Carriers: []config.CarrierConfig{
		{Code: "UPS", Kind: config.CarrierKindFake},
		{Code: "FEDEX", Kind: config.CarrierKindFake},
	}}
	reg, err := buildRegistry(cfg)
	require.NoError(t, err)
	require.Equal(t, []models.Carrier{models.CarrierFedEx, models.CarrierUPS}, reg.Carriers())

	_, err = reg.Get(models.CarrierUSPS)
	require.Error(t, err)
}

func TestNewCircuitStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{ShipCheck: config.ShipCheckConfig{QueuePrefix: "sc", BreakerStore: config.BreakerStoreRedis}}
	st, err := newCircuitStore(cfg, rdb, nil)
	require.NoError(t, err)
	require.IsType(t, &rediscache.CircuitStore{}, st)

	cfg.ShipCheck.BreakerStore = config.BreakerStorePostgres
	_, err = newCircuitStore(cfg, rdb, nil)
	require.Error(t, err)

	cfg.ShipCheck.BreakerStore = "etcd"
	_, err = newCircuitStore(cfg, rdb, nil)
	require.Error(t, err)
}

type alertSink struct {
	got []messages.OperatorAlert
}

func (s *alertSink) Alert(_ context.Context, a messages.OperatorAlert) {
	s.got = append(s.got, a)
}

func TestCircuitHook(t *testing.T) {
	m := telemetry.NewMetrics()
	sink := &alertSink{}
	hook := circuitHook(m, sink)

	closed := models.CircuitState{Carrier: models.CarrierUPS, State: models.CircuitClosed}
	open := models.CircuitState{Carrier: models.CarrierUPS, State: models.CircuitOpen, ConsecutiveFailures: 3}
	half := models.CircuitState{Carrier: models.CarrierUPS, State: models.CircuitHalfOpen}

	hook(context.Background(), closed, open)
	require.Equal(t, float64(2), testutil.ToFloat64(m.CircuitState.WithLabelValues("UPS")))
	require.Len(t, sink.got, 1)
	require.Equal(t, messages.AlertCircuitOpened, sink.got[0].Kind)
	require.Equal(t, models.CarrierUPS, sink.got[0].Carrier)

	hook(context.Background(), open, half)
	require.Equal(t, float64(1), testutil.ToFloat64(m.CircuitState.WithLabelValues("UPS")))
	hook(context.Background(), half, closed)
	require.Equal(t, float64(0), testutil.ToFloat64(m.CircuitState.WithLabelValues("UPS")))
	require.Len(t, sink.got, 1)
}

func TestLogAlert_SkipsUndecodable(t *testing.T) {
	require.NoError(t, logAlert([]byte("k"), []byte("{broken")))
	require.NoError(t, logAlert([]byte("k"), []byte(`{"kind":"CARRIER_AUTH","carrier":"UPS","detail":"401"}`)))
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["dispatch"])
	require.True(t, names["worker"])
	require.True(t, names["alerts"])

	dispatch, _, err := root.Find([]string{"dispatch"})
	require.NoError(t, err)
	require.NotNil(t, dispatch.Flags().Lookup("loop"))
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}
