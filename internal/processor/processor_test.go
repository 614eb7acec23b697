package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-forecast-api/internal/cache"
	"github.com/kjstillabower/weather-forecast-api/internal/client"
	"github.com/kjstillabower/weather-forecast-api/internal/forecast"
	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

var baseNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return baseNow }

var testCities = []models.CityConfig{
	{ID: "oslo", Name: "Oslo", Country: "Norway", Coordinates: models.Coordinates{Latitude: 59.9139, Longitude: 10.7522}},
	{ID: "paris", Name: "Paris", Country: "France", Coordinates: models.Coordinates{Latitude: 48.8566, Longitude: 2.3522}},
	{ID: "london", Name: "London", Country: "United Kingdom", Coordinates: models.Coordinates{Latitude: 51.5074, Longitude: -0.1278}},
	{ID: "barcelona", Name: "Barcelona", Country: "Spain", Coordinates: models.Coordinates{Latitude: 41.3851, Longitude: 2.1734}},
}

func ptr(v float64) *float64 { return &v }

// validPayload returns a one-entry series at tomorrow noon.
func validPayload(temp float64, symbol string) *forecast.Payload {
	return &forecast.Payload{
		Type: "Feature",
		Properties: &forecast.Properties{
			Meta: forecast.Meta{UpdatedAt: "2026-10-15T08:21:44+02:00"},
			Timeseries: []forecast.Entry{{
				Time: "2026-10-16T12:00:00Z",
				Data: forecast.EntryData{
					Instant:    forecast.Instant{Details: forecast.Details{AirTemperature: ptr(temp), RelativeHumidity: ptr(64.6), WindSpeed: ptr(3.1)}},
					Next6Hours: &forecast.Period{Summary: forecast.PeriodSummary{SymbolCode: symbol}},
				},
			}},
		},
	}
}

// fakeClient serves a payload per latitude, or an error.
type fakeClient struct {
	mu      sync.Mutex
	calls   map[float64]int
	errs    map[float64]error
	payload *forecast.Payload
	delay   time.Duration
	// delays overrides delay per latitude.
	delays map[float64]time.Duration
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls:   make(map[float64]int),
		errs:    make(map[float64]error),
		payload: validPayload(15.5, "partlycloudy_day"),
		delays:  make(map[float64]time.Duration),
	}
}

func (f *fakeClient) Fetch(ctx context.Context, q client.Query) (*forecast.Payload, error) {
	f.mu.Lock()
	f.calls[q.Latitude]++
	err := f.errs[q.Latitude]
	delay, ok := f.delays[q.Latitude]
	f.mu.Unlock()
	if !ok {
		delay = f.delay
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return f.payload, nil
}

func (f *fakeClient) Calls(lat float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[lat]
}

func (f *fakeClient) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// failingStore errors on every operation.
type failingStore struct{ cache.Store }

func (failingStore) Get(context.Context, string) (models.CityWeatherData, bool, error) {
	return models.CityWeatherData{}, false, cache.ErrCacheConnection
}
func (failingStore) Set(context.Context, models.CityWeatherData) error {
	return cache.ErrCacheConnection
}

// gatedClient blocks every Fetch until release is closed or its ctx ends.
type gatedClient struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	payload *forecast.Payload
}

func newGatedClient() *gatedClient {
	return &gatedClient{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		payload: validPayload(15.5, "partlycloudy_day"),
	}
}

func (g *gatedClient) Fetch(ctx context.Context, _ client.Query) (*forecast.Payload, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
		return g.payload, nil
	case <-ctx.Done():
		return nil, &client.APIError{Kind: client.ErrConnection, Msg: "request cancelled", Err: ctx.Err()}
	}
}

func apiError() error {
	return &client.APIError{Kind: client.ErrConnection, Msg: "connection refused"}
}

func newTestProcessor(t *testing.T, c client.WeatherClient, store cache.Store, logger *zap.Logger) *Processor {
	t.Helper()
	if store == nil {
		store = cache.NewInMemoryStore(cache.Options{TTL: time.Hour, Now: fixedNow})
	}
	p, err := New(Options{
		Cities: testCities,
		Client: c,
		Store:  store,
		Pacing: DefaultPacing,
		Logger: logger,
		Now:    fixedNow,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	store := cache.NewInMemoryStore(cache.Options{})
	tests := []struct {
		name string
		opts Options
	}{
		{"no client", Options{Cities: testCities, Store: store}},
		{"no store", Options{Cities: testCities, Client: newFakeClient()}},
		{"no cities", Options{Client: newFakeClient(), Store: store}},
		{"duplicate id", Options{Cities: []models.CityConfig{testCities[0], testCities[0]}, Client: newFakeClient(), Store: store}},
		{"invalid city", Options{Cities: []models.CityConfig{{ID: "x", Name: "X"}}, Client: newFakeClient(), Store: store}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); !errors.Is(err, models.ErrInvalidArgument) {
				t.Errorf("New() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

// TestProcessCity_OsloScenario checks the full transform of a realistic payload.
func TestProcessCity_OsloScenario(t *testing.T) {
	p := newTestProcessor(t, newFakeClient(), nil, nil)

	data, err := p.ProcessCity(context.Background(), "oslo", false)
	if err != nil {
		t.Fatalf("ProcessCity() error = %v", err)
	}
	if data.Forecast.Temperature.Value != 16 || data.Forecast.Condition != models.ConditionPartlyCloudy {
		t.Errorf("forecast = %+v, want 16 partly_cloudy", data.Forecast)
	}
	if data.Forecast.Date != "2026-10-16" {
		t.Errorf("date = %s, want 2026-10-16", data.Forecast.Date)
	}
	if want := time.Date(2026, 10, 15, 6, 21, 44, 0, time.UTC); !data.LastUpdated.Equal(want) {
		t.Errorf("lastUpdated = %v, want %v", data.LastUpdated, want)
	}
}

func TestProcessCity_UnknownCity(t *testing.T) {
	c := newFakeClient()
	p := newTestProcessor(t, c, nil, nil)
	if _, err := p.ProcessCity(context.Background(), "atlantis", true); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("ProcessCity() error = %v, want ErrInvalidArgument", err)
	}
	if c.Total() != 0 {
		t.Errorf("upstream calls = %d, want 0", c.Total())
	}
}

// TestProcessCity_CachedWithinTTL verifies that two calls within TTL make one upstream request.
func TestProcessCity_CachedWithinTTL(t *testing.T) {
	c := newFakeClient()
	p := newTestProcessor(t, c, nil, nil)
	ctx := context.Background()

	first, err := p.ProcessCity(ctx, "oslo", true)
	if err != nil {
		t.Fatalf("first ProcessCity() error = %v", err)
	}
	second, err := p.ProcessCity(ctx, "oslo", true)
	if err != nil {
		t.Fatalf("second ProcessCity() error = %v", err)
	}
	if got := c.Calls(59.9139); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if second.Forecast.Temperature != first.Forecast.Temperature || !second.LastUpdated.Equal(first.LastUpdated) {
		t.Errorf("cached record differs: %+v vs %+v", second, first)
	}
}

func TestProcessCity_NoCacheAlwaysFetches(t *testing.T) {
	c := newFakeClient()
	p := newTestProcessor(t, c, nil, nil)
	for i := 0; i < 2; i++ {
		if _, err := p.ProcessCity(context.Background(), "oslo", false); err != nil {
			t.Fatalf("ProcessCity() error = %v", err)
		}
	}
	if got := c.Calls(59.9139); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestProcessCity_RecordTTL(t *testing.T) {
	store := cache.NewInMemoryStore(cache.Options{Now: fixedNow})
	p, err := New(Options{Cities: testCities, Client: newFakeClient(), Store: store, RecordTTL: time.Hour, Now: fixedNow})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	data, err := p.ProcessCity(context.Background(), "oslo", true)
	if err != nil {
		t.Fatalf("ProcessCity() error = %v", err)
	}
	if data.TTL != baseNow.Add(time.Hour).Unix() {
		t.Errorf("TTL = %d, want %d", data.TTL, baseNow.Add(time.Hour).Unix())
	}
}

// TestProcessCity_CacheFailuresAreSwallowed verifies a broken cache degrades to a fetch.
func TestProcessCity_CacheFailuresAreSwallowed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := newFakeClient()
	p := newTestProcessor(t, c, failingStore{}, zap.New(core))

	if _, err := p.ProcessCity(context.Background(), "oslo", true); err != nil {
		t.Fatalf("ProcessCity() error = %v", err)
	}
	if logs.FilterMessage("cache read failed, fetching upstream").Len() != 1 {
		t.Error("expected cache read warning")
	}
	if logs.FilterMessage("cache write failed").Len() != 1 {
		t.Error("expected cache write warning")
	}
}

func TestProcessCity_Errors(t *testing.T) {
	t.Run("upstream error propagates unchanged", func(t *testing.T) {
		c := newFakeClient()
		want := apiError()
		c.errs[59.9139] = want
		p := newTestProcessor(t, c, nil, nil)
		_, err := p.ProcessCity(context.Background(), "oslo", true)
		if err != want {
			t.Errorf("ProcessCity() error = %v, want the client error itself", err)
		}
		if !errors.Is(err, client.ErrWeatherAPI) {
			t.Error("error does not match ErrWeatherAPI")
		}
	})
	t.Run("invalid payload is a validation error", func(t *testing.T) {
		c := newFakeClient()
		c.payload = &forecast.Payload{Properties: &forecast.Properties{}}
		p := newTestProcessor(t, c, nil, nil)
		if _, err := p.ProcessCity(context.Background(), "oslo", true); !errors.Is(err, models.ErrValidation) {
			t.Errorf("ProcessCity() error = %v, want ErrValidation", err)
		}
	})
}

func TestProcessCity_CoalescesConcurrentMisses(t *testing.T) {
	c := newFakeClient()
	c.delay = 50 * time.Millisecond
	p := newTestProcessor(t, c, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.ProcessCity(context.Background(), "oslo", true); err != nil {
				t.Errorf("ProcessCity() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if got := c.Calls(59.9139); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

// TestProcessCity_CancelledCallerDoesNotFailSharedFetch verifies that the caller which
// started a coalesced fetch can go away without failing the callers that joined it.
func TestProcessCity_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	c := newGatedClient()
	p := newTestProcessor(t, c, nil, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.ProcessCity(firstCtx, "oslo", true)
		firstErr <- err
	}()
	<-c.started

	type result struct {
		data models.CityWeatherData
		err  error
	}
	second := make(chan result, 1)
	go func() {
		data, err := p.ProcessCity(context.Background(), "oslo", true)
		second <- result{data, err}
	}()
	// Let the second caller join the flight before the first one leaves.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first caller error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first caller did not return after cancellation")
	}

	close(c.release)
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second caller error = %v", r.err)
		}
		if r.data.CityID != "oslo" || r.data.Forecast.Temperature.Value != 15.5 {
			t.Errorf("second caller data = %+v", r.data)
		}
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	if got := c.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

// TestProcessAll_ConcurrentAndOrdered runs both aggregate modes with the first city slowest,
// so completion order is the reverse of configuration order.
func TestProcessAll_ConcurrentAndOrdered(t *testing.T) {
	delays := []time.Duration{120 * time.Millisecond, 90 * time.Millisecond, 60 * time.Millisecond, 30 * time.Millisecond}
	var sum time.Duration
	for _, d := range delays {
		sum += d
	}

	tests := []struct {
		name string
		run  func(t *testing.T, p *Processor) ([]string, error)
	}{
		{"fail fast", func(_ *testing.T, p *Processor) ([]string, error) {
			all, err := p.ProcessAllCities(context.Background(), false)
			ids := make([]string, len(all))
			for i, d := range all {
				ids[i] = d.CityID
			}
			return ids, err
		}},
		{"resilient", func(t *testing.T, p *Processor) ([]string, error) {
			records, err := p.ProcessAllCitiesResilient(context.Background(), false)
			ids := make([]string, len(records))
			for i, r := range records {
				if r.Err != nil {
					t.Errorf("records[%d].Err = %v", i, r.Err)
				}
				ids[i] = r.Data.CityID
			}
			return ids, err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeClient()
			for i, city := range testCities {
				c.delays[city.Coordinates.Latitude] = delays[i]
			}
			p := newTestProcessor(t, c, nil, nil)

			start := time.Now()
			ids, err := tt.run(t, p)
			elapsed := time.Since(start)
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if elapsed >= sum {
				t.Errorf("elapsed = %v, want less than sequential %v", elapsed, sum)
			}
			if len(ids) != len(testCities) {
				t.Fatalf("results = %d, want %d", len(ids), len(testCities))
			}
			for i, id := range ids {
				if id != testCities[i].ID {
					t.Errorf("result[%d] = %s, want %s", i, id, testCities[i].ID)
				}
			}
			if c.Total() != len(testCities) {
				t.Errorf("upstream calls = %d, want %d", c.Total(), len(testCities))
			}
		})
	}
}

func TestProcessAllCities_PreservesOrder(t *testing.T) {
	p := newTestProcessor(t, newFakeClient(), nil, nil)
	all, err := p.ProcessAllCities(context.Background(), true)
	if err != nil {
		t.Fatalf("ProcessAllCities() error = %v", err)
	}
	for i, d := range all {
		if d.CityID != testCities[i].ID {
			t.Errorf("result[%d] = %s, want %s", i, d.CityID, testCities[i].ID)
		}
	}
}

func TestProcessAllCities_FailFast(t *testing.T) {
	c := newFakeClient()
	want := apiError()
	c.errs[48.8566] = want
	p := newTestProcessor(t, c, nil, nil)
	if _, err := p.ProcessAllCities(context.Background(), false); !errors.Is(err, client.ErrWeatherAPI) {
		t.Errorf("ProcessAllCities() error = %v, want ErrWeatherAPI", err)
	}
}

// TestProcessAllCitiesResilient_PartialFailure covers four cities where the second fails.
func TestProcessAllCitiesResilient_PartialFailure(t *testing.T) {
	c := newFakeClient()
	c.errs[48.8566] = apiError()
	p := newTestProcessor(t, c, nil, nil)

	records, err := p.ProcessAllCitiesResilient(context.Background(), true)
	if err != nil {
		t.Fatalf("ProcessAllCitiesResilient() error = %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}
	for i, r := range records {
		if r.Data.CityID != testCities[i].ID {
			t.Errorf("records[%d] = %s, want %s", i, r.Data.CityID, testCities[i].ID)
		}
		if (r.Err != nil) != (i == 1) {
			t.Errorf("records[%d].Err = %v", i, r.Err)
		}
	}
	ph := records[1].Data.Forecast
	if ph.Temperature.Value != 0 || ph.Condition != models.ConditionUnknown || ph.Date != "2026-10-16" {
		t.Errorf("placeholder = %+v", ph)
	}

	s := BuildSummary(records, baseNow)
	if s.Status != StatusPartialFailure || !s.HasErrors {
		t.Errorf("summary status = %s hasErrors = %v", s.Status, s.HasErrors)
	}
	if s.Cities[1].Error == "" || s.Cities[0].Error != "" {
		t.Errorf("error fields = %q, %q", s.Cities[0].Error, s.Cities[1].Error)
	}
}

func TestProcessAllCitiesResilient_AllFail(t *testing.T) {
	c := newFakeClient()
	for _, city := range testCities {
		c.errs[city.Coordinates.Latitude] = apiError()
	}
	p := newTestProcessor(t, c, nil, nil)

	records, err := p.ProcessAllCitiesResilient(context.Background(), true)
	if !errors.Is(err, ErrAllCitiesFailed) || !errors.Is(err, client.ErrWeatherAPI) {
		t.Fatalf("ProcessAllCitiesResilient() error = %v, want ErrAllCitiesFailed wrapping ErrWeatherAPI", err)
	}
	if records != nil {
		t.Errorf("records = %v, want nil", records)
	}
	for _, city := range testCities {
		if !strings.Contains(err.Error(), city.ID) {
			t.Errorf("error %q does not mention %s", err, city.ID)
		}
	}
	if _, err := p.Summary(context.Background(), true); !errors.Is(err, ErrAllCitiesFailed) {
		t.Errorf("Summary() error = %v, want ErrAllCitiesFailed", err)
	}
}

func TestSummary_Success(t *testing.T) {
	p := newTestProcessor(t, newFakeClient(), nil, nil)
	s, err := p.Summary(context.Background(), true)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if s.Status != StatusSuccess || s.HasErrors || len(s.Cities) != 4 {
		t.Errorf("Summary() = %+v", s)
	}
	if want := time.Date(2026, 10, 15, 6, 21, 44, 0, time.UTC); !s.LastUpdated.Equal(want) {
		t.Errorf("LastUpdated = %v, want %v", s.LastUpdated, want)
	}
}

func TestBuildSummary_LastUpdated(t *testing.T) {
	older := time.Date(2026, 10, 15, 5, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 10, 15, 7, 0, 0, 0, time.UTC)
	placeholderTime := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	s := BuildSummary([]CityRecord{
		{Data: models.CityWeatherData{CityID: "a", LastUpdated: older}},
		{Data: models.CityWeatherData{CityID: "b", LastUpdated: placeholderTime}, Err: errors.New("x")},
		{Data: models.CityWeatherData{CityID: "c", LastUpdated: newer}},
	}, baseNow)
	if !s.LastUpdated.Equal(newer) {
		t.Errorf("LastUpdated = %v, want newest successful %v", s.LastUpdated, newer)
	}

	s = BuildSummary([]CityRecord{{Data: models.CityWeatherData{CityID: "a"}, Err: errors.New("x")}}, baseNow)
	if !s.LastUpdated.Equal(baseNow) {
		t.Errorf("LastUpdated = %v, want now when nothing succeeded", s.LastUpdated)
	}
}
