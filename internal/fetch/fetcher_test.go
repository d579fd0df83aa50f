package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legnlp/crecpipe/internal/model"
)

func testFetcher(t *testing.T, baseURL string, budget *Budget) *Fetcher {
	t.Helper()
	api := model.APIConfig{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		UserAgent:    "crecpipe-test/0",
		PageSize:     100,
		Timeout:      5 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
	rl := model.RateLimitConfig{
		RequestsPerSecond: 1000,
		Burst:             1000,
		CoolDown:          45 * time.Minute,
	}
	ing := model.IngestConfig{RetryAttempts: 3, RetryBaseDelay: time.Millisecond}
	f := New(api, rl, ing, budget, nil)
	f.robots = nil // content host robots checks are not under test here
	return f
}

func TestFetcher_AddsAPIKeyAndUserAgent(t *testing.T) {
	var gotKey, gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.URL.Query().Get("api_key"))
		gotUA.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"count":0,"packages":[]}`))
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL, NewBudget(10, time.Hour, nil))
	_, err := f.PublishedPackages(context.Background(), 2023)
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey.Load())
	assert.Equal(t, "crecpipe-test/0", gotUA.Load())
}

func TestFetcher_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"count":1,"granules":[{"granuleId":"g1","granuleLink":"l1"}]}`))
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL, NewBudget(10, time.Hour, nil))
	page, err := f.Granules(context.Background(), "CREC-2023-05-17", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Len(t, page.Granules, 1)
}

func TestFetcher_MalformedURLSpendsNoBudget(t *testing.T) {
	budget := NewBudget(5, time.Hour, nil)
	f := testFetcher(t, "http://127.0.0.1:0", budget)

	_, err := f.get(context.Background(), "http://example.com/\x01bad", nil)
	require.Error(t, err)
	assert.Equal(t, 5, budget.Remaining())
}

func TestFetcher_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL, NewBudget(10, time.Hour, nil))
	_, err := f.Granules(context.Background(), "CREC-2023-05-17", 0)
	require.Error(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestFetcher_RemoteThrottleExhaustsBudget(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	budget := NewBudget(10, time.Hour, nil)
	f := testFetcher(t, srv.URL, budget)

	_, err := f.Granules(context.Background(), "CREC-2023-05-17", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	// No retry against a throttling host.
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 0, budget.Remaining())
}

func TestFetcher_ExhaustedBudgetPreventsNetworkCall(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	budget := NewBudget(1, time.Hour, nil)
	f := testFetcher(t, srv.URL, budget)

	_, err := f.Granules(context.Background(), "CREC-2023-05-17", 0)
	require.NoError(t, err)

	_, err = f.Granules(context.Background(), "CREC-2023-05-17", 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetcher_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL, NewBudget(10, time.Hour, nil))
	_, err := f.GranuleSummary(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFetcher_PublishedPackagesPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "0":
			_, _ = w.Write([]byte(`{"count":3,"packages":[{"packageId":"CREC-2023-01-04"},{"packageId":"CREC-2023-01-03"}]}`))
		case "2":
			_, _ = w.Write([]byte(`{"count":3,"packages":[{"packageId":"CREC-2023-01-05"}]}`))
		default:
			_, _ = w.Write([]byte(`{"count":3,"packages":[]}`))
		}
	}))
	defer srv.Close()

	f := testFetcher(t, srv.URL, NewBudget(10, time.Hour, nil))
	f.pageSize = 2
	pkgs, err := f.PublishedPackages(context.Background(), 2023)
	require.NoError(t, err)
	require.Len(t, pkgs, 3)
	// Sorted regardless of remote ordering.
	assert.Equal(t, "CREC-2023-01-03", pkgs[0].PackageID)
	assert.Equal(t, "CREC-2023-01-05", pkgs[2].PackageID)
}

func TestFlexString_ToleratesLooseTyping(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"v":"plain"}`, "plain"},
		{`{"v":118}`, "118"},
		{`{"v":["first","second"]}`, "first"},
		{`{"v":{"authority-fnf":"Jane Smith"}}`, "Jane Smith"},
		{`{"v":{"name":"Smith, Jane"}}`, "Smith, Jane"},
		{`{"v":null}`, ""},
		{`{"v":[]}`, ""},
	}
	for _, tc := range cases {
		var payload struct {
			V FlexString `json:"v"`
		}
		require.NoError(t, json.Unmarshal([]byte(tc.in), &payload), tc.in)
		assert.Equal(t, tc.want, payload.V.String(), tc.in)
	}
}
