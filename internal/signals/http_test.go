package signals

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liquidity-oracle/internal/geo"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSource(t *testing.T, url, format string) *HTTPSource {
	t.Helper()
	src, err := NewHTTPSource(HTTPOptions{Name: format, URL: url, Format: format, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建数据源失败: %v", err)
	}
	return src
}

func TestHTTPSourceSeverity(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"severity": 6.5, "observed_at": "2025-03-01T10:00:00Z"}`)
	reading, err := newSource(t, srv.URL, FormatSeverity).Fetch(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if reading.Severity != 6.5 {
		t.Fatalf("期望 severity 6.5, 实际 %v", reading.Severity)
	}
	if !reading.ObservedAt.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("observed_at 不正确: %s", reading.ObservedAt)
	}
}

func TestHTTPSourceMalformed(t *testing.T) {
	cases := map[string]string{
		"out of range": `{"severity": 11}`,
		"missing":      `{"level": 3}`,
		"not json":     `<html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, http.StatusOK, body)
			_, err := newSource(t, srv.URL, FormatSeverity).Fetch(context.Background())
			if !errors.Is(err, ErrMalformedSignal) {
				t.Fatalf("应返回 ErrMalformedSignal, 实际 %v", err)
			}
		})
	}
}

func TestHTTPSourceHTTPError(t *testing.T) {
	srv := serve(t, http.StatusServiceUnavailable, `{"error": "maintenance"}`)
	_, err := newSource(t, srv.URL, FormatSeverity).Fetch(context.Background())
	if !errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("HTTP 503 应返回 ErrFeedUnavailable, 实际 %v", err)
	}
}

const usgsBody = `{"features": [
  {"properties": {"mag": 4.7, "time": 1740823200000}, "geometry": {"coordinates": [139.7, 35.7, 10]}},
  {"properties": {"mag": 6.1, "time": 1740819600000}, "geometry": {"coordinates": [139.6, 35.6, 10]}},
  {"properties": {"mag": 7.9, "time": 1740812400000}, "geometry": {"coordinates": [-70.0, -33.0, 10]}},
  {"properties": {"mag": null, "time": 1740826800000}, "geometry": {"coordinates": [0, 0]}}
]}`

func TestHTTPSourceUSGS(t *testing.T) {
	srv := serve(t, http.StatusOK, usgsBody)
	reading, err := newSource(t, srv.URL, FormatUSGS).Fetch(context.Background())
	if err != nil {
		t.Fatalf("USGS 解析失败: %v", err)
	}
	if reading.Severity != 10 {
		t.Fatalf("震级 7.9 应映射为 10, 实际 %v", reading.Severity)
	}
	if want := time.UnixMilli(1740823200000).UTC(); !reading.ObservedAt.Equal(want) {
		t.Fatalf("应取最新事件时间 %s, 实际 %s", want, reading.ObservedAt)
	}
}

func TestHTTPSourceUSGSRadius(t *testing.T) {
	srv := serve(t, http.StatusOK, usgsBody)
	tokyo := geo.Coordinates{Latitude: 35.6762, Longitude: 139.6503}
	src, err := NewHTTPSource(HTTPOptions{URL: srv.URL, Format: FormatUSGS, Near: &tokyo, RadiusKM: 100}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	reading, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("USGS 解析失败: %v", err)
	}
	if reading.Severity != 9 {
		t.Fatalf("附近最强震级 6.1 应映射为 9, 实际 %v", reading.Severity)
	}
}

func TestHTTPSourceUSGSNegativeMagnitude(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"features": [
  {"properties": {"mag": -0.4, "time": 1740823200000}, "geometry": {"coordinates": [139.7, 35.7, 1]}},
  {"properties": {"mag": -1.6, "time": 1740819600000}, "geometry": {"coordinates": [139.6, 35.6, 1]}}
]}`)
	reading, err := newSource(t, srv.URL, FormatUSGS).Fetch(context.Background())
	if err != nil {
		t.Fatalf("负震级不应报错: %v", err)
	}
	if reading.Severity != 0 {
		t.Fatalf("负震级应映射为 0, 实际 %v", reading.Severity)
	}
	if want := time.UnixMilli(1740823200000).UTC(); !reading.ObservedAt.Equal(want) {
		t.Fatalf("负震级事件仍应取最新事件时间 %s, 实际 %s", want, reading.ObservedAt)
	}
}

func TestHTTPSourceGDELT(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"features": [{"properties": {"count": 120}}, {"properties": {"count": 40}}]}`)
	reading, err := newSource(t, srv.URL, FormatGDELT).Fetch(context.Background())
	if err != nil {
		t.Fatalf("GDELT 解析失败: %v", err)
	}
	if reading.Severity != 4 {
		t.Fatalf("count 120 应映射为 4, 实际 %v", reading.Severity)
	}

	empty := serve(t, http.StatusOK, `{"features": []}`)
	reading, err = newSource(t, empty.URL, FormatGDELT).Fetch(context.Background())
	if err != nil || reading.Severity != 0 {
		t.Fatalf("无事件应返回 0, 实际 %v (%v)", reading.Severity, err)
	}

	missing := serve(t, http.StatusOK, `{}`)
	if _, err := newSource(t, missing.URL, FormatGDELT).Fetch(context.Background()); !errors.Is(err, ErrMalformedSignal) {
		t.Fatalf("缺少 features 应报错, 实际 %v", err)
	}
}

func TestNewHTTPSourceValidation(t *testing.T) {
	if _, err := NewHTTPSource(HTTPOptions{}, zerolog.Nop()); err == nil {
		t.Fatal("缺少 URL 时应报错")
	}
	if _, err := NewHTTPSource(HTTPOptions{URL: "http://localhost", Format: "rss"}, zerolog.Nop()); err == nil {
		t.Fatal("未知格式应报错")
	}
}
