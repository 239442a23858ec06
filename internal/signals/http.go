package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"liquidity-oracle/internal/geo"
)

// Payload formats understood by HTTPSource.
const (
	FormatSeverity = "severity"
	FormatUSGS     = "usgs"
	FormatGDELT    = "gdelt"
)

const maxPayloadBytes = 4 << 20

// HTTPOptions parameterise an HTTP feed.
type HTTPOptions struct {
	Name      string
	URL       string
	Format    string
	Timeout   time.Duration
	UserAgent string
	// Near and RadiusKM restrict USGS events to those around the traveler.
	Near     *geo.Coordinates
	RadiusKM float64
}

// HTTPSource polls a JSON feed and maps it to a severity.
type HTTPSource struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
	now    func() time.Time
}

// NewHTTPSource constructs an HTTP feed.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) (*HTTPSource, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("feed %s: url required", opts.Name)
	}
	switch opts.Format {
	case FormatSeverity, FormatUSGS, FormatGDELT:
	case "":
		opts.Format = FormatSeverity
	default:
		return nil, fmt.Errorf("feed %s: unknown format %q", opts.Name, opts.Format)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = opts.Format
	}
	return &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "feed").Str("feed", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}, nil
}

func (h *HTTPSource) Name() string { return h.opts.Name }

// Fetch retrieves the feed and decodes it according to its format.
func (h *HTTPSource) Fetch(ctx context.Context) (Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.opts.URL, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "safepassage/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: read body: %v", ErrFeedUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Reading{}, parseHTTPError(h.opts.Name, resp.StatusCode, payload)
	}

	var reading Reading
	switch h.opts.Format {
	case FormatUSGS:
		reading, err = h.decodeUSGS(payload)
	case FormatGDELT:
		reading, err = h.decodeGDELT(payload)
	default:
		reading, err = h.decodeSeverity(payload)
	}
	if err != nil {
		return Reading{}, err
	}
	h.logger.Debug().Float64("severity", reading.Severity).Time("observed_at", reading.ObservedAt).Msg("feed fetched")
	return reading, nil
}

type severityPayload struct {
	Severity   *float64 `json:"severity"`
	ObservedAt string   `json:"observed_at"`
}

func (h *HTTPSource) decodeSeverity(payload []byte) (Reading, error) {
	var body severityPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if body.Severity == nil {
		return Reading{}, fmt.Errorf("%w: severity missing", ErrMalformedSignal)
	}
	if err := checkSeverity(*body.Severity); err != nil {
		return Reading{}, err
	}
	observed := h.now()
	if body.ObservedAt != "" {
		ts, err := time.Parse(time.RFC3339, body.ObservedAt)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: observed_at: %v", ErrMalformedSignal, err)
		}
		observed = ts
	}
	return Reading{Severity: *body.Severity, ObservedAt: observed}, nil
}

type geoJSON struct {
	Features *[]struct {
		Properties struct {
			Mag   *float64 `json:"mag"`
			Time  int64    `json:"time"`
			Count float64  `json:"count"`
		} `json:"properties"`
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func decodeGeoJSON(payload []byte) (geoJSON, error) {
	var doc geoJSON
	if err := json.Unmarshal(payload, &doc); err != nil {
		return geoJSON{}, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if doc.Features == nil {
		return geoJSON{}, fmt.Errorf("%w: features missing", ErrMalformedSignal)
	}
	return doc, nil
}

// decodeUSGS scales the strongest nearby magnitude by 1.5, capped at 10.
func (h *HTTPSource) decodeUSGS(payload []byte) (Reading, error) {
	doc, err := decodeGeoJSON(payload)
	if err != nil {
		return Reading{}, err
	}
	maxMag, found := 0.0, false
	var newest time.Time
	for _, f := range *doc.Features {
		if f.Properties.Mag == nil {
			continue
		}
		if h.opts.Near != nil && h.opts.RadiusKM > 0 {
			c := f.Geometry.Coordinates
			if len(c) < 2 || distanceKM(*h.opts.Near, geo.Coordinates{Latitude: c[1], Longitude: c[0]}) > h.opts.RadiusKM {
				continue
			}
		}
		if !found || *f.Properties.Mag > maxMag {
			maxMag, found = *f.Properties.Mag, true
		}
		if ts := time.UnixMilli(f.Properties.Time).UTC(); ts.After(newest) {
			newest = ts
		}
	}
	if !found {
		return Reading{Severity: 0, ObservedAt: h.now()}, nil
	}
	// Negative local magnitudes still mark an observation, at severity 0.
	severity := math.Min(10, math.Max(0, math.Floor(maxMag*1.5)))
	if err := checkSeverity(severity); err != nil {
		return Reading{}, err
	}
	return Reading{Severity: severity, ObservedAt: newest}, nil
}

// decodeGDELT buckets the busiest location's news mention count.
func (h *HTTPSource) decodeGDELT(payload []byte) (Reading, error) {
	doc, err := decodeGeoJSON(payload)
	if err != nil {
		return Reading{}, err
	}
	if len(*doc.Features) == 0 {
		return Reading{Severity: 0, ObservedAt: h.now()}, nil
	}
	maxCount := 0.0
	for _, f := range *doc.Features {
		if f.Properties.Count > maxCount {
			maxCount = f.Properties.Count
		}
	}
	var severity float64
	switch {
	case maxCount >= 500:
		severity = 8
	case maxCount >= 200:
		severity = 6
	case maxCount >= 100:
		severity = 4
	case maxCount >= 50:
		severity = 3
	default:
		severity = 2
	}
	return Reading{Severity: severity, ObservedAt: h.now()}, nil
}

const earthRadiusKM = 6371.0

func distanceKM(a, b geo.Coordinates) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(s)))
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("%w: %s (%d): %s", ErrFeedUnavailable, name, status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%w: %s (%d): %s", ErrFeedUnavailable, name, status, apiErr.Message)
		}
	}
	if len(payload) > 0 && len(payload) < 512 {
		return fmt.Errorf("%w: %s (%d): %s", ErrFeedUnavailable, name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: %s (%d)", ErrFeedUnavailable, name, status)
}

var _ Source = (*HTTPSource)(nil)
