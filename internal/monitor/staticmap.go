package monitor

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"geopresence/internal/model"
)

var ErrMapKeyMissing = errors.New("map provider API key is not configured")

// MapRenderer turns a fix into something a dashboard can display.
type MapRenderer interface {
	Render(loc model.Location) (string, error)
}

const (
	defaultStaticMapBase = "https://maps.googleapis.com/maps/api/staticmap"
	earthRadiusMeters    = 6371000.0
	circlePoints         = 36
)

// StaticMapRenderer builds Google Static Maps URLs with a marker on the fix
// and a filled polygon approximating the accuracy radius.
type StaticMapRenderer struct {
	APIKey  string
	BaseURL string
	Size    string
	Zoom    int
}

func NewStaticMapRenderer(apiKey string) *StaticMapRenderer {
	return &StaticMapRenderer{APIKey: apiKey, BaseURL: defaultStaticMapBase, Size: "600x400", Zoom: 16}
}

func (r *StaticMapRenderer) Render(loc model.Location) (string, error) {
	if r.APIKey == "" {
		return "", ErrMapKeyMissing
	}

	base := r.BaseURL
	if base == "" {
		base = defaultStaticMapBase
	}

	q := url.Values{}
	q.Set("center", latLng(loc.Latitude, loc.Longitude))
	q.Set("size", r.Size)
	if r.Zoom > 0 {
		q.Set("zoom", fmt.Sprint(r.Zoom))
	}
	q.Set("markers", "color:red|"+latLng(loc.Latitude, loc.Longitude))
	if loc.AccuracyMeters > 0 {
		q.Set("path", "color:0x1a73e880|weight:1|fillcolor:0x1a73e833|"+circlePath(loc))
	}
	q.Set("key", r.APIKey)

	return base + "?" + q.Encode(), nil
}

// circlePath approximates the accuracy circle as a closed polygon.
func circlePath(loc model.Location) string {
	lat := loc.Latitude * math.Pi / 180
	lng := loc.Longitude * math.Pi / 180
	angular := loc.AccuracyMeters / earthRadiusMeters

	pts := make([]string, 0, circlePoints+1)
	for i := 0; i <= circlePoints; i++ {
		bearing := 2 * math.Pi * float64(i) / circlePoints
		pLat := math.Asin(math.Sin(lat)*math.Cos(angular) + math.Cos(lat)*math.Sin(angular)*math.Cos(bearing))
		pLng := lng + math.Atan2(math.Sin(bearing)*math.Sin(angular)*math.Cos(lat), math.Cos(angular)-math.Sin(lat)*math.Sin(pLat))
		pts = append(pts, latLng(pLat*180/math.Pi, pLng*180/math.Pi))
	}
	return strings.Join(pts, "|")
}

func latLng(lat, lng float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lng)
}
