package eta

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/example/bloodlink/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	http *resty.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	c := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(2 * time.Second).
		SetHeader("Accept", "application/json")
	return &OSRMClient{http: c}
}

type osrmRoute struct {
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
	Code string `json:"code"`
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	// OSRM wants lon,lat pairs
	path := fmt.Sprintf("/route/v1/driving/%.6f,%.6f;%.6f,%.6f", from.Lng, from.Lat, to.Lng, to.Lat)
	var out osrmRoute
	resp, err := o.http.R().
		SetContext(ctx).
		SetQueryParam("overview", "false").
		SetResult(&out).
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("osrm status %d", resp.StatusCode())
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Duration, nil
}
