package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-convoy/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 5 * time.Second}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Legs []struct {
			Steps []struct {
				Duration float64 `json:"duration"`
				Distance float64 `json:"distance"`
				Name     string  `json:"name"`
				Maneuver struct {
					Type     string    `json:"type"`
					Modifier string    `json:"modifier"`
					Location []float64 `json:"location"`
				} `json:"maneuver"`
				Geometry struct {
					Coordinates [][]float64 `json:"coordinates"`
				} `json:"geometry"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

// ComputeRoute queries /route with steps enabled and full GeoJSON geometry.
func (o *OSRMClient) ComputeRoute(ctx context.Context, origin, dest models.Coord) (*models.Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson&steps=true",
		o.Endpoint, origin.Lon, origin.Lat, dest.Lon, dest.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: osrm status %d", models.ErrTransientNetwork, resp.StatusCode)
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransientNetwork, err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("osrm no route: %v", out.Code)
	}

	r := out.Routes[0]
	route := &models.Route{
		Origin:          origin,
		Destination:     dest,
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
		PolylinePoints:  coords(r.Geometry.Coordinates),
	}
	for _, leg := range r.Legs {
		for _, st := range leg.Steps {
			pts := coords(st.Geometry.Coordinates)
			step := models.NavigationStep{
				InstructionText: instruction(st.Maneuver.Type, st.Maneuver.Modifier, st.Name),
				ManeuverKind:    maneuverKind(st.Maneuver.Type, st.Maneuver.Modifier),
				DistanceMeters:  st.Distance,
				DurationSeconds: st.Duration,
				PolylinePoints:  pts,
			}
			if len(pts) > 0 {
				step.StartLoc = pts[0]
				step.EndLoc = pts[len(pts)-1]
			} else if len(st.Maneuver.Location) == 2 {
				loc := models.Coord{Lat: st.Maneuver.Location[1], Lon: st.Maneuver.Location[0]}
				step.StartLoc, step.EndLoc = loc, loc
			}
			route.Steps = append(route.Steps, step)
		}
	}
	return route, nil
}

func coords(raw [][]float64) []models.Coord {
	out := make([]models.Coord, 0, len(raw))
	for _, c := range raw {
		if len(c) == 2 {
			out = append(out, models.Coord{Lat: c[1], Lon: c[0]})
		}
	}
	return out
}

func maneuverKind(typ, modifier string) string {
	switch typ {
	case "depart", "arrive":
		return typ
	case "turn", "end of road", "fork":
		if modifier != "" {
			return "turn-" + modifier
		}
		return "turn"
	case "merge":
		return "merge"
	case "roundabout", "rotary":
		return "roundabout"
	default:
		if modifier != "" {
			return typ + "-" + modifier
		}
		return typ
	}
}

func instruction(typ, modifier, name string) string {
	var verb string
	switch typ {
	case "depart":
		verb = "Head out"
	case "arrive":
		return "You have arrived at your destination"
	case "merge":
		verb = "Merge"
	case "roundabout", "rotary":
		verb = "Take the roundabout"
	default:
		if modifier != "" {
			verb = "Turn " + modifier
		} else {
			verb = "Continue"
		}
	}
	if name != "" {
		return verb + " onto " + name
	}
	return verb
}
