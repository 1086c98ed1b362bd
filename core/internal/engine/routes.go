package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Route is an ordered list of stations. Routes are values: a train that
// completes its journey gets a new Route rather than a modified one.
type Route struct {
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Stations []string `json:"stations"`
}

func NewRoute(stations ...string) Route {
	st := append([]string(nil), stations...)
	r := Route{Stations: st}
	if len(st) > 0 {
		r.Start = st[0]
		r.End = st[len(st)-1]
	}
	return r
}

func (r Route) Validate() error {
	if len(r.Stations) < 2 {
		return fmt.Errorf("route needs at least 2 stations, has %d", len(r.Stations))
	}
	if r.Start != r.Stations[0] || r.End != r.Stations[len(r.Stations)-1] {
		return errors.New("route start/end do not match its stations")
	}
	if r.Start == r.End {
		return fmt.Errorf("route starts and ends at %q", r.Start)
	}
	for i := 1; i < len(r.Stations); i++ {
		if r.Stations[i] == "" {
			return fmt.Errorf("route has empty station at %d", i)
		}
		if r.Stations[i] == r.Stations[i-1] {
			return fmt.Errorf("route repeats station %q", r.Stations[i])
		}
	}
	return nil
}

func (r Route) clone() Route {
	r.Stations = append([]string(nil), r.Stations...)
	return r
}

// Catalog is the fixed set of routes trains are drawn from.
type Catalog struct {
	routes []Route
}

// NewCatalog validates every route up front so Pick never hands out a
// malformed one.
func NewCatalog(routes ...Route) (Catalog, error) {
	if len(routes) == 0 {
		return Catalog{}, errors.New("catalog is empty")
	}
	out := make([]Route, 0, len(routes))
	for i, r := range routes {
		if err := r.Validate(); err != nil {
			return Catalog{}, fmt.Errorf("route %d: %w", i, err)
		}
		out = append(out, r.clone())
	}
	return Catalog{routes: out}, nil
}

// Pick draws a route uniformly at random.
func (c Catalog) Pick(rng *rand.Rand) Route {
	return c.routes[rng.IntN(len(c.routes))].clone()
}

func (c Catalog) Len() int { return len(c.routes) }

func (c Catalog) Routes() []Route {
	out := make([]Route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r.clone())
	}
	return out
}

// DefaultCatalog is the Austrian network the demo ships with.
func DefaultCatalog() Catalog {
	c, err := NewCatalog(
		NewRoute("Wien Hbf", "St. Pölten Hbf", "Linz Hbf", "Salzburg Hbf"),
		NewRoute("Graz Hbf", "Bruck an der Mur", "Leoben Hbf", "Kapfenberg"),
		NewRoute("Innsbruck Hbf", "Wörgl Hbf", "Kufstein", "Rosenheim"),
		NewRoute("Wien Westbahnhof", "Wien Meidling", "Baden bei Wien", "Wiener Neustadt"),
		NewRoute("Salzburg Hbf", "Bischofshofen", "Zell am See", "Saalfelden"),
		NewRoute("Villach Hbf", "Klagenfurt Hbf", "Wolfsberg", "Graz Hbf"),
		NewRoute("Linz Hbf", "Wels Hbf", "Attnang-Puchheim", "Salzburg Hbf"),
		NewRoute("Wien Hbf", "Wiener Neustadt", "Mürzzuschlag", "Bruck an der Mur", "Graz Hbf"),
		NewRoute("Innsbruck Hbf", "Jenbach", "Schwaz", "Wörgl Hbf"),
		NewRoute("St. Pölten Hbf", "Amstetten", "Steyr", "Linz Hbf"),
		NewRoute("Feldkirch", "Bludenz", "Landeck-Zams", "Innsbruck Hbf"),
		NewRoute("Wien Hbf", "Hütteldorf", "St. Pölten Hbf", "Amstetten"),
	)
	if err != nil {
		panic(err)
	}
	return c
}
