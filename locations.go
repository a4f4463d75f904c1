package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Location is one catalog entry. ID is its position in the source file;
// every other field of the entry is carried through untouched in Meta.
type Location struct {
	ID   int
	Lat  float64
	Lng  float64
	Meta map[string]any
}

func (l Location) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(l.Meta)+3)
	for k, v := range l.Meta {
		out[k] = v
	}
	out["id"] = l.ID
	out["lat"] = l.Lat
	out["lng"] = l.Lng

	return json.Marshal(out)
}

var errCatalogNotArray = errors.New("catalog does not contain an array")

func loadLocations(path string) ([]Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	entries, ok := doc.([]any)
	if !ok {
		return nil, errCatalogNotArray
	}

	locations := make([]Location, 0, len(entries))
	for i, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d: not an object", i)
		}

		lat, ok := coordinate(fields["lat"])
		if !ok {
			return nil, fmt.Errorf("entry %d: missing or non-numeric lat", i)
		}
		lng, ok := coordinate(fields["lng"])
		if !ok {
			return nil, fmt.Errorf("entry %d: missing or non-numeric lng", i)
		}

		meta := make(map[string]any, len(fields))
		for k, v := range fields {
			switch k {
			case "id", "lat", "lng":
				continue
			}
			meta[k] = v
		}

		locations = append(locations, Location{
			ID:   i,
			Lat:  lat,
			Lng:  lng,
			Meta: meta,
		})
	}

	return locations, nil
}

func coordinate(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// LocationStore owns the catalog. Reload swaps the whole slice in one
// pointer store, so a reader keeps whichever catalog it already fetched.
type LocationStore struct {
	cfg     *Config
	path    string
	metrics *Metrics
	catalog atomic.Pointer[[]Location]
}

func newLocationStore(cfg *Config, path string, metrics *Metrics) *LocationStore {
	s := &LocationStore{
		cfg:     cfg,
		path:    path,
		metrics: metrics,
	}
	empty := []Location{}
	s.catalog.Store(&empty)

	return s
}

// Reload reads the catalog file again. A bad file never fails the caller:
// the store falls back to an empty catalog and logs why.
func (s *LocationStore) Reload() int {
	locations, err := loadLocations(s.path)
	if err != nil {
		warnf("CATALOG: Failed to load %s, serving zero locations: %v", s.path, err)
		locations = []Location{}
	}

	s.catalog.Store(&locations)
	s.metrics.CatalogLocations.Set(float64(len(locations)))

	logf(s.cfg, "CATALOG: Loaded %d locations from %s", len(locations), s.path)

	return len(locations)
}

func (s *LocationStore) snapshot() []Location {
	return *s.catalog.Load()
}

func (s *LocationStore) Count() int {
	return len(s.snapshot())
}

func (s *LocationStore) Get(id int) (Location, bool) {
	locations := s.snapshot()
	if id < 0 || id >= len(locations) {
		return Location{}, false
	}

	return locations[id], true
}
