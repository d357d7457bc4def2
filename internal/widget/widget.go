// Package widget holds the administrator-defined widget configurations. Stores load the
// configurations once (and again on reload) into an immutable catalog; render-time lookups
// only read the current catalog.
package widget

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/imdario/mergo"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/validation"
)

// ErrNotFound is returned by Lookup for ids with no configuration.
var ErrNotFound = errors.New("widget not found")

// Store resolves widget ids to configurations. The returned pointers are shared and must not be
// modified by callers.
type Store interface {
	Lookup(id string) (*models.WidgetConfig, error)
	List() []*models.WidgetConfig
}

const maxLocationLength = 100

// DefaultDisplay fills display fields a configuration leaves unset.
var DefaultDisplay = models.DisplayOptions{
	Units: models.UnitsMetric,
	Theme: models.ThemeVertical,
}

var validate = validator.New()

// catalog is an immutable id -> config index.
type catalog struct {
	byID   map[string]*models.WidgetConfig
	sorted []*models.WidgetConfig
}

func emptyCatalog() *catalog {
	return &catalog{byID: map[string]*models.WidgetConfig{}}
}

// newCatalog normalizes and validates configs. Any invalid or duplicate entry fails the whole load.
func newCatalog(configs []models.WidgetConfig) (*catalog, error) {
	c := &catalog{byID: make(map[string]*models.WidgetConfig, len(configs))}
	for i := range configs {
		cfg := configs[i]
		if err := Normalize(&cfg); err != nil {
			return nil, fmt.Errorf("widget %d (%q): %w", i, configs[i].ID, err)
		}
		if _, dup := c.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("widget %q: duplicate id", cfg.ID)
		}
		c.byID[cfg.ID] = &cfg
		c.sorted = append(c.sorted, &cfg)
	}
	sort.Slice(c.sorted, func(i, j int) bool { return c.sorted[i].ID < c.sorted[j].ID })
	return c, nil
}

func (c *catalog) lookup(id string) (*models.WidgetConfig, error) {
	cfg, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cfg, nil
}

func (c *catalog) list() []*models.WidgetConfig {
	out := make([]*models.WidgetConfig, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// Normalize trims and validates cfg in place and merges DefaultDisplay into unset display fields.
func Normalize(cfg *models.WidgetConfig) error {
	id, err := validation.ValidateWidgetID(cfg.ID)
	if err != nil {
		return err
	}
	cfg.ID = id
	cfg.Title = strings.TrimSpace(cfg.Title)

	if err := mergo.Merge(&cfg.Display, DefaultDisplay); err != nil {
		return fmt.Errorf("apply display defaults: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	loc := &cfg.Location
	switch {
	case loc.Lat != nil || loc.Lon != nil:
		if !loc.HasCoordinates() {
			return errors.New("location: latitude and longitude must both be set")
		}
		if err := validation.ValidateCoordinates(*loc.Lat, *loc.Lon); err != nil {
			return fmt.Errorf("location: %w", err)
		}
	default:
		name, err := validation.ValidateLocation(loc.Name, 1, maxLocationLength)
		if err != nil {
			return fmt.Errorf("location: %w", err)
		}
		loc.Name = name
	}
	return nil
}
