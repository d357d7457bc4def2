package widget

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS widgets (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	location_name TEXT NOT NULL DEFAULT '',
	lat DOUBLE PRECISION,
	lon DOUBLE PRECISION,
	units TEXT NOT NULL DEFAULT '',
	forecast_days INTEGER NOT NULL DEFAULT 0,
	theme TEXT NOT NULL DEFAULT '',
	show_humidity BOOLEAN NOT NULL DEFAULT FALSE,
	show_wind BOOLEAN NOT NULL DEFAULT FALSE
)`

// SQLStore serves widgets from a `widgets` table. Rows are read into a catalog on open and on
// Reload, so lookups never touch the database.
type SQLStore struct {
	db      *sql.DB
	driver  string
	logger  *zap.Logger
	current atomic.Pointer[catalog]
}

// OpenSQLStore opens dsn with driver ("sqlite" or "postgres"), creates the table if needed and
// loads the catalog.
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported widgets driver %q", driver)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open widgets database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create widgets table: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, logger: logger}
	s.current.Store(emptyCatalog())
	if err := s.Reload(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Lookup implements Store.
func (s *SQLStore) Lookup(id string) (*models.WidgetConfig, error) {
	return s.current.Load().lookup(id)
}

// List implements Store. Widgets are ordered by id.
func (s *SQLStore) List() []*models.WidgetConfig {
	return s.current.Load().list()
}

// Reload reads every row and swaps in the new catalog.
func (s *SQLStore) Reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, location_name, lat, lon, units, forecast_days, theme, show_humidity, show_wind FROM widgets ORDER BY id`)
	if err != nil {
		observability.WidgetStoreReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("query widgets: %w", err)
	}
	defer rows.Close()

	var configs []models.WidgetConfig
	for rows.Next() {
		var (
			cfg      models.WidgetConfig
			lat, lon sql.NullFloat64
			units    string
		)
		if err := rows.Scan(&cfg.ID, &cfg.Title, &cfg.Location.Name, &lat, &lon, &units,
			&cfg.Display.ForecastDays, &cfg.Display.Theme, &cfg.Display.ShowHumidity, &cfg.Display.ShowWind); err != nil {
			observability.WidgetStoreReloadsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("scan widget: %w", err)
		}
		cfg.Display.Units = models.Units(units)
		if lat.Valid {
			cfg.Location.Lat = &lat.Float64
		}
		if lon.Valid {
			cfg.Location.Lon = &lon.Float64
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		observability.WidgetStoreReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("read widgets: %w", err)
	}

	cat, err := newCatalog(configs)
	if err != nil {
		observability.WidgetStoreReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("widgets table: %w", err)
	}
	s.current.Store(cat)
	observability.WidgetStoreReloadsTotal.WithLabelValues("success").Inc()
	s.logger.Info("widgets loaded", zap.String("driver", s.driver), zap.Int("count", len(cat.sorted)))
	return nil
}

// Upsert validates cfg, writes it and reloads the catalog.
func (s *SQLStore) Upsert(ctx context.Context, cfg models.WidgetConfig) error {
	if err := s.write(ctx, cfg); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Seed writes configs when the table holds no widgets and reports how many were written.
// A table that already has rows is left alone so host edits survive restarts.
func (s *SQLStore) Seed(ctx context.Context, configs []models.WidgetConfig) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM widgets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count widgets: %w", err)
	}
	if n > 0 || len(configs) == 0 {
		return 0, nil
	}
	for _, cfg := range configs {
		if err := s.write(ctx, cfg); err != nil {
			return 0, err
		}
	}
	return len(configs), s.Reload(ctx)
}

func (s *SQLStore) write(ctx context.Context, cfg models.WidgetConfig) error {
	if err := Normalize(&cfg); err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	if cfg.Location.HasCoordinates() {
		lat = sql.NullFloat64{Float64: *cfg.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: *cfg.Location.Lon, Valid: true}
	}

	query := s.rebind(`INSERT INTO widgets (id, title, location_name, lat, lon, units, forecast_days, theme, show_humidity, show_wind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			location_name = excluded.location_name,
			lat = excluded.lat,
			lon = excluded.lon,
			units = excluded.units,
			forecast_days = excluded.forecast_days,
			theme = excluded.theme,
			show_humidity = excluded.show_humidity,
			show_wind = excluded.show_wind`)
	if _, err := s.db.ExecContext(ctx, query, cfg.ID, cfg.Title, cfg.Location.Name, lat, lon,
		string(cfg.Display.Units), cfg.Display.ForecastDays, cfg.Display.Theme,
		cfg.Display.ShowHumidity, cfg.Display.ShowWind); err != nil {
		return fmt.Errorf("upsert widget %s: %w", cfg.ID, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
