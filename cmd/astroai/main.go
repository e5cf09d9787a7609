package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"astroai/internal/chart"
	"astroai/internal/config"
	"astroai/internal/form"
	"astroai/internal/geo"
	appLog "astroai/internal/log"
	"astroai/internal/timenorm"
	"astroai/internal/web"
)

const version = "0.1.0"

// rootFlags holds flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

func main() {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "astroai",
		Short:         "Birth data normalization and natal chart submission",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "astroai.yaml", "Path to config file (created with defaults if missing)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info or error (overrides config if set)")

	root.AddCommand(
		serveCmd(&flags),
		calcCmd(&flags),
		searchCmd(&flags),
		checkCmd(&flags),
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		appLog.Error("astroai failed", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the log level.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	level := conf.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	return conf, nil
}

// newSearcher builds the place search client. Timezone lookup is optional:
// without it candidates fall back to the form's default zone.
func newSearcher(conf *config.Config) *geo.NominatimClient {
	zones, err := geo.DefaultZoneFinder()
	if err != nil {
		appLog.Error("timezone finder unavailable; candidates will carry no timezone", err)
		return geo.NewNominatimClient(conf.Search, nil)
	}
	return geo.NewNominatimClient(conf.Search, zones)
}

func serveCmd(flags *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API for one form session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				conf.Listen = listen
			}

			appLog.Info("effective config",
				"listen", conf.Listen,
				"default_timezone", conf.DefaultTimezone,
				"chart_url", conf.Chart.BaseURL+conf.Chart.Endpoint,
				"chart_timeout", conf.Chart.Timeout,
				"search_url", conf.Search.BaseURL,
				"debounce", conf.Search.Debounce,
				"basic_auth", conf.BasicAuth != nil,
			)

			if _, err := timenorm.LoadZone(conf.DefaultTimezone); err != nil {
				return errors.Wrap(err, "default_timezone")
			}

			searcher := newSearcher(conf)
			resolver := geo.NewResolver(searcher, conf.Search)
			defer resolver.Dispose()

			coord := chart.NewCoordinator(chart.NewClient(conf.Chart))
			defer coord.Clear()

			srv := web.NewServer(conf, web.Deps{
				Form:        form.New(conf.DefaultTimezone),
				Resolver:    resolver,
				Searcher:    searcher,
				Coordinator: coord,
			})
			if err := srv.Run(cmd.Context()); err != nil {
				return err
			}
			appLog.Info("astroai exiting")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func calcCmd(flags *rootFlags) *cobra.Command {
	var (
		date     string
		tz       string
		lat, lon float64
		place    string
	)

	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Normalize birth data and request a natal chart",
		Example: `  astroai calc --date "2000-01-01 09:00" --place "Москва"
  astroai calc --date "1990-05-04 14:30" --tz America/New_York --lat 40.7128 --lon -74.006`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			local, err := timenorm.ParseLocal(date)
			if err != nil {
				return err
			}

			m := form.New(conf.DefaultTimezone)
			m.SetDate(local)

			switch {
			case strings.TrimSpace(place) != "":
				results, err := newSearcher(conf).Search(ctx, place)
				if err != nil {
					return errors.Wrap(err, "place search")
				}
				if len(results) == 0 {
					return errors.Errorf("no place found for %q", place)
				}
				c := results[0]
				appLog.Info("using place", "label", geo.FormatCandidate(c), "timezone", c.Timezone)
				if err := m.SetLocation(geo.FormatCandidate(c), c.Latitude, c.Longitude, c.Timezone); err != nil {
					return err
				}
			case cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon"):
				if err := m.SetLocation("", lat, lon, ""); err != nil {
					return err
				}
			}
			// An explicit --tz wins over the place's zone.
			if tz != "" {
				in := m.Snapshot()
				if in.Coordinates != nil {
					if err := m.SetLocation(in.LocationLabel, in.Coordinates.Latitude, in.Coordinates.Longitude, tz); err != nil {
						return err
					}
				}
			}

			if !m.Validate() {
				return validationError(m.Snapshot().FieldErrors)
			}
			payload, err := m.DerivePayload()
			if err != nil {
				return err
			}

			state := chart.NewCoordinator(chart.NewClient(conf.Chart)).Submit(ctx, payload)
			if state.Status == chart.StatusRejected {
				return errors.Errorf("chart request rejected (%s): %s", state.Kind, state.Message)
			}
			return printJSON(cmd, struct {
				Payload any             `json:"payload"`
				Chart   json.RawMessage `json:"chart"`
			}{Payload: payload, Chart: state.Chart.Raw})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", `Local birth time, e.g. "2000-01-01 09:00"`)
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone of the birth place (default from place or config)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude in decimal degrees")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Longitude in decimal degrees")
	cmd.Flags().StringVar(&place, "place", "", "Free-text birth place, resolved via place search")
	_ = cmd.MarkFlagRequired("date")
	cmd.MarkFlagsRequiredTogether("lat", "lon")
	cmd.MarkFlagsMutuallyExclusive("place", "lat")
	return cmd
}

func searchCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "search <text>",
		Short: "Look up places and their timezones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			results, err := newSearcher(conf).Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, c := range results {
				tz := c.Timezone
				if tz == "" {
					tz = "-"
				}
				fmt.Fprintf(out, "%d\t%s\t%s\n", i, geo.FormatCandidate(c), tz)
			}
			return nil
		},
	}
}

func checkCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that the chart service is reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := chart.NewClient(conf.Chart).Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "chart service OK:", conf.Chart.BaseURL)
			return nil
		},
	}
}

func validationError(fieldErrs map[string]string) error {
	parts := make([]string, 0, len(fieldErrs))
	for _, field := range []string{form.FieldDate, form.FieldLocation, form.FieldTimezone} {
		if msg, ok := fieldErrs[field]; ok {
			parts = append(parts, field+": "+msg)
		}
	}
	return errors.Errorf("invalid birth data: %s", strings.Join(parts, "; "))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
