// ============================================================================
// FEP Participant CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the fep-participant binary
//
// Command Structure:
//   fep-participant                # Root command
//   ├── run                        # Start one participant
//   │   ├── --role                 # master or participant
//   │   ├── --name                 # participant name
//   │   ├── --listen               # transport listen address
//   │   └── --peers                # transport peers
//   ├── status                     # Configuration and live status
//   ├── schedule                   # Last resolved schedule snapshot
//   ├── incidents                  # Replay the incident journal
//   ├── trace                      # Slowest steps of a trace run
//   └── --config, -c               # Config file (all commands)
//
// run Command:
//   1. Load config file, apply flag overrides
//   2. Configure slog from the log section
//   3. Build the participant and start it
//   4. Wait for SIGINT / SIGTERM
//   5. Close the participant; exit handlers flush the trace
//
//   Examples:
//     ./fep-participant run
//     ./fep-participant run -c configs/driver.yaml --role participant
//
// Offline commands (schedule, incidents, trace) only read the files a
// running or finished participant left behind.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/audi/fep-participant-sub001/internal/config"
	"github.com/audi/fep-participant-sub001/internal/metrics"
	"github.com/audi/fep-participant-sub001/internal/monitor"
	"github.com/audi/fep-participant-sub001/internal/participant"
	"github.com/audi/fep-participant-sub001/internal/snapshot"
	"github.com/audi/fep-participant-sub001/internal/storage/journal"
	"github.com/audi/fep-participant-sub001/internal/trace"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fep-participant",
		Short: "FEP participant with locked-step timing",
		Long: `fep-participant runs one member of a simulation federation:
- timing master or timing client over gRPC
- incident journal and schedule snapshot
- SQLite step trace and Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/participant.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildScheduleCommand())
	rootCmd.AddCommand(buildIncidentsCommand())
	rootCmd.AddCommand(buildTraceCommand())

	return rootCmd
}

// runOverrides are the run flags that replace config values when set.
type runOverrides struct {
	role   string
	name   string
	listen string
	peers  []string
}

func (o runOverrides) apply(cfg *config.Config) {
	if o.role != "" {
		cfg.Participant.Role = o.role
	}
	if o.name != "" {
		cfg.Participant.Name = o.name
	}
	if o.listen != "" {
		cfg.Transport.Listen = o.listen
	}
	if len(o.peers) > 0 {
		cfg.Transport.Peers = o.peers
	}
}

func buildRunCommand() *cobra.Command {
	var o runOverrides

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a participant",
		Long:  "Start a participant as timing master or plain participant and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, o)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runParticipant(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&o.role, "role", "", "participant role: master or participant")
	cmd.Flags().StringVar(&o.name, "name", "", "participant name")
	cmd.Flags().StringVar(&o.listen, "listen", "", "transport listen address (host:port)")
	cmd.Flags().StringSliceVar(&o.peers, "peers", nil, "transport peer addresses")

	return cmd
}

func loadConfig(path string, o runOverrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
}

// runParticipant starts a participant and blocks until ctx is done.
func runParticipant(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	p, err := participant.New(cfg, participant.Options{Metrics: metrics.NewCollector()})
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}

	if err := p.Start(ctx); err != nil {
		p.Close()
		return fmt.Errorf("failed to start participant: %w", err)
	}
	logger.Info("participant started", "name", p.Name(), "role", cfg.Participant.Role, "config", configFile)

	<-ctx.Done()
	logger.Info("received shutdown signal, stopping gracefully")

	if err := p.Close(); err != nil {
		return fmt.Errorf("failed to stop participant: %w", err)
	}
	logger.Info("participant stopped")
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show participant status",
		Long:  "Display the configuration and, if the monitor is reachable, the live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" && cfg.Monitor.Enabled {
				addr = cfg.Monitor.Addr
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "monitor address to query (defaults to monitor.addr)")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *config.Config, addr string) error {
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Config File:   %s\n", configFile)
	fmt.Fprintf(w, "  Participant:   %s (%s)\n", cfg.Participant.Name, cfg.Participant.Role)
	fmt.Fprintf(w, "  Timing Master: %s\n", cfg.Timing.Master)
	if cfg.IsMaster() {
		fmt.Fprintf(w, "  Trigger Mode:  %s\n", cfg.Timing.TriggerMode)
	}
	fmt.Fprintf(w, "  Steps:         %d\n", len(cfg.Steps))
	fmt.Fprintf(w, "  Transport:     %s -> %s\n", cfg.Transport.Listen, strings.Join(cfg.Transport.Peers, ","))
	fmt.Fprintf(w, "  Journal:       %s\n", cfg.Journal.Path)
	fmt.Fprintf(w, "  Snapshot:      %s\n", cfg.Snapshot.Path)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Live Status:")
	if addr == "" {
		fmt.Fprintln(w, "  monitor disabled")
		return nil
	}
	st, err := fetchStatus(ctx, addr)
	if err != nil {
		fmt.Fprintf(w, "  not reachable at %s: %v\n", addr, err)
		return nil
	}
	fmt.Fprintf(w, "  State:         %s\n", st.State)
	fmt.Fprintf(w, "  Role:          %s\n", st.Role)
	fmt.Fprintf(w, "  Sim Time:      %d us\n", st.SimTime)
	fmt.Fprintf(w, "  Steps:         %d\n", st.Steps)
	fmt.Fprintf(w, "  Error Events:  %d\n", st.ErrorEvents)
	return nil
}

// fetchStatus queries /api/status of a running participant.
func fetchStatus(ctx context.Context, addr string) (monitor.Status, error) {
	var st monitor.Status
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/status", nil)
	if err != nil {
		return st, err
	}
	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("unexpected status %s", rsp.Status)
	}
	if err := json.NewDecoder(rsp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func buildScheduleCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the last resolved schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showSchedule(cmd.OutOrStdout(), cfg.Snapshot.Path, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	return cmd
}

func showSchedule(w io.Writer, path string, asJSON bool) error {
	s, err := snapshot.NewManager(path).Load()
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			fmt.Fprintf(w, "no schedule snapshot at %s\n", path)
			return nil
		}
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(w, "Master %s, %s, slot granularity %d us, written %s\n\n",
		s.Master, s.TriggerMode, s.CycleTime, s.WrittenAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tCYCLE_US")
	for _, st := range s.Steps {
		fmt.Fprintf(tw, "%s\t%d\n", st.UUID, st.CycleTime)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d slots\n", len(s.Slots))
	return nil
}

func buildIncidentsCommand() *cobra.Command {
	var (
		file     string
		severity string
	)

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Replay the incident journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				file = cfg.Journal.Path
			}
			return showIncidents(cmd.OutOrStdout(), file, severity)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "journal file (defaults to journal.path)")
	cmd.Flags().StringVar(&severity, "severity", "", "only show this severity")
	return cmd
}

func showIncidents(w io.Writer, path, severity string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tSOURCE\tCODE\tSEVERITY\tDESCRIPTION")
	n := 0
	err := journal.ReadFile(path, func(rec journal.Record) error {
		if severity != "" && !strings.EqualFold(rec.Severity, severity) {
			return nil
		}
		n++
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", rec.Seq,
			time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339), rec.Source, rec.Code, rec.Severity, rec.Description)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d incidents\n", n)
	return nil
}

func buildTraceCommand() *cobra.Command {
	var (
		db    string
		run   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the slowest steps of a trace run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if db == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				db = cfg.Trace.Path
			}
			if db == "" {
				return fmt.Errorf("no trace database given (use --db)")
			}
			return showTrace(cmd.Context(), cmd.OutOrStdout(), db, run, limit)
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "trace database (defaults to trace.path)")
	cmd.Flags().StringVar(&run, "run", "", "run id (defaults to the latest run)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of steps to show")
	return cmd
}

func showTrace(ctx context.Context, w io.Writer, db, run string, limit int) error {
	store, err := trace.OpenExisting(db)
	if err != nil {
		return err
	}
	defer store.Close()

	if run == "" {
		if run, err = store.LatestRun(ctx); err != nil {
			return err
		}
	}
	sum, err := store.SummarizeRun(ctx, run)
	if err != nil {
		return err
	}
	stats, err := store.SlowestStepsOfRun(ctx, run, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s: %d ticks, %d acks, %d steps, %d violations\n\n",
		sum.RunID, sum.Ticks, sum.Acks, sum.Steps, sum.Violations)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tCOUNT\tAVG_US\tMAX_US\tVIOLATIONS")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%d\t%d\n", st.Step, st.Count, st.AvgUs, st.MaxUs, st.Violated)
	}
	return tw.Flush()
}
