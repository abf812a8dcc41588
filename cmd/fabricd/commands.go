package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/glennswest/microfabric/pkg/config"
	"github.com/glennswest/microfabric/pkg/fabric"
	"github.com/glennswest/microfabric/pkg/network/driver"
)

const defaultConfigPath = "/etc/fabricd/config.yaml"

var rootFlags struct {
	config string
	debug  bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fabricd",
		Short:         "SDN virtual gateway and intent reconciler",
		Version:       version,
		SilenceErrors: true,
	}
	configPath := defaultConfigPath
	if v := os.Getenv("FABRICD_CONFIG"); v != "" {
		configPath = v
	}
	addGlobalFlags(root.PersistentFlags(), configPath)

	root.AddCommand(newRunCmd(), newShowCmd(), newValidateCmd(), newIntentsCmd())
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, configPath string) {
	fs.StringVarP(&rootFlags.config, "config", "c", configPath, "configuration file (env FABRICD_CONFIG)")
	fs.BoolVar(&rootFlags.debug, "debug", false, "development logging")
}

// loadConfig reads the configuration and logs every warning.
func loadConfig(log *zap.SugaredLogger) (*config.Fabric, error) {
	cfg, warnings, err := config.Load(rootFlags.config)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		log.Warnw("config", "warning", w)
	}
	return cfg, nil
}

// ─── run ─────────────────────────────────────────────────────────────────────

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine and serve its API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			log := newLogger(rootFlags.debug)
			defer func() { _ = log.Sync() }()

			log.Infow("starting fabricd", "version", version, "config", rootFlags.config)
			cfg, err := loadConfig(log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, log)
		},
	}
}

// daemon is the wired engine with its drivers.
type daemon struct {
	mem    *driver.Memory
	routes *driver.RouteTable
	rest   *driver.REST
	reg    *prometheus.Registry
	m      *fabric.Manager
	api    http.Handler
}

// newDaemon wires the drivers selected by cfg to a Manager. The in-memory
// driver always serves the directories; intents, flows and packets go to the
// controller when one is configured.
func newDaemon(cfg *config.Fabric, log *zap.SugaredLogger) (*daemon, error) {
	d := &daemon{
		mem:    driver.NewMemoryFromInventory(cfg.Inventory, log),
		routes: driver.NewRouteTable(log, cfg.Routes...),
		reg:    prometheus.NewRegistry(),
	}
	d.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := fabric.Deps{
		Intents:    d.mem,
		Flows:      d.mem,
		Packets:    d.mem,
		Interfaces: d.mem,
		Hosts:      d.mem,
		Devices:    d.mem,
		Routes:     d.routes,
	}
	if url := cfg.Engine.ControllerURL; url != "" {
		d.rest = driver.NewREST(url, driver.RESTOptions{}, log)
		deps.Intents, deps.Flows, deps.Packets = d.rest, d.rest, d.rest
		log.Infow("using controller", "url", url)
	}

	m, err := fabric.NewManager(cfg, deps, d.reg, log)
	if err != nil {
		return nil, fmt.Errorf("creating fabric manager: %w", err)
	}
	d.m = m
	d.mem.Listen(m)
	d.routes.Listen(m)
	d.api = fabric.NewAPI(m, d.mem, d.reg)
	return d, nil
}

func run(ctx context.Context, cfg *config.Fabric, log *zap.SugaredLogger) error {
	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}

	listen := cfg.Engine.Listen
	if listen == "" {
		listen = config.Defaults().Listen
	}
	srv := &http.Server{Addr: listen, Handler: d.api, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.mem.Run(ctx)
		return nil
	})
	if d.rest != nil {
		g.Go(func() error {
			d.rest.Run(ctx)
			return nil
		})
	}
	g.Go(func() error { return d.m.Run(ctx) })
	g.Go(func() error {
		log.Infow("api listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reloadOnHangup(ctx, d.m, log)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.m.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Infow("fabricd stopped")
	return err
}

// reloadOnHangup re-reads the configuration on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, m *fabric.Manager, log *zap.SugaredLogger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig(log)
			if err != nil {
				log.Errorw("reloading config", "error", err)
				continue
			}
			m.Configure(cfg)
			log.Infow("config reloaded", "path", rootFlags.config)
		}
	}
}

// ─── show / validate ─────────────────────────────────────────────────────────

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the configured networks, subnets and routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, _, err := config.Load(rootFlags.config)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg *config.Fabric) {
	fmt.Fprintf(w, "app %s, virtual gateway %s\n\n", cfg.AppID, cfg.VirtualGatewayMAC)

	var rows [][]string
	for _, n := range cfg.L2Networks {
		rows = append(rows, []string{n.Name, strings.Join(n.InterfaceNames, ","), string(n.Encapsulation), strconv.FormatBool(n.L2Forward)})
	}
	renderTable(w, []string{"L2 NETWORK", "INTERFACES", "ENCAP", "L2 FORWARD"}, rows)

	rows = rows[:0]
	for _, s := range cfg.Subnets {
		rows = append(rows, []string{s.Prefix.String(), s.Gateway.String(), s.L2Network, string(s.Encapsulation)})
	}
	renderTable(w, []string{"SUBNET", "GATEWAY", "L2 NETWORK", "ENCAP"}, rows)

	rows = rows[:0]
	for _, r := range cfg.Routes {
		rows = append(rows, []string{r.Prefix.String(), r.NextHop.String(), string(r.Source)})
	}
	renderTable(w, []string{"ROUTE", "NEXT HOP", "SOURCE"}, rows)

	fmt.Fprintf(w, "border interfaces: %s\n", strings.Join(cfg.BorderInterfaces, ","))
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			_, warnings, err := config.Load(rootFlags.config)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if len(warnings) > 0 {
				return fmt.Errorf("%d configuration warnings", len(warnings))
			}
			fmt.Fprintln(out, "configuration ok")
			return nil
		},
	}
}

// ─── intents ─────────────────────────────────────────────────────────────────

var intentsFlags struct {
	server  string
	timeout time.Duration
}

func newIntentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intents",
		Short: "List the intents of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			ctx, cancel := context.WithTimeout(cmd.Context(), intentsFlags.timeout)
			defer cancel()

			snap, err := fetchIntents(ctx, intentsFlags.server)
			if err != nil {
				return err
			}
			printIntents(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&intentsFlags.server, "server", "http://localhost:8181", "daemon API address")
	cmd.Flags().DurationVar(&intentsFlags.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchIntents(ctx context.Context, server string) (fabric.Snapshot, error) {
	var snap fabric.Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/api/v1/intents", nil)
	if err != nil {
		return snap, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return snap, fmt.Errorf("querying %s: %w", server, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("querying %s: %s", server, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decoding intents: %w", err)
	}
	return snap, nil
}

func printIntents(w io.Writer, snap fabric.Snapshot) {
	rows := make([][]string, 0, len(snap.Installed))
	for _, rec := range snap.Installed {
		egress := make([]string, len(rec.Egress))
		for i, p := range rec.Egress {
			egress[i] = p.String()
		}
		rows = append(rows, []string{
			string(rec.Key),
			string(rec.Kind),
			strconv.Itoa(rec.Priority),
			strconv.Itoa(len(rec.Ingress)),
			strings.Join(egress, ","),
		})
	}
	renderTable(w, []string{"KEY", "KIND", "PRIORITY", "INGRESS", "EGRESS"}, rows)

	if len(snap.PendingPurge) > 0 {
		fmt.Fprintf(w, "pending purge: %d\n", len(snap.PendingPurge))
		for _, k := range snap.PendingPurge {
			fmt.Fprintf(w, "  %s\n", k)
		}
	}
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
	fmt.Fprintln(w)
}
