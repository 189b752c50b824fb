package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"sensorfabric/internal/api"
	"sensorfabric/internal/collector"
	"sensorfabric/internal/config"
	"sensorfabric/internal/logging"
	"sensorfabric/internal/model"
	"sensorfabric/internal/node"
	"sensorfabric/internal/session"
	"sensorfabric/internal/telemetry"
)

const usage = `sensorfabric - UDP sensor telemetry collector and node agent

Usage:
  sensorfabric collector serve  [--config <path>] [--listen :8888] [--dashboard :8080]
  sensorfabric collector status [--config <path>]
  sensorfabric node run       [--config <path>] [--id N] [--collector host[:port]]
  sensorfabric node register  [--config <path>] [--id N] [--collector host[:port]]
  sensorfabric node send-file [--config <path>] --file <path> [--name <remote name>]
  sensorfabric node send-log  [--config <path>] --file <path>
  sensorfabric stats [--config <path>] [--node N] [--window 1h]
  sensorfabric export csv [--config <path>] --out <file> [--node N]
  sensorfabric dashboard overview|nodes [--config <path>] [--url http://host:port]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "collector":
		handleCollector(os.Args[2:])
	case "node":
		handleNode(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "dashboard":
		handleDashboard(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleCollector(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "collector subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "serve":
		collectorServe(args[1:])
	case "status":
		collectorStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown collector subcommand %q\n", args[0])
		os.Exit(2)
	}
}

type collectorFlags struct {
	listen, storageDir, dataDir, backend, dashboard *string
	maxSessions                                     *int
	lease                                           *time.Duration
}

func addCollectorFlags(fs *pflag.FlagSet) collectorFlags {
	return collectorFlags{
		listen:      fs.StringP("listen", "l", "", "UDP listen address"),
		storageDir:  fs.String("storage-dir", "", "directory for received files"),
		dataDir:     fs.String("data-dir", "", "directory for telemetry and the session snapshot"),
		backend:     fs.String("backend", "", "telemetry backend (csv|badger)"),
		dashboard:   fs.String("dashboard", "", "dashboard HTTP listen address"),
		maxSessions: fs.Int("max-sessions", 0, "session registry capacity"),
		lease:       fs.Duration("lease", 0, "transfer slot lease (0 disables expiry)"),
	}
}

func (f collectorFlags) apply(fs *pflag.FlagSet, cfg *config.CollectorConfig) {
	if *f.listen != "" {
		cfg.Listen = *f.listen
	}
	if *f.storageDir != "" {
		cfg.StorageDir = *f.storageDir
	}
	if *f.dataDir != "" {
		cfg.DataDir = *f.dataDir
	}
	if *f.backend != "" {
		cfg.TelemetryBackend = *f.backend
	}
	if *f.dashboard != "" {
		cfg.DashboardListen = *f.dashboard
	}
	if *f.maxSessions != 0 {
		cfg.MaxSessions = *f.maxSessions
	}
	if fs.Changed("lease") {
		cfg.TransferLease = *f.lease
	}
}

func collectorServe(args []string) {
	fs := pflag.NewFlagSet("collector serve", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to YAML config")
	flags := addCollectorFlags(fs)
	_ = fs.Parse(args)

	cfg := loadCollectorConfig(*configPath)
	flags.apply(fs, cfg.Collector)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	logger := setupLogger(cfg)
	defer func() { _ = logger.Sync() }()

	srv, err := collector.NewServer(*cfg.Collector, logger)
	if err != nil {
		fatal(err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	fatal(srv.Run(ctx))
}

func collectorStatus(args []string) {
	fs := pflag.NewFlagSet("collector status", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to YAML config")
	dataDir := fs.String("data-dir", "", "data directory override")
	_ = fs.Parse(args)

	cfg := loadCollectorConfig(*configPath)
	if *dataDir != "" {
		cfg.Collector.DataDir = *dataDir
	}
	config.ApplyDefaults(&cfg)

	snap, err := session.LoadSnapshot(collector.SnapshotPath(cfg.Collector.DataDir))
	if err != nil {
		fatal(err)
	}
	if len(snap.Sessions) == 0 {
		fmt.Fprintln(os.Stdout, "no registered sessions")
		return
	}

	fmt.Fprintf(os.Stdout, "sessions=%d capacity=%d updated=%s\n",
		len(snap.Sessions), snap.Capacity, snap.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "%-8s  %-22s  %-7s  %-8s  %-20s\n", "NODE", "ENDPOINT", "FRAMED", "RECORDS", "LAST_SEEN")
	for _, s := range snap.Sessions {
		id := "-"
		if s.NodeID != nil {
			id = fmt.Sprint(*s.NodeID)
		}
		fmt.Fprintf(os.Stdout, "%-8s  %-22s  %-7t  %-8d  %-20s\n",
			id, s.Endpoint, s.Framed, s.Records, s.LastSeen.UTC().Format(time.RFC3339))
	}
}

func handleNode(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "node subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		nodeRun(args[1:])
	case "register":
		nodeRegister(args[1:])
	case "send-file":
		nodeSendFile(args[1:])
	case "send-log":
		nodeSendLog(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown node subcommand %q\n", args[0])
		os.Exit(2)
	}
}

type nodeFlags struct {
	id         *int
	collector  *string
	sensor     *string
	framed     *bool
	chunkSize  *int
	stunList   *string
	configPath *string
}

func addNodeFlags(fs *pflag.FlagSet) nodeFlags {
	return nodeFlags{
		configPath: fs.StringP("config", "c", "", "path to YAML config"),
		id:         fs.Int("id", 0, "node id"),
		collector:  fs.String("collector", "", "collector address (host[:port])"),
		sensor:     fs.String("sensor", "", "sensor line source (serial capture or sample file)"),
		framed:     fs.Bool("framed", false, "use tagged frames instead of legacy tokens"),
		chunkSize:  fs.Int("chunk-size", 0, "file chunk size in bytes"),
		stunList:   fs.String("stun", "", "comma-separated STUN servers"),
	}
}

// load reads the config and applies flag overrides to its node section.
func (f nodeFlags) load(fs *pflag.FlagSet) config.Config {
	cfg := loadConfig(*f.configPath)
	if cfg.Node == nil {
		cfg.Node = &config.NodeConfig{}
	}
	n := cfg.Node
	if *f.id != 0 {
		n.ID = *f.id
	}
	if *f.collector != "" {
		n.Collector = *f.collector
	}
	if *f.sensor != "" {
		n.SensorPath = *f.sensor
	}
	if fs.Changed("framed") {
		n.Framed = *f.framed
	}
	if *f.chunkSize != 0 {
		n.ChunkSize = *f.chunkSize
	}
	if *f.stunList != "" {
		n.STUNServers = splitList(*f.stunList)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

func nodeRun(args []string) {
	fs := pflag.NewFlagSet("node run", pflag.ExitOnError)
	flags := addNodeFlags(fs)
	_ = fs.Parse(args)

	cfg := flags.load(fs)
	logger := setupLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()
	if err := node.Run(ctx, *cfg.Node, nil, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func nodeRegister(args []string) {
	fs := pflag.NewFlagSet("node register", pflag.ExitOnError)
	flags := addNodeFlags(fs)
	_ = fs.Parse(args)

	cfg := flags.load(fs)
	client := dialNode(cfg, nil)
	defer client.Close()

	if err := client.Register(context.Background()); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "node %d registered with %s\n", cfg.Node.ID, client.Collector())
}

func nodeSendFile(args []string) {
	fs := pflag.NewFlagSet("node send-file", pflag.ExitOnError)
	flags := addNodeFlags(fs)
	file := fs.StringP("file", "f", "", "file to upload")
	name := fs.String("name", "", "name on the collector (default: base name of --file)")
	retries := fs.Int("retries", 5, "attempts while the transfer slot is busy")
	retryWait := fs.Duration("retry-wait", time.Second, "pause between attempts")
	_ = fs.Parse(args)

	if *file == "" {
		fatal(errors.New("--file is required"))
	}
	remote := *name
	if remote == "" {
		remote = filepath.Base(*file)
	}

	cfg := flags.load(fs)
	logger := setupLogger(cfg)
	defer func() { _ = logger.Sync() }()
	client := dialNode(cfg, logger)
	defer client.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := client.Register(ctx); err != nil {
		fatal(err)
	}

	for attempt := 1; ; attempt++ {
		f, err := os.Open(*file)
		if err != nil {
			fatal(err)
		}
		n, err := client.SendFile(ctx, remote, f)
		_ = f.Close()
		if err == nil {
			fmt.Fprintf(os.Stdout, "sent %s as %s (%d bytes)\n", *file, remote, n)
			return
		}
		if !errors.Is(err, node.ErrSlotBusy) || attempt >= *retries {
			fatal(err)
		}
		logger.Info("transfer slot busy, retrying", zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			fatal(ctx.Err())
		case <-time.After(*retryWait):
		}
	}
}

func nodeSendLog(args []string) {
	fs := pflag.NewFlagSet("node send-log", pflag.ExitOnError)
	flags := addNodeFlags(fs)
	file := fs.StringP("file", "f", "", "log file whose lines are sent as one burst")
	_ = fs.Parse(args)

	if *file == "" {
		fatal(errors.New("--file is required"))
	}
	cfg := flags.load(fs)
	client := dialNode(cfg, nil)
	defer client.Close()

	f, err := os.Open(*file)
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		fatal(err)
	}
	if err := client.SendBurst(lines...); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "sent %d lines as node %d\n", len(lines), cfg.Node.ID)
}

func handleStats(args []string) {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to YAML config")
	nodeID := fs.IntP("node", "n", -1, "node id (default: all nodes)")
	window := fs.DurationP("window", "w", time.Hour, "time window")
	_ = fs.Parse(args)

	items := readRecords(*configPath, *nodeID)
	cutoff := time.Now().UTC().Add(-*window)
	summary := telemetry.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no readings in window")
		return
	}

	fmt.Fprintf(os.Stdout, "records=%d parsed=%d from=%s to=%s\n",
		summary.Count, summary.Parsed, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	if summary.Parsed == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "temperature avg=%.2f p95=%.2f min=%.2f max=%.2f\n",
		summary.AvgTemp, summary.P95Temp, summary.MinTemp, summary.MaxTemp)
	fmt.Fprintf(os.Stdout, "humidity avg=%.2f min=%.2f max=%.2f\n",
		summary.AvgHum, summary.MinHum, summary.MaxHum)
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := pflag.NewFlagSet("export csv", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to YAML config")
	out := fs.StringP("out", "o", "", "output file")
	nodeID := fs.IntP("node", "n", -1, "node id (default: all nodes)")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}
	items := readRecords(*configPath, *nodeID)

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	if err := telemetry.WriteCSV(f, items); err != nil {
		_ = f.Close()
		fatal(err)
	}
	if err := f.Close(); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d records to %s\n", len(items), *out)
}

func handleDashboard(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "dashboard subcommand required\n")
		os.Exit(2)
	}
	sub := args[0]
	fs := pflag.NewFlagSet("dashboard "+sub, pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to YAML config")
	url := fs.String("url", "", "dashboard base URL (default: from collector.dashboard_listen)")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	_ = fs.Parse(args[1:])

	base := *url
	if base == "" {
		cfg := loadCollectorConfig(*configPath)
		if cfg.Collector.DashboardListen == "" {
			fatal(errors.New("--url or collector.dashboard_listen is required"))
		}
		base = dashboardURL(cfg.Collector.DashboardListen)
	}
	client := api.NewClient(base)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch sub {
	case "overview":
		ov, err := client.Overview(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "readings=%d nodes=%d active=%d sessions=%d/%d\n",
			ov.TotalReadings, ov.TotalNodes, ov.ActiveNodes, ov.Sessions, ov.Capacity)
		fmt.Fprintf(os.Stdout, "avg temperature=%.2f humidity=%.2f\n", ov.AvgTemp, ov.AvgHum)
		fmt.Fprintf(os.Stdout, "transfer_active=%t transfers_stored=%d unrecognized=%d\n",
			ov.TransferActive, ov.TransfersStored, ov.Unrecognized)
	case "nodes":
		nodes, err := client.Nodes(ctx)
		if err != nil {
			fatal(err)
		}
		if len(nodes) == 0 {
			fmt.Fprintln(os.Stdout, "no nodes reported yet")
			return
		}
		fmt.Fprintf(os.Stdout, "%-6s  %-7s  %-8s  %-8s  %-8s  %-20s\n", "NODE", "COUNT", "AVG_T", "AVG_H", "REGS", "LAST_SEEN")
		for _, n := range nodes {
			fmt.Fprintf(os.Stdout, "%-6d  %-7d  %-8.2f  %-8.2f  %-8d  %-20s\n",
				n.NodeID, n.Count, n.AvgTemp, n.AvgHum, n.Registrations, n.LastSeen.UTC().Format(time.RFC3339))
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown dashboard subcommand %q\n", sub)
		os.Exit(2)
	}
}

func readRecords(configPath string, nodeID int) []model.TelemetryRecord {
	cfg := loadCollectorConfig(configPath)
	config.ApplyDefaults(&cfg)

	store, err := telemetry.Open(cfg.Collector.TelemetryBackend, filepath.Join(cfg.Collector.DataDir, "telemetry"), nil)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	var items []model.TelemetryRecord
	if nodeID >= 0 {
		items, err = store.Records(nodeID)
	} else {
		items, err = store.All()
	}
	if err != nil {
		fatal(err)
	}
	return items
}

func dialNode(cfg config.Config, logger *zap.Logger) *node.Client {
	opts := node.ClientOptions{
		NodeID:          cfg.Node.ID,
		Framed:          cfg.Node.Framed,
		ChunkSize:       cfg.Node.ChunkSize,
		MaxDatagram:     cfg.Node.MaxDatagram,
		ChunkDelay:      cfg.Node.ChunkDelay,
		ResponseTimeout: cfg.Node.ResponseTimeout,
		Logger:          logger,
	}
	client, err := node.Dial(cfg.Node.Collector, opts)
	if err != nil {
		fatal(err)
	}
	return client
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	return cfg
}

func loadCollectorConfig(path string) config.Config {
	cfg := loadConfig(path)
	if cfg.Collector == nil {
		cfg.Collector = &config.CollectorConfig{}
	}
	return cfg
}

func setupLogger(cfg config.Config) *zap.Logger {
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		fatal(err)
	}
	return logger
}

// dashboardURL turns a listen address such as ":8080" into a URL a local
// client can reach.
func dashboardURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
