package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"markovnet/internal/config"
	"markovnet/internal/device"
	"markovnet/internal/graph"
	"markovnet/internal/server"
	"markovnet/internal/storage"
	"markovnet/pkg/markovnet"
)

const defaultConfigPath = "markovnet.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("markovctl", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "YAML config path")
	storeKind := fs.String("store", "", "store backend override: memory|sqlite")
	dbPath := fs.String("db-path", "", "sqlite database path override")
	deviceKind := fs.String("device", "", "device override: host|soft|webgpu")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return usageError("missing command")
	}
	if rest[0] == "init" {
		return runInit(*configPath, rest[1:])
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}
	if *storeKind != "" {
		cfg.Store.Kind = *storeKind
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *deviceKind != "" {
		cfg.Device.Kind = *deviceKind
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := newApp(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()
	if err := a.client.Init(ctx); err != nil {
		return err
	}

	switch rest[0] {
	case "repl":
		return a.runREPL(ctx, rest[1:])
	case "serve":
		return a.runServe(ctx, rest[1:])
	default:
		return a.dispatch(ctx, rest)
	}
}

func runInit(configPath string, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.InitConfig(configPath); err != nil {
		return err
	}
	fmt.Printf("initialized config=%s\n", configPath)
	return nil
}

type app struct {
	cfg    *config.Config
	client *markovnet.Client
	out    io.Writer
	tty    bool
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	client, err := markovnet.New(markovnet.Options{
		StoreKind:      cfg.Store.Kind,
		DBPath:         cfg.Store.Path,
		Device:         cfg.Device.Kind,
		DeviceCapacity: cfg.Device.Capacity,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, client: client, out: out, tty: isTerminal(out)}, nil
}

func (a *app) Close() error {
	return a.client.Close()
}

// dispatch runs one data command against the shared client.
func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}
	switch args[0] {
	case "genome":
		return a.runGenome(ctx, args[1:])
	case "inspect":
		return a.runInspect(ctx, args[1:])
	case "run":
		return a.runRun(ctx, args[1:])
	case "runs":
		return a.runRuns(ctx, args[1:])
	case "parity":
		return a.runParity(ctx, args[1:])
	case "graph":
		return a.runGraph(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func (a *app) runGenome(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: markovctl genome <new|put|show|list|delete> [flags]")
	}
	switch args[0] {
	case "new":
		return a.runGenomeNew(ctx, args[1:])
	case "put":
		return a.runGenomePut(ctx, args[1:])
	case "show":
		return a.runGenomeShow(ctx, args[1:])
	case "list":
		return a.runGenomeList(ctx, args[1:])
	case "delete":
		return a.runGenomeDelete(ctx, args[1:])
	default:
		return fmt.Errorf("unknown genome command: %s", args[0])
	}
}

func (a *app) runGenomeNew(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genome new", flag.ContinueOnError)
	id := fs.String("id", "", "genome id (generated when empty)")
	seed := fs.Int64("seed", a.cfg.Run.Seed, "rng seed")
	inputs := fs.Int("inputs", a.cfg.Genome.Layout.Inputs, "input node count")
	outputs := fs.Int("outputs", a.cfg.Genome.Layout.Outputs, "output node count")
	hidden := fs.Int("hidden", a.cfg.Genome.Layout.Hidden, "hidden node count")
	gates := fs.Int("gates", a.cfg.Genome.Gates, "gate count")
	feedback := fs.Bool("feedback", a.cfg.Codec.FeedbackLearning, "enable feedback learning")
	jsonOut := fs.Bool("json", !a.tty, "emit genome as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	layout := a.cfg.Genome.Layout
	layout.Inputs, layout.Outputs, layout.Hidden = *inputs, *outputs, *hidden
	opts := a.cfg.Codec
	opts.FeedbackLearning = *feedback
	item, err := a.client.NewGenome(ctx, markovnet.NewGenomeRequest{
		ID:      *id,
		Seed:    *seed,
		Layout:  layout,
		Gates:   *gates,
		Options: opts,
	})
	if err != nil {
		return err
	}
	return a.printGenome(item, *jsonOut, false)
}

func (a *app) runGenomePut(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genome put", flag.ContinueOnError)
	id := fs.String("id", "", "genome id (generated when empty)")
	hexBytes := fs.String("hex", "", "hex-encoded genome bytes")
	file := fs.String("file", "", "raw genome file; - reads stdin")
	feedback := fs.Bool("feedback", a.cfg.Codec.FeedbackLearning, "enable feedback learning")
	jsonOut := fs.Bool("json", !a.tty, "emit genome as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		bytes []byte
		err   error
	)
	switch {
	case *hexBytes != "" && *file != "":
		return errors.New("use only one of --hex or --file")
	case *hexBytes != "":
		bytes, err = hex.DecodeString(strings.TrimSpace(*hexBytes))
		if err != nil {
			return fmt.Errorf("decode genome hex: %w", err)
		}
	case *file == "-":
		bytes, err = io.ReadAll(os.Stdin)
	case *file != "":
		bytes, err = os.ReadFile(*file)
	default:
		return errors.New("genome put requires --hex or --file")
	}
	if err != nil {
		return err
	}

	opts := a.cfg.Codec
	opts.FeedbackLearning = *feedback
	item, err := a.client.PutGenome(ctx, markovnet.PutGenomeRequest{ID: *id, Bytes: bytes, Options: opts})
	if err != nil {
		return err
	}
	return a.printGenome(item, *jsonOut, false)
}

func (a *app) runGenomeShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genome show", flag.ContinueOnError)
	id := fs.String("id", "", "genome id")
	jsonOut := fs.Bool("json", !a.tty, "emit genome as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("genome show requires --id")
	}
	item, err := a.client.Genome(ctx, *id)
	if err != nil {
		return err
	}
	return a.printGenome(item, *jsonOut, true)
}

func (a *app) runGenomeList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genome list", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max genomes to list (0 lists all)")
	jsonOut := fs.Bool("json", !a.tty, "emit genome list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	items, err := a.client.Genomes(ctx, *limit)
	if err != nil {
		return err
	}
	if *jsonOut {
		type genomeListItem struct {
			ID           string `json:"id"`
			Size         int    `json:"size"`
			Gates        int    `json:"gates"`
			Nodes        int    `json:"nodes"`
			Footprint    int    `json:"footprint"`
			CreatedAtUTC string `json:"created_at_utc"`
		}
		out := make([]genomeListItem, 0, len(items))
		for _, item := range items {
			out = append(out, genomeListItem{
				ID:           item.ID,
				Size:         len(item.Bytes),
				Gates:        item.Header.Gates,
				Nodes:        item.Header.Nodes,
				Footprint:    item.Header.Footprint,
				CreatedAtUTC: item.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return a.writeJSON(out)
	}
	if len(items) == 0 {
		fmt.Fprintln(a.out, "no genomes found")
		return nil
	}
	for _, item := range items {
		fmt.Fprintf(a.out, "id=%s size=%d gates=%d nodes=%d footprint=%s created=%s\n",
			item.ID,
			len(item.Bytes),
			item.Header.Gates,
			item.Header.Nodes,
			humanize.IBytes(uint64(item.Header.Footprint)),
			humanize.Time(item.CreatedAt),
		)
	}
	return nil
}

func (a *app) runGenomeDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genome delete", flag.ContinueOnError)
	id := fs.String("id", "", "genome id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("genome delete requires --id")
	}
	if err := a.client.DeleteGenome(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deleted genome=%s\n", *id)
	return nil
}

func (a *app) printGenome(item markovnet.GenomeItem, jsonOut, withBytes bool) error {
	if jsonOut {
		type genomeOut struct {
			ID           string `json:"id"`
			Hex          string `json:"hex,omitempty"`
			Header       any    `json:"header"`
			Options      any    `json:"options"`
			CreatedAtUTC string `json:"created_at_utc"`
		}
		out := genomeOut{
			ID:           item.ID,
			Header:       item.Header,
			Options:      item.Options,
			CreatedAtUTC: item.CreatedAt.UTC().Format(time.RFC3339),
		}
		if withBytes {
			out.Hex = hex.EncodeToString(item.Bytes)
		}
		return a.writeJSON(out)
	}
	h := item.Header
	fmt.Fprintf(a.out, "genome=%s size=%d inputs=%d outputs=%d hidden=%d gates=%d nodes=%d footprint=%s\n",
		item.ID, len(item.Bytes), h.Inputs, h.Outputs, h.Hidden, h.Gates, h.Nodes, humanize.IBytes(uint64(h.Footprint)))
	if withBytes {
		fmt.Fprintln(a.out, hex.EncodeToString(item.Bytes))
	}
	return nil
}

func (a *app) runInspect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	id := fs.String("id", "", "genome id")
	jsonOut := fs.Bool("json", !a.tty, "emit inspection as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("inspect requires --id")
	}
	summary, err := a.client.Inspect(ctx, *id)
	if err != nil {
		return err
	}
	if *jsonOut {
		return a.writeJSON(summary)
	}

	h := summary.Genome.Header
	fmt.Fprintf(a.out, "genome=%s nodes=%d state_len=%d footprint=%s (%s bytes)\n",
		summary.Genome.ID, h.Nodes, h.StateLen, humanize.IBytes(uint64(h.Footprint)), humanize.Comma(int64(h.Footprint)))
	for _, view := range []struct {
		name string
		s    graph.Summary
	}{
		{markovnet.ViewFull, summary.Full},
		{markovnet.ViewReduced, summary.Reduced},
		{markovnet.ViewCausal, summary.Causal},
	} {
		fmt.Fprintf(a.out, "view=%s vertices=%d edges=%d fingerprint=%s\n", view.name, view.s.Vertices, view.s.Edges, view.s.Fingerprint)
	}
	for i, node := range summary.Nodes {
		fmt.Fprintf(a.out, "node=%d kind=%s inputs=%v outputs=%v\n", i, node.Kind, node.Inputs, node.Outputs)
	}
	return nil
}

func (a *app) runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	id := fs.String("id", "", "genome id")
	ticks := fs.Int("ticks", a.cfg.Run.Ticks, "tick count")
	seed := fs.Int64("seed", a.cfg.Run.Seed, "rng seed")
	deviceKind := fs.String("device", "", "execution device (defaults to config)")
	showOutputs := fs.Bool("outputs", false, "print per-tick outputs")
	jsonOut := fs.Bool("json", !a.tty, "emit run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("run requires --id")
	}
	if *ticks <= 0 {
		return errors.New("ticks must be > 0")
	}

	summary, err := a.client.Run(ctx, markovnet.RunRequest{
		GenomeID: *id,
		Ticks:    *ticks,
		Seed:     *seed,
		Device:   *deviceKind,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		type runOut struct {
			RunID    string      `json:"run_id"`
			Backend  string      `json:"backend"`
			Fallback bool        `json:"fallback"`
			Ticks    int         `json:"ticks"`
			Outputs  [][]float64 `json:"outputs,omitempty"`
		}
		out := runOut{RunID: summary.RunID, Backend: summary.Backend, Fallback: summary.Fallback, Ticks: len(summary.Outputs)}
		if *showOutputs {
			out.Outputs = summary.Outputs
		}
		return a.writeJSON(out)
	}

	fmt.Fprintf(a.out, "run_id=%s backend=%s fallback=%t ticks=%d\n", summary.RunID, summary.Backend, summary.Fallback, len(summary.Outputs))
	if *showOutputs {
		for i, outputs := range summary.Outputs {
			fmt.Fprintf(a.out, "tick=%d outputs=%s\n", i+1, formatOutputs(outputs))
		}
	}
	return nil
}

func (a *app) runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	id := fs.String("id", "", "filter by genome id")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", !a.tty, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}
	items, err := a.client.Runs(ctx, markovnet.RunsRequest{GenomeID: *id, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return a.writeJSON(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(a.out, "no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Fprintf(a.out, "run_id=%s genome=%s backend=%s seed=%d ticks=%d created=%s\n",
			item.RunID, item.GenomeID, item.Backend, item.Seed, item.Ticks, item.CreatedAtUTC)
	}
	return nil
}

func (a *app) runParity(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("parity", flag.ContinueOnError)
	id := fs.String("id", "", "genome id")
	ticks := fs.Int("ticks", a.cfg.Run.Ticks, "tick count")
	seed := fs.Int64("seed", a.cfg.Run.Seed, "rng seed")
	deviceKind := fs.String("device", "", "device to compare against the host (defaults to soft)")
	jsonOut := fs.Bool("json", !a.tty, "emit parity summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("parity requires --id")
	}
	summary, err := a.client.Parity(ctx, markovnet.ParityRequest{GenomeID: *id, Ticks: *ticks, Seed: *seed, Device: *deviceKind})
	if err != nil {
		return err
	}
	if *jsonOut {
		if err := a.writeJSON(summary); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(a.out, "backend=%s ticks=%d mismatches=%d first_mismatch=%d\n",
			summary.Backend, summary.Ticks, summary.Mismatches, summary.FirstMismatch)
	}
	if summary.Mismatches > 0 {
		return fmt.Errorf("host and %s diverged at tick %d", summary.Backend, summary.FirstMismatch)
	}
	return nil
}

func (a *app) runGraph(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	id := fs.String("id", "", "genome id")
	view := fs.String("view", markovnet.ViewFull, "graph view: full|reduced|causal")
	format := fs.String("format", "dot", "output format: dot|json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("graph requires --id")
	}
	g, err := a.client.Graph(ctx, markovnet.GraphRequest{GenomeID: *id, View: *view})
	if err != nil {
		return err
	}
	switch *format {
	case "dot":
		return graph.WriteDOT(a.out, *id, g)
	case "json":
		return a.writeJSON(g)
	default:
		return fmt.Errorf("unsupported graph format: %s", *format)
	}
}

func (a *app) runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.Server.Addr, "listen address")
	maxTicks := fs.Int("max-ticks", a.cfg.Server.MaxTicks, "tick cap per session (0 is unlimited)")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)

	dev, err := a.cfg.Device.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = device.CloseIfSupported(dev)
	}()

	store, err := storage.NewStore(a.cfg.Store.Kind, a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Device:   dev,
		MaxTicks: *maxTicks,
		Lookup:   store.GetGenome,
		Logger:   logger,
	})
	return srv.ListenAndServe(ctx, *addr)
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOutputs(outputs []float64) string {
	var b strings.Builder
	for _, v := range outputs {
		if v > 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: markovctl [--config path] [--store kind] [--db-path path] [--device kind] <init|genome|inspect|run|runs|parity|graph|repl|serve> [flags]", msg)
}
