package markovnet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"markovnet/internal/codec"
	"markovnet/internal/config"
	"markovnet/internal/device"
	"markovnet/internal/graph"
	"markovnet/internal/markov"
	"markovnet/internal/model"
	"markovnet/internal/prng"
	"markovnet/internal/storage"
)

const defaultDBPath = "markovnet.db"

const (
	ViewFull    = "full"
	ViewReduced = "reduced"
	ViewCausal  = "causal"
)

var ErrNotFound = errors.New("not found")

type Options struct {
	StoreKind string
	DBPath    string
	// Device is the default execution backend for runs: "host", "soft" or
	// "webgpu".
	Device         string
	DeviceCapacity int
}

type Client struct {
	store storage.Store

	device         string
	deviceCapacity int

	initOnce sync.Once
	initErr  error
}

type PutGenomeRequest struct {
	ID      string
	Bytes   []byte
	Options codec.Options
}

type NewGenomeRequest struct {
	ID      string
	Seed    int64
	Layout  markov.Layout
	Gates   int
	Options codec.Options
}

type GenomeItem struct {
	ID        string
	Bytes     []byte
	Options   codec.Options
	Header    model.Header
	CreatedAt time.Time
}

type InspectSummary struct {
	Genome  GenomeItem
	Nodes   []model.Node
	Full    graph.Summary
	Reduced graph.Summary
	Causal  graph.Summary
}

type RunRequest struct {
	GenomeID string
	Ticks    int
	Seed     int64
	// Inputs overrides the seeded random bit inputs; Ticks is then len(Inputs).
	Inputs [][]float64
	Device string
}

type RunSummary struct {
	RunID   string
	Backend string
	// Fallback is set when the device could not hold the network and the run
	// continued on the host.
	Fallback bool
	Header   model.Header
	Outputs  [][]float64
}

type RunsRequest struct {
	GenomeID string
	Limit    int
}

type RunItem struct {
	RunID        string
	GenomeID     string
	Backend      string
	Seed         int64
	Ticks        int
	CreatedAtUTC string
}

type ParityRequest struct {
	GenomeID string
	Ticks    int
	Seed     int64
	Device   string
}

type ParitySummary struct {
	Backend       string
	Ticks         int
	Mismatches    int
	FirstMismatch int
}

type GraphRequest struct {
	GenomeID string
	View     string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	deviceKind := opts.Device
	if deviceKind == "" {
		deviceKind = config.DeviceHost
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:          store,
		device:         deviceKind,
		deviceCapacity: opts.DeviceCapacity,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.ensureStore(ctx)
}

// PutGenome stores genome bytes after checking they decode under opts.
func (c *Client) PutGenome(ctx context.Context, req PutGenomeRequest) (GenomeItem, error) {
	header, _, err := markov.Decode(req.Bytes, req.Options)
	if err != nil {
		return GenomeItem{}, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return GenomeItem{}, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	rec := model.GenomeRecord{
		VersionedRecord: storage.Versioned(),
		ID:              id,
		Bytes:           append([]byte(nil), req.Bytes...),
		Options:         req.Options,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.SaveGenome(ctx, rec); err != nil {
		return GenomeItem{}, err
	}
	return genomeItem(rec, header), nil
}

// NewGenome writes a random well-formed genome and stores it.
func (c *Client) NewGenome(ctx context.Context, req NewGenomeRequest) (GenomeItem, error) {
	if req.Gates < 0 {
		return GenomeItem{}, errors.New("gates must be >= 0")
	}
	bytes, err := markov.RandomGenome(rand.New(rand.NewSource(req.Seed)), req.Layout, req.Gates, req.Options)
	if err != nil {
		return GenomeItem{}, err
	}
	return c.PutGenome(ctx, PutGenomeRequest{ID: req.ID, Bytes: bytes, Options: req.Options})
}

func (c *Client) Genome(ctx context.Context, id string) (GenomeItem, error) {
	rec, err := c.genomeRecord(ctx, id)
	if err != nil {
		return GenomeItem{}, err
	}
	header, _, err := markov.Decode(rec.Bytes, rec.Options)
	if err != nil {
		return GenomeItem{}, fmt.Errorf("decode genome %s: %w", id, err)
	}
	return genomeItem(rec, header), nil
}

func (c *Client) Genomes(ctx context.Context, limit int) ([]GenomeItem, error) {
	if limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	records, err := c.store.ListGenomes(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]GenomeItem, 0, len(records))
	for _, rec := range records {
		header, _, err := markov.Decode(rec.Bytes, rec.Options)
		if err != nil {
			return nil, fmt.Errorf("decode genome %s: %w", rec.ID, err)
		}
		out = append(out, genomeItem(rec, header))
	}
	return out, nil
}

func (c *Client) DeleteGenome(ctx context.Context, id string) error {
	if _, err := c.genomeRecord(ctx, id); err != nil {
		return err
	}
	return c.store.DeleteGenome(ctx, id)
}

func (c *Client) Inspect(ctx context.Context, id string) (InspectSummary, error) {
	rec, err := c.genomeRecord(ctx, id)
	if err != nil {
		return InspectSummary{}, err
	}
	n, err := markov.Build(rec.Bytes, rec.Options, markov.WithID(rec.ID))
	if err != nil {
		return InspectSummary{}, err
	}
	defer n.Close()

	return InspectSummary{
		Genome:  genomeItem(rec, n.Header()),
		Nodes:   n.Nodes(),
		Full:    graph.Summarize(graph.Full(n)),
		Reduced: graph.Summarize(graph.Reduced(n)),
		Causal:  graph.Summarize(graph.Causal(n)),
	}, nil
}

// Run ticks a stored genome and records its outputs. A device that cannot
// hold the network is skipped in favour of the host.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	rec, err := c.genomeRecord(ctx, req.GenomeID)
	if err != nil {
		return RunSummary{}, err
	}
	deviceKind := req.Device
	if deviceKind == "" {
		deviceKind = c.device
	}
	dev, err := c.openDevice(deviceKind)
	if err != nil {
		return RunSummary{}, err
	}
	if dev != nil {
		defer device.CloseIfSupported(dev)
	}

	n, fallback, err := buildWithFallback(rec, dev)
	if err != nil {
		return RunSummary{}, err
	}
	defer n.Close()

	inputs := req.Inputs
	if inputs == nil {
		if req.Ticks < 0 {
			return RunSummary{}, errors.New("ticks must be >= 0")
		}
		inputs = randomInputs(req.Seed, req.Ticks, n.Header().Inputs)
	}

	outputs, err := tickAll(ctx, n, inputs, req.Seed)
	if err != nil {
		return RunSummary{}, err
	}

	run := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              uuid.New().String(),
		GenomeID:        rec.ID,
		Backend:         n.Backend(),
		Seed:            req.Seed,
		Ticks:           len(inputs),
		Header:          n.Header(),
		Outputs:         outputs,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return RunSummary{}, err
	}
	return RunSummary{
		RunID:    run.ID,
		Backend:  run.Backend,
		Fallback: fallback,
		Header:   run.Header,
		Outputs:  outputs,
	}, nil
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx, req.GenomeID)
	if err != nil {
		return nil, err
	}
	// newest first
	out := make([]RunItem, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		out = append(out, RunItem{
			RunID:        r.ID,
			GenomeID:     r.GenomeID,
			Backend:      r.Backend,
			Seed:         r.Seed,
			Ticks:        r.Ticks,
			CreatedAtUTC: r.CreatedAt.UTC().Format(time.RFC3339),
		})
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (model.RunRecord, error) {
	if err := c.ensureStore(ctx); err != nil {
		return model.RunRecord{}, err
	}
	run, ok, err := c.store.GetRun(ctx, id)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, nil
}

// Parity ticks a host network and a device mirror of the same genome side by
// side and counts ticks whose outputs differ.
func (c *Client) Parity(ctx context.Context, req ParityRequest) (ParitySummary, error) {
	rec, err := c.genomeRecord(ctx, req.GenomeID)
	if err != nil {
		return ParitySummary{}, err
	}
	if req.Ticks < 0 {
		return ParitySummary{}, errors.New("ticks must be >= 0")
	}
	deviceKind := req.Device
	if deviceKind == "" || deviceKind == config.DeviceHost {
		deviceKind = device.KindSoft
	}
	dev, err := c.openDevice(deviceKind)
	if err != nil {
		return ParitySummary{}, err
	}
	defer device.CloseIfSupported(dev)

	host, err := markov.Build(rec.Bytes, rec.Options)
	if err != nil {
		return ParitySummary{}, err
	}
	defer host.Close()
	mirrored, err := markov.Build(rec.Bytes, rec.Options, markov.WithDevice(dev))
	if err != nil {
		return ParitySummary{}, err
	}
	defer mirrored.Close()

	inputs := randomInputs(req.Seed, req.Ticks, host.Header().Inputs)
	want, err := tickAll(ctx, host, inputs, req.Seed)
	if err != nil {
		return ParitySummary{}, err
	}
	got, err := tickAll(ctx, mirrored, inputs, req.Seed)
	if err != nil {
		return ParitySummary{}, err
	}

	summary := ParitySummary{Backend: mirrored.Backend(), Ticks: len(inputs), FirstMismatch: -1}
	for i := range want {
		if equalOutputs(want[i], got[i]) {
			continue
		}
		summary.Mismatches++
		if summary.FirstMismatch < 0 {
			summary.FirstMismatch = i
		}
	}
	return summary, nil
}

func (c *Client) Graph(ctx context.Context, req GraphRequest) (graph.Graph, error) {
	rec, err := c.genomeRecord(ctx, req.GenomeID)
	if err != nil {
		return graph.Graph{}, err
	}
	n, err := markov.Build(rec.Bytes, rec.Options, markov.WithID(rec.ID))
	if err != nil {
		return graph.Graph{}, err
	}
	defer n.Close()

	switch req.View {
	case "", ViewFull:
		return graph.Full(n), nil
	case ViewReduced:
		return graph.Reduced(n), nil
	case ViewCausal:
		return graph.Causal(n), nil
	default:
		return graph.Graph{}, fmt.Errorf("unsupported graph view: %s", req.View)
	}
}

func (c *Client) ensureStore(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

func (c *Client) genomeRecord(ctx context.Context, id string) (model.GenomeRecord, error) {
	if id == "" {
		return model.GenomeRecord{}, errors.New("genome id is required")
	}
	if err := c.ensureStore(ctx); err != nil {
		return model.GenomeRecord{}, err
	}
	rec, ok, err := c.store.GetGenome(ctx, id)
	if err != nil {
		return model.GenomeRecord{}, err
	}
	if !ok {
		return model.GenomeRecord{}, fmt.Errorf("%w: genome %s", ErrNotFound, id)
	}
	return rec, nil
}

func (c *Client) openDevice(kind string) (device.Device, error) {
	return config.DeviceConfig{Kind: kind, Capacity: c.deviceCapacity}.Open()
}

func buildWithFallback(rec model.GenomeRecord, dev device.Device) (*markov.Network, bool, error) {
	opts := []markov.Option{markov.WithID(rec.ID)}
	if dev == nil {
		n, err := markov.Build(rec.Bytes, rec.Options, opts...)
		return n, false, err
	}
	n, err := markov.Build(rec.Bytes, rec.Options, append(opts, markov.WithDevice(dev))...)
	if err == nil {
		return n, false, nil
	}
	if !errors.Is(err, device.ErrAllocation) {
		return nil, false, err
	}
	n, err = markov.Build(rec.Bytes, rec.Options, opts...)
	return n, true, err
}

func tickAll(ctx context.Context, n *markov.Network, inputs [][]float64, seed int64) ([][]float64, error) {
	stream := prng.NewSeedStream(seed)
	outputs := make([][]float64, 0, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := n.Tick(in, stream.Next())
		if err != nil {
			return nil, fmt.Errorf("tick %d: %w", i, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// randomInputs draws bit vectors from a source separate from the tick seeds.
func randomInputs(seed int64, ticks, width int) [][]float64 {
	rng := rand.New(rand.NewSource(seed ^ 0x5eed))
	inputs := make([][]float64, ticks)
	for i := range inputs {
		inputs[i] = make([]float64, width)
		for j := range inputs[i] {
			inputs[i][j] = float64(rng.Intn(2))
		}
	}
	return inputs
}

func equalOutputs(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func genomeItem(rec model.GenomeRecord, header model.Header) GenomeItem {
	return GenomeItem{
		ID:        rec.ID,
		Bytes:     append([]byte(nil), rec.Bytes...),
		Options:   rec.Options,
		Header:    header,
		CreatedAt: rec.CreatedAt,
	}
}
