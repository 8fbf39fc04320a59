// Package server exposes networks over websocket: one network per
// connection, ticked on request.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"markovnet/internal/codec"
	"markovnet/internal/device"
	"markovnet/internal/markov"
	"markovnet/internal/model"
	"markovnet/internal/prng"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 20
)

const (
	TypeOpen     = "open"
	TypeOpened   = "opened"
	TypeTick     = "tick"
	TypeOutputs  = "outputs"
	TypeFeedback = "feedback"
	TypeReset    = "reset"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeOK       = "ok"
	TypeError    = "error"
)

var (
	ErrNoNetwork     = errors.New("no network open")
	ErrTickLimit     = errors.New("session tick limit reached")
	ErrUnknownType   = errors.New("unknown message type")
	ErrGenomeMissing = errors.New("genome not found")
)

// Request is a client message.
type Request struct {
	Type string `json:"type"`
	// Genome is hex-encoded genome bytes; GenomeID names a stored genome.
	Genome   string         `json:"genome,omitempty"`
	GenomeID string         `json:"genome_id,omitempty"`
	Options  *codec.Options `json:"options,omitempty"`
	Seed     int64          `json:"seed,omitempty"`
	Inputs   []float64      `json:"inputs,omitempty"`
	Positive bool           `json:"positive,omitempty"`
}

// Response is a server message.
type Response struct {
	Type      string        `json:"type"`
	Session   string        `json:"session,omitempty"`
	Tick      uint64        `json:"tick,omitempty"`
	Outputs   []float64     `json:"outputs,omitempty"`
	Header    *model.Header `json:"header,omitempty"`
	Backend   string        `json:"backend,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// GenomeLookup resolves stored genomes; storage.Store.GetGenome satisfies it.
type GenomeLookup func(ctx context.Context, id string) (model.GenomeRecord, bool, error)

type Config struct {
	// Device mirrors every session's network; nil runs on the host.
	Device device.Device
	// MaxTicks caps ticks per session across opens and resets; 0 is
	// unlimited.
	MaxTicks int
	Lookup   GenomeLookup
	Logger   *slog.Logger
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Sessions is the number of open websocket sessions.
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	backend := markov.BackendHost
	if s.cfg.Device != nil {
		backend = s.cfg.Device.Name()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"device":   backend,
		"sessions": s.Sessions(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	sess := &session{
		id:     uuid.New().String(),
		server: s,
		conn:   conn,
	}
	sess.logger = s.logger.With(slog.String("session", sess.id))

	s.sessions.Add(1)
	sess.logger.Info("session opened", slog.String("remote", r.RemoteAddr))
	defer func() {
		sess.close()
		s.sessions.Add(-1)
	}()
	sess.run(r.Context())
}

type session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	network *markov.Network
	stream  *prng.SeedStream
	ticks   int
}

func (s *session) run(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			s.writeError(fmt.Errorf("invalid json: %w", err))
			continue
		}
		resp, err := s.handle(ctx, req)
		if err != nil {
			s.writeError(err)
			continue
		}
		if err := s.write(resp); err != nil {
			s.logger.Warn("write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *session) handle(ctx context.Context, req Request) (Response, error) {
	switch req.Type {
	case TypeOpen:
		return s.open(ctx, req)
	case TypeTick:
		return s.tick(req)
	case TypeFeedback:
		if s.network == nil {
			return Response{}, ErrNoNetwork
		}
		if err := s.network.Feedback(req.Positive); err != nil {
			return Response{}, err
		}
		return Response{Type: TypeOK, Tick: s.network.Ticks()}, nil
	case TypeReset:
		if s.network == nil {
			return Response{}, ErrNoNetwork
		}
		if err := s.network.Reset(); err != nil {
			return Response{}, err
		}
		s.stream = prng.NewSeedStream(req.Seed)
		return Response{Type: TypeOK}, nil
	case TypePing:
		return Response{Type: TypePong}, nil
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
}

func (s *session) open(ctx context.Context, req Request) (Response, error) {
	genome, opts, id, err := s.resolveGenome(ctx, req)
	if err != nil {
		return Response{}, err
	}

	buildOpts := []markov.Option{markov.WithID(id)}
	var n *markov.Network
	if dev := s.server.cfg.Device; dev != nil {
		n, err = markov.Build(genome, opts, append(buildOpts, markov.WithDevice(dev))...)
		if errors.Is(err, device.ErrAllocation) {
			s.logger.Warn("device full, running on host", slog.String("device", dev.Name()))
			n, err = markov.Build(genome, opts, buildOpts...)
		}
	} else {
		n, err = markov.Build(genome, opts, buildOpts...)
	}
	if err != nil {
		return Response{}, err
	}

	s.closeNetwork()
	s.network = n
	s.stream = prng.NewSeedStream(req.Seed)

	header := n.Header()
	s.logger.Info("network opened",
		slog.String("network", n.ID()),
		slog.String("backend", n.Backend()),
		slog.Int("nodes", header.Nodes),
		slog.Int("footprint", header.Footprint),
	)
	return Response{Type: TypeOpened, Header: &header, Backend: n.Backend()}, nil
}

func (s *session) resolveGenome(ctx context.Context, req Request) ([]byte, codec.Options, string, error) {
	if req.GenomeID != "" {
		lookup := s.server.cfg.Lookup
		if lookup == nil {
			return nil, codec.Options{}, "", fmt.Errorf("%w: no genome store configured", ErrGenomeMissing)
		}
		rec, ok, err := lookup(ctx, req.GenomeID)
		if err != nil {
			return nil, codec.Options{}, "", err
		}
		if !ok {
			return nil, codec.Options{}, "", fmt.Errorf("%w: %s", ErrGenomeMissing, req.GenomeID)
		}
		opts := rec.Options
		if req.Options != nil {
			opts = *req.Options
		}
		return rec.Bytes, opts, rec.ID, nil
	}

	genome, err := hex.DecodeString(req.Genome)
	if err != nil {
		return nil, codec.Options{}, "", fmt.Errorf("decode genome hex: %w", err)
	}
	opts := codec.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	return genome, opts, s.id, nil
}

func (s *session) tick(req Request) (Response, error) {
	if s.network == nil {
		return Response{}, ErrNoNetwork
	}
	if limit := s.server.cfg.MaxTicks; limit > 0 && s.ticks >= limit {
		return Response{}, ErrTickLimit
	}
	// checked here so a rejected tick does not consume a seed
	if want := s.network.Header().Inputs; len(req.Inputs) != want {
		return Response{}, fmt.Errorf("%w: got=%d want=%d", markov.ErrInputSize, len(req.Inputs), want)
	}
	outputs, err := s.network.Tick(req.Inputs, s.stream.Next())
	if err != nil {
		return Response{}, err
	}
	s.ticks++
	return Response{Type: TypeOutputs, Tick: s.network.Ticks(), Outputs: outputs}, nil
}

func (s *session) write(resp Response) error {
	resp.Session = s.id
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(resp)
}

func (s *session) writeError(err error) {
	s.logger.Debug("request failed", slog.String("error", err.Error()))
	if werr := s.write(Response{Type: TypeError, Error: err.Error()}); werr != nil {
		s.logger.Warn("write failed", slog.String("error", werr.Error()))
	}
}

func (s *session) closeNetwork() {
	if s.network == nil {
		return
	}
	if err := s.network.Close(); err != nil {
		s.logger.Warn("network close failed", slog.String("error", err.Error()))
	}
	s.network = nil
}

func (s *session) close() {
	s.closeNetwork()
	_ = s.conn.Close()
	s.logger.Info("session closed")
}
