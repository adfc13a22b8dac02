package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/lmittmann/tint"
	"github.com/pkg/errors"

	"github.com/Zereker/switchboard"
	"github.com/Zereker/switchboard/config"
	"github.com/Zereker/switchboard/message"
)

// relay echoes messages addressed to their sender, routes messages addressed
// to another session and broadcasts the rest to everyone else.
type relay struct {
	logger *slog.Logger
}

func (r *relay) ReceiveMessage(s *switchboard.Server, m *message.Message) {
	src := m.Source()
	r.logger.Debug("message", "source", src, "destination", m.Destination, "datagram", m.Datagram)

	if m.Datagram {
		// reply in the background so the datagram loop keeps reading
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			reply := &message.Message{Kind: m.Kind, Destination: src, Type: m.Type, Payload: m.Payload}
			if err := s.SendDatagram(ctx, reply); err != nil {
				r.logger.Warn("datagram echo failed", "session", src, "error", err)
			}
		}()
		return
	}

	if m.IsBroadcast() {
		_ = s.BroadcastFiltered(m, func(id message.SessionID) bool { return id != src })
		return
	}
	_ = s.Route(m)
}

func (r *relay) OnClientConnect(s *switchboard.Server, id message.SessionID) {
	r.logger.Info("client connected", "session", id, "sessions", s.SessionCount())
}

func (r *relay) OnClientDisconnect(s *switchboard.Server, id message.SessionID) {
	r.logger.Info("client disconnected", "session", id, "sessions", s.SessionCount())
}

// printer logs everything a client receives.
type printer struct {
	logger *slog.Logger
}

func (p *printer) ReceiveMessage(_ *switchboard.Client, m *message.Message) {
	var text string
	if err := m.Decode(&text); err != nil {
		p.logger.Info("received", "type", m.Type, "payload", string(m.Payload))
		return
	}
	p.logger.Info("received", "source", m.Source(), "text", text)
}

func (p *printer) OnClientConnect(_ *switchboard.Client, id message.SessionID) {
	p.logger.Info("connected", "session", id)
}

func (p *printer) OnClientDisconnect(_ *switchboard.Client, id message.SessionID) {
	p.logger.Info("disconnected", "session", id)
}

func main() {
	configFile := flag.String("config", "", "YAML configuration file")
	clientMode := flag.Bool("client", false, "run an interactive client instead of the server")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.Log.SlogLevel(),
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *clientMode {
		err = runClient(ctx, cfg.Client, logger)
	} else {
		err = runServer(ctx, cfg.Server, logger)
	}
	if err != nil {
		logger.Error("exit", "error", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	server, err := switchboard.NewServer(cfg.Addr, &relay{logger: logger}, cfg.Options(logger)...)
	if err != nil {
		return err
	}

	if err = server.Start(ctx); err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		router := mux.NewRouter()
		router.Handle(cfg.WebSocket, server.WebSocketHandler()).Methods("GET")

		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
		go func() {
			logger.Info("websocket endpoint", "addr", cfg.HTTPAddr, "path", cfg.WebSocket)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer httpServer.Close()
	}

	<-ctx.Done()
	logger.Info("shutting down server...")
	return server.Close()
}

func runClient(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}

	client := switchboard.NewClient(cfg.Addr, &printer{logger: logger}, opts...)
	if err = client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			// every line is broadcast to the other clients
			if err = client.SendOutgoingMessage(message.Text(message.Nil, line)); err != nil {
				return err
			}
		}
	}
}
