package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dmrelay/codec"
	"dmrelay/config"
	"dmrelay/db"
	"dmrelay/server"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	cfg := config.Load()
	var configPath string

	app := &cli.Command{
		Name:  "dmrelay",
		Usage: "Direct-message relay with presence, receipts and offline delivery",
		Description: `Runs the relay by default. The encryption key is read from
RELAY_ENCRYPTION_KEY only. Use 'dmrelay ctl' to talk to a running relay.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML file with presence and typing timings",
				Sources:     cli.EnvVars("RELAY_CONFIG"),
				Destination: &configPath,
			},
			&cli.IntFlag{
				Name:        "port",
				Usage:       "line protocol listen port",
				Value:       cfg.Port,
				Destination: &cfg.Port,
			},
			&cli.IntFlag{
				Name:        "http-port",
				Usage:       "WebSocket and HTTP listen port, 0 disables",
				Value:       cfg.HTTPPort,
				Destination: &cfg.HTTPPort,
			},
			&cli.StringFlag{
				Name:        "allowed-origin",
				Usage:       "browser origin accepted for WebSocket and CORS",
				Value:       cfg.AllowedOrigin,
				Destination: &cfg.AllowedOrigin,
			},
			&cli.StringFlag{
				Name:        "db-driver",
				Usage:       "sqlite3 or postgres",
				Value:       cfg.DBDriver,
				Destination: &cfg.DBDriver,
			},
			&cli.StringFlag{
				Name:        "db-dsn",
				Usage:       "sqlite file path or postgres connection string",
				Value:       cfg.DBDSN,
				Destination: &cfg.DBDSN,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       cfg.LogLevel,
				Destination: &cfg.LogLevel,
			},
			&cli.StringFlag{
				Name:        "control-socket",
				Usage:       "unix socket for management commands",
				Value:       cfg.ControlSocket,
				Destination: &cfg.ControlSocket,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(cfg, configPath)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the relay (default)",
				Action: func(ctx context.Context, c *cli.Command) error {
					return serve(cfg, configPath)
				},
			},
			ctlCommand(cfg),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func setupLogger(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func serve(cfg *config.Config, configPath string) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logrus.NewEntry(logrus.StandardLogger())
	log := logger.WithField("component", "main")

	key, err := codec.DeriveKey(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("derive content key: %w", err)
	}
	contentCodec, err := codec.New(key, logger)
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	srv := server.New(database, contentCodec, &server.ServerConfig{
		Port:          cfg.Port,
		HTTPPort:      cfg.HTTPPort,
		AllowedOrigin: cfg.AllowedOrigin,
		ReadTimeout:   time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:  time.Duration(cfg.WriteTimeout) * time.Second,
		SweepInterval: cfg.Timing.SweepInterval,
		IdleThreshold: cfg.Timing.IdleThreshold,
		EvictAfter:    cfg.Timing.EvictAfter,
		TypingTimeout: cfg.Timing.TypingTimeout,
	}, logger)

	control, err := startControlSocket(srv, cfg.ControlSocket, log)
	if err != nil {
		log.WithError(err).Warn("Failed to create control socket")
	} else {
		defer control.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("Shutting down")
		srv.Shutdown("maintenance")
	}()

	return srv.Start()
}

// startControlSocket serves management commands on a unix socket until the
// returned listener is closed. Closing it also unlinks the socket file.
func startControlSocket(srv *server.Server, path string, log *logrus.Entry) (net.Listener, error) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	log.WithField("path", path).Info("Control socket listening")

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}

			go handleControlCommand(srv, conn, log)
		}
	}()
	return listener, nil
}

// handleControlCommand answers one "stats" or "shutdown|reason" line.
func handleControlCommand(srv *server.Server, conn net.Conn, log *logrus.Entry) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.WithField("reason", reason).Info("Shutdown requested")
		srv.Shutdown(reason)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

func ctlCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "ctl",
		Usage: "Send a management command to a running relay",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Print connection, presence and queue counters",
				Action: func(ctx context.Context, c *cli.Command) error {
					return sendControl(cfg.ControlSocket, "stats")
				},
			},
			{
				Name:      "shutdown",
				Usage:     "Disconnect every client with a reason and stop the relay",
				ArgsUsage: "[reason]",
				Action: func(ctx context.Context, c *cli.Command) error {
					return sendControl(cfg.ControlSocket, "shutdown|"+strings.Join(c.Args().Slice(), " "))
				},
			},
		},
	}
}

func sendControl(path, command string) error {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	reply = strings.TrimSpace(reply)

	if status, body, _ := strings.Cut(reply, "|"); status != "OK" {
		return errors.New(body)
	}
	fmt.Println(reply)
	return nil
}
