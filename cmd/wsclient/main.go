// Command wsclient connects to a WebSocket server, echoes received messages
// to stdout, and sends each line of stdin as a text message.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/rs/zerolog"

	"github.com/kestrelnet/wsclient/websocket"
)

const (
	configDirName  = "wsclient"
	configFileName = "config.toml"
)

func main() {
	cmd := &cli.Command{
		Name:  "wsclient",
		Usage: "connect to a WebSocket server from the command line",
		Flags: flags(),
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "url",
			Usage:    "WebSocket URL to dial, e.g. wss://example.com/ws",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "origin",
			Usage: "value of the Origin header sent during the handshake",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_ORIGIN"),
				toml.TOML("wsclient.origin", path),
			),
		},
		&cli.StringFlag{
			Name:  "bearer-token",
			Usage: "static bearer token sent as Authorization during the handshake",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_BEARER_TOKEN"),
				toml.TOML("wsclient.bearer_token", path),
			),
		},
		&cli.DurationFlag{
			Name:  "ping-interval",
			Usage: "interval for automatic keep-alive pings, 0 disables it",
			Value: 0,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSCLIENT_PING_INTERVAL"),
				toml.TOML("wsclient.ping_interval", path),
			),
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
	}
}

// configFile returns the path to the app's configuration file, creating an
// empty one if it doesn't exist yet.
func configFile() altsrc.StringSourcer {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	dir = dir + "/" + configDirName
	_ = os.MkdirAll(dir, 0o755)
	path := dir + "/" + configFileName
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, nil, 0o644)
	}
	return altsrc.StringSourcer(path)
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(cmd.Bool("pretty-log"))

	headers := map[string]string{}
	if token := cmd.String("bearer-token"); token != "" {
		headers = websocket.BearerHeader(token)
	}

	handler := &printHandler{logger: logger}

	opts := websocket.DialOptions{
		Origin:  cmd.String("origin"),
		Headers: headers,
		Handler: websocket.NewLoggingHandler(handler, logger),
		Options: websocket.Options{
			PingInterval: cmd.Duration("ping-interval"),
			Logger:       logger,
		},
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := websocket.Dial(dialCtx, cmd.String("url"), opts)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pumpStdin(conn, logger)

	<-sigCtx.Done()
	return conn.Close(websocket.CloseNormalClosure, "client shutting down")
}

func pumpStdin(conn *websocket.Connection, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.SendString(scanner.Text()); err != nil {
			logger.Warn().Err(err).Msg("send failed")
			return
		}
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// printHandler is the terminal EventHandler: it writes received messages to
// stdout and otherwise relies on LoggingHandler for everything else.
type printHandler struct {
	websocket.NoopHandler
	logger zerolog.Logger
}

func (h *printHandler) MessageText(data []byte) {
	fmt.Println(string(data))
}

func (h *printHandler) MessageBinary(data []byte) {
	fmt.Printf("<binary message, %d bytes>\n", len(data))
}
