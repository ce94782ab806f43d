package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/cellpose-tools/cellpose-console/internal/application"
	"github.com/cellpose-tools/cellpose-console/internal/config"
	"github.com/cellpose-tools/cellpose-console/internal/endpoint"
	"github.com/cellpose-tools/cellpose-console/internal/logging"
)

var signalNotify = signal.Notify

func main() {
	if err := run(os.Args[1:], endpoint.Default(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses args and executes the selected command against server.
func run(args []string, server endpoint.ServerConfig, out io.Writer) error {
	c := newCLI(server, out)
	command, err := c.app.Parse(args)
	if err != nil {
		return err
	}
	return c.dispatch(context.Background(), command)
}

type cli struct {
	app    *kingpin.Application
	server endpoint.ServerConfig
	out    io.Writer

	configFile  *string
	logLevel    *string
	timeout     *time.Duration
	downloadDir *string

	urlCmd  *kingpin.CmdClause
	pingCmd *kingpin.CmdClause

	uploadCmd         *kingpin.CmdClause
	uploadFiles       *[]string
	uploadModel       *string
	uploadFlow        *float64
	uploadCellprob    *float64
	uploadDiameter    *string
	uploadWait        *bool
	uploadPollEvery   *time.Duration
	statusCmd         *kingpin.CmdClause
	statusID          *string
	previewCmd        *kingpin.CmdClause
	previewID         *string
	downloadCmd       *kingpin.CmdClause
	downloadID        *string
	serveCmd          *kingpin.CmdClause
	servePort         *string
	serveRateLimitRPS *float64
	serveRateLimitBst *int
}

func newCLI(server endpoint.ServerConfig, out io.Writer) *cli {
	app := kingpin.New("cellpose-console", "Console for a remote Cellpose segmentation backend")
	app.UsageWriter(out)
	app.ErrorWriter(out)
	app.Terminate(nil)

	c := &cli{app: app, server: server, out: out}
	c.configFile = app.Flag("config", "Path to YAML configuration file").String()
	c.logLevel = app.Flag("log-level", "Log level: debug, info, warn or error").String()
	c.timeout = app.Flag("timeout", "Timeout for each backend request").Duration()
	c.downloadDir = app.Flag("download-dir", "Directory that receives previews and archives").String()

	c.urlCmd = app.Command("url", "Print the backend base URL")
	c.pingCmd = app.Command("ping", "Check that the backend is reachable")

	c.uploadCmd = app.Command("upload", "Upload images and start a segmentation task")
	c.uploadFiles = c.uploadCmd.Arg("files", "Images to segment").Required().ExistingFiles()
	c.uploadModel = c.uploadCmd.Flag("model", "Cellpose model name").Default("cpsam").String()
	c.uploadFlow = c.uploadCmd.Flag("flow-threshold", "Flow error threshold").Default("0.4").Float64()
	c.uploadCellprob = c.uploadCmd.Flag("cellprob-threshold", "Cell probability threshold").Default("0").Float64()
	c.uploadDiameter = c.uploadCmd.Flag("diameter", "Expected cell diameter in pixels (empty lets the model estimate)").String()
	c.uploadWait = c.uploadCmd.Flag("wait", "Poll until the task finishes").Bool()
	c.uploadPollEvery = c.uploadCmd.Flag("poll-interval", "Interval between status polls with --wait").Default("5s").Duration()

	c.statusCmd = app.Command("status", "Show the state of a task")
	c.statusID = c.statusCmd.Arg("id", "Task id").Required().String()

	c.previewCmd = app.Command("preview", "Save the overlay images of a finished task")
	c.previewID = c.previewCmd.Arg("id", "Task id").Required().String()

	c.downloadCmd = app.Command("download", "Save the zipped output of a finished task")
	c.downloadID = c.downloadCmd.Arg("id", "Task id").Required().String()

	c.serveCmd = app.Command("serve", "Run the console HTTP server")
	c.servePort = c.serveCmd.Flag("port", "HTTP port exposed by the console").String()
	c.serveRateLimitRPS = c.serveCmd.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	c.serveRateLimitBst = c.serveCmd.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	return c
}

func (c *cli) loadConfig() (config.Config, error) {
	overrides := &config.CLIOverrides{
		ConfigFile:     *c.configFile,
		LogLevel:       c.logLevel,
		DownloadDir:    c.downloadDir,
		BackendTimeout: c.timeout,
		Port:           c.servePort,
	}
	if *c.serveRateLimitRPS >= 0 {
		overrides.RateLimitRPS = c.serveRateLimitRPS
	}
	if *c.serveRateLimitBst >= 0 {
		overrides.RateLimitBurst = c.serveRateLimitBst
	}
	return config.Load(overrides)
}

func (c *cli) dispatch(ctx context.Context, command string) error {
	switch command {
	case "":
		return nil
	case c.urlCmd.FullCommand():
		_, err := fmt.Fprintln(c.out, c.server.BaseURL())
		return err
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if command == c.serveCmd.FullCommand() {
		return c.serve(cfg, logger)
	}

	client := application.NewClient(cfg, c.server, logger)
	switch command {
	case c.pingCmd.FullCommand():
		return c.ping(ctx, client)
	case c.uploadCmd.FullCommand():
		return c.upload(ctx, client)
	case c.statusCmd.FullCommand():
		return c.status(ctx, client, *c.statusID)
	case c.previewCmd.FullCommand():
		return c.preview(ctx, client, cfg.DownloadDir, *c.previewID)
	case c.downloadCmd.FullCommand():
		return c.download(ctx, client, cfg.DownloadDir, *c.downloadID)
	}
	return fmt.Errorf("unknown command %q", command)
}

func (c *cli) serve(cfg config.Config, logger *zap.Logger) error {
	app, err := application.New(cfg, c.server, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sig := waitForSignal()
	logger.Info("signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func waitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	return <-quit
}
