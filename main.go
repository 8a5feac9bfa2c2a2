package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/fiberzerolog"
	"github.com/gofiber/fiber/v2"
	"github.com/natefinch/lumberjack"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"github.com/vtpl1/safetynet/api"
	"github.com/vtpl1/safetynet/cache"
	"github.com/vtpl1/safetynet/db"
	"github.com/vtpl1/safetynet/engine"
	"github.com/vtpl1/safetynet/models"
)

func getFolder(s string) string {
	err := os.MkdirAll(s, os.ModePerm)
	if err != nil {
		fmt.Printf("Unable to create folder %s, %v", s, err)
	}
	return s
}

func getApplicationName() string {
	return "safetynet"
}

func getLogFolder() string {
	return getFolder(filepath.Join("logs", getApplicationName()))
}

var GitCommit string

func getVersion() string {
	if GitCommit != "" {
		return GitCommit
	}
	GitCommit = "unknown"
	buildDate := ""

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return GitCommit
	}
	modified := false

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			GitCommit = setting.Value
		case "vcs.time":
			buildDate = setting.Value
		case "vcs.modified":
			modified = true
		}
	}
	if modified {
		GitCommit += "+CHANGES"
	}
	if buildDate != "" {
		GitCommit += " " + buildDate
	}
	return GitCommit
}

func main() {
	defaults := engine.DefaultConfig()

	cmd := &cli.Command{
		EnableShellCompletion: true,
		Name:                  getApplicationName(),
		Usage:                 "Camera event ingestion and mode coordination",
		Version:               getVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Value: "127.0.0.1",
				Usage: "The host address for the server",
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "The port number for the server",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "mongo-connection-string",
				Usage:   "The connection string for the MongoDB server, empty keeps the history in memory",
				Sources: cli.EnvVars("MONGO_CONNECTION_STRING"),
			},
			&cli.StringFlag{
				Name:    "mongo-database",
				Value:   getApplicationName(),
				Usage:   "The MongoDB database holding the log history",
				Sources: cli.EnvVars("MONGO_DATABASE"),
			},
			&cli.DurationFlag{
				Name:  "history-retention",
				Value: 720 * time.Hour,
				Usage: "How long log entries are kept in MongoDB, 0 keeps them forever",
			},
			&cli.StringFlag{
				Name:  "logfile",
				Value: fmt.Sprintf("%s.log", filepath.Join(getLogFolder(), getApplicationName())),
				Usage: "The log file path for the rotating logger",
			},
			&cli.StringFlag{
				Name:  "logLevel",
				Value: "debug",
				Usage: "The log level",
			},
			&cli.StringSliceFlag{
				Name:    "camera",
				Usage:   "A camera to register at startup, name=address[:port]",
				Sources: cli.EnvVars("SAFETYNET_CAMERAS"),
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: defaults.PollInterval,
				Usage: "How often cameras are polled for missed events, 0 disables polling",
			},
			&cli.DurationFlag{
				Name:  "health-interval",
				Value: defaults.HealthInterval,
				Usage: "How often a health round is started, 0 disables periodic rounds",
			},
			&cli.DurationFlag{
				Name:  "health-timeout",
				Value: defaults.HealthTimeout,
				Usage: "How long a camera has to answer a health check",
			},
			&cli.IntFlag{
				Name:  "visible-log-size",
				Value: int64(defaults.VisibleLogSize),
				Usage: "Number of log entries shown in the log view",
			},
			&cli.IntFlag{
				Name:  "history-limit",
				Value: int64(defaults.HistoryLimit),
				Usage: "Number of log entries kept in memory",
			},
			&cli.IntFlag{
				Name:  "dedup-ceiling",
				Value: int64(defaults.DedupCeiling),
				Usage: "Number of event keys remembered per function for deduplication",
			},
			&cli.IntFlag{
				Name:  "escalation-threshold",
				Value: int64(defaults.EscalationThreshold),
				Usage: "Consecutive PPE violations that raise an escalation",
			},
			&cli.BoolFlag{
				Name:  "insecure-skip-verify",
				Value: defaults.Conn.InsecureSkipVerify,
				Usage: "Accept self-signed camera certificates",
			},
			&cli.BoolFlag{
				Name:  "reconnect",
				Value: defaults.Conn.Reconnect,
				Usage: "Reconnect lost camera control channels",
			},
			&cli.StringFlag{
				Name:  "control-scheme",
				Value: defaults.Conn.Scheme,
				Usage: "The scheme of the camera control channel",
			},
			&cli.StringFlag{
				Name:  "control-path",
				Value: defaults.Conn.Path,
				Usage: "The path of the camera control channel",
			},
			&cli.IntFlag{
				Name:  "image-cache-size",
				Value: int64(cache.DefaultCapacity),
				Usage: "Number of detection images kept in memory",
			},
			&cli.StringFlag{
				Name:  "detections-path",
				Value: defaults.Poll.DetectionsPath,
				Usage: "The camera endpoint listing recent detections",
			},
			&cli.StringFlag{
				Name:  "person-counts-path",
				Value: defaults.Poll.PersonCountsPath,
				Usage: "The camera endpoint listing recent person counts",
			},
		},
		Action: startServer,
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
}

func engineConfig(cmd *cli.Command) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.PollInterval = cmd.Duration("poll-interval")
	cfg.HealthInterval = cmd.Duration("health-interval")
	cfg.HealthTimeout = cmd.Duration("health-timeout")
	cfg.VisibleLogSize = int(cmd.Int("visible-log-size"))
	cfg.HistoryLimit = int(cmd.Int("history-limit"))
	cfg.DedupCeiling = int(cmd.Int("dedup-ceiling"))
	cfg.EscalationThreshold = int(cmd.Int("escalation-threshold"))
	cfg.Conn.InsecureSkipVerify = cmd.Bool("insecure-skip-verify")
	cfg.Conn.Reconnect = cmd.Bool("reconnect")
	cfg.Conn.Scheme = cmd.String("control-scheme")
	cfg.Conn.Path = cmd.String("control-path")
	cfg.Poll.DetectionsPath = cmd.String("detections-path")
	cfg.Poll.PersonCountsPath = cmd.String("person-counts-path")
	return cfg
}

func startServer(ctx context.Context, cmd *cli.Command) error {
	bufferWriter, err := initLogger(cmd.String("logfile"), cmd.String("logLevel"))
	if err != nil {
		return err
	}
	defer bufferWriter.Close()

	cameras := make([]models.Camera, 0)
	for _, s := range cmd.StringSlice("camera") {
		cam, err := models.ParseCamera(s)
		if err != nil {
			return err
		}
		cameras = append(cameras, cam)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	images := cache.NewFetcher(5*time.Second, int(cmd.Int("image-cache-size")))
	defer images.Close()

	deps := engine.Deps{Images: images, Registerer: reg}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		db.DisconnectAll(ctx)
	}()
	var history api.HistoryReader
	if uri := cmd.String("mongo-connection-string"); uri != "" {
		client, err := db.GetMongoClient(ctx, uri)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to MongoDB, history kept in memory")
		} else {
			store := db.NewHistoryStore(client, cmd.String("mongo-database"))
			if err := store.EnsureIndexes(ctx, cmd.Duration("history-retention")); err != nil {
				log.Error().Err(err).Msg("Failed to create history indexes")
			}
			writer := db.NewHistoryWriter(store, 256)
			defer writer.Close()
			deps.History = writer
			history = store
		}
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	e := engine.New(engineConfig(cmd), deps)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := e.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Engine stopped")
		}
	}()
	for _, cam := range cameras {
		if err := e.AddCamera(ctx, cam); err != nil {
			log.Error().Err(err).Str("camera", cam.String()).Msg("Camera not registered")
		}
	}

	app := newApp()
	api.NewHandler(e, history, images).Register(app, reg)

	address := fmt.Sprintf("%s:%d", cmd.String("host"), cmd.Int("port"))
	go func() {
		log.Info().Msgf("Starting server at %s", address)
		if err := app.Listen(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()
	waitForTerminationRequest()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	log.Info().Msg("Starting shutdown")
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}
	stop()
	<-stopped
	log.Info().Msg("Server shut down gracefully")
	return nil
}

func newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ServerHeader: getApplicationName(),
		AppName:      fmt.Sprintf("Safetynet %v", getVersion()),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	app.Use(fiberzerolog.New(fiberzerolog.Config{
		Logger: &log.Logger,
	}))
	return app
}

// waitForTerminationRequest blocks until SIGINT or SIGTERM
func waitForTerminationRequest() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")
}

// initLogger initializes the logger with zerolog, diode, and a rotating logger.
func initLogger(logFile string, logLevel string) (diode.Writer, error) {
	// Configure Lumberjack for log rotation
	rotatingLogger := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,   // Max size in MB before rotation
		MaxBackups: 3,    // Max number of old log files to keep
		MaxAge:     28,   // Max number of days to retain old log files
		Compress:   true, // Compress rotated files
	}

	// Wrap Lumberjack with Diode for non-blocking logging
	bufferedWriter := diode.NewWriter(rotatingLogger, 1000, 0, func(missed int) {
		fmt.Printf("Dropped %d log messages due to buffer overflow\n", missed)
	})

	log.Logger = zerolog.New(bufferedWriter).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		fmt.Printf("Invalid log level: %s\n", logLevel)
		return bufferedWriter, err
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Msgf("App started %s %s", getApplicationName(), getVersion())
	return bufferedWriter, nil
}
