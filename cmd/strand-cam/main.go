package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"strandcam/internal/auth"
	"strandcam/internal/calibration"
	"strandcam/internal/camera"
	"strandcam/internal/config"
	"strandcam/internal/control"
	"strandcam/internal/database"
	"strandcam/internal/device"
	"strandcam/internal/dispatcher"
	"strandcam/internal/hook"
	"strandcam/internal/imops"
	"strandcam/internal/lifecycle"
	"strandcam/internal/metrics"
	"strandcam/internal/processing"
	"strandcam/internal/recording"
	"strandcam/internal/store"
	"strandcam/internal/stream"
	"strandcam/internal/version"
)

func main() {
	// Define command line flags. Flags override the config file.
	var (
		configF   = flag.String("config", "", "Path to YAML config file")
		httpAddrF = flag.String("http-addr", "", "HTTP listen address (overrides http.addr)")
		cameraF   = flag.String("camera", "", "V4L2 device path or \"synthetic\" (overrides camera.device)")
		csvDirF   = flag.String("csv-dir", "", "Directory for object detection CSV files (overrides recording.csv_dir)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
		versionF  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *versionF {
		fmt.Printf("%s %s (%s)\n", version.AppName, version.Version, version.GitHash)
		return
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", version.AppName, err)
		os.Exit(lifecycle.ExitError)
	}
	if *httpAddrF != "" {
		cfg.HTTP.Addr = *httpAddrF
	}
	if *cameraF != "" {
		cfg.Camera.Device = *cameraF
	}
	if *csvDirF != "" {
		cfg.Recording.CsvDir = *csvDirF
	}
	if *dbgF {
		cfg.HTTP.Debug = true
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid flags: %v\n", version.AppName, err)
		os.Exit(lifecycle.ExitError)
	}

	setupLogging(cfg)
	os.Exit(run(cfg))
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}
}

func openCamera(cfg config.CameraConfig) (camera.Device, error) {
	if cfg.Device == "synthetic" {
		return camera.NewSynthetic(cfg.Width, cfg.Height, cfg.FPS), nil
	}
	return camera.OpenV4L2(cfg.Device)
}

// run wires the application and blocks until the dispatcher has completed
// the shutdown. It returns the process exit code.
func run(cfg *config.Config) int {
	log.Info().Str("component", "main").Str("version", version.Version).Str("camera", cfg.Camera.Device).Msg("starting strand-cam")

	cam, err := openCamera(cfg.Camera)
	if err != nil {
		log.Error().Str("component", "main").Err(err).Msg("failed to open camera")
		return lifecycle.ExitError
	}
	defer cam.Close()

	shared := store.New(store.NewSharedState(cam.Info()))

	var db *database.Database
	if cfg.Database.Path != "" {
		db, err = openDatabase(cfg.Database.Path, shared)
		if err != nil {
			log.Error().Str("component", "main").Err(err).Msg("failed to open database")
			return lifecycle.ExitError
		}
		defer db.Close()
	}

	authenticator, err := auth.NewAuthenticator(auth.ConfigFromEnv(os.Getenv))
	if err != nil {
		log.Error().Str("component", "main").Err(err).Msg("failed to configure authentication")
		return lifecycle.ExitError
	}

	coord := lifecycle.NewCoordinator()
	coord.PollInterval = cfg.Shutdown.PollInterval
	coord.MaxPolls = cfg.Shutdown.MaxPolls

	m := metrics.New()

	var (
		actorCh  = make(chan processing.Msg, processing.QueueSize)
		firehose = make(chan stream.AnnotatedFrame, stream.FirehoseCapacity)
		commands = make(chan dispatcher.ControlCommand, dispatcher.QueueSize)
		tracker  chan processing.Detections
	)
	if cfg.MQTT.Broker != "" {
		tracker = make(chan processing.Detections, processing.QueueSize)
	}

	// Every quit request, whatever its origin, ends in DoQuit on the
	// dispatcher queue.
	coord.OnQuit(func(lifecycle.Shutdown) {
		go func() { commands <- dispatcher.DoQuit{} }()
	})

	corners := processing.NewCorners()
	errs := processing.NewErrorState(cfg.Processing.ErrorGrace)
	imopsSender := imops.NewSender()
	defer imopsSender.Close()

	actorOpts := processing.Options{
		Factory:   &recording.FileFactory{Dir: cfg.Recording.Dir, Ffmpeg: cfg.Recording.Ffmpeg},
		CsvDir:    cfg.Recording.CsvDir,
		Firehose:  firehose,
		Collected: corners,
		ImOps:     imopsSender,
		Metrics:   m,
		FPSWindow: cfg.Processing.FPSWindow,
		Tracker:   tracker,
	}

	var calibrator *calibration.Calibrator
	if cfg.Hook.Endpoint != "" {
		hc, err := hook.Dial(hook.Config{
			Endpoint:       cfg.Hook.Endpoint,
			Timeout:        cfg.Hook.Timeout,
			CornersTimeout: cfg.Hook.CornersTimeout,
		})
		if err != nil {
			log.Error().Str("component", "main").Err(err).Str("endpoint", cfg.Hook.Endpoint).Msg("failed to dial processing hook")
			return lifecycle.ExitError
		}
		defer hc.Close()
		actorOpts.Hook = hc
		actorOpts.Corners = hc
		calibrator = &calibration.Calibrator{Solver: hc, Dir: cfg.Calibration.CameraInfoDir}
	}

	var (
		monitor *device.Monitor
		dev     dispatcher.Device
	)
	if cfg.Device.Serial != "" {
		port, err := device.OpenSerial(cfg.Device.Serial)
		if err != nil {
			log.Error().Str("component", "main").Err(err).Str("serial", cfg.Device.Serial).Msg("failed to open device")
			return lifecycle.ExitError
		}
		monitor = device.NewMonitor(port, cfg.Device.HeartbeatInterval, shared)
		actorOpts.Heartbeat = monitor
		dev = monitor
	}

	// Frame processing actor. It owns the writers, so it is joined after
	// the camera has stopped producing frames.
	actor := processing.NewActor(actorCh, actorOpts)
	actorThread := lifecycle.Spawn("frame-processing", coord, actor.Run)
	coord.Add(actorThread)
	actorCh <- processing.StoreHandoff{Shared: shared}
	initial := shared.Read()
	actorCh <- processing.SetPostTriggerBufferSize{Size: initial.PostTriggerBufferSize}
	actorCh <- processing.SetObjDetectionConfig{Config: initial.ObjDetectionConfig}

	hub := stream.NewHub(cam.Info().Name, cfg.HTTP.JPEGQuality, m)
	coord.Add(lifecycle.Spawn("stream-hub", coord, func(ctx context.Context) error {
		return hub.Run(ctx, firehose)
	}))
	if monitor != nil {
		coord.Add(lifecycle.Spawn("device-monitor", coord, monitor.Run))
	}

	ingest := processing.NewIngest(actorCh, errs, shared, m)
	coord.SetCamera(lifecycle.Spawn("camera", coord, func(ctx context.Context) error {
		return cam.Capture(ctx, func(f *camera.Frame) { ingest.Offer(f) })
	}))

	// Background tasks stop with the shared token.
	g, gctx := errgroup.WithContext(coord.Token())
	if cfg.Version.URL != "" {
		checker := version.NewChecker(cfg.Version.URL, cfg.Version.Interval, shared)
		g.Go(func() error { return checker.Run(gctx) })
	}
	if db != nil {
		g.Go(func() error { return db.WatchPreferences(gctx, shared) })
		g.Go(func() error { return db.WatchRecordings(gctx, shared) })
	}
	if cfg.MQTT.Broker != "" {
		bridge, stop, err := startMQTT(cfg.MQTT, shared, commands, coord.Quitting())
		if err != nil {
			log.Error().Str("component", "main").Err(err).Msg("failed to start mqtt bridge")
			coord.Quit(lifecycle.Shutdown{Cause: lifecycle.CauseError, Thread: "mqtt", Err: err})
		} else {
			defer stop()
			g.Go(func() error { return bridge.Run(gctx, tracker) })
		}
	}

	ctrlOpts := control.Options{
		Shared:   shared,
		Commands: commands,
		Hub:      hub,
		Metrics:  m,
		Quitting: coord.Quitting(),
	}
	if authenticator.IsEnabled() {
		ctrlOpts.Auth = authenticator
	}
	if db != nil {
		ctrlOpts.Recordings = db
	}
	srv := handleHTTPServer(cfg.HTTP, control.New(ctrlOpts), coord)
	coord.SetTransport(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Shutdown.Timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	disp := dispatcher.New(dispatcher.Options{
		Camera:      cam,
		Shared:      shared,
		Actor:       actorCh,
		ActorDone:   actorThread.Done(),
		Errors:      errs,
		Corners:     corners,
		Calibrator:  calibrator,
		Device:      dev,
		Coordinator: coord,
		Metrics:     m,
	})

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		coord.Quit(lifecycle.Shutdown{Cause: lifecycle.CauseSignal, Err: fmt.Errorf("%s", sig)})
	}()

	if err := disp.Run(context.Background(), commands); err != nil {
		log.Error().Str("component", "main").Err(err).Msg("shutdown incomplete")
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Str("component", "main").Err(err).Msg("background task failed")
	}

	code := coord.ExitCode()
	if db != nil {
		if err := db.RecordShutdown(coord.Cause(), code); err != nil {
			log.Warn().Str("component", "main").Err(err).Msg("failed to record shutdown")
		}
	}
	log.Info().Str("component", "main").Str("cause", coord.Cause().String()).Int("exit_code", code).Msg("exited")
	return code
}

func openDatabase(path string, shared *store.Shared) (*database.Database, error) {
	db, err := database.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if n, err := db.CloseOpenRecordings(time.Now()); err != nil {
		log.Warn().Str("component", "main").Err(err).Msg("failed to close stale recordings")
	} else if n > 0 {
		log.Info().Str("component", "main").Int64("count", n).Msg("closed recordings left open by previous run")
	}
	if last, err := db.LastShutdown(); err == nil && last != nil {
		log.Info().Str("component", "main").Str("cause", last.Cause).Int("exit_code", last.ExitCode).Time("at", last.At).Msg("previous run")
	}
	if _, err := db.RestorePreferences(shared); err != nil {
		log.Warn().Str("component", "main").Err(err).Msg("failed to restore preferences")
	}
	return db, nil
}

func startMQTT(cfg config.MQTTConfig, shared *store.Shared, commands chan<- dispatcher.ControlCommand, quitting <-chan struct{}) (*control.MQTTBridge, func(), error) {
	opts := control.MQTTOptions{
		Broker:      cfg.Broker,
		ClientID:    cfg.ClientID,
		TopicPrefix: cfg.TopicPrefix,
		QoS:         cfg.QoS,
	}
	client, err := control.ConnectMQTT(opts)
	if err != nil {
		return nil, nil, err
	}
	bridge := control.NewMQTTBridge(client, opts, shared, commands, quitting)
	if err := bridge.Start(); err != nil {
		client.Disconnect(250)
		return nil, nil, err
	}
	return bridge, func() {
		bridge.Stop()
		client.Disconnect(250)
	}, nil
}
