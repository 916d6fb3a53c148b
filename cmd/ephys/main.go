package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/api"
	"github.com/banshee-data/ephys.loop/internal/config"
	"github.com/banshee-data/ephys.loop/internal/db"
	"github.com/banshee-data/ephys.loop/internal/display"
	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/recording"
	"github.com/banshee-data/ephys.loop/internal/serialmux"
	"github.com/banshee-data/ephys.loop/internal/stimulator"
	"github.com/banshee-data/ephys.loop/internal/terminal"
	"github.com/banshee-data/ephys.loop/internal/version"
)

var (
	configFile   = flag.String("config", config.DefaultConfigPath, "Path to the JSON settings file")
	listen       = flag.String("listen", ":8090", "HTTP listen address")
	healthListen = flag.String("health-listen", "localhost:50061", "gRPC health listen address (empty disables)")
	datasetFile  = flag.String("dataset", "", "CSV dataset replayed by the local source (default: synthetic signal)")
	port         = flag.String("port", "", "Stimulator serial port, overrides the settings file")
	dbFile       = flag.String("db", "", "SQLite run store, overrides the settings file")
	recordDir    = flag.String("recordings", "", "Recording directory, overrides the settings file")
	plotDir      = flag.String("plots", "", "Write a PNG of every full display window to this directory")
	autoStart    = flag.Bool("start", false, "Start acquisition on launch")
	trace        = flag.Bool("trace", false, "Log per-tick detail")
)

// syntheticSeconds is the length of the generated dataset before it wraps.
const syntheticSeconds = 10

// openSource builds the local replay source: the CSV at path, or a synthetic
// signal shaped by the settings when path is empty.
func openSource(s *config.Settings, path string) (*acquisition.LocalSource, error) {
	var ds *acquisition.Dataset
	if path == "" {
		rate := s.GetSampleRate()
		ds = acquisition.Synthetic(s.GetChannels(), int(rate)*syntheticSeconds, rate, int(rate), 1)
	} else {
		var err error
		ds, err = acquisition.LoadCSVFile(path)
		if err != nil {
			return nil, err
		}
		if ds.Channels() != s.GetChannels() {
			return nil, fmt.Errorf("dataset %s has %d channels, settings expect %d", path, ds.Channels(), s.GetChannels())
		}
	}
	return acquisition.NewLocalSource(ds, acquisition.LoopConfig{
		Channels:       s.GetChannels(),
		SamplesPerTick: s.GetSamplesPerTick(),
		RingCapacity:   s.GetRingCapacity(),
		PollingPeriod:  s.GetPollingPeriod(),
	})
}

// openStimulatorPort opens the configured serial port, or a disabled mux
// that only logs commands when no port is configured.
func openStimulatorPort(s *config.Settings, override string) (serialmux.SerialMuxInterface, error) {
	var opts serialmux.PortOptions
	path := override
	if s.Stimulator != nil {
		opts = s.Stimulator.PortOptions
		if path == "" {
			path = s.Stimulator.Port
		}
	}
	if path == "" {
		monitoring.Opsf("no stimulator port configured, commands are logged only")
		return serialmux.NewDisabledSerialMux(), nil
	}
	return serialmux.OpenPort(path, opts)
}

// recordReplies stores every line the stimulator sends until ctx is done.
func recordReplies(ctx context.Context, m serialmux.SerialMuxInterface, store *db.DB) {
	id, c := m.Subscribe()
	defer m.Unsubscribe(id)
	for {
		select {
		case line, ok := <-c:
			if !ok {
				return
			}
			if err := store.RecordCommand(ctx, "", line); err != nil && ctx.Err() == nil {
				monitoring.Diagf("failed to record stimulator reply: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// addDisplays attaches the configured accumulators and the consumer fan-out.
func addDisplays(ctx context.Context, t *terminal.Terminal, s *config.Settings, consumer display.Consumer) error {
	if _, err := t.AddAccumulator(ctx, s.GetDisplayBuffer(), s.GetDisplayCapacity()); err != nil {
		return err
	}
	if name := s.GetDisplayEventBuffer(); name != "" {
		if _, err := t.AddEventAccumulator(ctx, name, s.GetDisplayEventCapacity()); err != nil {
			return err
		}
	}
	return t.SetConsumer(ctx, consumer)
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *trace {
		monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr, Diag: os.Stderr, Trace: os.Stderr})
	}
	monitoring.Opsf("ephys %s (%s) built %s", version.Version, version.GitSHA, version.BuildTime)

	settings, err := config.LoadSettings(*configFile)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	if *dbFile == "" {
		*dbFile = settings.GetDBPath()
	}
	if *recordDir == "" {
		*recordDir = settings.GetRecordingDir()
	}

	source, err := openSource(settings, *datasetFile)
	if err != nil {
		log.Fatalf("failed to open acquisition source: %v", err)
	}

	m, err := openStimulatorPort(settings, *port)
	if err != nil {
		log.Fatalf("failed to open stimulator port: %v", err)
	}
	device := stimulator.NewSerial(m)
	defer device.Close()
	device.OnFault(func(err error) { monitoring.Opsf("stimulator fault: %v", err) })

	store, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open run store: %v", err)
	}
	defer store.Close()

	term, err := terminal.New(terminal.ConfigFromSettings(settings), terminal.Options{
		Source:   source,
		Device:   device,
		Recorder: recording.NewFileRecorder(*recordDir),
		Store:    store,
	})
	if err != nil {
		log.Fatalf("failed to build terminal: %v", err)
	}
	term.OnFault(func(err error) { monitoring.Opsf("run faulted: %v", err) })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	live := display.NewLiveView()
	consumers := display.Multi{live}
	if *plotDir != "" {
		plots, err := display.NewPlotConsumer(*plotDir)
		if err != nil {
			log.Fatalf("failed to create plot directory: %v", err)
		}
		defer plots.Close()
		consumers = append(consumers, plots)
	}
	if err := addDisplays(ctx, term, settings, consumers); err != nil {
		log.Fatalf("failed to attach displays: %v", err)
	}

	if err := device.Connect(ctx); err != nil {
		log.Fatalf("failed to connect stimulator: %v", err)
	}

	if len(settings.Protocol) > 0 {
		if err := term.AttachProtocol(ctx, settings.Protocol); err != nil {
			log.Fatalf("failed to attach protocol: %v", err)
		}
	}
	if *autoStart {
		if err := term.StartAcquisition(ctx); err != nil {
			monitoring.Opsf("failed to start acquisition: %v", err)
		}
	}

	var wg sync.WaitGroup

	// keep a log of everything the stimulator says
	wg.Add(1)
	go func() {
		defer wg.Done()
		recordReplies(ctx, m, store)
		monitoring.Diagf("reply routine terminated")
	}()

	health := api.NewHealthService(term)
	if *healthListen != "" {
		if err := health.Start(*healthListen); err != nil {
			log.Fatalf("failed to start health service: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			health.Run(ctx, api.DefaultHealthInterval)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(term, m, store, *recordDir).ServeMux()
		m.AttachAdminRoutes(mux)
		if err := store.AttachAdminRoutes(mux); err != nil {
			monitoring.Opsf("failed to attach db admin routes: %v", err)
		}
		live.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		monitoring.Opsf("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Opsf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Opsf("HTTP server force close error: %v", err)
			}
		}
		monitoring.Diagf("HTTP server routine stopped")
	}()

	wg.Wait()

	if err := term.Close(); err != nil {
		monitoring.Opsf("terminal teardown: %v", err)
	}
	health.Stop()
	monitoring.Opsf("graceful shutdown complete")
}
