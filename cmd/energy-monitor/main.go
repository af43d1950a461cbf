// Package main is the entry point for the energy monitor. It drives the
// MCP39F511 metrology IC over its UART, publishes measurements and runs
// calibration against a PA1000 reference analyzer.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/energy-monitor/internal/adapter/config"
	"github.com/nexus-edge/energy-monitor/internal/adapter/mcp"
	"github.com/nexus-edge/energy-monitor/internal/adapter/mqtt"
	"github.com/nexus-edge/energy-monitor/internal/adapter/pa1000"
	"github.com/nexus-edge/energy-monitor/internal/adapter/serial"
	"github.com/nexus-edge/energy-monitor/internal/domain"
	"github.com/nexus-edge/energy-monitor/internal/health"
	"github.com/nexus-edge/energy-monitor/internal/meter"
	"github.com/nexus-edge/energy-monitor/internal/metrics"
	"github.com/nexus-edge/energy-monitor/internal/service"
	"github.com/nexus-edge/energy-monitor/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	serviceName    = "energy-monitor"
	serviceVersion = "1.0.12"
)

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(serviceName, pflag.ExitOnError)
	fs.String("config", "", "path to the configuration file")
	fs.StringP("calibrate", "c", "", "calibrate against the reference analyzer at this address")
	fs.BoolP("reactive", "z", false, "include the power factor 0.5 stage when calibrating")
	fs.BoolP("factory-reset", "r", false, "restore the factory calibration on start-up")
	fs.Bool("list-ports", false, "list serial ports and exit")
	fs.Bool("dump-registers", false, "print every register bank as YAML once initialised and exit")
	fs.String("serial-port", "", "serial device connected to the meter")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("version", false, "print the version and exit")
	return fs
}

func main() {
	flags := newFlagSet()
	_ = flags.Parse(os.Args[1:])

	if v, _ := flags.GetBool("version"); v {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	// Initialize structured logger
	logger := logging.New(serviceName, serviceVersion)

	if list, _ := flags.GetBool("list-ports"); list {
		if err := listPorts(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to list serial ports")
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(flags)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting energy monitor")

	factoryReset, _ := flags.GetBool("factory-reset")
	dumpRegisters, _ := flags.GetBool("dump-registers")

	// Initialize metrics
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Serial link and register interface
	// =============================================================

	var resetLine meter.ResetLine = serial.NopResetLine{}
	if cfg.Serial.ResetPin != "" {
		line, err := serial.NewGPIOResetLine(cfg.Serial.ResetPin)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to claim reset line")
		}
		resetLine = line
		logger.Info().Str("pin", line.String()).Msg("Hardware reset line configured")
	}

	engine := mcp.NewEngine(mcp.EngineConfig{
		Name:             cfg.Serial.Port,
		InterByteDelay:   cfg.Serial.InterByteDelay,
		WatchdogTicks:    cfg.Serial.WatchdogTicks,
		FailureThreshold: cfg.Link.FailureThreshold,
		OpenTimeout:      cfg.Link.OpenTimeout,
	}, func() (mcp.Port, error) {
		return serial.Open(serial.Config{
			Device:      cfg.Serial.Port,
			Baud:        cfg.Serial.BaudRate,
			ReadTimeout: cfg.Serial.ReadTimeout,
		})
	}, logging.WithPortContext(logger, cfg.Serial.Port, cfg.Serial.BaudRate), metricsRegistry)

	if err := engine.Open(); err != nil {
		logger.Fatal().Err(err).Str("port", cfg.Serial.Port).Msg("Failed to open serial port")
	}

	loop := service.NewLoop(service.LoopConfig{
		ServiceInterval: cfg.Serial.ServiceInterval,
		TxInterval:      cfg.Serial.InterByteDelay,
		QueueSize:       cfg.Serial.QueueSize,
	}, engine, logger)

	meterIface := meter.New(engine, loop, resetLine, meter.Config{
		ResetHold:     cfg.Serial.ResetHold,
		SettleDelay:   cfg.Meter.SettleDelay,
		BeepFrequency: cfg.Meter.BeepFrequency,
		BeepDuty:      cfg.Meter.BeepDuty,
	}, logger)
	defer meterIface.Close()

	// =============================================================
	// Reference analyzer and calibration
	// =============================================================

	analyzer := pa1000.NewClient(pa1000.Config{
		Port:         cfg.Analyzer.Port,
		DialTimeout:  cfg.Analyzer.DialTimeout,
		WriteTimeout: cfg.Analyzer.WriteTimeout,
		SettleDelay:  cfg.Analyzer.SettleDelay,
	}, loop, logger, metricsRegistry)

	calibrator := service.NewCalibrator(service.CalibrationConfig{
		ConfirmToken:         cfg.Calibration.ConfirmToken,
		SettleDelay:          cfg.Calibration.SettleDelay,
		MeasureDelay:         cfg.Calibration.MeasureDelay,
		AccumulationInterval: cfg.Calibration.AccumulationInterval,
		StepTimeout:          cfg.Calibration.StepTimeout,
	}, meterIface, analyzer, engine, loop, logger, metricsRegistry)
	defer calibrator.Close()

	calibrator.OnPrompt(func(p service.Prompt) {
		fmt.Printf("%s [%s]\n", p.Message, p.Token)
	})

	// =============================================================
	// Telemetry
	// =============================================================

	var (
		mqttPublisher *mqtt.Publisher
		publisher     service.Publisher
	)
	if cfg.MQTT.Enabled {
		mqttPublisher, err = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			TLSEnabled:     cfg.MQTT.TLSEnabled,
			TLSCertFile:    cfg.MQTT.TLSCertFile,
			TLSKeyFile:     cfg.MQTT.TLSKeyFile,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			BufferSize:     cfg.MQTT.BufferSize,
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, logger, metricsRegistry)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create MQTT publisher")
		}
		if err := mqttPublisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to MQTT broker (telemetry disabled)")
			mqttPublisher = nil
		} else {
			publisher = mqttPublisher
			defer mqttPublisher.Disconnect()
		}
	}

	monitor := service.NewMonitor(service.MonitorConfig{
		Interval:       cfg.Monitor.Interval,
		StallTimeout:   cfg.Monitor.StallTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	}, meterIface, loop, publisher, logger, metricsRegistry)
	defer monitor.Close()

	analyzer.OnMeasurement(monitor.HandleReference)
	calibrator.OnResult(func(r domain.CalibrationResult) {
		monitor.HandleCalibrationResult(r)
		if r.Success {
			fmt.Printf("Calibration complete in %s\n", r.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("Calibration failed: %s\n", r.Error)
		}
	})

	// =============================================================
	// Start-up actions
	// =============================================================

	bootstrapped := false
	meterIface.OnInitialised(func() {
		if bootstrapped {
			return
		}
		bootstrapped = true

		switch {
		case dumpRegisters:
			if err := meterIface.Snapshot().WriteYAML(os.Stdout); err != nil {
				logger.Error().Err(err).Msg("Failed to dump registers")
			}
			cancel()
		case factoryReset:
			if _, err := meterIface.FactoryReset(); err != nil {
				logger.Error().Err(err).Msg("Failed to start factory reset")
			}
		case cfg.Calibration.Analyzer != "":
			if _, err := calibrator.Start(cfg.Calibration.Analyzer, cfg.Calibration.Reactive); err != nil {
				logger.Error().Err(err).Msg("Failed to start calibration")
			}
		}
	})
	meterIface.OnFactoryReset(func(meter.FactoryResetComplete) {
		fmt.Println("Factory reset complete")
		meterIface.Initialise()
	})

	if err := loop.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler loop")
	}
	if err := monitor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start monitor")
	}
	loop.Post(meterIface.Initialise)

	go readOperatorInput(ctx, loop, calibrator)

	// Initialize command handler for remote control
	var cmdHandler *service.CommandHandler
	if mqttPublisher != nil && cfg.MQTT.Commands {
		cmdHandler = service.NewCommandHandler(
			mqttPublisher.Client(),
			loop,
			calibrator,
			meterIface,
			service.CommandConfig{
				TopicPrefix:           cfg.MQTT.TopicPrefix,
				QoS:                   cfg.MQTT.QoS,
				EnableAcknowledgement: true,
				DefaultAnalyzer:       cfg.Calibration.Analyzer,
			},
			logger,
			metricsRegistry,
		)
		if err := cmdHandler.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start command handler (remote commands disabled)")
			cmdHandler = nil
		}
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("serial", engine)
	if mqttPublisher != nil {
		healthChecker.AddOptionalCheck("mqtt", mqttPublisher)
	}

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", healthChecker.HealthHandler)
		mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
		mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			writeStatus(w, r, loop, engine, monitor, calibrator, cmdHandler)
		})

		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      mux,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		}

		go func() {
			logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("HTTP server error")
			}
		}()
	}

	logger.Info().
		Str("port", cfg.Serial.Port).
		Int("baud", cfg.Serial.BaudRate).
		Str("analyzer", cfg.Calibration.Analyzer).
		Bool("factory_reset", factoryReset).
		Bool("mqtt", mqttPublisher != nil).
		Msg("Energy monitor started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if cmdHandler != nil {
		if err := cmdHandler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping command handler")
		}
	}

	// Abandon a running calibration and drop the analyzer socket on the loop.
	if err := loop.Do(shutdownCtx, func() {
		calibrator.Cancel()
		analyzer.Disconnect()
	}); err != nil && !errors.Is(err, domain.ErrServiceStopped) {
		logger.Warn().Err(err).Msg("Failed to stop calibration")
	}

	if err := monitor.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping monitor")
	}
	if err := loop.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping scheduler loop")
	}
	if err := engine.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing serial port")
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}

	logger.Info().Msg("Energy monitor shutdown complete")
}

// listPorts prints the host's serial ports as YAML.
func listPorts() error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(ports); err != nil {
		return err
	}
	return enc.Close()
}

// readOperatorInput forwards console lines to the calibrator as confirmations.
func readOperatorInput(ctx context.Context, loop *service.Loop, calibrator *service.Calibrator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		loop.Post(func() { calibrator.Confirm(line) })
	}
}

type statusResponse struct {
	Service     string                       `json:"service"`
	Version     string                       `json:"version"`
	Calibration string                       `json:"calibration"`
	RunID       string                       `json:"run_id,omitempty"`
	LinkUp      bool                         `json:"link_up"`
	QueueLen    int                          `json:"queue_len"`
	Loop        map[string]uint64            `json:"loop"`
	Engine      map[string]uint64            `json:"engine"`
	Monitor     service.MonitorStatsSnapshot `json:"monitor"`
	Commands    map[string]uint64            `json:"commands,omitempty"`
}

func writeStatus(
	w http.ResponseWriter,
	r *http.Request,
	loop *service.Loop,
	engine *mcp.Engine,
	monitor *service.Monitor,
	calibrator *service.Calibrator,
	cmdHandler *service.CommandHandler,
) {
	resp := statusResponse{
		Service:     serviceName,
		Version:     serviceVersion,
		Calibration: calibrator.State().String(),
		Monitor:     monitor.Stats(),
	}

	// Engine and calibrator fields are owned by the loop goroutine.
	if err := loop.Do(r.Context(), func() {
		resp.RunID = calibrator.RunID()
		resp.LinkUp = engine.LinkUp()
		resp.QueueLen = engine.QueueLen()
	}); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ls := loop.Stats()
	resp.Loop = map[string]uint64{
		"service_ticks": ls.ServiceTicks.Load(),
		"posted":        ls.Posted.Load(),
		"dropped":       ls.Dropped.Load(),
	}
	es := engine.Stats()
	resp.Engine = map[string]uint64{
		"frames_sent":       es.FramesSent.Load(),
		"completed":         es.Completed.Load(),
		"naks":              es.NAKs.Load(),
		"checksum_failures": es.ChecksumFailures.Load(),
		"malformed":         es.Malformed.Load(),
		"watchdog_timeouts": es.WatchdogTimeouts.Load(),
		"transport_errors":  es.TransportErrors.Load(),
	}
	if cmdHandler != nil {
		resp.Commands = cmdHandler.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
