// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pitchscope/cmd"
	"pitchscope/internal/analysis"
	"pitchscope/internal/audio"
	"pitchscope/internal/buffer"
	"pitchscope/internal/config"
	"pitchscope/internal/log"
	"pitchscope/internal/metrics"
	"pitchscope/internal/pitch"
	"pitchscope/internal/record"
	"pitchscope/internal/transport"
	"pitchscope/internal/transport/mqtt"
	"pitchscope/internal/transport/udp"
	"pitchscope/internal/tui"
	"pitchscope/pkg/build"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// main is the entry point for pitchscope.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Parse command line arguments and load configuration
//   - Initialize PortAudio
//   - Execute one-off commands if requested
//
// 2. Concurrent Phase (Hot Path):
//   - Start the detection worker on the sample buffer
//   - Start the capture stream feeding the buffer
//   - Mirror notes to the configured transports
//   - Run the terminal UI, or log notes when headless
//
// 3. Shutdown Phase (Cold Path):
//   - Handle termination signals or the UI quitting
//   - Stop the stream, which ends the sample stream for the worker
//   - Join the worker, then close the transports and the recording
func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	// ==================== STARTUP PHASE (Cold Path) ====================

	// Development builds have no ldflags and keep the defaults.
	if err := build.Initialize(); err != nil {
		log.Debugf("Build: %v, using development build info", err)
	}

	cfg, err := cmd.ParseArgs()
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil // --help or --version
	}

	if level, ok := log.ParseLevel(cfg.LogLevel); ok {
		log.SetLevel(level)
	}
	log.Debugf("Build: %s", build.GetBuildFlags())

	// Device listing and selection always go through PortAudio.
	if cfg.Audio.Backend == config.BackendPortAudio || cfg.Command != "" {
		if err := audio.Initialize(); err != nil {
			return err
		}
		defer func() {
			if err := audio.Terminate(); err != nil {
				log.Warnf("Audio: %v", err)
			}
		}()
	}

	switch cfg.Command {
	case cmd.CommandList:
		return audio.ListDevices(os.Stdout)

	case cmd.CommandSelect:
		device, ok, err := tui.PickInputDevice()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cfg.Audio.InputDevice = device.ID
	}

	return runPipeline(cfg)
}

// pipeline is everything the concurrent phase owns.
type pipeline struct {
	cfg      *config.Config
	metrics  *metrics.PipelineMetrics
	engine   *audio.Engine
	worker   *analysis.Worker
	fanout   *transport.Fanout
	recorder *record.Recorder
}

func runPipeline(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}

	// ==================== CONCURRENT PHASE (Hot Path) ====================

	// CRITICAL: Start of real-time audio processing. From here on the
	// backend calls the capture callback.
	if err := p.engine.Start(); err != nil {
		p.engine.Close()
		_ = p.fanout.Shutdown()
		p.stopRecording()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := p.worker.Run()
		log.Debugf("Worker: stopped (%s)", p.worker.StopReason())
		return err
	})

	g.Go(func() error {
		return p.engine.MonitorErrors(gctx)
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return p.metrics.Serve(gctx, cfg.Metrics.Address)
		})
	}

	// Stopping the stream closes the producer, the worker then sees the
	// end of the stream and closes the results.
	g.Go(func() error {
		<-gctx.Done()
		return p.engine.Close()
	})

	// The presentation ending, for any reason, ends the run.
	g.Go(func() error {
		defer cancel()
		return p.present(gctx)
	})

	err = g.Wait()

	// ==================== SHUTDOWN PHASE (Cold Path) ====================

	// The worker is joined, so nothing taps the recorder or feeds the sinks.
	p.stopRecording()
	if ferr := p.fanout.Shutdown(); ferr != nil {
		log.Warnf("Transport: %v", ferr)
	}

	log.Infof("Engine: %d callbacks, %d chunks dropped", p.engine.Callbacks(), p.engine.Dropped())
	return err
}

func newPipeline(cfg *config.Config) (*pipeline, error) {
	p := &pipeline{cfg: cfg}

	pm, err := metrics.NewPipelineMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	p.metrics = pm

	producer, consumer := buffer.New[float32](
		buffer.WithQueueCapacity(cfg.Detection.QueueCapacity),
		buffer.WithDropHook(pm.ChunkDropped),
	)

	var detectorOpts []pitch.DetectorOption
	if cfg.Detection.GateThreshold > 0 {
		detectorOpts = append(detectorOpts, pitch.WithGate(cfg.Detection.GateThreshold))
	}
	detector, err := pitch.NewDetector(cfg.Detection.WindowSize, cfg.Audio.SampleRate, detectorOpts...)
	if err != nil {
		return nil, err
	}

	sender, receiver := analysis.NewResults(cfg.Detection.ResultCapacity)

	workerOpts := []analysis.Option{analysis.WithObserver(pm)}
	if cfg.Recording.Enabled {
		recorder, err := startRecorder(cfg)
		if err != nil {
			return nil, err
		}
		p.recorder = recorder
		workerOpts = append(workerOpts, analysis.WithWindowTap(recorder))
	}

	p.worker, err = analysis.NewWorker(analysis.Config{
		WindowSize: cfg.Detection.WindowSize,
		Range:      pitch.Range{Min: cfg.Detection.MinFrequency, Max: cfg.Detection.MaxFrequency},
		SampleRate: cfg.Audio.SampleRate,
	}, consumer, detector, sender, workerOpts...)
	if err != nil {
		p.stopRecording()
		return nil, err
	}

	p.engine, err = audio.NewEngine(cfg.Audio, producer, audio.WithObserver(pm))
	if err != nil {
		p.stopRecording()
		return nil, err
	}

	p.fanout = transport.NewFanout(receiver, uuid.New())
	p.fanout.SetObserver(pm)
	if err := p.addSinks(); err != nil {
		_ = p.fanout.Shutdown()
		p.stopRecording()
		return nil, err
	}

	return p, nil
}

func startRecorder(cfg *config.Config) (*record.Recorder, error) {
	recorder, err := record.NewRecorder(int(cfg.Audio.SampleRate), cfg.Recording.BitDepth)
	if err != nil {
		return nil, err
	}
	if cfg.Recording.OutputFile == "" {
		cfg.Recording.OutputFile = record.DefaultFilename(time.Now().UTC())
	}
	if err := recorder.Start(cfg.Recording.OutputFile); err != nil {
		return nil, err
	}
	log.Infof("Recording: writing analysed audio to %s", cfg.Recording.OutputFile)
	return recorder, nil
}

// addSinks registers every enabled transport with the fan-out.
func (p *pipeline) addSinks() error {
	t := p.cfg.Transport

	if p.cfg.Headless {
		p.fanout.AddSink("log", transport.NewLoggingTransport())
	}

	if t.WebSocket.Enabled {
		ws, err := transport.NewWebSocketTransport(t.WebSocket.Address,
			transport.WithMaxRate(t.WebSocket.MaxRate),
			transport.WithHandler("/metrics", p.metrics.Handler()),
			transport.WithClientObserver(p.metrics.SetWebSocketClients),
		)
		if err != nil {
			return err
		}
		p.fanout.AddSink("websocket", ws)
	}

	if t.UDP.Enabled {
		sender, err := udp.NewUDPSender(t.UDP.TargetAddress)
		if err != nil {
			return err
		}
		publisher, err := udp.NewUDPPublisher(t.UDP.SendInterval, sender)
		if err != nil {
			sender.Close()
			return err
		}
		publisher.Start()
		p.fanout.AddSink("udp", publisher)
	}

	if t.MQTT.Enabled {
		// An unreachable broker is not worth refusing to start over.
		publisher, err := mqtt.NewPublisher(t.MQTT)
		if err != nil {
			log.Warnf("Transport: MQTT disabled: %v", err)
		} else {
			p.fanout.AddSink("mqtt", publisher)
		}
	}

	log.Debugf("Transport: %d sinks active", p.fanout.Sinks())
	return nil
}

// present runs the display until it ends or ctx is done.
func (p *pipeline) present(ctx context.Context) error {
	if p.cfg.Headless {
		fmt.Printf("Headless mode, Ctrl+C to stop. '%s --help' for usage information.\n", build.GetBuildFlags().Name)
		return p.fanout.Run(ctx)
	}

	// Log lines would tear the alternate screen.
	restore := log.Writer()
	var out io.Writer = io.Discard
	if p.cfg.LogFile != "" {
		f, err := os.OpenFile(p.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}
	log.SetOutput(out)
	defer log.SetOutput(restore)

	err := tui.RunNoteDisplay(ctx, p.fanout, p.engine, p.engine.Info().DeviceName)
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (p *pipeline) stopRecording() {
	if p.recorder == nil {
		return
	}
	recorder := p.recorder
	p.recorder = nil
	if err := recorder.Stop(); err != nil {
		log.Errorf("Recording: %v", err)
		return
	}
	if dropped := recorder.Dropped(); dropped > 0 {
		log.Warnf("Recording: %d windows dropped, the writer fell behind", dropped)
	}
	fmt.Printf("\nRecording saved to: %s (%d samples)\n", p.cfg.Recording.OutputFile, recorder.Samples())
}
