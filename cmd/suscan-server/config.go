package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/rjboer/GoSuscan/internal/app"
	"github.com/rjboer/GoSuscan/internal/delivery"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/sdr"
	"github.com/rjboer/GoSuscan/internal/server"
)

const envPrefix = "SUSCAN_"

// serverConfig is read from SUSCAN_* variables first; command-line flags
// override it.
type serverConfig struct {
	Addr       string `env:"ADDR" envDefault:":28001"`
	WebAddr    string `env:"WEB_ADDR" envDefault:":8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`
	MaxClients int    `env:"MAX_CLIENTS" envDefault:"32"`

	File       string  `env:"FILE"`
	Format     string  `env:"FORMAT" envDefault:"cf32"`
	Loop       bool    `env:"LOOP"`
	SampleRate float64 `env:"SAMPLE_RATE" envDefault:"250000"`
	Frequency  float64 `env:"FREQUENCY" envDefault:"0"`
	ToneOffset float64 `env:"TONE_OFFSET" envDefault:"10000"`
	NoiseLevel float64 `env:"NOISE_LEVEL" envDefault:"0.05"`
	NumSamples int     `env:"NUM_SAMPLES" envDefault:"4096"`

	CompressThreshold int           `env:"COMPRESS_THRESHOLD" envDefault:"1400"`
	ChunkSize         int           `env:"CHUNK_SIZE" envDefault:"16384"`
	CleanupWatermark  int           `env:"CLEANUP_WATERMARK" envDefault:"500"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"0s"`

	SourceInfoInterval time.Duration `env:"SOURCE_INFO_INTERVAL" envDefault:"1s"`
	PSDInterval        time.Duration `env:"PSD_INTERVAL" envDefault:"100ms"`
	PSDSize            int           `env:"PSD_SIZE" envDefault:"1024"`
	HistoryLimit       int           `env:"HISTORY_LIMIT" envDefault:"500"`

	MDNS     bool   `env:"MDNS" envDefault:"true"`
	Instance string `env:"INSTANCE"`
}

// loadConfig parses the environment. A nil environ reads the process
// environment.
func loadConfig(environ map[string]string) (serverConfig, error) {
	var cfg serverConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return serverConfig{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c *serverConfig) bindFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&c.Addr, "addr", c.Addr, "Analyzer listen address")
	fs.StringVar(&c.WebAddr, "web-addr", c.WebAddr, "Operator web interface address (empty disables it)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text|json)")
	fs.IntVar(&c.MaxClients, "max-clients", c.MaxClients, "Maximum concurrent clients (0 = unlimited)")

	fs.StringVar(&c.File, "file", c.File, "Replay a capture file instead of the synthetic source")
	fs.StringVar(&c.Format, "format", c.Format, "Capture file format (cf32|cs16|mono)")
	fs.BoolVar(&c.Loop, "loop", c.Loop, "Restart the capture file at its end")
	fs.Float64Var(&c.SampleRate, "sample-rate", c.SampleRate, "Sample rate in Hz")
	fs.Float64Var(&c.Frequency, "frequency", c.Frequency, "Tuner frequency reported to clients, Hz")
	fs.Float64Var(&c.ToneOffset, "tone-offset", c.ToneOffset, "Synthetic tone offset in Hz")
	fs.Float64Var(&c.NoiseLevel, "noise-level", c.NoiseLevel, "Synthetic noise standard deviation")
	fs.IntVar(&c.NumSamples, "num-samples", c.NumSamples, "Samples per source read")

	fs.IntVar(&c.CompressThreshold, "compress-threshold", c.CompressThreshold, "Compress PDUs of at least this many bytes (0 disables)")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "Socket write chunk size")
	fs.IntVar(&c.CleanupWatermark, "cleanup-watermark", c.CleanupWatermark, "Per-client queue depth that triggers backpressure cleanup")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "Per-chunk write timeout (0 disables)")

	fs.DurationVar(&c.SourceInfoInterval, "source-info-interval", c.SourceInfoInterval, "Source info broadcast interval")
	fs.DurationVar(&c.PSDInterval, "psd-interval", c.PSDInterval, "Main spectrum interval (0 disables)")
	fs.IntVar(&c.PSDSize, "psd-size", c.PSDSize, "Main spectrum FFT size")
	fs.IntVar(&c.HistoryLimit, "history-limit", c.HistoryLimit, "Backpressure events kept for the web interface")

	fs.BoolVar(&c.MDNS, "mdns", c.MDNS, "Advertise the server over mDNS")
	fs.StringVar(&c.Instance, "instance", c.Instance, "mDNS instance name (default: suscan on <hostname>)")
}

func (c serverConfig) logger() (logging.Logger, error) {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

func (c serverConfig) source() (sdr.Config, error) {
	format, err := sdr.ParseFormat(c.Format)
	if err != nil {
		return sdr.Config{}, err
	}
	if c.SampleRate <= 0 {
		return sdr.Config{}, fmt.Errorf("sample rate must be positive, got %g", c.SampleRate)
	}
	return sdr.Config{
		SampleRate: c.SampleRate,
		Frequency:  c.Frequency,
		ToneOffset: c.ToneOffset,
		NoiseLevel: c.NoiseLevel,
		NumSamples: c.NumSamples,
		Path:       c.File,
		Format:     format,
		Loop:       c.Loop,
	}, nil
}

func (c serverConfig) analyzer() app.Config {
	cfg := app.DefaultConfig()
	cfg.PSDInterval = c.PSDInterval
	cfg.PSDSize = c.PSDSize
	return cfg
}

func (c serverConfig) server() server.Config {
	d := delivery.DefaultConfig()
	d.CompressThreshold = c.CompressThreshold
	d.ChunkSize = c.ChunkSize
	d.CleanupWatermark = c.CleanupWatermark
	d.WriteTimeout = c.WriteTimeout
	return server.Config{
		Addr:               c.Addr,
		Delivery:           d,
		SourceInfoInterval: c.SourceInfoInterval,
		MaxClients:         c.MaxClients,
	}
}

func (c serverConfig) instanceName() string {
	if c.Instance != "" {
		return c.Instance
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "suscan on " + host
}
