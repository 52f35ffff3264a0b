// weaver reads quantized voltage blocks from the acquisition ring,
// optionally injects synthetic radio bursts by statistically recomputing
// quantization codes, and republishes the blocks into a second ring for
// the downstream search pipeline.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/weaver/pkg/bridge"
	"github.com/weaver/pkg/burst"
	"github.com/weaver/pkg/quant"
	"github.com/weaver/pkg/shmring"
)

const version = "0.2.0"

func main() {
	var (
		showHelp    = pflag.BoolP("help", "h", false, "Display help.")
		showVersion = pflag.BoolP("version", "V", false, "Display version.")
		debug       = pflag.BoolP("debug", "d", false, "Activate debugging mode.")
		configFile  = pflag.String("config", "", "Configuration file.")
		burstFiles  = pflag.StringArray("burst", nil, "Simulated burst file. May be repeated.")
		dumpFile    = pflag.String("dump", "", "Append every transformed block to this raw file.")
		auditFile   = pflag.String("audit", "", "Record every altered sample to this parquet file.")
		monitorAddr = pflag.String("monitor", "", "Serve bridge status on this address (e.g. :8080).")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Weave simulated radio bursts into telescope data in real time.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *showHelp {
		pflag.Usage()
		return
	}
	if *showVersion {
		fmt.Printf("Version: %s\n", version)
		return
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
	})
	if *debug {
		logger.SetLevel(log.DebugLevel)
	}

	if err := run(logger, *configFile, *burstFiles, *dumpFile, *auditFile, *monitorAddr); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

// run is the single path from parsed flags to a finished bridge; every
// fatal condition propagates back here and main performs the one process
// exit.
func run(logger *log.Logger, configFile string, burstFiles []string, dumpFile, auditFile, monitorAddr string) error {
	if configFile == "" {
		return fmt.Errorf("no configuration file specified")
	}
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}

	band := cfg.Band()
	logger.Info("Start time", "t1_s", cfg.System.T1)
	logger.Info("End time", "t2_s", cfg.System.T2)
	logger.Info("Lowest frequency", "f1_mhz", band.F1)
	logger.Info("Highest frequency", "f2_mhz", band.F2)
	logger.Info("Bandwidth", "bw_mhz", cfg.Bandwidth())
	logger.Info("Channel width", "df_khz", cfg.ChannelWidthMHz()*1e3)
	logger.Info("Number of channels", "nf", cfg.System.NF)
	logger.Info("Sampling time", "dt_s", cfg.System.Dt)
	logger.Info("System temperature", "tsys_k", band.Tsys)
	logger.Info("Antenna gain", "gain_k_jy", band.Gain, "nant", cfg.System.Nant)

	model, err := quant.NewModel(cfg.Inject.Bits, cfg.Inject.Step)
	if err != nil {
		return err
	}
	requant, err := quant.NewRequantizer(cfg.Inject.Bits)
	if err != nil {
		return err
	}

	sigma := burst.Sigma(band.Tsys, band.Gain, cfg.System.Nant, cfg.System.Dt, cfg.ChannelWidthHz())
	logger.Info("Radiometer noise level", "sigma_jy", sigma)

	placements, seed, err := loadBursts(logger, burstFiles, cfg, sigma)
	if err != nil {
		return err
	}
	if len(placements) == 0 {
		logger.Warn("No simulated bursts loaded.")
		logger.Warn("Nothing will be woven into the stream.")
	}
	if seed == 0 {
		seed = cfg.Inject.Seed
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	geo := shmring.Geometry{Capacity: cfg.Rings.Capacity, BlockSize: cfg.Rings.BlockSize}
	in, err := shmring.Attach(shmring.Keys{Header: cfg.Rings.Input.HeaderKey, Buffer: cfg.Rings.Input.BufferKey}, geo)
	if err != nil {
		return fmt.Errorf("input ring: %w", err)
	}
	defer in.Close()
	logger.Info("Attached to input ring", "header_key", cfg.Rings.Input.HeaderKey, "buffer_key", cfg.Rings.Input.BufferKey)

	out, err := shmring.Create(shmring.Keys{Header: cfg.Rings.Output.HeaderKey, Buffer: cfg.Rings.Output.BufferKey}, geo)
	if err != nil {
		return fmt.Errorf("output ring: %w", err)
	}
	defer out.Close()
	logger.Info("Created output ring", "header_key", cfg.Rings.Output.HeaderKey, "buffer_key", cfg.Rings.Output.BufferKey)

	opt := bridge.Options{
		In:      in,
		Out:     out,
		Model:   model,
		Requant: requant,
		Bursts:  placements,
		Rand:    rand.New(rand.NewSource(seed)),
		Poll:    cfg.Poll(),
		Log:     logger,
	}

	if dumpFile != "" {
		f, err := os.OpenFile(dumpFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("open dump file: %w", err)
		}
		defer f.Close()
		opt.Dump = f
		logger.Info("Dumping transformed blocks", "file", dumpFile)
	}

	if auditFile != "" {
		f, err := os.Create(auditFile)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		cfgYAML, _ := yaml.Marshal(cfg)
		audit := bridge.NewAudit(f, map[string]string{
			"config":  string(cfgYAML),
			"version": version,
		})
		defer func() {
			if err := audit.Close(); err != nil {
				logger.Warn("closing audit file", "err", err)
			}
		}()
		opt.Audit = audit
		logger.Info("Auditing injections", "file", auditFile)
	}

	b, err := bridge.New(opt)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if monitorAddr != "" {
		startMonitor(ctx, monitorAddr, b, logger)
	}
	go reportStats(ctx, b, logger)

	return b.Run(ctx)
}

// loadBursts decodes each burst file and binds it to the stream geometry.
// Undecodable files are fatal; an empty grid is a warning and a skip. The
// returned seed is the first nonzero seed stored in a burst file.
func loadBursts(logger *log.Logger, paths []string, cfg *Config, sigma float64) ([]*burst.Placement, int64, error) {
	var placements []*burst.Placement
	var seed int64
	for _, path := range paths {
		f, err := burst.ReadFile(path)
		if err != nil {
			return nil, 0, err
		}
		if f.Empty() {
			logger.Warn("Burst has no non-zero entries, skipping", "file", path, "name", f.Name)
			continue
		}
		p, err := burst.NewPlacement(f, cfg.System.NF, cfg.System.Dt, cfg.Band().Flip, sigma)
		if err != nil {
			return nil, 0, err
		}
		if seed == 0 {
			seed = f.Seed
		}
		logger.Info("Loaded burst",
			"file", path, "name", f.Name,
			"tburst_s", f.TBurst, "dm", f.DM,
			"width_s", f.Width, "entries", len(f.Rows))
		placements = append(placements, p)
	}
	return placements, seed, nil
}

// reportStats logs throughput counters periodically, mirroring the
// acquisition-side bridges' progress reports.
func reportStats(ctx context.Context, b *bridge.Bridge, logger *log.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := b.Stats()
			mbps := float64(s.BytesOut-lastBytes) / (1024 * 1024) / 10
			lastBytes = s.BytesOut
			logger.Info("Bridge status",
				"blocks", s.Blocks, "lag", s.Lag,
				"realigns", s.Realigns, "altered", s.Altered,
				"throughput_mbps", fmt.Sprintf("%.2f", mbps))
		}
	}
}
