package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sensorfabric/internal/config"
	"sensorfabric/internal/stunutil"
)

// Run registers with the collector, then heartbeats and reports sampled
// readings until ctx is done. sampler may be nil for a node that only
// listens to broadcasts; when nil and cfg.SensorPath is set, a FileSampler
// over that path is used.
func Run(ctx context.Context, cfg config.NodeConfig, sampler Sampler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("agent")
	config.ApplyDefaults(&config.Config{Node: &cfg})
	if sampler == nil && cfg.SensorPath != "" {
		sampler = FileSampler{Path: cfg.SensorPath}
	}

	client, err := Dial(cfg.Collector, ClientOptions{
		NodeID:          cfg.ID,
		Framed:          cfg.Framed,
		ChunkSize:       cfg.ChunkSize,
		MaxDatagram:     cfg.MaxDatagram,
		ChunkDelay:      cfg.ChunkDelay,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	// A lost REGISTERED is not fatal: the first NODE or HEARTBEAT
	// registers the node implicitly.
	switch err := client.Register(ctx); {
	case errors.Is(err, ErrServerFull):
		return err
	case err != nil:
		logger.Warn("register failed, continuing", zap.Stringer("collector", client.Collector()), zap.Error(err))
	default:
		logger.Info("registered", zap.Int("node_id", cfg.ID), zap.Stringer("collector", client.Collector()))
	}

	if len(cfg.STUNServers) > 0 {
		res, err := stunutil.Probe(ctx, cfg.STUNServers, cfg.ResponseTimeout)
		if err != nil {
			logger.Warn("STUN probe failed", zap.Error(err))
		} else {
			logger.Info("public address discovered",
				zap.Stringer("mapped", res.Mapped),
				zap.String("nat_type", res.NAT),
				zap.Int("servers", res.Answered))
		}
	}

	heartbeat := time.NewTicker(cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var sampleC <-chan time.Time
	if sampler != nil {
		sampleTicker := time.NewTicker(cfg.SampleInterval)
		defer sampleTicker.Stop()
		sampleC = sampleTicker.C
	}

	reporter := &reporter{
		client:     client,
		sampler:    sampler,
		interval:   cfg.SendInterval,
		thresholds: Thresholds{Temp: cfg.TempThreshold, Hum: cfg.HumThreshold},
		logger:     logger,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		case now := <-sampleC:
			reporter.tick(now)
		}
	}
}

// reporter samples and gates readings for Run.
type reporter struct {
	client     *Client
	sampler    Sampler
	interval   time.Duration
	thresholds Thresholds
	last       *Sent
	logger     *zap.Logger
}

// tick reports whether a reading was sent.
func (r *reporter) tick(now time.Time) bool {
	reading, err := r.sampler.Sample()
	if err != nil {
		r.logger.Debug("sample failed", zap.Error(err))
		return false
	}
	if !reading.Valid() {
		r.logger.Warn("reading out of range",
			zap.Float64("temperature", reading.Temperature),
			zap.Float64("humidity", reading.Humidity))
		return false
	}
	if !ShouldSend(reading, r.last, r.interval, r.thresholds, now) {
		r.logger.Debug("no significant change")
		return false
	}
	if err := r.client.SendReading(reading); err != nil {
		r.logger.Warn("send reading failed", zap.Error(err))
		return false
	}
	r.last = &Sent{Reading: reading, At: now}
	r.logger.Info("reading sent",
		zap.Float64("temperature", reading.Temperature),
		zap.Float64("humidity", reading.Humidity))
	return true
}
