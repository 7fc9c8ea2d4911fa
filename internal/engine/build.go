package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/feed"
	"intraday-trader/internal/models"
	"intraday-trader/internal/refdata"
)

// NewGateway builds the order gateway for the configured trading mode. The
// simulated gateway fills on the finest strategy interval.
func NewGateway(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (broker.Gateway, error) {
	if cfg.IsPaperMode() {
		var fill time.Duration
		for _, iv := range cfg.Intervals() {
			if fill == 0 || iv < fill {
				fill = iv
			}
		}
		return broker.NewPaperBroker(broker.PaperBrokerConfig{FillInterval: fill}, clk, logger), nil
	}
	return broker.NewZerodhaBroker(broker.ZerodhaConfig{
		APIKey:      cfg.Credentials.Zerodha.APIKey,
		AccessToken: cfg.Credentials.Zerodha.AccessToken,
		SessionPath: cfg.Broker.SessionPath,
	}, clk, logger)
}

// NewSource builds the market data source. Replays always run in real time
// on their own clock; speed scales the gaps between recorded ticks, zero
// plays as fast as the engine consumes.
func NewSource(cfg *config.Config, instruments []models.Instrument, speed float64, logger zerolog.Logger) (feed.Source, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	switch cfg.Feed.Source {
	case "replay":
		if cfg.Feed.ReplayFile == "" {
			return nil, fmt.Errorf("feed.replay_file is required for the replay source")
		}
		return feed.NewReplaySource(cfg.Feed.ReplayFile, speed, loc, clock.New(), logger)
	default:
		token := cfg.Credentials.Zerodha.AccessToken
		if token == "" && cfg.Broker.SessionPath != "" {
			if token, err = broker.LoadSession(cfg.Broker.SessionPath, time.Now()); err != nil {
				return nil, err
			}
		}
		tokens := make(map[string]uint32, len(instruments))
		for _, inst := range instruments {
			if inst.Token != 0 {
				tokens[inst.InstrumentID] = inst.Token
			}
		}
		return feed.NewKiteSource(feed.KiteConfig{
			APIKey:      cfg.Credentials.Zerodha.APIKey,
			AccessToken: token,
			Tokens:      tokens,
		}, clock.New(), logger), nil
	}
}

// instrumentLoader is implemented by gateways that publish an instrument
// master.
type instrumentLoader interface {
	LoadInstruments(ctx context.Context, exchange models.Exchange, symbols []string) ([]models.Instrument, error)
}

// LoadReferenceData resolves every traded symbol. Broker data, when the
// gateway has it, is overlaid by the configured instruments. Without a
// broker master each symbol starts as a lot-size-one placeholder.
func LoadReferenceData(ctx context.Context, cfg *config.Config, gw broker.Gateway) ([]models.Instrument, error) {
	exchange := models.Exchange(cfg.Trading.Exchange)
	symbols := cfg.Symbols()

	var base []models.Instrument
	if loader, ok := gw.(instrumentLoader); ok {
		loaded, err := loader.LoadInstruments(ctx, exchange, symbols)
		if err != nil {
			return nil, fmt.Errorf("failed to load instruments: %w", err)
		}
		base = loaded
	} else {
		for _, sym := range symbols {
			base = append(base, models.Instrument{
				InstrumentID: sym,
				Exchange:     exchange,
				LotSize:      1,
				TickSize:     0.05,
			})
		}
	}
	return refdata.Merge(base, refdata.FromConfig(cfg.Instruments, exchange)), nil
}
