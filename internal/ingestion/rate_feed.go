package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// RateSink stores oracle rates. Both oracle.Static and oracle.RedisOracle implement it.
type RateSink interface {
	Publish(ctx context.Context, route oracle.RouteData, base, quote string, rate *uint256.Int, ts time.Time) error
}

// RateUpdate is one parsed feed message.
type RateUpdate struct {
	Route oracle.RouteData
	Base  string
	Quote string
	Rate  *uint256.Int
	At    time.Time
}

type rateJSON struct {
	Route       string `json:"route"`
	Rate        string `json:"rate"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseRateUpdate decodes a message published on margin.oracle.rates.BASE.QUOTE.
func ParseRateUpdate(raw RawEvent) (RateUpdate, error) {
	pairPart, ok := strings.CutPrefix(raw.Subject, RateSubjectPrefix)
	if !ok {
		return RateUpdate{}, fmt.Errorf("parse rate: subject %q is not a rate subject", raw.Subject)
	}
	base, quote, ok := strings.Cut(pairPart, ".")
	if !ok || base == "" || quote == "" || strings.Contains(quote, ".") {
		return RateUpdate{}, fmt.Errorf("parse rate: subject %q has no BASE.QUOTE pair", raw.Subject)
	}

	var j rateJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return RateUpdate{}, fmt.Errorf("parse rate %s/%s: %w", base, quote, err)
	}
	rate, err := fpmath.ParseWad(j.Rate)
	if err != nil {
		return RateUpdate{}, fmt.Errorf("parse rate %s/%s: %w", base, quote, err)
	}
	if rate.IsZero() {
		return RateUpdate{}, fmt.Errorf("parse rate %s/%s: zero rate", base, quote)
	}
	if j.Route == "" {
		return RateUpdate{}, fmt.Errorf("parse rate %s/%s: %w", base, quote, oracle.ErrMissingRoute)
	}

	at := raw.Timestamp
	if j.TimestampUs != 0 {
		at = time.UnixMicro(j.TimestampUs)
	}
	return RateUpdate{Route: oracle.RouteData(j.Route), Base: base, Quote: quote, Rate: rate, At: at.UTC()}, nil
}

// RateFeed drains the rate subject into the oracle's store. It runs beside the core: the core
// only reads rates, at command time.
type RateFeed struct {
	sink    RateSink
	input   <-chan RawEvent
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRateFeed(sink RateSink, input <-chan RawEvent, metrics *observability.Metrics, log zerolog.Logger) *RateFeed {
	return &RateFeed{
		sink:    sink,
		input:   input,
		metrics: metrics,
		log:     log.With().Str("component", "rate-feed").Logger(),
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (f *RateFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-f.input:
			if !ok {
				return nil
			}
			f.handle(ctx, raw)
		}
	}
}

func (f *RateFeed) handle(ctx context.Context, raw RawEvent) {
	u, err := ParseRateUpdate(raw)
	if err != nil {
		f.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping rate update")
		ack(raw)
		return
	}
	if err := f.sink.Publish(ctx, u.Route, u.Base, u.Quote, u.Rate, u.At); err != nil {
		f.log.Error().Err(err).Str("pair", u.Base+"/"+u.Quote).Msg("store rate")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}
	if f.metrics != nil {
		f.metrics.OracleUpdates.WithLabelValues(u.Base + "/" + u.Quote).Inc()
	}
	ack(raw)
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
