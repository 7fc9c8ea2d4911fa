package feed

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// TickRow is one line of a replay file.
type TickRow struct {
	Timestamp    string  `csv:"timestamp"`
	Instrument   string  `csv:"instrument"`
	Price        float64 `csv:"price"`
	Volume       int64   `csv:"volume"`
	Bid          float64 `csv:"bid"`
	Ask          float64 `csv:"ask"`
	OpenInterest int64   `csv:"oi"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ReadTicks parses a CSV tick file. Timestamps without a zone are read in
// loc. Rows are returned in timestamp order; the sort is stable so rows with
// equal timestamps keep their file order.
func ReadTicks(r io.Reader, loc *time.Location) ([]models.Tick, error) {
	var rows []*TickRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse tick csv: %w", err)
	}
	ticks := make([]models.Tick, 0, len(rows))
	for i, row := range rows {
		ts, err := parseTimestamp(row.Timestamp, loc)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		if row.Instrument == "" || row.Price <= 0 {
			return nil, fmt.Errorf("row %d: instrument and positive price required", i+2)
		}
		ticks = append(ticks, models.Tick{
			InstrumentID: row.Instrument,
			Timestamp:    ts,
			LastPrice:    row.Price,
			Volume:       row.Volume,
			Bid:          row.Bid,
			Ask:          row.Ask,
			OpenInterest: row.OpenInterest,
		})
	}
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].Timestamp.Before(ticks[j].Timestamp) })
	return ticks, nil
}

// ReplaySource plays a recorded tick file once. With Speed > 0 it sleeps
// between ticks for the recorded gap divided by Speed; otherwise it plays as
// fast as the consumer reads.
type ReplaySource struct {
	ticks  []models.Tick
	speed  float64
	clock  clock.Clock
	logger zerolog.Logger

	mu   sync.Mutex
	next int
}

// NewReplaySource loads path into a replay source.
func NewReplaySource(path string, speed float64, loc *time.Location, clk clock.Clock, logger zerolog.Logger) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	ticks, err := ReadTicks(f, loc)
	if err != nil {
		return nil, err
	}
	return NewReplaySourceFromTicks(ticks, speed, clk, logger), nil
}

// NewReplaySourceFromTicks replays ticks already in memory.
func NewReplaySourceFromTicks(ticks []models.Tick, speed float64, clk clock.Clock, logger zerolog.Logger) *ReplaySource {
	return &ReplaySource{
		ticks:  ticks,
		speed:  speed,
		clock:  clk,
		logger: logging.WithComponent(logger, "replay"),
	}
}

// Name returns the source name.
func (r *ReplaySource) Name() string { return "replay" }

// Len returns the number of ticks in the file.
func (r *ReplaySource) Len() int { return len(r.ticks) }

// Connect resumes the replay where the previous session stopped. Only the
// given instruments are played; an empty list plays everything.
func (r *ReplaySource) Connect(ctx context.Context, instruments []string) (Session, error) {
	want := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		want[inst] = true
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &replaySession{msgs: make(chan Message), cancel: cancel}
	go r.play(sctx, s, want)
	return s, nil
}

func (r *ReplaySource) play(ctx context.Context, s *replaySession, want map[string]bool) {
	defer close(s.msgs)
	var prev time.Time
	for {
		r.mu.Lock()
		if r.next >= len(r.ticks) {
			r.mu.Unlock()
			s.setErr(io.EOF)
			return
		}
		t := r.ticks[r.next]
		r.mu.Unlock()

		if len(want) > 0 && !want[t.InstrumentID] {
			r.advance()
			continue
		}
		if r.speed > 0 && !prev.IsZero() {
			if gap := t.Timestamp.Sub(prev); gap > 0 {
				select {
				case <-ctx.Done():
					s.setErr(ctx.Err())
					return
				case <-r.clock.After(time.Duration(float64(gap) / r.speed)):
				}
			}
		}
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case s.msgs <- Message{Tick: &t}:
			r.advance()
			prev = t.Timestamp
		}
	}
}

func (r *ReplaySource) advance() {
	r.mu.Lock()
	r.next++
	r.mu.Unlock()
}

type replaySession struct {
	msgs   chan Message
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *replaySession) Messages() <-chan Message { return s.msgs }

func (s *replaySession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *replaySession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *replaySession) Close() error {
	s.cancel()
	return nil
}
