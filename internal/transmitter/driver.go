package transmitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onsitelogistics/handheld/internal/logging"
)

// ErrBacklogRemaining is returned by Driver.Run when requests are still
// queued after the last round.
var ErrBacklogRemaining = errors.New("backlog remaining after drain")

// Drainer is the part of Transmitter the driver needs.
type Drainer interface {
	Drain(ctx context.Context) (DrainResult, error)
}

type DriverOptions struct {
	MaxRounds int           // rounds before Run gives up; values below 1 mean 1
	Interval  time.Duration // pause between rounds
	Logger    *logging.Logger
}

// DrainSummary totals the rounds of one Run.
type DrainSummary struct {
	Rounds    int
	Sent      int
	Remaining int
}

// Driver calls Drain repeatedly and reports progress.
type Driver struct {
	t             Drainer
	opts          DriverOptions
	lastRemaining int
}

func NewDriver(t Drainer, opts DriverOptions) *Driver {
	if opts.MaxRounds < 1 {
		opts.MaxRounds = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Driver{t: t, opts: opts, lastRemaining: -1}
}

// Once runs a single drain round and logs the counts. A backlog that did
// not shrink since the previous round is logged as a warning.
func (d *Driver) Once(ctx context.Context) (DrainResult, error) {
	res, err := d.t.Drain(ctx)
	entry := d.opts.Logger.WithContext(ctx).WithFields(map[string]any{
		"sent":      res.Sent,
		"remaining": res.Remaining,
	})
	if err != nil {
		entry.WithError(err).Error("drain failed")
		return res, err
	}

	switch {
	case res.Remaining == 0:
		if res.Sent > 0 {
			entry.Info("backlog flushed")
		} else {
			entry.Debug("nothing to drain")
		}
	case d.lastRemaining >= 0 && res.Remaining >= d.lastRemaining && res.Sent == 0:
		entry.WithField("queue_size", res.Remaining).Warn("backlog is not shrinking; destination may be failing")
	default:
		entry.Info("drain round finished with backlog")
	}
	d.lastRemaining = res.Remaining
	return res, nil
}

// Run drains until the queue is empty, MaxRounds is reached or ctx ends.
func (d *Driver) Run(ctx context.Context) (DrainSummary, error) {
	var sum DrainSummary
	for {
		res, err := d.Once(ctx)
		sum.Rounds++
		sum.Sent += res.Sent
		sum.Remaining = res.Remaining
		if err != nil {
			return sum, err
		}
		if res.Remaining == 0 {
			return sum, nil
		}
		if sum.Rounds >= d.opts.MaxRounds {
			break
		}

		timer := time.NewTimer(d.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sum, ctx.Err()
		case <-timer.C:
		}
	}

	d.opts.Logger.Plain().WithFields(map[string]any{
		"rounds":    sum.Rounds,
		"sent":      sum.Sent,
		"remaining": sum.Remaining,
	}).Warn("drain gave up with requests still queued")
	return sum, fmt.Errorf("%w: %d request(s) still queued", ErrBacklogRemaining, sum.Remaining)
}
