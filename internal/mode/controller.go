// Package mode switches the session between spot and swap trading.
package mode

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
)

// Gate is the part of the decision engine a switch has to coordinate with.
type Gate interface {
	Executing() bool
	EmergencyPending() bool
	BetweenCycles(fn func() error) error
	ApplyMode(mode trading.Mode)
	Mode() trading.Mode
}

type Store interface {
	SaveMode(ctx context.Context, mode trading.Mode) error
}

type Controller struct {
	gate     Gate
	switcher trading.ModeSwitcher
	store    Store
	sink     audit.Sink
	logger   *logger.Logger
	clock    func() time.Time
}

// NewController wires the switch. switcher and store may be nil.
func NewController(gate Gate, switcher trading.ModeSwitcher, store Store, sink audit.Sink, log *logger.Logger) *Controller {
	return &Controller{
		gate:     gate,
		switcher: switcher,
		store:    store,
		sink:     sink,
		logger:   log,
		clock:    time.Now,
	}
}

func (c *Controller) Current() trading.Mode { return c.gate.Mode() }

// Switch moves the session to target. It is refused while an order is being
// submitted or an emergency request exists; otherwise it waits for the
// running cycle to finish. If the exchange refuses, nothing changes.
func (c *Controller) Switch(ctx context.Context, target trading.Mode) error {
	if _, err := trading.ParseMode(string(target)); err != nil {
		return err
	}
	if err := c.blocked(); err != nil {
		return err
	}

	return c.gate.BetweenCycles(func() error {
		if err := c.blocked(); err != nil {
			return err
		}
		from := c.gate.Mode()
		if from == target {
			return nil
		}

		if c.switcher != nil {
			if err := c.switcher.SwitchMode(ctx, target); err != nil {
				c.logger.Error("exchange mode switch failed", "from", from, "to", target, "error", err)
				return fmt.Errorf("switch exchange to %s: %w", target, err)
			}
		}
		c.gate.ApplyMode(target)
		c.logger.Info("trading mode switched", "from", from, "to", target)

		if c.store != nil {
			if err := c.store.SaveMode(ctx, target); err != nil {
				c.logger.Error("persist mode", "error", err)
			}
		}
		if c.sink != nil {
			if err := c.sink.Record(ctx, audit.ModeSwitch(from, target, c.clock())); err != nil {
				c.logger.Warn("audit record failed", "kind", audit.KindModeSwitch, "error", err)
			}
		}
		return nil
	})
}

func (c *Controller) blocked() error {
	if c.gate.Executing() {
		return fmt.Errorf("%w: order in flight", trading.ErrModeSwitchBlocked)
	}
	if c.gate.EmergencyPending() {
		return fmt.Errorf("%w: emergency request pending", trading.ErrModeSwitchBlocked)
	}
	return nil
}
