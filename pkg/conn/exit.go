package conn

import (
	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/pkg/proto"
	"espflash/pkg/reset"
)

// RTC watchdog register layout shared by the supported targets: a
// write-protection register sits wdtProtectOff past the config
// register, unlocked by writing wdtUnlockKey.
const (
	wdtUnlockKey  uint32 = 0x50D83AA1
	wdtProtectOff uint32 = 0x14
	wdtEnableBit  uint32 = 1 << 31
	wdtFireDelay  uint32 = 2000
)

// DisableWatchdog runs the target's watchdog disable sequence so the
// RTC WDT cannot fire mid-operation. Targets with no sequence are a
// no-op.
func (c *Connection) DisableWatchdog() error {
	if c.Target == nil || len(c.Target.WatchdogDisableWords) == 0 {
		return nil
	}
	base := c.Target.WatchdogRegAddr
	if err := c.WriteReg(base+wdtProtectOff, wdtUnlockKey, 0xFFFFFFFF, 0); err != nil {
		return errors.Annotatef(err, "conn: failed to unlock watchdog")
	}
	for i, w := range c.Target.WatchdogDisableWords {
		if err := c.WriteReg(base, w, 0xFFFFFFFF, 0); err != nil {
			return errors.Annotatef(err, "conn: watchdog disable word %d failed", i)
		}
	}
	return c.WriteReg(base+wdtProtectOff, 0, 0xFFFFFFFF, 0)
}

// WatchdogReset programs the RTC WDT to reset the chip a short delay
// from now. Used as an exit strategy on boards where DTR/RTS cannot
// reach the reset line (native USB, for instance).
func (c *Connection) WatchdogReset() error {
	if c.Target == nil {
		return errors.New("conn: watchdog reset requires a detected target")
	}
	base := c.Target.WatchdogRegAddr
	if err := c.WriteReg(base+wdtProtectOff, wdtUnlockKey, 0xFFFFFFFF, 0); err != nil {
		return errors.Annotatef(err, "conn: failed to unlock watchdog")
	}
	if err := c.WriteReg(base, wdtEnableBit|wdtFireDelay, 0xFFFFFFFF, 0); err != nil {
		return errors.Annotatef(err, "conn: failed to arm watchdog")
	}
	if err := c.WriteReg(base+wdtProtectOff, 0, 0xFFFFFFFF, 0); err != nil {
		return errors.Annotatef(err, "conn: failed to relock watchdog")
	}
	// The device resets out from under us once the WDT fires; any
	// further command must re-enter download mode first.
	c.suspect = true
	return nil
}

// SoftReset leaves download mode without toggling any lines. In ROM
// mode the loader jumps straight back into user code; the stub cannot
// do that, so an empty FLASH_BEGIN/FLASH_END pair with the reboot flag
// set is used instead.
func (c *Connection) SoftReset() error {
	if c.Mode == ModeStub {
		begin := proto.NewRequest(proto.OpFlashBegin, proto.FlashBeginPayload(0, 0, 0, 0))
		if _, err := c.Command(begin, DefaultCommandTimeout); err != nil {
			return errors.Annotatef(err, "conn: soft reset FLASH_BEGIN failed")
		}
		end := proto.NewRequest(proto.OpFlashEnd, proto.FlashEndPayload(true))
		if _, err := c.Command(end, DefaultCommandTimeout); err != nil {
			// The reboot can race the response; treat a dropped reply as
			// the reset having happened.
			glog.V(1).Infof("conn: no FLASH_END reply after soft reset: %v", err)
		}
	} else {
		req := proto.NewRequest(proto.OpRunUserCode, nil)
		if _, err := c.Command(req, DefaultCommandTimeout); err != nil {
			glog.V(1).Infof("conn: no reply after RUN_USER_CODE: %v", err)
		}
	}
	c.suspect = true
	return nil
}

// PostReset performs the post-operation exit strategy e.
func (c *Connection) PostReset(e reset.ExitStrategy) error {
	switch e {
	case reset.ExitSoft:
		return c.SoftReset()
	case reset.ExitWatchdog:
		return c.WatchdogReset()
	case reset.ExitHard:
		lines, ok := c.port.(reset.Lines)
		if !ok {
			return errors.New("conn: transport does not support line-based reset")
		}
		return reset.Reboot(lines, e)
	default:
		return nil
	}
}
