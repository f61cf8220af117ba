// Package reset implements the pre-operation entry sequences and
// post-operation exit sequences: DTR/RTS toggling variants for UART
// bridges, the control-line-plus-break dance for USB-Serial-JTAG, and
// the post-flash reboot. Strategies are named values selected per
// target, with a deterministic fallback chain tried at connect time.
package reset

import "time"

// Lines is the minimal line-control surface a reset strategy needs:
// DTR/RTS toggling and buffer resets (BreakLines adds the break
// condition). go.bug.st/serial's
// Port type satisfies this directly.
type Lines interface {
	SetDTR(v bool) error
	SetRTS(v bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// BreakLines is implemented by transports that can assert a break
// condition, needed for the USB-Serial-JTAG entry sequence. Break
// holds the line low for the given duration and releases it before
// returning, matching go.bug.st/serial.Port's Break method.
type BreakLines interface {
	Lines
	Break(d time.Duration) error
}

// Timing constants for the UART-bridge sequences.
const (
	ResetHoldTime = 100 * time.Millisecond
	BootHoldTime  = 50 * time.Millisecond
	SettleDelay   = 200 * time.Millisecond
)

// USBJTAGSettleDelay is how long to wait after the USB-Serial-JTAG
// sequence before the first sync. The right value is
// platform-sensitive, so callers can tune it.
var USBJTAGSettleDelay = 250 * time.Millisecond

// Strategy is a pre-operation entry sequence: it drives DTR/RTS (and,
// for USB-Serial-JTAG, a break condition) to force the target into its
// ROM download mode.
type Strategy func(l Lines) error

// Classic is the standard UART-bridge entry: DTR low asserts GPIO0,
// RTS pulses EN.
func Classic(l Lines) error {
	if err := l.SetDTR(true); err != nil { // GPIO0 = LOW
		return err
	}
	if err := l.SetRTS(false); err != nil { // EN = HIGH
		return err
	}
	time.Sleep(10 * time.Millisecond)

	if err := l.SetRTS(true); err != nil { // EN = LOW (reset)
		return err
	}
	time.Sleep(ResetHoldTime)

	if err := l.SetRTS(false); err != nil { // EN = HIGH (release)
		return err
	}
	time.Sleep(BootHoldTime)

	if err := l.SetDTR(false); err != nil { // GPIO0 = HIGH
		return err
	}
	time.Sleep(SettleDelay)
	return nil
}

// ClassicInverted is Classic with the line polarity flipped, for
// boards whose reset circuitry inverts DTR/RTS.
func ClassicInverted(l Lines) error {
	if err := l.SetDTR(false); err != nil {
		return err
	}
	if err := l.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)

	if err := l.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(ResetHoldTime)

	if err := l.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(BootHoldTime)

	if err := l.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(SettleDelay)
	return nil
}

// UsbJtag drives the control-line-plus-break sequence used on targets
// whose USB-Serial-JTAG peripheral presents its own reset path,
// distinct from the classic UART DTR/RTS dance.
func UsbJtag(l Lines) error {
	bl, ok := l.(BreakLines)
	if !ok {
		// Fall back to Classic on transports that can't assert Break.
		return Classic(l)
	}
	if err := bl.ResetInputBuffer(); err != nil {
		return err
	}
	if err := bl.SetDTR(false); err != nil {
		return err
	}
	if err := bl.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := bl.Break(100 * time.Millisecond); err != nil {
		return err
	}

	if err := bl.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(USBJTAGSettleDelay)
	return nil
}

// Hard performs a plain reset through EN without touching GPIO0,
// relying on the device already being strapped into download mode
// (e.g. by a hardware button held by the operator).
func Hard(l Lines) error {
	if err := l.SetDTR(false); err != nil {
		return err
	}
	if err := l.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(ResetHoldTime)
	if err := l.SetRTS(false); err != nil {
		return err
	}
	time.Sleep(SettleDelay)
	return nil
}

// None performs no line manipulation at all, for setups where the
// caller has already placed the device in download mode.
func None(l Lines) error {
	return nil
}

// ByKind resolves a chip.ResetKind-equivalent name to its Strategy.
// Kept as small integer constants here (rather than importing chip, to
// avoid an import cycle) mirroring chip.ResetKind's ordinal values.
type Kind int

const (
	KindClassic Kind = iota
	KindUsbJtag
	KindHard
	KindNone
)

func ByKind(k Kind) Strategy {
	switch k {
	case KindClassic:
		return Classic
	case KindUsbJtag:
		return UsbJtag
	case KindHard:
		return Hard
	case KindNone:
		return None
	default:
		return Classic
	}
}

// ExitStrategy is a post-operation sequence: how to leave the target
// after flashing completes.
type ExitStrategy int

const (
	ExitHard ExitStrategy = iota
	ExitSoft
	ExitWatchdog
	ExitNone
)

// Reboot performs l's exit strategy. Soft and Watchdog exits are
// issued at the protocol layer (FLASH_END reboot flag, RTC WDT
// programming) and are not modeled here; Hard and None are pure line
// control, so this package only implements those two directly.
func Reboot(l Lines, e ExitStrategy) error {
	switch e {
	case ExitHard:
		if err := l.SetDTR(false); err != nil {
			return err
		}
		if err := l.SetRTS(true); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		return l.SetRTS(false)
	case ExitNone, ExitSoft, ExitWatchdog:
		return nil
	default:
		return nil
	}
}
