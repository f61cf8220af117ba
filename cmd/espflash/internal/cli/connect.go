package cli

import (
	"github.com/golang/glog"
	"github.com/juju/errors"

	"espflash/pkg/chip"
	"espflash/pkg/conn"
	"espflash/pkg/stub"
)

// connect opens port, enters download mode, detects (or assumes) the
// chip, and — unless --no-stub was given — uploads the stub and
// switches the connection to stub mode.
func connect() (*conn.Connection, error) {
	if flagPort == "" {
		return nil, errors.New("cli: --port is required")
	}
	c, err := conn.Open(flagPort, flagBaud)
	if err != nil {
		return nil, errors.Annotatef(err, "cli: failed to open %s", flagPort)
	}

	if err := c.EnterDownloadMode(nil); err != nil {
		c.Close()
		return nil, errors.Annotatef(err, "cli: failed to enter download mode")
	}

	var target *chip.Target
	if flagChipHint != "" {
		id, err := parseChipHint(flagChipHint)
		if err != nil {
			c.Close()
			return nil, err
		}
		t, err := chip.Get(id)
		if err != nil {
			c.Close()
			return nil, err
		}
		target = &t
		c.Target = target
	} else {
		target, err = c.DetectChip()
		if err != nil {
			c.Close()
			return nil, errors.Annotatef(err, "cli: chip detection failed")
		}
	}
	glog.V(1).Infof("cli: connected to %s on %s", target.ID, flagPort)

	if err := c.DisableWatchdog(); err != nil {
		glog.Warningf("cli: failed to disable watchdog: %v", err)
	}

	if !flagNoStub {
		if err := stub.Load(c, target); err != nil {
			glog.Warningf("cli: stub load failed, staying in ROM mode: %v", err)
		} else {
			c.Mode = conn.ModeStub
		}
	}

	if flagFlashBaud != 0 && flagFlashBaud != flagBaud {
		if err := c.ChangeBaud(flagPort, flagFlashBaud); err != nil {
			glog.Warningf("cli: staying at %d baud: %v", flagBaud, err)
		}
	}

	return c, nil
}

func parseChipHint(s string) (chip.ID, error) {
	switch s {
	case "esp32":
		return chip.ESP32, nil
	case "esp32s2":
		return chip.ESP32S2, nil
	case "esp32s3":
		return chip.ESP32S3, nil
	case "esp32c2":
		return chip.ESP32C2, nil
	case "esp32c3":
		return chip.ESP32C3, nil
	case "esp32c6":
		return chip.ESP32C6, nil
	case "esp32h2":
		return chip.ESP32H2, nil
	case "esp32p4":
		return chip.ESP32P4, nil
	case "esp32c5":
		return chip.ESP32C5, nil
	default:
		return chip.Unknown, errors.Errorf("cli: unknown --chip value %q", s)
	}
}
