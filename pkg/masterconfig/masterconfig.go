// Package masterconfig loads the master's startup configuration: which NIC
// link to bind, the cyclic send interval, the log level, and the roster of
// slaves expected on the ring. This sits outside the spec's core (it is an
// ambient concern, not a protocol component) but is carried because the
// teacher carries an ini-based config loader for the same purpose.
//
// Grounded on gocanopen's pkg/od.Parse, which loads an EDS (itself an INI
// file) via gopkg.in/ini.v1, iterates sections, and builds typed records
// from them. Generalized from "one section per object dictionary index"
// to "one section per expected slave, plus a [master] section for link/
// cycle/log settings".
package masterconfig

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// ExpectedSlave is one roster entry the operator expects to find at a
// given ring position, used to sanity-check a scan result.
type ExpectedSlave struct {
	Position    uint16
	VendorID    uint32
	ProductCode uint32
	Alias       string
}

// Config is the parsed startup configuration.
type Config struct {
	LinkKind     string // "rawsocket" or "virtual"
	Interface    string
	CycleTime    time.Duration
	LogLevel     string
	ExpectedSlaves []ExpectedSlave
}

// Load parses an INI-format master configuration file. file may be a path
// or a []byte, matching gopkg.in/ini.v1's own Load contract.
func Load(file any) (*Config, error) {
	f, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LinkKind:  "rawsocket",
		CycleTime: time.Millisecond,
		LogLevel:  "info",
	}

	master := f.Section("master")
	if master.HasKey("link") {
		cfg.LinkKind = master.Key("link").String()
	}
	if master.HasKey("interface") {
		cfg.Interface = master.Key("interface").String()
	}
	if master.HasKey("cycle_time_us") {
		us, err := master.Key("cycle_time_us").Int()
		if err != nil {
			return nil, fmt.Errorf("masterconfig: cycle_time_us: %w", err)
		}
		cfg.CycleTime = time.Duration(us) * time.Microsecond
	}
	if master.HasKey("log_level") {
		cfg.LogLevel = master.Key("log_level").String()
	}

	for _, section := range f.Sections() {
		name := section.Name()
		if name == ini.DefaultSection || name == "master" {
			continue
		}
		pos, err := section.Key("position").Uint()
		if err != nil {
			return nil, fmt.Errorf("masterconfig: slave %q: position: %w", name, err)
		}
		vendor, _ := section.Key("vendor_id").Uint()
		product, _ := section.Key("product_code").Uint()
		cfg.ExpectedSlaves = append(cfg.ExpectedSlaves, ExpectedSlave{
			Position:    uint16(pos),
			VendorID:    uint32(vendor),
			ProductCode: uint32(product),
			Alias:       name,
		})
	}
	return cfg, nil
}
