package zigbee

import (
	"time"

	"github.com/rs/zerolog/log"
)

// probeTimeout bounds each per-family detection attempt.
const probeTimeout = 3 * time.Second

// Probe tries each supported stack family on the port and reports which one
// answered. Any half-opened transport is closed between attempts so the next
// family starts from a clean port.
func Probe(portPath string, baudRate int) Family {
	if probeEZSP(portPath, baudRate) {
		return FamilyEZSP
	}
	if probeZNP(portPath, baudRate) {
		return FamilyZNP
	}
	return FamilyNoRadio
}

// probeEZSP opens the port and attempts an ASH RST/RSTACK handshake.
func probeEZSP(portPath string, baudRate int) bool {
	s, err := OpenSerial(portPath, baudRate)
	if err != nil {
		log.Debug().Err(err).Msg("EZSP probe: serial open failed")
		return false
	}
	defer func() { _ = s.Close() }()

	ash := NewASHLayer(s)
	defer ash.Close()

	done := make(chan error, 1)
	go func() { done <- ash.Connect() }()
	select {
	case err := <-done:
		if err != nil {
			log.Debug().Err(err).Msg("EZSP probe: ASH handshake failed")
			return false
		}
		log.Info().Str("port", portPath).Msg("EZSP radio detected")
		return true
	case <-time.After(probeTimeout):
		log.Debug().Msg("EZSP probe: timeout")
		return false
	}
}

// probeZNP opens the port and issues SYS_PING.
func probeZNP(portPath string, baudRate int) bool {
	s, err := OpenSerial(portPath, baudRate)
	if err != nil {
		log.Debug().Err(err).Msg("ZNP probe: serial open failed")
		return false
	}
	defer func() { _ = s.Close() }()

	znp := NewZNPLayer(s)
	znp.Start()
	defer znp.Close()

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, err := znp.Ping()
		done <- result{err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			log.Debug().Err(res.err).Msg("ZNP probe: SYS_PING failed")
			return false
		}
		log.Info().Str("port", portPath).Msg("ZNP radio detected")
		return true
	case <-time.After(probeTimeout):
		log.Debug().Msg("ZNP probe: timeout")
		return false
	}
}

// Open creates the radio for the detected or configured family.
func Open(family Family, portPath string, baudRate int) (Radio, error) {
	switch family {
	case FamilyZNP:
		return NewZNPRadio(portPath, baudRate)
	default:
		return NewEZSPRadio(portPath, baudRate)
	}
}
