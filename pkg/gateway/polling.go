package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/zigbridge/pkg/device"
	"github.com/urmzd/zigbridge/pkg/handlers"
	"github.com/urmzd/zigbridge/pkg/zcl"
)

// pollErrorBackoff is the wait after a poll error before re-entering the loop.
const pollErrorBackoff = 30 * time.Second

// poller runs one polling goroutine per device with a non-zero interval.
type poller struct {
	g *Gateway

	mu    sync.Mutex
	stops map[string]chan struct{}
	wg    sync.WaitGroup
}

func newPoller(g *Gateway) *poller {
	return &poller{g: g, stops: make(map[string]chan struct{})}
}

// start launches loops for every device with a saved interval.
func (p *poller) start() {
	for ieee, seconds := range p.g.settings.PollingIntervals() {
		p.SetInterval(ieee, seconds)
	}
	log.Info().Msg("Polling scheduler started")
}

// SetInterval starts, restarts or stops a device's polling loop.
func (p *poller) SetInterval(ieee string, seconds int) {
	canonical := device.NormalizeIEEE(ieee)
	p.mu.Lock()
	if stop, ok := p.stops[canonical]; ok {
		close(stop)
		delete(p.stops, canonical)
	}
	if seconds <= 0 {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stops[canonical] = stop
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(canonical, time.Duration(seconds)*time.Second, stop)
}

func (p *poller) stop() {
	p.mu.Lock()
	for ieee, stop := range p.stops {
		close(stop)
		delete(p.stops, ieee)
	}
	p.mu.Unlock()
	p.wg.Wait()
	log.Info().Msg("Polling scheduler stopped")
}

func (p *poller) loop(ieee string, interval time.Duration, stop chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-p.g.stopChan:
			return
		case <-ticker.C:
			d, ok := p.g.lookupDevice(ieee)
			if !ok {
				return
			}
			if skip, reason := shouldSkipPoll(d); skip {
				log.Debug().Str("ieee", ieee).Str("reason", reason).Msg("Poll skipped")
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			results := d.Poll(ctx)
			cancel()

			if success, ok := results["__poll_success"].(bool); ok && !success {
				p.g.events.Emit("poll_partial_failure", map[string]any{"ieee": ieee})
				log.Warn().Str("ieee", ieee).Msg("Partial poll failure, backing off")
				select {
				case <-time.After(pollErrorBackoff):
				case <-stop:
					return
				case <-p.g.stopChan:
					return
				}
			}
		}
	}
}

// shouldSkipPoll applies the scheduler's skip conditions.
func shouldSkipPoll(d *device.Device) (bool, string) {
	caps := d.Capabilities()

	// Battery-powered passive sensors never answer polls.
	if d.PowerSource() == "Battery" && caps != nil &&
		(caps.Has(device.CapOccupancySensing) || caps.Has(device.CapIASZone)) &&
		!caps.Has(device.CapThermostat) {
		return true, "passive_sensor"
	}

	// Covers mid-travel report their own progress.
	if caps != nil && caps.Has(device.CapCover) {
		state := d.State()
		if cs, ok := state["cover_state"].(string); ok && (cs == "opening" || cs == "closing") {
			return true, "cover_moving"
		}
	}

	// Battery thermostats actively heating are left alone to save the valve
	// battery.
	if d.PowerSource() == "Battery" && caps != nil && caps.Has(device.CapThermostat) {
		if demand, ok := d.State()["pi_heating_demand"]; ok && handlers.IsHeating(demand) {
			return true, "thermostat_heating"
		}
	}

	if !d.Available() {
		return true, "unavailable"
	}
	return false, ""
}

// ConfigureZoneReporting installs the aggressive reporting set on a zone
// member router so link samples keep flowing: OnOff, Level,
// ElectricalMeasurement active power and Diagnostics last-message LQI at
// min 1 s / max 5 s / change 1.
func (g *Gateway) ConfigureZoneReporting(ctx context.Context, ieee string) {
	d, ok := g.lookupDevice(ieee)
	if !ok || d.Role() != "Router" {
		return
	}
	only := map[uint16]struct{}{
		zcl.ClusterOnOff:                 {},
		zcl.ClusterLevelControl:          {},
		zcl.ClusterElectricalMeasurement: {},
		zcl.ClusterDiagnostics:           {},
	}
	for _, h := range d.Handlers() {
		cluster := h.Cluster()
		if _, wanted := only[cluster.ID()]; !wanted {
			continue
		}
		var spec handlers.ReportSpec
		switch cluster.ID() {
		case zcl.ClusterOnOff:
			spec = handlers.ReportSpec{AttrID: 0x0000, DataType: zcl.TypeBool, MinInterval: 1, MaxInterval: 5, Change: 1}
		case zcl.ClusterLevelControl:
			spec = handlers.ReportSpec{AttrID: 0x0000, DataType: zcl.TypeUint8, MinInterval: 1, MaxInterval: 5, Change: 1}
		case zcl.ClusterElectricalMeasurement:
			spec = handlers.ReportSpec{AttrID: 0x050B, DataType: zcl.TypeInt16, MinInterval: 1, MaxInterval: 5, Change: 1}
		case zcl.ClusterDiagnostics:
			spec = handlers.ReportSpec{AttrID: 0x011C, DataType: zcl.TypeUint8, MinInterval: 1, MaxInterval: 5, Change: 1}
		}
		repCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := cluster.ConfigureReporting(repCtx, spec.AttrID, spec.DataType, spec.MinInterval, spec.MaxInterval, spec.Change); err != nil {
			log.Debug().Err(err).Str("ieee", ieee).Uint16("cluster", cluster.ID()).Msg("Zone reporting config failed")
		}
		cancel()
	}
}

// SetPollingInterval persists and applies a device's polling interval.
func (g *Gateway) SetPollingInterval(identifier string, seconds int) error {
	d, ok := g.Device(identifier)
	if !ok {
		return device.ErrNotFound
	}
	if err := g.settings.SetPollingInterval(d.IEEE(), seconds); err != nil {
		return err
	}
	g.poller.SetInterval(d.IEEE(), seconds)
	return nil
}
