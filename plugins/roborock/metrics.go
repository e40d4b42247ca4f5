package roborock

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports the bridge's last known device state. It never
// talks to devices; values come from pushes and status reads.
type MetricsCollector struct {
	bridge *Bridge

	ready            *prometheus.GaugeVec
	batteryPercent   *prometheus.GaugeVec
	status           *prometheus.GaugeVec
	runMode          *prometheus.GaugeVec
	operationalState *prometheus.GaugeVec
	errorCode        *prometheus.GaugeVec
	fanPower         *prometheus.GaugeVec
	cleaningArea     *prometheus.GaugeVec
	cleaningTime     *prometheus.GaugeVec
	lastUpdate       *prometheus.GaugeVec
}

func NewMetricsCollector(bridge *Bridge) *MetricsCollector {
	labels := []string{"device_id", "device_name", "model"}
	readyLabels := []string{"device_id", "device_name", "model", "transport"}
	statusLabels := []string{"device_id", "device_name", "model", "status"}
	runModeLabels := []string{"device_id", "device_name", "model", "run_mode"}
	opLabels := []string{"device_id", "device_name", "model", "operational_state"}
	return &MetricsCollector{
		bridge: bridge,
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_ready",
			Help: "Whether the device transport is ready (1=yes, 0=no)",
		}, readyLabels),
		batteryPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_battery_percent",
			Help: "Battery percentage (0-100)",
		}, labels),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_status",
			Help: "Device status (label) reported by the device",
		}, statusLabels),
		runMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_run_mode",
			Help: "Resolved run mode (label)",
		}, runModeLabels),
		operationalState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_operational_state",
			Help: "Resolved operational state (label)",
		}, opLabels),
		errorCode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_error_code",
			Help: "Device error code (0 when healthy)",
		}, labels),
		fanPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_fan_power",
			Help: "Suction power code",
		}, labels),
		cleaningArea: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_cleaning_area",
			Help: "Current cleaning area as reported by the device",
		}, labels),
		cleaningTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_cleaning_time_seconds",
			Help: "Current cleaning time (seconds)",
		}, labels),
		lastUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "robobridge_roborock_last_update_timestamp_seconds",
			Help: "When the device state was last observed (seconds since epoch)",
		}, labels),
	}
}

func (c *MetricsCollector) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.ready, c.batteryPercent, c.status, c.runMode, c.operationalState,
		c.errorCode, c.fanPower, c.cleaningArea, c.cleaningTime, c.lastUpdate,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, v := range c.vecs() {
		v.Describe(ch)
	}
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.vecs() {
		v.Reset()
	}

	for _, snap := range c.bridge.Snapshot() {
		labels := prometheus.Labels{
			"device_id":   snap.Device.DUID,
			"device_name": snap.Device.Name,
			"model":       snap.Device.Model,
		}
		ready := 0.0
		if snap.Ready {
			ready = 1
		}
		c.ready.With(withLabel(labels, "transport", snap.Transport)).Set(ready)

		if snap.Status == nil {
			continue
		}
		c.batteryPercent.With(labels).Set(float64(snap.Status.Battery))
		c.errorCode.With(labels).Set(float64(snap.Status.ErrorCode))
		c.fanPower.With(labels).Set(float64(snap.Status.FanPower))
		c.cleaningArea.With(labels).Set(float64(snap.Status.CleanArea))
		c.cleaningTime.With(labels).Set(float64(snap.Status.CleanTime))
		c.status.With(withLabel(labels, "status", snap.Status.Status.String())).Set(1)
		if !snap.UpdatedAt.IsZero() {
			c.lastUpdate.With(labels).Set(float64(snap.UpdatedAt.Unix()))
		}
		if snap.Resolved != nil {
			c.runMode.With(withLabel(labels, "run_mode", string(snap.Resolved.RunMode))).Set(1)
			c.operationalState.With(withLabel(labels, "operational_state", string(snap.Resolved.OperationalState))).Set(1)
		}
	}

	for _, v := range c.vecs() {
		v.Collect(ch)
	}
}

func withLabel(base prometheus.Labels, name, value string) prometheus.Labels {
	out := make(prometheus.Labels, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[name] = value
	return out
}
