// Package metrics exposes radio and runtime gauges through OpenTelemetry
// with a Prometheus exporter behind /metrics.
package metrics

import (
	"context"
	"runtime"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Snapshot is the set of node counters observed on each scrape.
type Snapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	TxErrors        uint64
	RxErrors        uint64
	PingSeq         uint32
	LastRSSI        float64
	LastSNR         float64
	OtaBytes        uint64
	OtaProgress     int
}

var source atomic.Pointer[func() Snapshot]

// SetSource registers the callback the meter reads node counters from.
func SetSource(fn func() Snapshot) {
	source.Store(&fn)
}

var (
	meter metric.Meter

	packetsSentGauge metric.Int64ObservableGauge
	packetsRecvGauge metric.Int64ObservableGauge
	txErrorsGauge    metric.Int64ObservableGauge
	rxErrorsGauge    metric.Int64ObservableGauge
	pingSeqGauge     metric.Int64ObservableGauge
	rssiGauge        metric.Float64ObservableGauge
	snrGauge         metric.Float64ObservableGauge
	otaBytesGauge    metric.Int64ObservableGauge
	otaProgressGauge metric.Int64ObservableGauge

	goroutinesGauge metric.Int64ObservableGauge
	memAllocGauge   metric.Int64ObservableGauge
	memSysGauge     metric.Int64ObservableGauge
	gcNumGauge      metric.Int64ObservableGauge
)

func Init() error {
	meter = otel.Meter("loralink.metrics")

	var err error
	packetsSentGauge, err = meter.Int64ObservableGauge(
		"loralink.radio.packets_sent",
		metric.WithDescription("Frames transmitted over the radio"),
		metric.WithUnit("{packets}"),
	)
	if err != nil {
		return err
	}
	packetsRecvGauge, err = meter.Int64ObservableGauge(
		"loralink.radio.packets_received",
		metric.WithDescription("Frames received over the radio"),
		metric.WithUnit("{packets}"),
	)
	if err != nil {
		return err
	}
	txErrorsGauge, err = meter.Int64ObservableGauge(
		"loralink.radio.tx_errors",
		metric.WithDescription("Failed transmissions"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return err
	}
	rxErrorsGauge, err = meter.Int64ObservableGauge(
		"loralink.radio.rx_errors",
		metric.WithDescription("Failed receives, timeouts excluded"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return err
	}
	pingSeqGauge, err = meter.Int64ObservableGauge(
		"loralink.ping.seq",
		metric.WithDescription("Current ping sequence number"),
	)
	if err != nil {
		return err
	}
	rssiGauge, err = meter.Float64ObservableGauge(
		"loralink.radio.rssi",
		metric.WithDescription("RSSI of the last received frame"),
		metric.WithUnit("dBm"),
	)
	if err != nil {
		return err
	}
	snrGauge, err = meter.Float64ObservableGauge(
		"loralink.radio.snr",
		metric.WithDescription("SNR of the last received frame"),
		metric.WithUnit("dB"),
	)
	if err != nil {
		return err
	}
	otaBytesGauge, err = meter.Int64ObservableGauge(
		"loralink.ota.bytes_received",
		metric.WithDescription("Firmware bytes received over the air"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}
	otaProgressGauge, err = meter.Int64ObservableGauge(
		"loralink.ota.progress",
		metric.WithDescription("Current firmware transfer progress"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return err
	}

	goroutinesGauge, err = meter.Int64ObservableGauge(
		"go.goroutines",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("{goroutines}"),
	)
	if err != nil {
		return err
	}
	memAllocGauge, err = meter.Int64ObservableGauge(
		"go.memory.allocated",
		metric.WithDescription("Bytes of allocated heap objects"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}
	memSysGauge, err = meter.Int64ObservableGauge(
		"go.memory.sys",
		metric.WithDescription("Total bytes of memory obtained from the OS"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}
	gcNumGauge, err = meter.Int64ObservableGauge(
		"go.gc.count",
		metric.WithDescription("Number of completed GC cycles"),
		metric.WithUnit("{cycles}"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			var snap Snapshot
			if fn := source.Load(); fn != nil {
				snap = (*fn)()
			}
			o.ObserveInt64(packetsSentGauge, int64(snap.PacketsSent))
			o.ObserveInt64(packetsRecvGauge, int64(snap.PacketsReceived))
			o.ObserveInt64(txErrorsGauge, int64(snap.TxErrors))
			o.ObserveInt64(rxErrorsGauge, int64(snap.RxErrors))
			o.ObserveInt64(pingSeqGauge, int64(snap.PingSeq))
			o.ObserveFloat64(rssiGauge, snap.LastRSSI)
			o.ObserveFloat64(snrGauge, snap.LastSNR)
			o.ObserveInt64(otaBytesGauge, int64(snap.OtaBytes))
			o.ObserveInt64(otaProgressGauge, int64(snap.OtaProgress))

			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			o.ObserveInt64(goroutinesGauge, int64(runtime.NumGoroutine()))
			o.ObserveInt64(memAllocGauge, int64(m.Alloc))
			o.ObserveInt64(memSysGauge, int64(m.Sys))
			o.ObserveInt64(gcNumGauge, int64(m.NumGC))
			return nil
		},
		packetsSentGauge,
		packetsRecvGauge,
		txErrorsGauge,
		rxErrorsGauge,
		pingSeqGauge,
		rssiGauge,
		snrGauge,
		otaBytesGauge,
		otaProgressGauge,
		goroutinesGauge,
		memAllocGauge,
		memSysGauge,
		gcNumGauge,
	)
	return err
}
