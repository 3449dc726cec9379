package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/HerbHall/miningops/pkg/models"
)

// SnapshotSource is implemented by the push and pull coordinators.
type SnapshotSource interface {
	Snapshots() []models.DeviceState
}

// Hashrate keys differ by kind. Push records are normalized to H/s while
// AxeOS reports GH/s.
var hashrateKeys = map[models.DeviceKind]struct {
	key   string
	scale float64
}{
	models.DeviceKindPush: {key: "hashrate", scale: 1},
	models.DeviceKindPull: {key: "hashRate", scale: 1e9},
}

var (
	onlineDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "miner", "online"),
		"Whether the miner is currently online.",
		[]string{"miner_ip", "kind"}, nil,
	)
	hashrateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "miner", "hashrate_hashes_per_second"),
		"Latest reported hashrate.",
		[]string{"miner_ip", "kind"}, nil,
	)
	validBlocksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "miner", "valid_blocks"),
		"Valid blocks reported by a push miner.",
		[]string{"miner_ip"}, nil,
	)
	failuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "miner", "consecutive_failures"),
		"Consecutive failed polls of a pull miner.",
		[]string{"miner_ip"}, nil,
	)
)

// fleetCollector turns registry snapshots into const metrics at scrape time.
type fleetCollector struct {
	src SnapshotSource
}

func newFleetCollector(src SnapshotSource) *fleetCollector {
	return &fleetCollector{src: src}
}

// Describe sends nothing, which leaves the collector unchecked so that the
// push and pull instances can share descriptors.
func (c *fleetCollector) Describe(chan<- *prometheus.Desc) {}

func (c *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.src.Snapshots() {
		ip := d.Identity.String()
		kind := string(d.Kind)

		online := 0.0
		if d.Online {
			online = 1
		}
		ch <- prometheus.MustNewConstMetric(onlineDesc, prometheus.GaugeValue, online, ip, kind)

		if hk, ok := hashrateKeys[d.Kind]; ok {
			if v, ok := d.Latest.Float(hk.key); ok {
				ch <- prometheus.MustNewConstMetric(hashrateDesc, prometheus.GaugeValue, v*hk.scale, ip, kind)
			}
		}

		switch d.Kind {
		case models.DeviceKindPush:
			if !d.BlocksBaselined {
				continue
			}
			ch <- prometheus.MustNewConstMetric(validBlocksDesc, prometheus.GaugeValue, float64(d.LastValidBlocks), ip)
		case models.DeviceKindPull:
			ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.GaugeValue, float64(d.ConsecutiveFailures), ip)
		}
	}
}
