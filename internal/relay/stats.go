package relay

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/outpostlabs/udpredir/internal/logging"
)

// statsInterval is how often the stats reporter logs relay totals.
const statsInterval = time.Minute

// statsLoop periodically logs a one-line summary of relay activity.
func (r *Relay) statsLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var last Stats

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			s := r.Stats()

			// Skip quiet intervals to keep logs useful.
			if !statsChanged(s, last) {
				continue
			}
			last = s

			r.logger.Info("relay stats",
				logging.KeyCount, s.Associations,
				"egress_packets", s.PacketsEgress,
				"egress_bytes", humanize.Bytes(s.BytesEgress),
				"ingress_packets", s.PacketsIngress,
				"ingress_bytes", humanize.Bytes(s.BytesIngress))
		}
	}
}

// statsChanged reports whether a snapshot differs from the previous one
// in traffic totals or association count.
func statsChanged(cur, prev Stats) bool {
	return cur.BytesEgress != prev.BytesEgress ||
		cur.BytesIngress != prev.BytesIngress ||
		cur.Associations != prev.Associations
}
