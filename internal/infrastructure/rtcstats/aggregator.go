package rtcstats

import (
	"fmt"
	"math"
	"sync"
	"time"

	"roomlink/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Aggregator folds observed RTP traffic and RTCP reports for one transport
// into a QualitySample. It exists for deployments where the signaling node
// also relays media and can see the packets directly; browser-only rooms use
// peer-reported stats instead.
//
// Loss is derived from the extended highest sequence number versus packets
// actually received (RFC 3550 appendix A.3); jitter uses the interarrival
// estimator from RFC 3550 section 6.4.1; RTT comes from receiver reports via
// the LSR/DLSR timestamps.
type Aggregator struct {
	clockRate uint32
	routeType domain.RouteType

	mu sync.Mutex

	packetsReceived int64
	bytesReceived   int64
	packetsSent     int64
	bytesSent       int64

	baseSeq     uint16
	maxSeq      uint16
	cycles      uint32
	haveSeq     bool

	jitter        float64
	lastTransit   float64
	haveTransit   bool

	reportedLost int64
	rtt          time.Duration
}

func NewAggregator(clockRate uint32) *Aggregator {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &Aggregator{clockRate: clockRate, routeType: domain.RouteUnknown}
}

// SetRouteType records the route classification established during ICE.
func (a *Aggregator) SetRouteType(t domain.RouteType) {
	a.mu.Lock()
	a.routeType = t
	a.mu.Unlock()
}

// ObserveInboundRTP accounts one received RTP packet.
func (a *Aggregator) ObserveInboundRTP(raw []byte, arrival time.Time) error {
	var header rtp.Header
	if _, err := header.Unmarshal(raw); err != nil {
		return fmt.Errorf("failed to parse RTP header: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.packetsReceived++
	a.bytesReceived += int64(len(raw))
	a.updateSeq(header.SequenceNumber)
	a.updateJitter(header.Timestamp, arrival)
	return nil
}

// ObserveOutboundRTP accounts one sent RTP packet.
func (a *Aggregator) ObserveOutboundRTP(size int) {
	a.mu.Lock()
	a.packetsSent++
	a.bytesSent += int64(size)
	a.mu.Unlock()
}

// ObserveRTCP folds an incoming compound RTCP packet. Receiver reports carry
// the remote view of loss and, through LSR/DLSR, enough to compute RTT.
func (a *Aggregator) ObserveRTCP(raw []byte, arrival time.Time) error {
	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("failed to parse RTCP: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, pkt := range packets {
		var reports []rtcp.ReceptionReport
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			reports = p.Reports
		case *rtcp.SenderReport:
			reports = p.Reports
		default:
			continue
		}
		for _, rep := range reports {
			a.reportedLost = int64(rep.TotalLost)
			if rtt, ok := rttFromReport(rep, arrival); ok {
				a.rtt = rtt
			}
		}
	}
	return nil
}

// Snapshot returns the current QualitySample. Loss reported by the remote
// side wins over locally derived loss when present, since it reflects the
// path the media actually took.
func (a *Aggregator) Snapshot() domain.QualitySample {
	a.mu.Lock()
	defer a.mu.Unlock()

	lost := a.localLost()
	if a.reportedLost > lost {
		lost = a.reportedLost
	}

	return domain.QualitySample{
		RTT:             a.rtt,
		Jitter:          a.jitter / float64(a.clockRate),
		PacketsReceived: a.packetsReceived,
		PacketsLost:     lost,
		PacketsSent:     a.packetsSent,
		BytesReceived:   a.bytesReceived,
		BytesSent:       a.bytesSent,
		RouteType:       a.routeType,
		Timestamp:       time.Now(),
	}
}

// updateSeq tracks the extended highest sequence number with wrap detection.
func (a *Aggregator) updateSeq(seq uint16) {
	if !a.haveSeq {
		a.baseSeq = seq
		a.maxSeq = seq
		a.haveSeq = true
		return
	}
	if seq < a.maxSeq && a.maxSeq-seq > math.MaxUint16/2 {
		a.cycles++
		a.maxSeq = seq
		return
	}
	if seq > a.maxSeq {
		a.maxSeq = seq
	}
}

func (a *Aggregator) localLost() int64 {
	if !a.haveSeq {
		return 0
	}
	extended := int64(a.cycles)<<16 + int64(a.maxSeq)
	expected := extended - int64(a.baseSeq) + 1
	lost := expected - a.packetsReceived
	if lost < 0 {
		return 0
	}
	return lost
}

// updateJitter applies the RFC 3550 interarrival jitter estimator. The value
// is kept in clock-rate units and converted to seconds at snapshot time.
func (a *Aggregator) updateJitter(rtpTS uint32, arrival time.Time) {
	arrivalTS := float64(arrival.UnixNano()) * float64(a.clockRate) / float64(time.Second)
	transit := arrivalTS - float64(rtpTS)
	if !a.haveTransit {
		a.lastTransit = transit
		a.haveTransit = true
		return
	}
	d := math.Abs(transit - a.lastTransit)
	a.lastTransit = transit
	a.jitter += (d - a.jitter) / 16
}

// rttFromReport computes RTT = now - LSR - DLSR using the middle 32 bits of
// NTP timestamps. A zero LSR means the remote has not seen a sender report
// yet, so no RTT can be derived.
func rttFromReport(rep rtcp.ReceptionReport, arrival time.Time) (time.Duration, bool) {
	if rep.LastSenderReport == 0 {
		return 0, false
	}
	nowNTP := toNTP32(arrival)
	delay := nowNTP - rep.LastSenderReport - rep.Delay
	// delay is in 1/65536 second units
	rtt := time.Duration(float64(delay) / 65536 * float64(time.Second))
	if rtt < 0 || rtt > 10*time.Second {
		return 0, false
	}
	return rtt, true
}

// toNTP32 is the middle 32 bits of the 64-bit NTP timestamp for t.
func toNTP32(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<16)&0xFFFF0000) | uint32((frac>>16)&0x0000FFFF)
}
