package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Speed test message types
const (
	SpeedMsgPing     byte = 0x01 // 8-byte nonce
	SpeedMsgPong     byte = 0x02 // echoed nonce
	SpeedMsgDownload byte = 0x03 // u32 size requested
	SpeedMsgData     byte = 0x04 // size bytes
	SpeedMsgUpload   byte = 0x05 // size bytes
	SpeedMsgAck      byte = 0x06 // u32 size received
)

// MaxSpeedTestPayload caps download and upload transfers.
const MaxSpeedTestPayload = 8 * 1024 * 1024

var ErrNoMeasurements = errors.New("no peer could be measured")

func speedMessageMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case SpeedMsgPing, SpeedMsgPong:
		return 8, nil
	case SpeedMsgDownload, SpeedMsgAck:
		return 4, nil
	case SpeedMsgData, SpeedMsgUpload:
		return MaxSpeedTestPayload, nil
	default:
		return 0, fmt.Errorf("unknown speed test message type: %d", msgType)
	}
}

// HandleSpeedTestStream serves speed test requests on an inbound stream.
func HandleSpeedTestStream(s network.Stream) {
	defer func() { _ = s.Close() }()
	if err := s.SetDeadline(time.Now().Add(2 * time.Minute)); err != nil {
		return
	}
	if err := ServeSpeedTest(s); err != nil && !isExpectedStreamCloseError(err) {
		zap.S().Debugf("[speedtest] session with %s ended: %v", shortID(s.Conn().RemotePeer()), err)
	}
}

// ServeSpeedTest answers requests on rw until the peer closes it.
func ServeSpeedTest(rw io.ReadWriter) error {
	for {
		msgType, data, err := readMessageWithLimit(rw, speedMessageMaxSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch msgType {
		case SpeedMsgPing:
			err = writeMessage(rw, SpeedMsgPong, data)
		case SpeedMsgDownload:
			if len(data) != 4 {
				return fmt.Errorf("bad download request length %d", len(data))
			}
			size := binary.BigEndian.Uint32(data)
			if size > MaxSpeedTestPayload {
				return fmt.Errorf("download size %d exceeds cap", size)
			}
			err = writeMessage(rw, SpeedMsgData, make([]byte, size))
		case SpeedMsgUpload:
			var ack [4]byte
			binary.BigEndian.PutUint32(ack[:], uint32(len(data)))
			err = writeMessage(rw, SpeedMsgAck, ack[:])
		default:
			return fmt.Errorf("unexpected speed test message %d", msgType)
		}
		if err != nil {
			return err
		}
	}
}

// SpeedTestClient runs measurements over one stream.
type SpeedTestClient struct {
	rw io.ReadWriter
}

func NewSpeedTestClient(rw io.ReadWriter) *SpeedTestClient {
	return &SpeedTestClient{rw: rw}
}

func (c *SpeedTestClient) expect(want byte) ([]byte, error) {
	msgType, data, err := readMessageWithLimit(c.rw, speedMessageMaxSize)
	if err != nil {
		return nil, err
	}
	if msgType != want {
		return nil, fmt.Errorf("expected message %d, got %d", want, msgType)
	}
	return data, nil
}

// Ping measures one round trip.
func (c *SpeedTestClient) Ping() (time.Duration, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, err
	}
	start := time.Now()
	if err := writeMessage(c.rw, SpeedMsgPing, nonce[:]); err != nil {
		return 0, err
	}
	echo, err := c.expect(SpeedMsgPong)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(echo, nonce[:]) {
		return 0, fmt.Errorf("pong nonce mismatch")
	}
	return time.Since(start), nil
}

// Download fetches size bytes and returns the throughput in Mbps.
func (c *SpeedTestClient) Download(size int) (float64, error) {
	if size <= 0 || size > MaxSpeedTestPayload {
		return 0, fmt.Errorf("invalid download size %d", size)
	}
	var req [4]byte
	binary.BigEndian.PutUint32(req[:], uint32(size))
	start := time.Now()
	if err := writeMessage(c.rw, SpeedMsgDownload, req[:]); err != nil {
		return 0, err
	}
	data, err := c.expect(SpeedMsgData)
	if err != nil {
		return 0, err
	}
	if len(data) != size {
		return 0, fmt.Errorf("short download: %d of %d bytes", len(data), size)
	}
	return mbps(size, time.Since(start)), nil
}

// Upload sends size bytes and returns the throughput in Mbps.
func (c *SpeedTestClient) Upload(size int) (float64, error) {
	if size <= 0 || size > MaxSpeedTestPayload {
		return 0, fmt.Errorf("invalid upload size %d", size)
	}
	payload := make([]byte, size)
	start := time.Now()
	if err := writeMessage(c.rw, SpeedMsgUpload, payload); err != nil {
		return 0, err
	}
	ack, err := c.expect(SpeedMsgAck)
	if err != nil {
		return 0, err
	}
	if len(ack) != 4 || int(binary.BigEndian.Uint32(ack)) != size {
		return 0, fmt.Errorf("upload ack mismatch")
	}
	return mbps(size, time.Since(start)), nil
}

func mbps(n int, elapsed time.Duration) float64 {
	if elapsed < time.Microsecond {
		elapsed = time.Microsecond
	}
	return float64(n) * 8 / elapsed.Seconds() / 1e6
}

// SpeedTestConfig tunes a measurement round.
type SpeedTestConfig struct {
	MaxPeers    int           // peers measured per round
	Concurrency int           // peers measured at once
	Pings       int           // pings per peer
	PayloadSize int           // bytes per transfer direction
	PeerTimeout time.Duration // budget per peer
}

func DefaultSpeedTestConfig() SpeedTestConfig {
	return SpeedTestConfig{
		MaxPeers:    8,
		Concurrency: 4,
		Pings:       5,
		PayloadSize: 1 << 20,
		PeerTimeout: 30 * time.Second,
	}
}

// PeerMeasurement is the result of measuring one peer.
type PeerMeasurement struct {
	Peer         string  `json:"peer"`
	LatencyMs    float64 `json:"latency_ms"`
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingsSent    int     `json:"pings_sent"`
	PingsOK      int     `json:"pings_ok"`
	// Aborted measurements only contribute their pings to stability.
	Aborted bool `json:"aborted,omitempty"`
}

// SpeedReport aggregates one round: medians across peers, and stability as
// the share of successful pings.
type SpeedReport struct {
	Peers            []PeerMeasurement `json:"peers"`
	LatencyMs        float64           `json:"latency_ms"`
	DownloadMbps     float64           `json:"download_mbps"`
	UploadMbps       float64           `json:"upload_mbps"`
	StabilityPercent float64           `json:"stability_percent"`
	PingsSent        int               `json:"pings_sent"`
	PingsOK          int               `json:"pings_ok"`
	MeasuredAt       time.Time         `json:"measured_at"`
}

// Dialer opens a speed test stream to a peer.
type Dialer func(ctx context.Context, p peer.ID) (io.ReadWriteCloser, error)

// SpeedTester measures this node's connectivity against its peers.
type SpeedTester struct {
	cfg   SpeedTestConfig
	peers func() []peer.ID
	dial  Dialer

	mu   sync.RWMutex
	last *SpeedReport
}

// NewSpeedTester measures against the node's connected peers.
func NewSpeedTester(node *Node, cfg SpeedTestConfig) *SpeedTester {
	return NewSpeedTesterWithDialer(cfg, node.Peers, func(ctx context.Context, p peer.ID) (io.ReadWriteCloser, error) {
		s, err := node.host.NewStream(ctx, p, ProtocolSpeedTest)
		if err != nil {
			return nil, err
		}
		if dl, ok := ctx.Deadline(); ok {
			_ = s.SetDeadline(dl)
		}
		return s, nil
	})
}

// NewSpeedTesterWithDialer builds a tester over arbitrary transports.
func NewSpeedTesterWithDialer(cfg SpeedTestConfig, peers func() []peer.ID, dial Dialer) *SpeedTester {
	def := DefaultSpeedTestConfig()
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Pings <= 0 {
		cfg.Pings = def.Pings
	}
	if cfg.PayloadSize <= 0 || cfg.PayloadSize > MaxSpeedTestPayload {
		cfg.PayloadSize = def.PayloadSize
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = def.PeerTimeout
	}
	return &SpeedTester{cfg: cfg, peers: peers, dial: dial}
}

// Last returns the most recent successful report, or nil.
func (st *SpeedTester) Last() *SpeedReport {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.last
}

// Run measures up to MaxPeers random peers and aggregates the results.
// Peers that fail are skipped; at least one must succeed.
func (st *SpeedTester) Run(ctx context.Context) (*SpeedReport, error) {
	peers := st.peers()
	mrand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > st.cfg.MaxPeers {
		peers = peers[:st.cfg.MaxPeers]
	}
	if len(peers) == 0 {
		return nil, ErrNoMeasurements
	}

	results := make([]*PeerMeasurement, len(peers))
	sem := semaphore.NewWeighted(int64(st.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			m, err := st.measure(gctx, p)
			if err != nil {
				zap.S().Debugf("[speedtest] %s: %v", shortID(p), err)
				if errors.Is(err, ErrSpeedTestAborted) {
					results[i] = m
				}
				return nil
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := aggregate(results)
	if report == nil {
		return nil, ErrNoMeasurements
	}
	report.MeasuredAt = time.Now()

	st.mu.Lock()
	st.last = report
	st.mu.Unlock()
	return report, nil
}

func (st *SpeedTester) measure(ctx context.Context, p peer.ID) (*PeerMeasurement, error) {
	ctx, cancel := context.WithTimeout(ctx, st.cfg.PeerTimeout)
	defer cancel()

	stream, err := st.dial(ctx, p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()
	return MeasurePeer(p.String(), stream, st.cfg.Pings, st.cfg.PayloadSize)
}

// ErrSpeedTestAborted marks a measurement cut short by a failed ping.
var ErrSpeedTestAborted = errors.New("speed test aborted")

// MeasurePeer runs pings then a download and an upload over rw. A failed
// ping leaves the stream in an unknown state, so the measurement stops there
// and the remaining pings count as lost. The partial measurement is returned
// with ErrSpeedTestAborted.
func MeasurePeer(id string, rw io.ReadWriter, pings, payload int) (*PeerMeasurement, error) {
	c := NewSpeedTestClient(rw)
	m := &PeerMeasurement{Peer: id}

	var rtts []float64
	for i := 0; i < pings; i++ {
		m.PingsSent++
		rtt, err := c.Ping()
		if err != nil {
			if isExpectedStreamCloseError(err) {
				return nil, err
			}
			m.PingsSent = pings
			m.Aborted = true
			return m, fmt.Errorf("%w: ping %d: %v", ErrSpeedTestAborted, i+1, err)
		}
		m.PingsOK++
		rtts = append(rtts, float64(rtt)/float64(time.Millisecond))
	}
	if m.PingsOK == 0 {
		return nil, fmt.Errorf("no pong from %s", id)
	}
	m.LatencyMs = median(rtts)

	var err error
	if m.DownloadMbps, err = c.Download(payload); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if m.UploadMbps, err = c.Upload(payload); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return m, nil
}

func aggregate(results []*PeerMeasurement) *SpeedReport {
	r := &SpeedReport{}
	var lat, down, up []float64
	for _, m := range results {
		if m == nil {
			continue
		}
		r.PingsSent += m.PingsSent
		r.PingsOK += m.PingsOK
		if m.Aborted {
			continue
		}
		r.Peers = append(r.Peers, *m)
		lat = append(lat, m.LatencyMs)
		down = append(down, m.DownloadMbps)
		up = append(up, m.UploadMbps)
	}
	if len(r.Peers) == 0 {
		return nil
	}
	r.LatencyMs = median(lat)
	r.DownloadMbps = median(down)
	r.UploadMbps = median(up)
	r.StabilityPercent = float64(r.PingsOK) / float64(r.PingsSent) * 100
	return r
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
