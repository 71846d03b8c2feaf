package imops

import (
	"fmt"
	"image"
	"net"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"strandcam/internal/detect"
	"strandcam/internal/store"
)

// Centroid is the UDP payload.
type Centroid struct {
	X       float64 `msgpack:"x"`
	Y       float64 `msgpack:"y"`
	CenterX uint32  `msgpack:"center_x"`
	CenterY uint32  `msgpack:"center_y"`
}

// Sender owns the UDP socket. It is used only by the processing thread.
type Sender struct {
	conn   *net.UDPConn
	source string
}

// NewSender returns a sender with no socket; one is opened on first use.
func NewSender() *Sender {
	return &Sender{}
}

// Process computes the centroid of pixels at or above the threshold. It
// returns nil when nothing is above threshold. Send failures are logged.
func (s *Sender) Process(img *image.Gray, cfg store.ImOpsState) *detect.Point {
	m := detect.ComputeMoments(img, cfg.Threshold, detect.BrightOnDark, detect.Everything)
	if m.M00 == 0 {
		return nil
	}
	x, y := m.Centroid()
	pt := &detect.Point{X: x, Y: y}

	if err := s.send(Centroid{X: x, Y: y, CenterX: cfg.CenterX, CenterY: cfg.CenterY}, cfg); err != nil {
		log.Error().Str("component", "imops").Err(err).Msg("unable to send image moment data")
	}
	return pt
}

func (s *Sender) send(c Centroid, cfg store.ImOpsState) error {
	if s.conn == nil || s.source != cfg.Source {
		if err := s.rebind(cfg.Source); err != nil {
			return err
		}
	}

	dst, err := net.ResolveUDPAddr("udp", cfg.Destination)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", cfg.Destination, err)
	}
	buf, err := msgpack.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode centroid: %w", err)
	}
	if _, err := s.conn.WriteToUDP(buf, dst); err != nil {
		return fmt.Errorf("send centroid: %w", err)
	}
	return nil
}

func (s *Sender) rebind(source string) error {
	s.Close()
	addr := &net.UDPAddr{}
	if source != "" {
		ip := net.ParseIP(source)
		if ip == nil {
			return fmt.Errorf("invalid source address %q", source)
		}
		addr.IP = ip
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed opening socket: %w", err)
	}
	s.conn = conn
	s.source = source
	return nil
}

// Close releases the socket.
func (s *Sender) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
