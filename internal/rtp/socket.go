package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/pion/rtcp"
	log "github.com/sirupsen/logrus"
)

const maxDatagram = 1 << 16

// Socket is a bound RTP/RTCP UDP port pair for one media.
type Socket struct {
	device string
	recv   *Receiver
	rtp    *net.UDPConn
	rtcp   *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds port for RTP and port+1 for RTCP. Port 0 picks free ports.
func Listen(device string, port int, recv *Receiver) (*Socket, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("rtp listen on %d: %w", port, err)
	}
	rtcpPort := 0
	if port != 0 {
		rtcpPort = port + 1
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: rtcpPort})
	if err != nil {
		_ = rtpConn.Close()
		return nil, fmt.Errorf("rtcp listen on %d: %w", rtcpPort, err)
	}
	return &Socket{
		device: device,
		recv:   recv,
		rtp:    rtpConn,
		rtcp:   rtcpConn,
	}, nil
}

// Ports returns the bound RTP and RTCP ports.
func (s *Socket) Ports() (int, int) {
	return s.rtp.LocalAddr().(*net.UDPAddr).Port, s.rtcp.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote sets where receiver reports go, the camera's RTCP port.
func (s *Socket) SetRemote(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.remote = addr
	s.mu.Unlock()
	return nil
}

// Start reads both sockets until Close or ctx is done.
func (s *Socket) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.readRTP()
	go s.readRTCP()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
}

func (s *Socket) readRTP() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.rtp.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.WithField("device", s.device).Warnf("rtp read: %v", err)
			}
			return
		}
		s.recv.HandlePacket(buf[:n])
	}
}

func (s *Socket) readRTCP() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.rtcp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if sr, ok := p.(*rtcp.SenderReport); ok {
				log.WithField("device", s.device).Tracef("rtcp: sender report from %08x, %d packets", sr.SSRC, sr.PacketCount)
			}
		}
	}
}

// SendReport sends the receiver report and CNAME to the camera.
func (s *Socket) SendReport(ssrc uint32, cname string) error {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return nil
	}

	data, err := s.recv.Report(ssrc, cname)
	if err != nil {
		return err
	}
	if _, err := s.rtcp.WriteToUDP(data, remote); err != nil {
		return err
	}
	appstats.OnRTCPReport()
	return nil
}

func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		_ = s.rtp.Close()
		_ = s.rtcp.Close()
	})
	s.wg.Wait()
}
