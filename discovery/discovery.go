// Package discovery implements C8: UDP multicast device announcement and
// an HTTP ticket-handoff surface, per spec.md §4.8. The device table
// follows the same single-writer (multicast listener), many-reader (HTTP
// handlers) RWMutex pattern the rest of this module uses for shared
// state, mirroring node.go's subscription table in the teacher.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/myelnet/beam/identity"
	"github.com/myelnet/beam/progress"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

const (
	// MulticastGroup is the LAN discovery group address (spec.md §4.8).
	MulticastGroup = "224.0.0.167"
	// Port is the well-known multicast and preferred HTTP port.
	Port = 53317
	// announceInterval is how often an active device re-announces itself.
	announceInterval = 1 * time.Second
	// expireAfter marks a device unavailable once this long has passed
	// since its last announcement.
	expireAfter = 30 * time.Second
)

// DeviceInfo is the announcement payload and the HTTP /info response body.
type DeviceInfo struct {
	Alias       string `json:"alias"`
	Version     string `json:"version"`
	DeviceModel string `json:"device_model,omitempty"`
	DeviceType  string `json:"device_type"`
	Fingerprint string `json:"fingerprint"`
	Port        int    `json:"port"`
	Announce    bool   `json:"announce"`
	Download    bool   `json:"download"`
}

// Device is one row of the device table, spec.md §4.2's Nearby device.
type Device struct {
	Fingerprint   string
	Alias         string
	DeviceType    string
	Version       string
	IP            string
	HTTPPort      int
	LastSeen      time.Time
	Available     bool
	PendingTicket string
}

// TicketRequest is the body of POST /api/sendme/v1/ticket.
type TicketRequest struct {
	Info    DeviceInfo `json:"info"`
	Ticket  string     `json:"ticket"`
	Message string     `json:"message,omitempty"`
}

// TicketResponse answers a TicketRequest.
type TicketResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// AutoAccept decides, given an inbound TicketRequest, whether it is
// accepted without UI confirmation. The zero value always queues for
// manual approval.
type AutoAccept func(TicketRequest) bool

// Service runs the multicast announce/listen loop and the HTTP ticket
// surface for one local device identity.
type Service struct {
	self       DeviceInfo
	bus        *progress.Bus
	autoAccept AutoAccept

	mu      sync.RWMutex
	devices map[string]*Device

	conn     *ipv4.PacketConn
	udpConn  *net.UDPConn
	httpSrv  *http.Server
	httpPort int
}

// New builds a Service advertising the local identity described by
// alias/version/deviceType, using identity.DeviceModel and
// identity.NewFingerprint for the remaining DeviceInfo fields per
// spec.md §4.9.
func New(alias, version, deviceType string, bus *progress.Bus, autoAccept AutoAccept) *Service {
	return &Service{
		self: DeviceInfo{
			Alias:       alias,
			Version:     version,
			DeviceModel: identity.DeviceModel(),
			DeviceType:  deviceType,
			Fingerprint: identity.NewFingerprint().String(),
		},
		bus:        bus,
		autoAccept: autoAccept,
		devices:    make(map[string]*Device),
	}
}

// Start joins the multicast group, begins the announce/sweep loops, and
// starts the HTTP ticket surface. It returns once both are listening.
func (s *Service) Start(ctx context.Context) error {
	if err := s.startMulticast(ctx); err != nil {
		return err
	}
	if err := s.startHTTP(ctx); err != nil {
		return err
	}
	s.self.Port = s.httpPort
	go s.announceLoop(ctx)
	go s.sweepLoop(ctx)
	return nil
}

func (s *Service) startMulticast(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: Port}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return fmt.Errorf("discovery: listen multicast: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	ifaces, _ := net.Interfaces()
	joined := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, addr); err == nil {
			joined = true
		}
	}
	if !joined {
		conn.Close()
		return errors.New("discovery: no interface could join the multicast group")
	}
	_ = pc.SetMulticastTTL(1)
	_ = pc.SetControlMessage(ipv4.FlagDst, true)

	s.conn = pc
	s.udpConn = conn
	go s.listenLoop(ctx)
	return nil
}

func (s *Service) listenLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Msg("discovery: multicast read failed")
			continue
		}
		var info DeviceInfo
		if err := json.Unmarshal(buf[:n], &info); err != nil {
			continue
		}
		udpAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.onAnnouncement(info, udpAddr.IP.String())
	}
}

func (s *Service) onAnnouncement(info DeviceInfo, ip string) {
	if info.Fingerprint == s.self.Fingerprint {
		return
	}
	now := time.Now()
	s.mu.Lock()
	existing, seen := s.devices[info.Fingerprint]
	d := &Device{
		Fingerprint: info.Fingerprint,
		Alias:       info.Alias,
		DeviceType:  info.DeviceType,
		Version:     info.Version,
		IP:          ip,
		HTTPPort:    info.Port,
		LastSeen:    now,
		Available:   true,
	}
	if seen {
		d.PendingTicket = existing.PendingTicket
	}
	s.devices[info.Fingerprint] = d
	s.mu.Unlock()

	snap := deviceSnapshot(d)
	if s.bus != nil {
		if seen {
			s.bus.Emit(progress.Event{Discovery: &progress.DiscoveryEvent{DeviceUpdated: &snap}})
		} else {
			s.bus.Emit(progress.Event{Discovery: &progress.DiscoveryEvent{DeviceDiscovered: &snap}})
		}
	}

	if info.Announce {
		s.replyUnicast(ip)
	}
}

func (s *Service) replyUnicast(ip string) {
	reply := s.self
	reply.Announce = false
	b, err := json.Marshal(reply)
	if err != nil {
		return
	}
	dst := &net.UDPAddr{IP: net.ParseIP(ip), Port: Port}
	_, _ = s.udpConn.WriteToUDP(b, dst)
}

func (s *Service) announceLoop(ctx context.Context) {
	s.sendAnnounce()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendAnnounce()
		}
	}
}

func (s *Service) sendAnnounce() {
	msg := s.self
	msg.Announce = true
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	dst := &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: Port}
	if _, err := s.udpConn.WriteToUDP(b, dst); err != nil {
		log.Debug().Err(err).Msg("discovery: announce send failed")
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	cutoff := time.Now().Add(-expireAfter)
	var expired []Device
	s.mu.Lock()
	for _, d := range s.devices {
		if d.Available && d.LastSeen.Before(cutoff) {
			d.Available = false
			expired = append(expired, *d)
		}
	}
	s.mu.Unlock()
	if s.bus == nil {
		return
	}
	for _, d := range expired {
		snap := deviceSnapshot(&d)
		s.bus.Emit(progress.Event{Discovery: &progress.DiscoveryEvent{DeviceExpired: &snap}})
	}
}

func deviceSnapshot(d *Device) progress.DeviceSnapshot {
	return progress.DeviceSnapshot{
		Fingerprint: d.Fingerprint,
		Alias:       d.Alias,
		DeviceType:  d.DeviceType,
		IP:          d.IP,
		HTTPPort:    d.HTTPPort,
		LastSeenMs:  d.LastSeen.UnixMilli(),
		Available:   d.Available,
	}
}

// Devices returns a snapshot of the current device table.
func (s *Service) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	return out
}

// ClearDevice explicitly evicts a device, per spec.md §4.2's "evicted on
// explicit clear".
func (s *Service) ClearDevice(fingerprint string) {
	s.mu.Lock()
	delete(s.devices, fingerprint)
	s.mu.Unlock()
}

func (s *Service) startHTTP(ctx context.Context) error {
	r := chi.NewRouter()
	c := cors.New(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}})
	r.Use(c.Handler)

	r.Get("/api/sendme/v1/info", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, s.self)
	})
	r.Post("/api/sendme/v1/ticket", func(w http.ResponseWriter, req *http.Request) {
		var tr TicketRequest
		if err := json.NewDecoder(req.Body).Decode(&tr); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		accepted := s.autoAccept != nil && s.autoAccept(tr)
		if !accepted {
			s.mu.Lock()
			if d, ok := s.devices[tr.Info.Fingerprint]; ok {
				d.PendingTicket = tr.Ticket
			}
			s.mu.Unlock()
		}
		if s.bus != nil {
			s.bus.Emit(progress.Event{Discovery: &progress.DiscoveryEvent{TicketReceived: &progress.TicketReceived{
				From: tr.Info.Fingerprint, Ticket: tr.Ticket, Message: tr.Message,
			}}})
		}
		writeJSON(w, http.StatusOK, TicketResponse{Accepted: accepted})
	})
	r.Post("/api/sendme/v1/register", func(w http.ResponseWriter, req *http.Request) {
		var info DeviceInfo
		_ = json.NewDecoder(req.Body).Decode(&info)
		w.WriteHeader(http.StatusOK)
	})

	ln, port, err := listenOnPreferredPort(Port)
	if err != nil {
		return fmt.Errorf("discovery: http listen: %w", err)
	}
	s.httpPort = port
	s.httpSrv = &http.Server{Handler: r}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("discovery: http server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.httpSrv.Close()
	}()
	return nil
}

func listenOnPreferredPort(preferred int) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", preferred))
	if err == nil {
		return ln, preferred, nil
	}
	ln, err = net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, 0, err
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Close shuts down the multicast listener and HTTP server.
func (s *Service) Close() error {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}
