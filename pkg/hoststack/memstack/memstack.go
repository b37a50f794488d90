// Package memstack is an in-memory hoststack.Stack used by tests and the
// demo command.
package memstack

import (
	"sync"

	"github.com/repeatercore/wifirepeater/pkg/hoststack"
)

// Stack records delivered frames and interface configuration instead of
// driving a real network stack.
type Stack struct {
	mu         sync.Mutex
	delivered  map[string][][]byte
	config     map[string]hoststack.IPConfig
	dhcpClient map[string]bool
	dhcpServer map[string]bool
}

// New returns an empty Stack.
func New() *Stack {
	return &Stack{
		delivered:  make(map[string][][]byte),
		config:     make(map[string]hoststack.IPConfig),
		dhcpClient: make(map[string]bool),
		dhcpServer: make(map[string]bool),
	}
}

func (s *Stack) Deliver(iface string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[iface] = append(s.delivered[iface], frame)
}

func (s *Stack) Configure(iface string, cfg hoststack.IPConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[iface] = cfg
	return nil
}

func (s *Stack) StartDHCPClient(iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dhcpClient[iface] = true
	return nil
}

func (s *Stack) StopDHCPClient(iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dhcpClient[iface] = false
	return nil
}

func (s *Stack) StartDHCPServer(iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dhcpServer[iface] = true
	return nil
}

func (s *Stack) StopDHCPServer(iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dhcpServer[iface] = false
	return nil
}

// Delivered returns the frames delivered to iface, for test assertions.
func (s *Stack) Delivered(iface string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.delivered[iface]))
	copy(out, s.delivered[iface])
	return out
}

// Config returns the current address configuration of iface.
func (s *Stack) Config(iface string) (hoststack.IPConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.config[iface]
	return cfg, ok
}

// DHCPServerRunning reports whether iface's DHCP server is started.
func (s *Stack) DHCPServerRunning(iface string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dhcpServer[iface]
}

// DHCPClientRunning reports whether iface's DHCP client is started.
func (s *Stack) DHCPClientRunning(iface string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dhcpClient[iface]
}
