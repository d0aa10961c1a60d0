package testhelpers

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/config"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/metrics"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/network"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/routing"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
)

// IntegrationSuite provides infrastructure for integration tests
type IntegrationSuite struct {
	T         *testing.T
	Logger    *logger.Logger
	Ctx       context.Context
	Cancel    context.CancelFunc
	Stations  []*MockStation
	Store     *session.Store
	Engine    *routing.Engine
	Collector *metrics.Collector
	Relay     *network.Server
	RelayAddr string
}

// NewIntegrationSuite creates a new integration test suite
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	log := logger.New(logger.Config{
		Level:  "error",
		Format: "console",
	})

	return &IntegrationSuite{
		T:        t,
		Logger:   log,
		Ctx:      ctx,
		Cancel:   cancel,
		Stations: make([]*MockStation, 0),
	}
}

// StartRelay starts a real UDP relay on an ephemeral port and waits for
// it to be ready.
func (s *IntegrationSuite) StartRelay() {
	s.Store = session.NewStore()
	s.Engine = routing.NewEngine(s.Store)
	s.Collector = metrics.NewCollector()

	s.Relay = network.NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, s.Store, s.Engine, s.Logger).
		WithCollector(s.Collector)

	go func() {
		_ = s.Relay.Start(s.Ctx)
	}()
	if err := s.Relay.WaitStarted(s.Ctx); err != nil {
		s.T.Fatalf("Relay failed to start: %v", err)
	}
	addr, err := s.Relay.Addr()
	if err != nil {
		s.T.Fatalf("Relay has no address: %v", err)
	}
	s.RelayAddr = fmt.Sprintf("127.0.0.1:%d", addr.Port)
}

// CreateStation creates a connected mock station registered under the
// given nick.
func (s *IntegrationSuite) CreateStation(nick, clientID string) *MockStation {
	st := NewMockStation(nick, clientID)
	if s.RelayAddr != "" {
		if err := st.Connect(s.RelayAddr); err != nil {
			s.T.Fatalf("Station %s failed to connect: %v", nick, err)
		}
	}
	s.Stations = append(s.Stations, st)
	return st
}

// GetFreePort gets a free port for testing
func (s *IntegrationSuite) GetFreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		s.T.Fatal(err)
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		s.T.Fatal(err)
	}
	defer func() { _ = listener.Close() }()

	return listener.Addr().(*net.TCPAddr).Port
}

// Cleanup cleans up resources
func (s *IntegrationSuite) Cleanup() {
	for _, st := range s.Stations {
		_ = st.Close()
	}
	s.Cancel()
}

// WaitFor waits for a condition to be true
func (s *IntegrationSuite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}

// AssertEventually asserts that a condition becomes true within timeout
func (s *IntegrationSuite) AssertEventually(condition func() bool, timeout time.Duration, message string) {
	if !s.WaitFor(condition, timeout, message) {
		s.T.Errorf("Assertion failed: %s", message)
	}
}

// CreateDefaultConfig creates a default test configuration
func CreateDefaultConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Name: "Test Relay",
			Host: "127.0.0.1",
			Port: 0,
		},
		Networks: config.NetworksConfig{
			AutoMergeByFreq: true,
		},
		Web: config.WebConfig{
			Enabled: false,
		},
		Storage: config.StorageConfig{
			Enabled: false,
		},
		Metrics: config.MetricsConfig{
			Enabled: false,
		},
		Logging: config.LoggingConfig{
			Level:  "error",
			Format: "console",
		},
	}
}
