//go:build integration
// +build integration

package testhelpers

import (
	"testing"
	"time"
)

// TestIntegrationSuite_Basic tests basic integration suite functionality
func TestIntegrationSuite_Basic(t *testing.T) {
	suite := NewIntegrationSuite(t)
	defer suite.Cleanup()

	if suite.Logger == nil {
		t.Error("Expected logger to be initialized")
	}

	if suite.Ctx == nil {
		t.Error("Expected context to be initialized")
	}
}

// TestIntegrationSuite_MockStation tests creating mock stations
func TestIntegrationSuite_MockStation(t *testing.T) {
	suite := NewIntegrationSuite(t)
	defer suite.Cleanup()

	station := suite.CreateStation("alpha", "steam-alpha")
	if station == nil {
		t.Fatal("Expected non-nil station")
	}

	if station.Nick != "alpha" {
		t.Errorf("Expected nick alpha, got %s", station.Nick)
	}

	if station.SSRC == 0 {
		t.Error("Expected non-zero SSRC")
	}

	if len(suite.Stations) != 1 {
		t.Errorf("Expected 1 mock station, got %d", len(suite.Stations))
	}
}

// TestIntegrationSuite_UniqueSSRCs tests that stations get distinct SSRCs
func TestIntegrationSuite_UniqueSSRCs(t *testing.T) {
	suite := NewIntegrationSuite(t)
	defer suite.Cleanup()

	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		st := suite.CreateStation("s", "id")
		if seen[st.SSRC] {
			t.Errorf("Duplicate SSRC: %d", st.SSRC)
		}
		seen[st.SSRC] = true
	}
}

// TestIntegrationSuite_WaitFor tests the WaitFor helper
func TestIntegrationSuite_WaitFor(t *testing.T) {
	suite := NewIntegrationSuite(t)
	defer suite.Cleanup()

	counter := 0
	condition := func() bool {
		counter++
		return counter >= 5
	}

	result := suite.WaitFor(condition, 1*time.Second, "counter >= 5")
	if !result {
		t.Error("Expected WaitFor to succeed")
	}

	if counter < 5 {
		t.Errorf("Expected counter >= 5, got %d", counter)
	}
}

// TestIntegrationSuite_WaitForTimeout tests WaitFor timeout
func TestIntegrationSuite_WaitForTimeout(t *testing.T) {
	suite := NewIntegrationSuite(t)
	defer suite.Cleanup()

	condition := func() bool {
		return false
	}

	result := suite.WaitFor(condition, 100*time.Millisecond, "always false")
	if result {
		t.Error("Expected WaitFor to timeout")
	}
}

// TestIntegrationSuite_GetFreePort tests getting a free port
func TestIntegrationSuite_GetFreePort(t *testing.T) {
	suite := NewIntegrationSuite(t)
	defer suite.Cleanup()

	port := suite.GetFreePort()
	if port <= 0 || port > 65535 {
		t.Errorf("Invalid port number: %d", port)
	}
}

// TestDefaultConfig tests creating a default configuration
func TestDefaultConfig(t *testing.T) {
	cfg := CreateDefaultConfig()

	if cfg == nil {
		t.Fatal("Expected non-nil config")
	}

	if !cfg.Networks.AutoMergeByFreq {
		t.Error("Expected auto-merge to default on for tests")
	}

	if cfg.Server.Name != "Test Relay" {
		t.Errorf("Expected server name 'Test Relay', got %s", cfg.Server.Name)
	}
}
