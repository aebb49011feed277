package pprof_test

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fleetgrid/telemetry-gateway/internal/config"
	"github.com/fleetgrid/telemetry-gateway/internal/pprof"
)

func TestCreatePProfServerDisabledReturnsNil(t *testing.T) {
	t.Parallel()
	cfg := config.PProf{Enabled: false}
	err := pprof.CreatePProfServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected nil error when pprof disabled, got: %v", err)
	}
}

func TestCreatePProfServerPortInUseReturnsError(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port

	cfg := config.PProf{
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    port,
	}

	err = pprof.CreatePProfServer(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error when port is already in use, got nil")
	}

	expectedAddr := "127.0.0.1:" + strconv.Itoa(port)
	if !strings.Contains(err.Error(), expectedAddr) {
		t.Errorf("expected error to mention address %q, got: %v", expectedAddr, err)
	}
}

func TestCreatePProfServerShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	cfg := config.PProf{
		Enabled: true,
		Bind:    "127.0.0.1",
		Port:    port,
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- pprof.CreatePProfServer(ctx, cfg)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on graceful shutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down within timeout")
	}
}
