//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	pconfig "github.com/stridewear/api/internal/platform/config"
	pfirestore "github.com/stridewear/api/internal/platform/firestore"
	"github.com/stridewear/api/internal/repositories"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestCounterRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	repo, ctx := setupCounterRepo(t)

	t.Run("ConcurrentNextYieldsDenseSequence", func(t *testing.T) {
		const workers = 16
		results := make([]int64, workers)
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(idx int) {
				defer wg.Done()
				value, err := repo.Next(ctx, "orders:2026", 1)
				if err != nil {
					t.Errorf("next(%d): %v", idx, err)
					return
				}
				results[idx] = value
			}(i)
		}
		wg.Wait()

		sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
		for i, val := range results {
			if want := int64(i + 1); val != want {
				t.Fatalf("expected %d at position %d, got %d (all: %v)", want, i, val, results)
			}
		}
	})

	t.Run("BoundedCounterExhausts", func(t *testing.T) {
		max := int64(3)
		start := int64(0)
		if err := repo.Configure(ctx, "rma:MUM", repositories.CounterConfig{
			Step:         1,
			MaxValue:     &max,
			InitialValue: &start,
		}); err != nil {
			t.Fatalf("configure counter: %v", err)
		}

		for i := int64(1); i <= max; i++ {
			value, err := repo.Next(ctx, "rma:MUM", 0)
			if err != nil {
				t.Fatalf("next bounded %d: %v", i, err)
			}
			if value != i {
				t.Fatalf("expected bounded counter %d got %d", i, value)
			}
		}

		_, err := repo.Next(ctx, "rma:MUM", 0)
		var counterErr *repositories.CounterError
		if !errors.As(err, &counterErr) {
			t.Fatalf("expected counter error, got %T %v", err, err)
		}
		if counterErr.Code != repositories.CounterErrorExhausted {
			t.Fatalf("expected exhausted code, got %s", counterErr.Code)
		}
	})
}

func setupCounterRepo(t *testing.T) (*CounterRepository, context.Context) {
	t.Helper()
	requireDocker(t)

	port := emulatorPort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := runFirestoreEmulator(t, port)
	t.Cleanup(func() { killContainer(containerID) })
	awaitTCP(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "counter-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })

	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	return repo, ctx
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}

func emulatorPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func runFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	out, err := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func killContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func awaitTCP(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator at %s did not become ready within %s", endpoint, timeout)
}
