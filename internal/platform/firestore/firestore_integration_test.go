//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pconfig "github.com/stridewear/api/internal/platform/config"
	pfirestore "github.com/stridewear/api/internal/platform/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type stockEntry struct {
	SKU   string `firestore:"sku"`
	Stock int    `firestore:"stock"`
}

func TestProviderAndRepositoryIntegration(t *testing.T) {
	requireDocker(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "stridewear-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("dial firestore: %v", err)
	}
	if client == nil {
		t.Fatal("Client returned nil without error")
	}

	repo := pfirestore.NewBaseRepository[stockEntry](provider, "inventory", nil, nil)

	const docID = "prd_1-M"
	if _, err := repo.Set(ctx, docID, stockEntry{SKU: "LS-M", Stock: 10}); err != nil {
		t.Fatalf("seed inventory doc: %v", err)
	}

	doc := mustGet(t, ctx, repo, docID)
	if doc.ID != docID {
		t.Fatalf("document id = %s, want %s", doc.ID, docID)
	}
	if doc.Data.SKU != "LS-M" || doc.Data.Stock != 10 {
		t.Fatalf("round-tripped data = %#v", doc.Data)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatal("server update time missing")
	}

	if _, err := repo.Update(ctx, docID, []firestore.Update{{Path: "stock", Value: 8}}); err != nil {
		t.Fatalf("decrement stock: %v", err)
	}
	if doc = mustGet(t, ctx, repo, docID); doc.Data.Stock != 8 {
		t.Fatalf("stock after update = %d, want 8", doc.Data.Stock)
	}

	docs, err := repo.Query(ctx, nil)
	if err != nil {
		t.Fatalf("list inventory: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("inventory size = %d, want 1", len(docs))
	}

	_, err = repo.Get(ctx, "missing")
	if err == nil {
		t.Fatal("reading an absent document succeeded")
	}
	type repoClassifier interface{ IsNotFound() bool }
	var cls repoClassifier
	if !errors.As(err, &cls) || !cls.IsNotFound() {
		t.Fatalf("absent document error not classified as not-found: %v", err)
	}

	// A transactional decrement should read its own consistent snapshot.
	if err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, docID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var entry stockEntry
		if err := snap.DataTo(&entry); err != nil {
			return err
		}
		entry.Stock--
		return tx.Set(ref, entry)
	}); err != nil {
		t.Fatalf("transactional decrement: %v", err)
	}
	if doc = mustGet(t, ctx, repo, docID); doc.Data.Stock != 7 {
		t.Fatalf("stock after transaction = %d, want 7", doc.Data.Stock)
	}

	cancelledCtx, cancelTxn := context.WithCancel(context.Background())
	cancelTxn()
	if err := provider.RunTransaction(cancelledCtx, func(context.Context, *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled transaction returned %v, want context.Canceled", err)
	}
}

func mustGet(t *testing.T, ctx context.Context, repo *pfirestore.BaseRepository[stockEntry], id string) pfirestore.Document[stockEntry] {
	t.Helper()
	doc, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return doc
}

// requireDocker skips the test unless the docker CLI and daemon both respond.
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

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}
	out, err := exec.Command("docker", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}

	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatal("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	lastErr := errors.New("timeout waiting for endpoint")
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}
