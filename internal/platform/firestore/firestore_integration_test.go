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
	pconfig "github.com/mytapcard/api/internal/platform/config"
	pfirestore "github.com/mytapcard/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type tallyDoc struct {
	Label string `firestore:"label"`
	Taps  int    `firestore:"taps"`
}

func TestProviderAgainstEmulator(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	requireDockerDaemon(t)

	port := reservePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	container := runEmulator(t, port)
	defer stopContainer(container)
	awaitEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "test-project",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if client == nil {
		t.Fatal("Client returned nil without error")
	}

	repo := pfirestore.NewBaseRepository[tallyDoc](provider, "tallies", nil, nil)

	if _, err := repo.Set(ctx, "tally-1", tallyDoc{Label: "alpha", Taps: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	doc, err := repo.Get(ctx, "tally-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.ID != "tally-1" || doc.Data.Label != "alpha" || doc.Data.Taps != 1 {
		t.Fatalf("unexpected document: %#v", doc)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatal("update time missing on read")
	}

	if _, err := repo.Update(ctx, "tally-1", []firestore.Update{{Path: "taps", Value: 2}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	doc, err = repo.Get(ctx, "tally-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if doc.Data.Taps != 2 {
		t.Fatalf("taps = %d, want 2", doc.Data.Taps)
	}

	docs, err := repo.Query(ctx, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("query returned %d documents, want 1", len(docs))
	}

	_, err = repo.Get(ctx, "missing")
	if err == nil {
		t.Fatal("Get of missing document succeeded")
	}
	var classified interface{ IsNotFound() bool }
	if !errors.As(err, &classified) || !classified.IsNotFound() {
		t.Fatalf("missing document error not classified as not-found: %v", err)
	}

	err = provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, "tally-1")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var entity tallyDoc
		if err := snap.DataTo(&entity); err != nil {
			return err
		}
		entity.Taps++
		return tx.Set(ref, entity)
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	doc, err = repo.Get(ctx, "tally-1")
	if err != nil {
		t.Fatalf("Get after transaction: %v", err)
	}
	if doc.Data.Taps != 3 {
		t.Fatalf("taps = %d after transaction, want 3", doc.Data.Taps)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	err = provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled transaction error = %v, want context.Canceled", err)
	}
}

func reservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func runEmulator(t *testing.T, port int) string {
	t.Helper()
	cmd := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v - %s", err, out)
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

func awaitEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timed out")
	}
	t.Fatalf("emulator never became reachable: %v", lastErr)
}

func requireDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
