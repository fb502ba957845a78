package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"egobackend/internal/models"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *S3Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := NewS3Service(models.S3Config{
		Endpoint: srv.URL,
		Region:   "us-east-1",
		KeyID:    "test-key",
		AppKey:   "test-secret",
		Bucket:   "uploads",
	})
	if err != nil {
		t.Fatalf("NewS3Service: %v", err)
	}
	return svc
}

func TestNewS3ServiceDegradesGracefullyWhenUnconfigured(t *testing.T) {
	svc, err := NewS3Service(models.S3Config{})
	if err != nil {
		t.Fatalf("NewS3Service: %v", err)
	}
	if svc.isConfigured() {
		t.Fatalf("expected unconfigured service")
	}
	ok, err := svc.Exists(context.Background(), "anything")
	if err != nil || ok {
		t.Fatalf("expected (false, nil) from disabled service, got (%v, %v)", ok, err)
	}
}

func TestExistsReturnsTrueForPresentObject(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ok, err := svc.Exists(context.Background(), "tmp/present.png")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected object to resolve")
	}
}

func TestExistsReturnsFalseForMissingObject(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ok, err := svc.Exists(context.Background(), "tmp/missing.png")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatalf("expected object to not resolve")
	}
}

func TestResolvePathsDropsMissingAndKeepsOrder(t *testing.T) {
	present := map[string]bool{"tmp/a.png": true, "tmp/b.png": false, "tmp/c.png": true}
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		for key, ok := range present {
			if containsSuffix(r.URL.Path, key) {
				if ok {
					w.WriteHeader(http.StatusOK)
				} else {
					w.WriteHeader(http.StatusNotFound)
				}
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})

	resolved, err := svc.ResolvePaths(context.Background(), []string{"tmp/a.png", "tmp/b.png", "tmp/c.png"})
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if len(resolved) != 2 || resolved[0] != "tmp/a.png" || resolved[1] != "tmp/c.png" {
		t.Fatalf("expected [a.png c.png] in order, got %v", resolved)
	}
}

func containsSuffix(path, suffix string) bool {
	if len(path) < len(suffix) {
		return false
	}
	return path[len(path)-len(suffix):] == suffix
}
