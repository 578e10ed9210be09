package blobstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestFileStoreRoundTrip(testContext *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(testContext.TempDir(), nil)
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	if err := store.Upload(ctx, "materials/m-1/notes.pdf", []byte("%PDF-1.4 body"), "application/pdf"); err != nil {
		testContext.Fatalf("upload failed: %v", err)
	}
	location, err := store.DownloadURL(ctx, "materials/m-1/notes.pdf")
	if err != nil {
		testContext.Fatalf("download url failed: %v", err)
	}
	if !strings.HasPrefix(location, "file://") {
		testContext.Fatalf("expected file url, got %s", location)
	}
	data, err := Fetch(ctx, store, nil, "materials/m-1/notes.pdf")
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	if string(data) != "%PDF-1.4 body" {
		testContext.Fatalf("unexpected blob contents %q", data)
	}
}

func TestFileStoreRejectsEscapingKeys(testContext *testing.T) {
	store, err := NewFileStore(testContext.TempDir(), nil)
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	for _, key := range []string{"", "  ", "../secrets", "a/../../b"} {
		if _, err := store.DownloadURL(context.Background(), key); err == nil {
			testContext.Fatalf("expected key %q to be rejected", key)
		}
	}
	if _, err := store.DownloadURL(context.Background(), "missing.txt"); err == nil {
		testContext.Fatalf("expected missing blob to be reported")
	}
}

func TestHTTPStoreUploadsAndFetches(testContext *testing.T) {
	var mu sync.Mutex
	blobs := map[string][]byte{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch request.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(request.Body)
			blobs[request.URL.Path] = body
			writer.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			body, ok := blobs[request.URL.Path]
			if !ok {
				writer.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = writer.Write(body)
		}
	}))
	defer server.Close()

	store, err := New(Config{Driver: DriverHTTP, BaseURL: server.URL + "/blobs"})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Upload(ctx, "m-1/worksheet.txt", []byte("solve for x"), "text/plain"); err != nil {
		testContext.Fatalf("upload failed: %v", err)
	}
	data, err := Fetch(ctx, store, server.Client(), "m-1/worksheet.txt")
	if err != nil {
		testContext.Fatalf("fetch failed: %v", err)
	}
	if string(data) != "solve for x" {
		testContext.Fatalf("unexpected blob contents %q", data)
	}
	if _, err := Fetch(ctx, store, server.Client(), "m-2/absent.txt"); err == nil {
		testContext.Fatalf("expected missing blob error")
	}
}
