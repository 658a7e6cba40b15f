package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newS3TestServer(t *testing.T, handler http.HandlerFunc) *S3Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := NewS3Store(S3Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "uploads",
	})
	if err != nil {
		t.Fatalf("new s3 store: %v", err)
	}
	return s
}

func TestS3StoreUsesPathStyleAddressing(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody string
	s := newS3TestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusOK)
	})
	if err := s.Put(context.Background(), "files/f1/doc.pdf", strings.NewReader("%PDF"), 4, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/uploads/files/f1/doc.pdf" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if !strings.Contains(gotBody, "%PDF") {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestS3StoreGetMapsNoSuchKey(t *testing.T) {
	s := newS3TestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
	})
	_, err := s.Get(context.Background(), "files/missing.pdf")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestS3StorePresignGetIncludesKey(t *testing.T) {
	s := newS3TestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	url, err := s.PresignGet(context.Background(), "files/f1/doc.pdf", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "/uploads/files/f1/doc.pdf") || !strings.Contains(url, "X-Amz-Expires=900") {
		t.Fatalf("unexpected url %s", url)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := m.Put(ctx, "k", strings.NewReader("data"), 4, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "data" {
		t.Fatalf("data = %q", data)
	}
	_ = m.Delete(ctx, "k")
	if m.Has("k") {
		t.Fatalf("object still present after delete")
	}
}
