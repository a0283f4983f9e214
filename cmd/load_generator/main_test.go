package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRecorderSummarize(t *testing.T) {
	r := newRecorder()
	r.record("a-1.pdf", 10*time.Millisecond, nil)
	r.record("a-2.pdf", 20*time.Millisecond, nil)
	r.record("a-2.pdf", 30*time.Millisecond, nil)
	r.record("", 40*time.Millisecond, errors.New("503"))

	s := r.summarize()
	if s.Requests != 4 || s.Failures != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.UniqueKeys != 2 || s.Duplicates != 1 {
		t.Errorf("expected 2 unique keys and 1 duplicate, got %+v", s)
	}
	if s.P50 <= 0 || s.P95 < s.P50 {
		t.Errorf("unexpected percentiles: p50=%v p95=%v", s.P50, s.P95)
	}
}

func TestRecorderSummarize_Empty(t *testing.T) {
	s := newRecorder().summarize()
	if s.Requests != 0 || s.P50 != 0 {
		t.Errorf("expected zero summary, got %+v", s)
	}
}

func TestGeneratorUpload(t *testing.T) {
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.Close()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"key":"%s-%d","url":"memory://x"}`, hdr.Filename, n.Add(1))
	}))
	defer srv.Close()

	g := &generator{
		client:   srv.Client(),
		target:   srv.URL,
		apiKey:   "k",
		filename: "same.txt",
		payload:  []byte("data"),
		rec:      newRecorder(),
	}

	key, err := g.upload(context.Background())
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if key != "same.txt-1" {
		t.Errorf("unexpected key %q", key)
	}

	g.apiKey = "wrong"
	if _, err := g.upload(context.Background()); err == nil {
		t.Error("expected error on 401")
	}
}

func TestGeneratorRun_CountsDistinctKeys(t *testing.T) {
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"key":"k-%d"}`, n.Add(1))
	}))
	defer srv.Close()

	g := &generator{client: srv.Client(), target: srv.URL, filename: "f.bin", payload: []byte("x"), rec: newRecorder()}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	g.run(ctx, 100, 4)

	s := g.rec.summarize()
	if s.Requests == 0 {
		t.Fatal("expected some requests")
	}
	if s.Duplicates != 0 || s.UniqueKeys != s.Requests-s.Failures {
		t.Errorf("unexpected summary: %+v", s)
	}
}
