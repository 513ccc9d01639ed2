package models

import (
	"context"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDownloadFileVerifiesChecksum(t *testing.T) {
	body := []byte("hello model bytes")
	sum := crc32.ChecksumIEEE(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "model.bin")

	expected := fmt.Sprintf("%08x", sum)
	if err := DownloadFile(context.Background(), srv.URL, dest, int64(len(body)), expected, nil); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("unexpected contents: %q", got)
	}

	leftovers, _ := filepath.Glob(dest + ".part-*")
	if len(leftovers) != 0 {
		t.Fatalf("expected no leftover partial files, found %v", leftovers)
	}
}

func TestDownloadFileRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("some bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "model.bin")

	err := DownloadFile(context.Background(), srv.URL, dest, 0, "deadbeef", nil)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("expected dest to not exist after checksum failure, stat err: %v", statErr)
	}

	leftovers, _ := filepath.Glob(dest + ".part-*")
	if len(leftovers) != 0 {
		t.Fatalf("expected partial file removed on checksum mismatch, found %v", leftovers)
	}
}

func TestDownloadFileSkipsChecksumWhenNotProvided(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("anything"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "model.bin")

	if err := DownloadFile(context.Background(), srv.URL, dest, 0, "", nil); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected dest to exist: %v", err)
	}
}
