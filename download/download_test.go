package download

import (
	"context"
	"testing"

	"openenterprise/meshota/download/httpfake"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition/memfake"
)

func TestDownloadHappyPath(t *testing.T) {
	flash := memfake.New("1.0.0")
	client := &httpfake.Client{
		Responses: []Response{{Status: 200, ContentLength: 4}},
		Bodies:    []string{"\x01\x02\x03\x04"},
	}
	flash.SetDescriptor(flash.Next(), "1.1.0", false) // Finish preserves the version, only flips Valid

	d := New(client, flash, nil)
	if err := d.Download(context.Background(), "http://fw.example/img.bin", "1.0.0"); err != nil {
		t.Fatalf("download: %v", err)
	}
	if d.Status() != Succeeded {
		t.Fatalf("expected Succeeded, got %v", d.Status())
	}
	if d.Progress() != 1.0 {
		t.Fatalf("expected progress 1.0, got %v", d.Progress())
	}
}

func TestDownloadRejectsInvalidScheme(t *testing.T) {
	flash := memfake.New("1.0.0")
	d := New(&httpfake.Client{}, flash, nil)
	err := d.Download(context.Background(), "ftp://fw.example/img.bin", "1.0.0")
	oe, ok := err.(*otaerr.Error)
	if !ok || oe.Kind != otaerr.InvalidArg {
		t.Fatalf("expected InvalidArg, got %v", err)
	}
}

func TestDownloadContentLengthMismatchFails(t *testing.T) {
	flash := memfake.New("1.0.0")
	client := &httpfake.Client{
		Responses: []Response{
			{Status: 200, ContentLength: 100},
			{Status: 200, ContentLength: 100},
			{Status: 200, ContentLength: 100},
			{Status: 200, ContentLength: 100},
		},
		Bodies: []string{"short", "short", "short", "short"},
	}
	d := New(client, flash, nil)
	err := d.Download(context.Background(), "http://fw.example/img.bin", "1.0.0")
	if err == nil {
		t.Fatal("expected error on content-length mismatch")
	}
}

func TestDownloadSingleFlight(t *testing.T) {
	flash := memfake.New("1.0.0")
	d := New(&httpfake.Client{Responses: []Response{{Status: 200, ContentLength: 1}}}, flash, nil)
	d.status = Downloading
	err := d.Download(context.Background(), "http://fw.example/img.bin", "1.0.0")
	oe, ok := err.(*otaerr.Error)
	if !ok || oe.Kind != otaerr.InvalidState {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestDownload4xxIsNotRetryable(t *testing.T) {
	flash := memfake.New("1.0.0")
	client := &httpfake.Client{Responses: []Response{{Status: 404, ContentLength: 0}}}
	d := New(client, flash, nil)
	retryDelayBackup := retryDelay
	retryDelay = 0
	defer func() { retryDelay = retryDelayBackup }()

	err := d.Download(context.Background(), "http://fw.example/img.bin", "1.0.0")
	if err == nil {
		t.Fatal("expected error")
	}
	if client.Calls != 1 {
		t.Fatalf("expected no retry for 4xx, got %d calls", client.Calls)
	}
}
