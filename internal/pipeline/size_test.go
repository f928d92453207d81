package pipeline

import (
	"bytes"
	"context"
	"testing"

	"github.com/dunamismax/tidyimg/internal/domain"
)

func TestEstimateSizeBinaryIsExact(t *testing.T) {
	data := buildTestPNG(t, 30, 30)
	if got := EstimateSize(artifactOf(data, domain.FormatPNG)); got != int64(len(data)) {
		t.Fatalf("expected %d, got %d", len(data), got)
	}
}

func TestEstimateSizeDataURL(t *testing.T) {
	tests := []struct {
		payloadLen int
		want       int64
	}{
		{payloadLen: 300, want: 300},
		{payloadLen: 10, want: 12},
		{payloadLen: 0, want: 0},
	}
	for _, tt := range tests {
		url := domain.EncodeDataURL(bytes.Repeat([]byte{0xAB}, tt.payloadLen), "image/png")
		got := EstimateSize(domain.ImageArtifact{DataURL: url, MIMEType: "image/png"})
		if got != tt.want {
			t.Fatalf("payload %d: expected estimate %d, got %d", tt.payloadLen, tt.want, got)
		}
	}
}

func TestEstimateSizeStaysWithinPadding(t *testing.T) {
	data := buildTestJPEG(t, 37, 23)
	url := domain.EncodeDataURL(data, "image/jpeg")

	est := EstimateSize(domain.ImageArtifact{DataURL: url, MIMEType: "image/jpeg"})
	diff := est - int64(len(data))
	if diff < 0 || diff > 2 {
		t.Fatalf("expected estimate within padding of %d, got %d", len(data), est)
	}
}

func TestLoadSetsByteSizeAndMIME(t *testing.T) {
	data := buildTestJPEG(t, 20, 10)

	a, err := Load(context.Background(), BytesSource{Data: data, MIMEType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("load bytes: %v", err)
	}
	if a.MIMEType != "image/jpeg" || a.ByteSize != int64(len(data)) {
		t.Fatalf("unexpected artifact metadata %s %d", a.MIMEType, a.ByteSize)
	}

	url := domain.EncodeDataURL(data, "image/jpeg")
	b, err := Load(context.Background(), DataURLSource{URL: url})
	if err != nil {
		t.Fatalf("load data url: %v", err)
	}
	if !b.IsDataURL() || b.ByteSize != int64(len(data)) {
		t.Fatalf("expected data url artifact with exact payload size %d, got %d", len(data), b.ByteSize)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:       "0 B",
		-5:      "0 B",
		512:     "512 B",
		2048:    "2.0 KiB",
		1048576: "1.0 MiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
