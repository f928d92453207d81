package domain

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const dataURLBase64Marker = ";base64,"

// ImageArtifact is an encoded image. Exactly one of Data and DataURL is set.
// Artifacts are never mutated after construction.
type ImageArtifact struct {
	Data     []byte
	DataURL  string
	MIMEType string
	ByteSize int64
}

func NewArtifact(data []byte, mimeType string) ImageArtifact {
	return ImageArtifact{
		Data:     data,
		MIMEType: mimeType,
		ByteSize: int64(len(data)),
	}
}

func (a ImageArtifact) IsZero() bool {
	return len(a.Data) == 0 && a.DataURL == ""
}

func (a ImageArtifact) IsDataURL() bool {
	return a.DataURL != ""
}

func (a ImageArtifact) Format() (Format, bool) {
	return FormatFromMIME(a.MIMEType)
}

// Bytes returns the encoded payload regardless of representation. For binary
// artifacts the returned slice aliases Data and must not be modified.
func (a ImageArtifact) Bytes() ([]byte, error) {
	if a.DataURL == "" {
		if len(a.Data) == 0 {
			return nil, errors.New("artifact is empty")
		}
		return a.Data, nil
	}
	_, payload, _, err := ParseDataURL(a.DataURL)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Digest is the hex BLAKE3-256 of the encoded payload.
func (a ImageArtifact) Digest() string {
	data, err := a.Bytes()
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Base64 returns the payload as standard base64 without any data URL header.
func (a ImageArtifact) Base64() (string, error) {
	if a.DataURL != "" {
		i := strings.Index(a.DataURL, dataURLBase64Marker)
		if i < 0 {
			return "", errors.New("data url is not base64 encoded")
		}
		return a.DataURL[i+len(dataURLBase64Marker):], nil
	}
	data, err := a.Bytes()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseDataURL splits a base64 data URL into its MIME type and decoded payload.
// headerLen is the length of the "data:<mime>;base64," prefix.
func ParseDataURL(url string) (mimeType string, payload []byte, headerLen int, err error) {
	if !strings.HasPrefix(url, "data:") {
		return "", nil, 0, errors.New("data url must start with data:")
	}
	i := strings.Index(url, dataURLBase64Marker)
	if i < 0 {
		return "", nil, 0, errors.New("data url is not base64 encoded")
	}
	mimeType = url[len("data:"):i]
	headerLen = i + len(dataURLBase64Marker)
	payload, err = base64.StdEncoding.DecodeString(url[headerLen:])
	if err != nil {
		return "", nil, 0, fmt.Errorf("decode data url payload: %w", err)
	}
	return mimeType, payload, headerLen, nil
}

func DataURLHeader(mimeType string) string {
	return "data:" + mimeType + dataURLBase64Marker
}

func EncodeDataURL(data []byte, mimeType string) string {
	return DataURLHeader(mimeType) + base64.StdEncoding.EncodeToString(data)
}
