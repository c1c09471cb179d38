// Package upload sends profile images to Cloudinary with an unsigned
// upload preset.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"finet/internal/log"
)

const defaultEndpoint = "https://api.cloudinary.com/v1_1"

// MaxImageSize is the largest accepted upload.
const MaxImageSize = 5 << 20

var (
	ErrNotConfigured = errors.New("image upload is not configured")
	ErrTooLarge      = errors.New("image too large")
	ErrNotImage      = errors.New("file is not an image")
)

type Config struct {
	CloudName    string
	UploadPreset string
	// Endpoint overrides the API root, mainly for tests.
	Endpoint string
	Timeout  time.Duration
	Logger   *log.Logger
}

type Cloudinary struct {
	cfg    Config
	http   *http.Client
	logger *log.Logger
}

func NewCloudinary(cfg Config) *Cloudinary {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Cloudinary{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithComponent(log.ComponentUpload),
	}
}

func (c *Cloudinary) Enabled() bool {
	return c != nil && c.cfg.CloudName != "" && c.cfg.UploadPreset != ""
}

// Error is a non-2xx Cloudinary response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cloudinary: status %d", e.Status)
	}
	return "cloudinary: " + e.Message
}

// Upload sends the image read from r and returns its secure URL.
func (c *Cloudinary) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageSize {
		return "", ErrTooLarge
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return "", ErrNotImage
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	for k, v := range map[string]string{"upload_preset": c.cfg.UploadPreset, "cloud_name": c.cfg.CloudName} {
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/" + url.PathEscape(c.cfg.CloudName) + "/image/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		SecureURL string `json:"secure_url"`
		Error     struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WarnContext(ctx, "Image upload rejected",
			log.FieldStatusCode, resp.StatusCode, log.FieldError, out.Error.Message)
		return "", &Error{Status: resp.StatusCode, Message: out.Error.Message}
	}
	if out.SecureURL == "" {
		return "", fmt.Errorf("upload image: response has no secure_url")
	}

	c.logger.InfoContext(ctx, "Image uploaded", log.FieldOperation, log.OpUpload, "bytes", len(data))
	return out.SecureURL, nil
}
