package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/models"
)

type mediaUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MediaHandler runs optimize_media jobs: download a source image, resize and
// re-encode it for the web, and upload the result plus a small thumbnail.
type MediaHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      mediaUploader
	s3         mediaUploader
}

// Media job payload accepted from the queue.
type mediaJobPayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Grayscale   bool   `json:"grayscale"`
	Thumbnail   bool   `json:"thumbnail"`
	Destination string `json:"destination"`
}

// NewMediaHandler constructs the handler and chooses an uploader (local or S3).
func NewMediaHandler(ctx context.Context, cfg config.Config) (*MediaHandler, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.MediaOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload mediaUploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	}

	return &MediaHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Handle downloads, transforms, and uploads a single image.
func (h *MediaHandler) Handle(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error) {
	payload, err := decodeMediaPayload(job, h.cfg)
	if err != nil {
		return nil, Terminal(err)
	}

	total := 2
	if payload.Thumbnail {
		total = 3
	}
	report(ctx, models.Progress{Stage: "download", Total: total})

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Terminal(fmt.Errorf("decode image: %w", err))
	}

	report(ctx, models.Progress{Stage: "transform", Total: total, Processed: 1})

	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	width := payload.Width
	if width == 0 {
		width = h.cfg.MediaDefaultWidth
	}
	if width == 0 {
		width = 1600
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, Terminal(fmt.Errorf("encode image: %w", err))
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, Terminal(err)
	}

	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	output := map[string]any{
		"output_key": outputKey,
		"location":   location,
		"width":      img.Bounds().Dx(),
		"height":     img.Bounds().Dy(),
		"format":     formatExtension(outputFormat),
	}

	if payload.Thumbnail {
		report(ctx, models.Progress{Stage: "thumbnail", Total: total, Processed: 2})
		thumbKey := thumbnailKey(outputKey)
		thumb, err := encodeThumbnail(img, outputFormat)
		if err != nil {
			return nil, Terminal(err)
		}
		thumbLocation, err := uploader.Upload(ctx, thumbKey, thumb, mimeForFormat(outputFormat, contentType))
		if err != nil {
			return nil, fmt.Errorf("upload thumbnail: %w", err)
		}
		output["thumbnail_key"] = thumbKey
		output["thumbnail_location"] = thumbLocation
	}

	report(ctx, models.Progress{Stage: "done", Total: total, Processed: total})
	return output, nil
}

func (h *MediaHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Terminal(fmt.Errorf("build request: %w", err))
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	// 4xx means the source is gone or forbidden; retrying will not help.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, "", Terminal(fmt.Errorf("download media: status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	limit := h.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", Terminal(fmt.Errorf("media too large (>%d bytes)", limit))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeMediaPayload(job models.Job, cfg config.Config) (mediaJobPayload, error) {
	payload := mediaJobPayload{Width: cfg.MediaDefaultWidth}
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if payload.Destination == "" {
		if cfg.MediaS3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *MediaHandler) pickUploader(destination string) (mediaUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but MEDIA_S3_BUCKET is not configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	if h.local != nil {
		return h.local, nil
	}
	return nil, errors.New("no uploader configured")
}

const thumbnailWidth = 300

// encodeThumbnail scales with x/image's CatmullRom kernel, which keeps small
// text readable better than a plain Lanczos downscale at this size.
func encodeThumbnail(src image.Image, format imaging.Format) ([]byte, error) {
	w := thumbnailWidth
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}
	hgt := int(float64(bounds.Dy()) * float64(w) / float64(bounds.Dx()))
	if hgt == 0 {
		hgt = w
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, hgt))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, dst, format, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func thumbnailKey(key string) string {
	dir, file := filepath.Split(key)
	return dir + "thumb_" + file
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
