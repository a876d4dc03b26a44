package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"gocv.io/x/gocv"

	"github.com/hadeelrashaideh/medsec-project/config"
	"github.com/hadeelrashaideh/medsec-project/detection"
	"github.com/hadeelrashaideh/medsec-project/model"
)

// RemoteDetector 通过 HTTP 调用外部推理服务（multipart 上传 PNG）
type RemoteDetector struct {
	inferenceURL string
	client       *http.Client
	params       config.DetectorConfig
}

type remoteDetection struct {
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

func NewRemoteDetector(cfg *config.DetectorConfig) *RemoteDetector {
	return &RemoteDetector{
		inferenceURL: cfg.RemoteURL,
		client:       &http.Client{Timeout: cfg.Timeout},
		params:       *cfg,
	}
}

func (d *RemoteDetector) Detect(ctx context.Context, img gocv.Mat) ([]model.Detection, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	defer buf.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(buf.GetBytes()); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	_ = writer.WriteField("conf", fmt.Sprintf("%g", d.params.Confidence))
	_ = writer.WriteField("iou", fmt.Sprintf("%g", d.params.IoU))
	_ = writer.WriteField("max_det", fmt.Sprintf("%d", d.params.MaxDetections))
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.inferenceURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Detections []remoteDetection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	dets := make([]model.Detection, 0, len(result.Detections))
	for _, rd := range result.Detections {
		if rd.Confidence < d.params.Confidence {
			continue
		}
		dets = append(dets, model.Detection{
			Box:        model.BoundingBox{X1: rd.X1, Y1: rd.Y1, X2: rd.X2, Y2: rd.Y2},
			ClassLabel: rd.Class,
			Confidence: rd.Confidence,
		})
	}
	return detection.Top(dets, d.params.MaxDetections), nil
}

// CheckHealth 检查推理服务是否可用
func (d *RemoteDetector) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(d.inferenceURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}

func (d *RemoteDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
