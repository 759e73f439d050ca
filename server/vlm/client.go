// Package vlm is the adapter for the external vision-language model service.
// It formats the frame selector's output into the model request and parses
// the verdict. Failures surface to the caller: there is no automatic retry
// here, the collaborator decides whether a failed analysis is worth re-running.
package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/securewatch/securewatch/server/models"
	"github.com/securewatch/securewatch/server/selector"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig
}

type ClientConfig struct {
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

// AnalysisRequest is the wire payload sent to the model service. The
// narrative and per-frame context are injected into the model prompt, so
// their field names and phrasing are part of the external contract.
type AnalysisRequest struct {
	EpisodeID string         `json:"episode_id"`
	CameraID  string         `json:"camera_id"`
	Narrative string         `json:"narrative"`
	Frames    []FramePayload `json:"frames"`
}

type FramePayload struct {
	ImageRef     string  `json:"image_ref,omitempty"`
	RelativeTime float64 `json:"relative_time_sec"`
	Sequence     string  `json:"sequence"`
	Zone         string  `json:"zone"`
	Reason       string  `json:"reason"`
	Label        string  `json:"label,omitempty"`
	Confidence   float64 `json:"confidence"`
}

type AnalysisResponse struct {
	ThreatAssessment string  `json:"threat_assessment"`
	Analysis         string  `json:"analysis"`
	ModelVersion     string  `json:"model_version"`
	ProcessingTime   float64 `json:"processing_time"`
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	config := &ClientConfig{
		Timeout:             60 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}

	client := &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	if err := client.HealthCheck(); err != nil {
		logger.Warn("VLM service not available at startup", zap.Error(err))
	}

	go client.startHealthChecker()

	return client
}

// AnalyzeEpisode sends one episode's narrative subset to the model. A single
// attempt: timeouts and bad responses come back as errors and the episode
// stays complete without an analysis.
func (c *Client) AnalyzeEpisode(ctx context.Context, ep *models.Episode, sel selector.Selection) (*models.Analysis, error) {
	request := buildRequest(ep, sel)

	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/analyze", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "securewatch/1.0")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(response.Body)
		return nil, fmt.Errorf("VLM service error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var vlmResponse AnalysisResponse
	if err := json.NewDecoder(response.Body).Decode(&vlmResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if vlmResponse.ThreatAssessment == "" {
		return nil, fmt.Errorf("VLM response missing threat_assessment")
	}

	c.logger.Debug("Episode analyzed",
		zap.String("episode_id", ep.ID),
		zap.String("assessment", vlmResponse.ThreatAssessment),
		zap.Float64("processing_time", vlmResponse.ProcessingTime))

	return &models.Analysis{
		EpisodeID:        ep.ID,
		ThreatAssessment: vlmResponse.ThreatAssessment,
		Analysis:         vlmResponse.Analysis,
		ModelVersion:     vlmResponse.ModelVersion,
		ReceivedAt:       time.Now().UTC(),
	}, nil
}

func buildRequest(ep *models.Episode, sel selector.Selection) *AnalysisRequest {
	request := &AnalysisRequest{
		EpisodeID: ep.ID,
		CameraID:  ep.CameraID,
		Narrative: sel.Narrative,
	}

	for _, frame := range sel.Frames {
		request.Frames = append(request.Frames, FramePayload{
			ImageRef:     frame.Detection.ImageRef,
			RelativeTime: frame.RelativeTime.Seconds(),
			Sequence:     frame.Sequence,
			Zone:         string(frame.Zone),
			Reason:       frame.Reason,
			Label:        frame.Detection.Label,
			Confidence:   frame.Detection.Confidence,
		})
	}
	return request
}

func (c *Client) HealthCheck() error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	response, err := c.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("VLM service unhealthy (status %d)", response.StatusCode)
	}

	return nil
}

func (c *Client) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := c.HealthCheck(); err != nil {
			c.logger.Error("VLM service health check failed", zap.Error(err))
		} else {
			c.logger.Debug("VLM service health check passed")
		}
	}
}

func (c *Client) GetModelInfo() (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/models/info", c.baseURL)

	response, err := c.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var modelInfo map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&modelInfo); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	return modelInfo, nil
}
