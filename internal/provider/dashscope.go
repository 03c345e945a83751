package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ReelForgeLabs/reelforge/pkg/billing"
)

const (
	DashScopeName = "dashscope"

	dashScopeDefaultBaseURL = "https://dashscope.aliyuncs.com/api/v1"
	dashScopeSubmitPath     = "/services/aigc/image2video/video-synthesis/"
	dashScopeTaskPathFormat = "/tasks/%s"
	dashScopeTimeout        = 30 * time.Second

	dashScopeStatusPending   = "PENDING"
	dashScopeStatusRunning   = "RUNNING"
	dashScopeStatusSucceeded = "SUCCEEDED"
	dashScopeStatusFailed    = "FAILED"
	dashScopeStatusCanceled  = "CANCELED"

	dashScopeModelMotion   = "animate-anyone-detect-gen2"
	dashScopeModelFaceSwap = "videoretalk"
)

// DashScope drives the Alibaba DashScope asynchronous task API, used for the
// motion-transfer and face-swap task family.
type DashScope struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewDashScope returns an adapter for the DashScope task API. An empty
// baseURL selects the public endpoint.
func NewDashScope(baseURL string, apiKey string) *DashScope {
	if baseURL == "" {
		baseURL = dashScopeDefaultBaseURL
	}
	return &DashScope{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: dashScopeTimeout},
	}
}

// Name returns the registry key.
func (dashscope *DashScope) Name() string { return DashScopeName }

type dashScopeSubmitBody struct {
	Model      string         `json:"model"`
	Input      dashScopeInput `json:"input"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type dashScopeInput struct {
	ImageURL string `json:"image_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
}

type dashScopeTaskEnvelope struct {
	RequestID string          `json:"request_id"`
	Output    dashScopeOutput `json:"output"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}

type dashScopeOutput struct {
	TaskID         string  `json:"task_id"`
	TaskStatus     string  `json:"task_status"`
	VideoURL       string  `json:"video_url"`
	OutputVideoURL string  `json:"output_video_url"`
	Duration       float64 `json:"duration"`
	Code           string  `json:"code"`
	Message        string  `json:"message"`
}

func (dashscope *DashScope) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	model := dashScopeModelMotion
	if request.TaskType == billing.TaskFaceSwap {
		model = dashScopeModelFaceSwap
	}
	body := dashScopeSubmitBody{
		Model: model,
		Input: dashScopeInput{
			ImageURL: request.ImageURL,
			VideoURL: request.VideoURL,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal dashscope request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, dashscope.baseURL+dashScopeSubmitPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build dashscope request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+dashscope.apiKey)
	httpRequest.Header.Set("X-DashScope-Async", "enable")

	envelope, err := dashscope.do(httpRequest)
	if err != nil {
		return "", err
	}
	if envelope.Output.TaskID == "" {
		return "", fmt.Errorf("%w: no task id (%s: %s)", ErrRejected, envelope.Code, envelope.Message)
	}
	return envelope.Output.TaskID, nil
}

func (dashscope *DashScope) Poll(ctx context.Context, externalID string) (PollResult, error) {
	url := dashscope.baseURL + fmt.Sprintf(dashScopeTaskPathFormat, externalID)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("build dashscope poll request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+dashscope.apiKey)

	envelope, err := dashscope.do(httpRequest)
	if err != nil {
		return PollResult{}, err
	}
	return mapDashScopeOutput(envelope.Output), nil
}

// ParseWebhook decodes a DashScope task-result callback, which carries the
// same envelope as the task query endpoint.
func (dashscope *DashScope) ParseWebhook(body []byte) (WebhookEvent, error) {
	var envelope dashScopeTaskEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if envelope.Output.TaskID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing task_id", ErrMalformedPayload)
	}
	return WebhookEvent{
		ExternalID: envelope.Output.TaskID,
		Result:     mapDashScopeOutput(envelope.Output),
	}, nil
}

func (dashscope *DashScope) do(httpRequest *http.Request) (dashScopeTaskEnvelope, error) {
	response, err := dashscope.httpClient.Do(httpRequest)
	if err != nil {
		return dashScopeTaskEnvelope{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return dashScopeTaskEnvelope{}, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	if response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests {
		return dashScopeTaskEnvelope{}, fmt.Errorf("%w: dashscope status %d", ErrTransient, response.StatusCode)
	}
	if response.StatusCode != http.StatusOK {
		return dashScopeTaskEnvelope{}, fmt.Errorf("%w: dashscope status %d: %s", ErrRejected, response.StatusCode, raw)
	}

	var envelope dashScopeTaskEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return dashScopeTaskEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return envelope, nil
}

func mapDashScopeOutput(output dashScopeOutput) PollResult {
	result := PollResult{
		DurationSeconds: output.Duration,
		ResultURL:       output.VideoURL,
	}
	if result.ResultURL == "" {
		result.ResultURL = output.OutputVideoURL
	}
	switch output.TaskStatus {
	case dashScopeStatusPending:
		result.Status = StatusPending
	case dashScopeStatusRunning:
		result.Status = StatusRunning
		result.Progress = 50
	case dashScopeStatusSucceeded:
		result.Status = StatusSucceeded
		result.Progress = 100
	case dashScopeStatusFailed, dashScopeStatusCanceled:
		result.Status = StatusFailed
		result.ErrorCode = output.Code
		result.ErrorMessage = output.Message
	default:
		result.Status = StatusPending
	}
	return result
}
