package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	SoraName = "sora"

	soraSubmitPath     = "/jobs/createTask"
	soraRecordInfoPath = "/jobs/recordInfo"
	soraTimeout        = 30 * time.Second

	soraStateWaiting    = "waiting"
	soraStateQueuing    = "queuing"
	soraStateGenerating = "generating"
	soraStateSuccess    = "success"
	soraStateFail       = "fail"

	soraCodeOK = 200
)

// Sora drives a Sora-style relay API (createTask / recordInfo / callback).
// Text-to-video and image-to-video jobs go through it at flat per-video
// pricing.
type Sora struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSora returns an adapter for a Sora-style task relay. baseURL is
// required; these APIs are account-scoped relays without a single public
// endpoint.
func NewSora(baseURL string, apiKey string) *Sora {
	return &Sora{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: soraTimeout},
	}
}

// Name returns the registry key.
func (sora *Sora) Name() string { return SoraName }

type soraSubmitBody struct {
	Model       string          `json:"model"`
	CallBackURL string          `json:"callBackUrl,omitempty"`
	Input       soraSubmitInput `json:"input"`
}

type soraSubmitInput struct {
	Prompt    string   `json:"prompt,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Quality   string   `json:"quality,omitempty"`
}

type soraEnvelope struct {
	Code int      `json:"code"`
	Msg  string   `json:"msg"`
	Data soraData `json:"data"`
}

type soraData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

type soraResultJSON struct {
	ResultURLs []string `json:"resultUrls"`
}

func (sora *Sora) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	body := soraSubmitBody{
		Model:       soraModelFor(request),
		CallBackURL: request.CallbackURL,
		Input: soraSubmitInput{
			Prompt:  request.Prompt,
			Quality: request.Quality,
		},
	}
	if request.ImageURL != "" {
		body.Input.ImageURLs = []string{request.ImageURL}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal sora request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, sora.baseURL+soraSubmitPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build sora request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+sora.apiKey)

	envelope, err := sora.do(httpRequest)
	if err != nil {
		return "", err
	}
	if envelope.Code != soraCodeOK || envelope.Data.TaskID == "" {
		return "", fmt.Errorf("%w: code %d: %s", ErrRejected, envelope.Code, envelope.Msg)
	}
	return envelope.Data.TaskID, nil
}

func (sora *Sora) Poll(ctx context.Context, externalID string) (PollResult, error) {
	pollURL := sora.baseURL + soraRecordInfoPath + "?taskId=" + url.QueryEscape(externalID)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("build sora poll request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+sora.apiKey)

	envelope, err := sora.do(httpRequest)
	if err != nil {
		return PollResult{}, err
	}
	if envelope.Code != soraCodeOK {
		return PollResult{}, fmt.Errorf("%w: code %d: %s", ErrTransient, envelope.Code, envelope.Msg)
	}
	return mapSoraData(envelope.Data), nil
}

// ParseWebhook decodes a Sora callback; the payload matches the recordInfo
// response body.
func (sora *Sora) ParseWebhook(body []byte) (WebhookEvent, error) {
	var envelope soraEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if envelope.Data.TaskID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing taskId", ErrMalformedPayload)
	}
	return WebhookEvent{
		ExternalID: envelope.Data.TaskID,
		Result:     mapSoraData(envelope.Data),
	}, nil
}

func (sora *Sora) do(httpRequest *http.Request) (soraEnvelope, error) {
	response, err := sora.httpClient.Do(httpRequest)
	if err != nil {
		return soraEnvelope{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return soraEnvelope{}, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	if response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests {
		return soraEnvelope{}, fmt.Errorf("%w: sora status %d", ErrTransient, response.StatusCode)
	}
	if response.StatusCode != http.StatusOK {
		return soraEnvelope{}, fmt.Errorf("%w: sora status %d: %s", ErrRejected, response.StatusCode, raw)
	}

	var envelope soraEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return soraEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return envelope, nil
}

func soraModelFor(request SubmitRequest) string {
	if request.ImageURL != "" {
		return "sora-image-to-video"
	}
	return "sora-text-to-video"
}

func mapSoraData(data soraData) PollResult {
	result := PollResult{}
	switch data.State {
	case soraStateWaiting, soraStateQueuing:
		result.Status = StatusPending
	case soraStateGenerating:
		result.Status = StatusRunning
		result.Progress = 50
	case soraStateSuccess:
		result.Status = StatusSucceeded
		result.Progress = 100
		result.ResultURL = firstSoraResultURL(data.ResultJSON)
	case soraStateFail:
		result.Status = StatusFailed
		result.ErrorCode = data.FailCode
		result.ErrorMessage = data.FailMsg
	default:
		result.Status = StatusPending
	}
	return result
}

// firstSoraResultURL unwraps the double-encoded resultJson field. A missing
// or undecodable field leaves the URL empty rather than failing the event;
// the job still settles, the link just has to come from a later poll.
func firstSoraResultURL(raw string) string {
	if raw == "" {
		return ""
	}
	var decoded soraResultJSON
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return ""
	}
	if len(decoded.ResultURLs) == 0 {
		return ""
	}
	return decoded.ResultURLs[0]
}
