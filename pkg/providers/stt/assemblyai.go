package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

type AssemblyAISTT struct {
	apiKey string
}

func NewAssemblyAISTT(apiKey string) *AssemblyAISTT {
	return &AssemblyAISTT{
		apiKey: apiKey,
	}
}

func (s *AssemblyAISTT) Name() string {
	return "assemblyai-stt"
}

func (s *AssemblyAISTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	
	uploadURL, err := s.upload(ctx, audioPCM)
	if err != nil {
		return "", err
	}

	
	transcriptID, err := s.submit(ctx, uploadURL, lang)
	if err != nil {
		return "", err
	}

	
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
			text, status, err := s.getTranscript(ctx, transcriptID)
			if err != nil {
				return "", err
			}
			if status == "completed" {
				return text, nil
			}
			if status == "error" {
				return "", fmt.Errorf("assemblyai transcription failed")
			}
		}
	}
}

func (s *AssemblyAISTT) upload(ctx context.Context, audioPCM []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.assemblyai.com/v2/upload", bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	return result.UploadURL, nil
}

func (s *AssemblyAISTT) submit(ctx context.Context, uploadURL string, lang orchestrator.Language) (string, error) {
	payload := map[string]interface{}{
		"audio_url": uploadURL,
	}
	if lang != "" {
		payload["language_code"] = string(lang)
	}

	body, _ := json.Marshal(payload)
	req, _ := http.NewRequestWithContext(ctx, "POST", "https://api.assemblyai.com/v2/transcript", bytes.NewReader(body))
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	return result.ID, nil
}

func (s *AssemblyAISTT) getTranscript(ctx context.Context, id string) (string, string, error) {
	req, _ := http.NewRequestWithContext(ctx, "GET", "https://api.assemblyai.com/v2/transcript/"+id, nil)
	req.Header.Set("Authorization", s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var result struct {
		Status string `json:"status"`
		Text   string `json:"text"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	return result.Text, result.Status, nil
}
