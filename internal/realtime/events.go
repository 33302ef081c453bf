package realtime

import (
	"encoding/json"
	"strings"
)

// Inbound control-stream event types.
const (
	EventResponseCreated             = "response.created"
	EventAudioTranscriptDelta        = "response.audio_transcript.delta"
	EventOutputAudioTranscriptDelta  = "response.output_audio_transcript.delta"
	EventTextDelta                   = "response.text.delta"
	EventResponseDone                = "response.done"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	EventAudioDelta                  = "response.audio.delta"
	EventSpeechStarted               = "input_audio_buffer.speech_started"
	EventSpeechStopped               = "input_audio_buffer.speech_stopped"
	EventError                       = "error"
)

// Outbound control-stream message types.
const (
	MessageSessionUpdate      = "session.update"
	MessageConversationCreate = "conversation.item.create"
	MessageResponseCreate     = "response.create"
	MessageAudioAppend        = "input_audio_buffer.append"
)

type serverEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	ItemID     string          `json:"item_id"`
	Error      *serverError    `json:"error"`
	Response   *serverResponse `json:"response"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type serverResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []outputItem `json:"output"`
}

type outputItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content []outputContent `json:"content"`
}

type outputContent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

func decodeServerEvent(payload []byte) (serverEvent, error) {
	var event serverEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return serverEvent{}, err
	}
	return event, nil
}

func isTranscriptDelta(eventType string) bool {
	switch eventType {
	case EventAudioTranscriptDelta, EventOutputAudioTranscriptDelta, EventTextDelta:
		return true
	default:
		return false
	}
}

// responseText collects text segments from a finished response's structured output.
func responseText(response *serverResponse) string {
	if response == nil {
		return ""
	}
	parts := make([]string, 0, len(response.Output))
	for _, item := range response.Output {
		for _, content := range item.Content {
			text := content.Text
			if strings.TrimSpace(text) == "" {
				text = content.Transcript
			}
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

func (e *serverError) describe() string {
	if e == nil {
		return "unknown realtime error"
	}
	if e.Code != "" && e.Message != "" {
		return e.Code + ": " + e.Message
	}
	if e.Message != "" {
		return e.Message
	}
	return "unknown realtime error"
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type conversationItemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreate struct {
	Type string `json:"type"`
}

func newSessionUpdate(transcriptionModel string, instructions string) sessionUpdate {
	update := sessionUpdate{Type: MessageSessionUpdate, Session: sessionConfig{Instructions: instructions}}
	if transcriptionModel != "" {
		update.Session.InputAudioTranscription = &transcriptionConfig{Model: transcriptionModel}
	}
	return update
}

func newCandidateMessage(text string) conversationItemCreate {
	return conversationItemCreate{
		Type: MessageConversationCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: text}},
		},
	}
}
