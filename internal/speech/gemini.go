package speech

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

const unintelligibleReply = "UNINTELLIGIBLE"

const transcribeInstruction = "Transcribe the spoken question in this audio exactly as said. " +
	"Reply with the transcription only, no quotes or commentary. " +
	"If no words can be made out, reply with the single word " + unintelligibleReply + "."

// GeminiRecognizer transcribes with a multimodal Gemini model.
type GeminiRecognizer struct {
	client *genai.Client
	model  string
}

func NewGeminiRecognizer(client *genai.Client, model string) *GeminiRecognizer {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiRecognizer{client: client, model: model}
}

func (g *GeminiRecognizer) Recognize(ctx context.Context, audio Audio) Transcript {
	if len(audio.Data) == 0 {
		return Transcript{Status: StatusEmptyAudio}
	}
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(transcribeInstruction),
		genai.NewPartFromBytes(audio.Data, audio.mimeType()),
	}, genai.RoleUser)

	res, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{content}, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			if !serviceDown(apiErr.Code) {
				return Transcript{Status: StatusUnintelligible}
			}
			return unavailable(&ServiceError{Service: serviceRecogn, StatusCode: apiErr.Code, Message: truncate(apiErr.Message, 200), Err: err})
		}
		return unavailable(&ServiceError{Service: serviceRecogn, Err: err})
	}

	text := strings.TrimSpace(res.Text())
	if text == "" || strings.EqualFold(strings.Trim(text, ".!\"' "), unintelligibleReply) {
		return Transcript{Status: StatusUnintelligible}
	}
	return Transcript{Status: StatusOK, Text: text}
}
