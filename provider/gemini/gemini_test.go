package gemini_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/provider/gemini"
)

type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	return f.resp, f.err
}

func testRequest() imagegate.ProviderRequest {
	return imagegate.ProviderRequest{
		ModelVersion: "gemini-2.5-flash-image",
		Image:        []byte{0x89, 'P', 'N', 'G'},
		MIMEType:     "image/png",
		Config:       imagegate.RequestConfig{Scale: 2, BackgroundRemoval: true},
	}
}

func TestGenerate_InlineImage(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte("out")}},
			}},
		}},
	}}

	p := gemini.NewWithGenerator(gen)
	res, err := p.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), res.Data)
	assert.Equal(t, "image/png", res.MIMEType)
	assert.Empty(t, res.OutputRef)

	assert.Equal(t, "gemini-2.5-flash-image", gen.model)
	require.Len(t, gen.contents, 1)
	parts := gen.contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, parts[0].InlineData.Data)
	assert.Contains(t, parts[1].Text, "Remove the background")
}

func TestGenerate_PromptOverridesDefault(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte("out")}},
		}}}},
	}}
	req := testRequest()
	req.Prompt = "make it blue"

	_, err := gemini.NewWithGenerator(gen).Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "make it blue", gen.contents[0].Parts[1].Text)
}

func TestGenerate_SafetyFinishReason(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	}}

	_, err := gemini.NewWithGenerator(gen).Generate(context.Background(), testRequest())
	var genErr *imagegate.AIGenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "SAFETY", genErr.FinishReason)
	assert.False(t, imagegate.IsRetryable(err))
}

func TestGenerate_NoImagePart(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "sorry"}}}}},
	}}

	_, err := gemini.NewWithGenerator(gen).Generate(context.Background(), testRequest())
	assert.ErrorIs(t, err, imagegate.ErrEmptyOutput)
}

func TestGenerate_APIErrorMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{429, imagegate.ErrRateLimited},
		{401, imagegate.ErrAuthFailed},
		{400, imagegate.ErrInvalidRequest},
		{503, imagegate.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		gen := &fakeGenerator{err: genai.APIError{Code: tt.code, Message: "boom"}}
		_, err := gemini.NewWithGenerator(gen).Generate(context.Background(), testRequest())
		assert.ErrorIs(t, err, tt.want, "code %d", tt.code)
	}
}

func TestGenerate_TransportError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("connection reset")}
	_, err := gemini.NewWithGenerator(gen).Generate(context.Background(), testRequest())
	assert.ErrorIs(t, err, imagegate.ErrProviderUnavailable)
}
