package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
)

func setConfig(t *testing.T, cfg *config.Config) {
	t.Helper()
	previous := config.Snapshot()
	config.Replace(cfg)
	t.Cleanup(func() { config.Replace(previous) })
}

func TestCheckBodyGeminiOK(t *testing.T) {
	setConfig(t, &config.Config{})
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"hello"}],"role":"model"},"finishReason":"STOP"}]}`)
	assert.NoError(t, CheckBody(body, constant.Gemini))
}

func TestCheckBodyGeminiEmptyCandidates(t *testing.T) {
	setConfig(t, &config.Config{})
	err := CheckBody([]byte(`{"candidates":[]}`), constant.Gemini)
	assert.ErrorIs(t, err, ErrEmptyChoices)

	err = CheckBody([]byte(`{}`), constant.Gemini)
	assert.ErrorIs(t, err, ErrEmptyChoices)
}

func TestCheckBodyGeminiNullContent(t *testing.T) {
	setConfig(t, &config.Config{})

	// No content and a non-STOP finish reason retries.
	err := CheckBody([]byte(`{"candidates":[{"content":null,"finishReason":"MAX_TOKENS"}]}`), constant.Gemini)
	assert.ErrorIs(t, err, ErrEmptyChoices)

	// No content with STOP is accepted.
	assert.NoError(t, CheckBody([]byte(`{"candidates":[{"content":null,"finishReason":"STOP"}]}`), constant.Gemini))
}

func TestCheckBodyGeminiInvalidJSON(t *testing.T) {
	setConfig(t, &config.Config{})
	err := CheckBody([]byte(`{"candidates": [`), constant.Gemini)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyChoices)
}

func TestCheckBodyOpenAIEmptyChoices(t *testing.T) {
	setConfig(t, &config.Config{})
	err := CheckBody([]byte(`{"choices":[]}`), constant.OpenAI)
	assert.ErrorIs(t, err, ErrEmptyChoices)
}

func TestCheckBodyOpenAIFinishReasonOther(t *testing.T) {
	setConfig(t, &config.Config{})
	err := CheckBody([]byte(`{"choices":[{"message":{"content":"x"},"finish_reason":"OTHER"}]}`), constant.OpenAI)
	assert.ErrorIs(t, err, ErrEmptyChoices)

	assert.NoError(t, CheckBody([]byte(`{"choices":[{"message":{"content":"x"},"finish_reason":"stop"}]}`), constant.OpenAI))
}

func TestCheckBodyRequiredTagsGemini(t *testing.T) {
	setConfig(t, &config.Config{RequiredTags: "thinking,content", NoFs: true})

	good := []byte(`{"candidates":[{"content":{"parts":[{"text":"<thinking>a</thinking>"},{"text":"<content>b</content>"}],"role":"model"},"finishReason":"STOP"}]}`)
	assert.NoError(t, CheckBody(good, constant.Gemini))

	// The required tag is nested, so the response must be retried.
	bad := []byte(`{"candidates":[{"content":{"parts":[{"text":"<content><thinking>a</thinking></content>"}],"role":"model"},"finishReason":"STOP"}]}`)
	assert.ErrorIs(t, CheckBody(bad, constant.Gemini), ErrEmptyChoices)
}

func TestCheckBodyRequiredTagsOpenAI(t *testing.T) {
	setConfig(t, &config.Config{RequiredTags: "thinking", NoFs: true})

	good := []byte(`{"choices":[{"message":{"content":"<thinking>a</thinking>"},"finish_reason":"stop"}]}`)
	assert.NoError(t, CheckBody(good, constant.OpenAI))

	bad := []byte(`{"choices":[{"message":{"content":"no tags"},"finish_reason":"stop"}]}`)
	assert.ErrorIs(t, CheckBody(bad, constant.OpenAI), ErrEmptyChoices)
}
