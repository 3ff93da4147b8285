package validator

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
)

// ErrEmptyChoices marks an upstream 2xx whose content is missing, truncated
// for a non-STOP reason, or failing the required-tag check. The retry engine
// treats it as retryable without filing a key report.
var ErrEmptyChoices = errors.New("upstream returned empty choices")

// CheckBody inspects a buffered upstream response body in the given dialect.
// It returns ErrEmptyChoices when the response should be retried, a decode
// error when the body is not valid JSON, and nil when the body may be
// returned to the client.
func CheckBody(body []byte, format string) error {
	if !gjson.ValidBytes(body) {
		log.Errorf("response check: invalid JSON (first 500 bytes): %s", truncate(body, 500))
		return fmt.Errorf("failed to decode %s response body", format)
	}
	root := gjson.ParseBytes(body)

	cfg := config.Snapshot()
	var text string

	switch format {
	case constant.OpenAI:
		choices := root.Get("choices")
		if choices.IsArray() && len(choices.Array()) == 0 {
			return ErrEmptyChoices
		}
		if root.Get("choices.0.finish_reason").String() == "OTHER" {
			return ErrEmptyChoices
		}
		text = root.Get("choices.0.message.content").String()
	default:
		candidates := root.Get("candidates")
		if !candidates.Exists() || len(candidates.Array()) == 0 {
			return ErrEmptyChoices
		}
		first := candidates.Array()[0]
		content := first.Get("content")
		if (!content.Exists() || content.Type == gjson.Null) && first.Get("finishReason").String() != "STOP" {
			log.Infof("response check: no content with finishReason %q, will retry", first.Get("finishReason").String())
			return ErrEmptyChoices
		}
		// Concatenate the textual parts of the first candidate.
		var sb strings.Builder
		for _, part := range first.Get("content.parts").Array() {
			if t := part.Get("text"); t.Exists() {
				sb.WriteString(t.String())
			}
		}
		text = sb.String()
	}

	if cfg != nil && strings.TrimSpace(cfg.RequiredTags) != "" {
		if cfg.SaveResponseBeforeTagCheck {
			dumpResponseText(text, cfg.NoFs)
		}
		if err := ValidateRequiredTags(text, cfg.RequiredTags); err != nil {
			log.Infof("response check: tag validation failed: %v, will retry", err)
			return ErrEmptyChoices
		}
	}
	return nil
}

// dumpResponseText writes the extracted text to a timestamped file for
// offline inspection. Best effort, off the request path.
func dumpResponseText(text string, noFs bool) {
	if noFs || text == "" {
		return
	}
	now := time.Now()
	filename := fmt.Sprintf("response-%s%03d.txt", now.Format("20060102150405"), now.Nanosecond()/1e6)
	go func() {
		if err := os.WriteFile(filename, []byte(text), 0o644); err != nil {
			log.Errorf("failed to save response text to %s: %v", filename, err)
			return
		}
		log.Infof("response text saved to %s", filename)
	}()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
