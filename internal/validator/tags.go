// Package validator checks upstream response bodies before they are handed
// back to clients. It detects empty-content responses per dialect and
// enforces the configured set of required top-level tags in generated text;
// both conditions signal the retry engine to try again with another key.
package validator

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ValidateRequiredTags verifies that every tag name in the comma-separated
// requiredTags list appears as a properly closed top-level tag in content.
// An empty or blank requiredTags disables the check.
func ValidateRequiredTags(content, requiredTags string) error {
	if strings.TrimSpace(requiredTags) == "" {
		return nil
	}

	var required []string
	for _, name := range strings.Split(requiredTags, ",") {
		if name = strings.TrimSpace(name); name != "" {
			required = append(required, name)
		}
	}
	if len(required) == 0 {
		return nil
	}

	topLevel, err := extractTopLevelTags(content)
	if err != nil {
		log.Infof("tag validation: %v", err)
		return err
	}

	present := make(map[string]bool, len(topLevel))
	for _, name := range topLevel {
		present[name] = true
	}
	for _, name := range required {
		if !present[name] {
			log.Infof("tag validation: required tag '%s' not found at top level", name)
			return fmt.Errorf("Required tag '%s' not found at top level", name)
		}
	}
	return nil
}

// extractTopLevelTags walks the content once and records every tag that
// opens at depth zero. Parsing is deliberately lenient below the top level:
// malformed tags nested inside a properly closed top-level tag are ignored.
// Tag names match byte-exactly; the terminator character after the name
// keeps "<think" from matching "thinking".
func extractTopLevelTags(content string) ([]string, error) {
	var topLevel []string
	var stack []string
	runes := []rune(content)
	depth := 0
	lastClosed := ""

	i := 0
	for i < len(runes) {
		if runes[i] != '<' {
			i++
			continue
		}
		i++ // consume '<'
		if i >= len(runes) {
			break
		}

		isClosing := runes[i] == '/'
		if isClosing {
			i++
		}

		var name strings.Builder
		for i < len(runes) && runes[i] != '>' && !isSpace(runes[i]) && runes[i] != '/' {
			name.WriteRune(runes[i])
			i++
		}

		// Scan to the closing '>'; a '/' on the way marks self-closing.
		selfClosing := false
		for i < len(runes) && runes[i] != '>' {
			if runes[i] == '/' {
				selfClosing = true
			}
			i++
		}
		if i < len(runes) {
			i++ // consume '>'
		}

		tagName := name.String()
		// Comments and processing instructions are not tags.
		if strings.HasPrefix(tagName, "!") || strings.HasPrefix(tagName, "?") {
			continue
		}

		switch {
		case selfClosing:
			if depth == 0 {
				topLevel = append(topLevel, tagName)
			}
		case isClosing:
			if len(stack) > 0 {
				expected := stack[len(stack)-1]
				if expected == tagName {
					// Closing the current top-level tag resets the depth so
					// unclosed nested junk inside it is forgiven.
					stack = stack[:len(stack)-1]
					depth = 0
					lastClosed = tagName
				} else if depth == 1 {
					return nil, fmt.Errorf("Top-level tag mismatch: expected '</%s>' but found '</%s>'", expected, tagName)
				} else if depth > 0 {
					depth--
				}
			} else if depth > 0 {
				depth--
			} else if lastClosed != "" {
				// A stray closing tag after a top-level tag already closed
				// means the document interleaved improperly.
				return nil, fmt.Errorf("Top-level tag mismatch: expected '</%s>' but found '</%s>'", lastClosed, tagName)
			}
		default:
			if depth == 0 {
				topLevel = append(topLevel, tagName)
				stack = append(stack, tagName)
			}
			depth++
		}
	}

	if len(stack) > 0 {
		return nil, fmt.Errorf("Unclosed top-level tags: %s", strings.Join(stack, ", "))
	}
	return topLevel, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
