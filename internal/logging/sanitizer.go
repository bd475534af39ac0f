package logging

import (
	"regexp"
	"strings"
	"sync"
)

// Sanitizer redacts sensitive information from log messages.
type Sanitizer struct {
	mu        sync.RWMutex
	patterns  []*regexp.Regexp
	keys      map[string]struct{}
	redacted  string
	secretSet []string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	s := &Sanitizer{
		patterns: defaultPatterns(),
		keys:     make(map[string]struct{}),
		redacted: "[REDACTED]",
	}
	for _, k := range []string{"api_key", "apikey", "password", "web_gui_password", "backup_password", "x-api-key"} {
		s.keys[k] = struct{}{}
	}
	return s
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// bcrypt hashes as stored in the daemon GUI section
		`\$2[abxy]?\$\d{2}\$[./A-Za-z0-9]{53}`,
		// X-API-Key headers
		`(?i)x-api-key["'\s:=]+[A-Za-z0-9_-]{16,}`,
		// api_key=..., "apikey": "..."
		`(?i)api[_-]?key["'\s:=]+[A-Za-z0-9_-]{16,}`,
		// Bearer tokens
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		// password=..., "password": "..."
		`(?i)password["'\s:=]+[^\s"',}]{4,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := input
	for _, secret := range s.secretSet {
		result = strings.ReplaceAll(result, secret, s.redacted)
	}
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllString(result, s.redacted)
	}
	return result
}

// SensitiveKey reports whether values logged under key are always redacted.
func (s *Sanitizer) SensitiveKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[strings.ToLower(key)]
	return ok
}

// AddSensitiveKey marks an attribute key whose values are always redacted.
func (s *Sanitizer) AddSensitiveKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[strings.ToLower(key)] = struct{}{}
}

// AddSecret registers a literal secret, such as the daemon API key, to be
// removed wherever it appears. Short values are ignored.
func (s *Sanitizer) AddSecret(secret string) {
	if len(secret) < 8 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.secretSet {
		if existing == secret {
			return
		}
	}
	s.secretSet = append(s.secretSet, secret)
}

// SanitizeMap redacts values in a map.
func (s *Sanitizer) SanitizeMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		if s.SensitiveKey(k) {
			result[k] = s.redacted
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = s.Sanitize(val)
		case map[string]interface{}:
			result[k] = s.SanitizeMap(val)
		default:
			result[k] = v
		}
	}
	return result
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, re)
	return nil
}

// Redacted returns the placeholder text.
func (s *Sanitizer) Redacted() string {
	return s.redacted
}
