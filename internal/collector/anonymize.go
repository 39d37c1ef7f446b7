package collector

import (
	"net"
	"strings"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Redacted replaces the value of sensitive metadata keys.
const Redacted = "[REDACTED]"

// DefaultSensitiveKeys are matched case-insensitively as substrings of
// metadata keys.
var DefaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "apikey", "api_key",
	"authorization", "cookie", "credit_card", "ssn",
}

// Anonymizer masks personal data on an entry before it is buffered.
type Anonymizer struct {
	enabled   bool
	sensitive []string
}

// NewAnonymizer creates an anonymizer. A nil key list uses DefaultSensitiveKeys.
func NewAnonymizer(enabled bool, sensitiveKeys []string) *Anonymizer {
	if sensitiveKeys == nil {
		sensitiveKeys = DefaultSensitiveKeys
	}
	keys := make([]string, 0, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		keys = append(keys, strings.ToLower(k))
	}
	return &Anonymizer{enabled: enabled, sensitive: keys}
}

// Apply masks e in place. It runs at most once per entry.
func (a *Anonymizer) Apply(e *model.LogEntry) {
	e.Processed = true
	if !a.enabled || e.Anonymized {
		return
	}
	e.IP = MaskIP(e.IP)
	e.UserID = MaskEmail(e.UserID)
	for k, v := range e.Metadata {
		if a.isSensitive(k) {
			e.Metadata[k] = Redacted
			continue
		}
		if s, ok := v.(string); ok && net.ParseIP(s) != nil {
			e.Metadata[k] = MaskIP(s)
		}
	}
	e.Anonymized = true
}

func (a *Anonymizer) isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range a.sensitive {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// MaskIP replaces the last IPv4 octet with "xxx" or the last IPv6 group with
// "xxxx". Values that are not addresses are returned unchanged.
func MaskIP(addr string) string {
	if addr == "" {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return addr
	}

	var masked string
	if ip.To4() != nil && !strings.Contains(host, ":") {
		i := strings.LastIndexByte(host, '.')
		masked = host[:i+1] + "xxx"
	} else {
		i := strings.LastIndexByte(host, ':')
		masked = host[:i+1] + "xxxx"
	}
	if port != "" {
		return net.JoinHostPort(masked, port)
	}
	return masked
}

// MaskEmail keeps the first character of the local part of an address.
func MaskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return s
	}
	return s[:1] + "***" + s[at:]
}
