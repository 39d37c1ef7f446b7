package logparse

import (
	"regexp"
	"strings"

	"github.com/tinytelemetry/beacon/internal/model"
)

// SeverityRegex matches common severity levels in log text.
var SeverityRegex = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|HTTP)\b`)

// NormalizeSeverity folds the many spellings of a severity onto the five
// pipeline levels. TRACE collapses into DEBUG and FATAL/CRITICAL/PANIC into ERROR.
func NormalizeSeverity(severity string) model.Level {
	normalized := strings.ToUpper(strings.TrimSpace(severity))

	switch normalized {
	case "TRACE", "TRAC", "TRC", "DEBUG", "DEBU", "DBG", "DEB", "VERBOSE", "SILLY":
		return model.LevelDebug
	case "INFO", "INFORMATION", "INF", "NOTICE":
		return model.LevelInfo
	case "WARN", "WARNING", "WRNG", "WRN":
		return model.LevelWarn
	case "ERROR", "ERR", "ERRO", "FATAL", "FATL", "FTL", "CRITICAL", "CRIT", "CRT", "PANIC", "PNC", "EMERG", "ALERT":
		return model.LevelError
	case "HTTP", "ACCESS":
		return model.LevelHTTP
	default:
		if len(normalized) >= 4 {
			switch normalized[:4] {
			case "INFO":
				return model.LevelInfo
			case "WARN":
				return model.LevelWarn
			case "ERRO", "FATA", "CRIT":
				return model.LevelError
			case "DEBU", "TRAC":
				return model.LevelDebug
			}
		}
		return model.LevelInfo
	}
}

// ExtractSeverityFromText extracts the severity level from free text.
func ExtractSeverityFromText(message string) model.Level {
	matches := SeverityRegex.FindStringSubmatch(message)
	if len(matches) > 1 {
		return NormalizeSeverity(matches[1])
	}
	return model.LevelInfo
}

// LevelFromNumber converts pino/bunyan numeric levels to a pipeline level.
func LevelFromNumber(level int) model.Level {
	switch {
	case level < 30:
		return model.LevelDebug
	case level < 40:
		return model.LevelInfo
	case level < 50:
		return model.LevelWarn
	default:
		return model.LevelError
	}
}

// LevelFromOTLP converts an OTLP severity number (1-24) to a pipeline level.
func LevelFromOTLP(number int) model.Level {
	switch {
	case number >= 1 && number <= 8:
		return model.LevelDebug
	case number >= 9 && number <= 12:
		return model.LevelInfo
	case number >= 13 && number <= 16:
		return model.LevelWarn
	case number >= 17:
		return model.LevelError
	default:
		return ""
	}
}

// LevelFromStatus derives a level from an HTTP status code.
func LevelFromStatus(status int) model.Level {
	switch {
	case status >= 500:
		return model.LevelError
	case status >= 400:
		return model.LevelWarn
	default:
		return model.LevelHTTP
	}
}
