package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidTransports lists the socket factories that can be selected.
var ValidTransports = map[string]bool{
	"gorilla": true,
	"gobwas":  true,
}

var validPriorities = map[string]bool{
	"min": true, "low": true, "default": true, "high": true, "urgent": true,
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Problems []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Problems) > 0
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, p := range e.Problems {
		sb.WriteString(fmt.Sprintf("  - %s\n", p))
	}
	return sb.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" {
		errs.add("server.base_url must be an absolute URL, got %q", c.Server.BaseURL)
	} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		errs.add("server.base_url scheme must be http, https, ws or wss, got %q", u.Scheme)
	}
	if !strings.HasPrefix(c.Server.EndpointPath, "/") {
		errs.add("server.endpoint_path must start with '/', got %q", c.Server.EndpointPath)
	}
	if !ValidTransports[c.Server.Transport] {
		errs.add("server.transport must be gorilla or gobwas, got %q", c.Server.Transport)
	}

	if c.Reconnect.BaseDelay <= 0 {
		errs.add("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs.add("reconnect.max_delay (%s) must be >= reconnect.base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.HandshakeTimeout < 0 || c.Reconnect.Heartbeat < 0 {
		errs.add("reconnect.handshake_timeout and reconnect.heartbeat must not be negative")
	}

	if c.Notify.Cooldown < 0 {
		errs.add("notify.cooldown must not be negative")
	}
	if c.Notify.Ntfy.Enabled {
		if c.Notify.Ntfy.Topic == "" {
			errs.add("notify.ntfy.topic is required when notify.ntfy.enabled=true (set CHATSYNC_NTFY_TOPIC)")
		}
		if !validPriorities[c.Notify.Ntfy.Priority] {
			errs.add("invalid notify.ntfy.priority: %s (valid: min, low, default, high, urgent)", c.Notify.Ntfy.Priority)
		}
	}

	if c.API.RatePerSecond < 1 {
		errs.add("api.rate_per_second must be >= 1")
	}
	if c.API.RetryCount < 0 {
		errs.add("api.retry_count must not be negative")
	}
	if c.Chat.PageSize < 1 {
		errs.add("chat.page_size must be >= 1")
	}
	if c.Chat.ScrollThreshold < 0 {
		errs.add("chat.scroll_threshold must not be negative")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
