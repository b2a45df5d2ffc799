package notify

// Config holds ntfy notification configuration.
type Config struct {
	Enabled  bool   // Whether ntfy delivery is enabled
	Server   string // ntfy server URL (default: https://ntfy.sh)
	Topic    string // Topic name (required if enabled)
	Priority string // Message priority: min, low, default, high, urgent
	Tags     string // Comma-separated emoji tags (e.g., "speech_balloon")
	Token    string // Optional access token for private topics
}
