package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// StreamIDRegex validates stream ID format
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PartyIDRegex validates party ID format
	PartyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	requiredSDPFields = []string{"v=", "o=", "s=", "t="}
)

const maxChatLength = 500

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > 100 {
		return fmt.Errorf("stream ID is too long (max 100 characters)")
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidatePartyID validates a participant id
func ValidatePartyID(partyID string) error {
	if partyID == "" {
		return fmt.Errorf("party ID is required")
	}
	if len(partyID) > 100 {
		return fmt.Errorf("party ID is too long (max 100 characters)")
	}
	if !PartyIDRegex.MatchString(partyID) {
		return fmt.Errorf("invalid party ID format")
	}
	return nil
}

// ValidateSDP checks that sdp looks like a session description: it starts
// with the version line and carries the mandatory session-level fields.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range requiredSDPFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateCandidate checks an ICE candidate line. An empty candidate is the
// end-of-candidates marker and is accepted.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	c := strings.TrimPrefix(candidate, "a=")
	if !strings.HasPrefix(c, "candidate:") {
		return fmt.Errorf("invalid ICE candidate: must start with 'candidate:'")
	}
	if len(strings.Fields(c)) < 8 {
		return fmt.Errorf("invalid ICE candidate: too few fields")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateQuality validates quality level
func ValidateQuality(quality string) error {
	switch quality {
	case "low", "medium", "high":
		return nil
	}
	return fmt.Errorf("invalid quality level (must be low, medium, or high)")
}

// ValidateChatText validates a chat message body
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("chat message is required")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat message contains invalid characters")
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return fmt.Errorf("chat message is too long (max %d characters)", maxChatLength)
	}
	return nil
}

// ValidateStreamTitle validates stream title
func ValidateStreamTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("stream title is required")
	}
	if utf8.RuneCountInString(title) > 100 {
		return fmt.Errorf("stream title is too long (max 100 characters)")
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("stream title contains invalid characters")
	}
	return nil
}
