package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ParticipantIDRegex validates participant identifiers. Matches what the
	// relay accepts in the "to" field.
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@:-]+$`)
)

const (
	MaxParticipantIDLength = 128
	MaxDisplayNameLength   = 64
	MaxSDPLength           = 64 * 1024
	MaxCandidateLength     = 1024
)

// ValidateParticipantID validates a participant identifier
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > MaxParticipantIDLength {
		return fmt.Errorf("participant ID is too long (max %d characters)", MaxParticipantIDLength)
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateDisplayName validates the optional human readable name
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("display name cannot be blank")
	}
	return ValidateStringLength(name, 1, MaxDisplayNameLength, "display name")
}

// ValidateSDP does a structural check of a session description body.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) > MaxSDPLength {
		return fmt.Errorf("SDP is too long (max %d bytes)", MaxSDPLength)
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// ValidateCandidate checks an ICE candidate line. The empty string is the
// end-of-candidates marker and is accepted.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > MaxCandidateLength {
		return fmt.Errorf("candidate is too long (max %d characters)", MaxCandidateLength)
	}
	line := strings.TrimPrefix(candidate, "a=")
	if !strings.HasPrefix(line, "candidate:") {
		return fmt.Errorf("invalid candidate format: must start with 'candidate:'")
	}
	// foundation component transport priority address port "typ" type
	if fields := strings.Fields(line); len(fields) < 8 || fields[6] != "typ" {
		return fmt.Errorf("invalid candidate format: expected at least 8 fields with 'typ'")
	}
	return nil
}

// ValidateURL validates URL format. Allowed schemes default to http(s) and
// ws(s).
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https", "ws", "wss"}
	}
	allowed := false
	for _, s := range schemes {
		if u.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates stun:, stuns:, turn: and turns: URLs, which
// carry no "//" authority.
func ValidateICEServerURL(urlStr string) error {
	scheme, rest, ok := strings.Cut(urlStr, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", urlStr)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("invalid ICE server scheme %q", scheme)
	}
	host, _, _ := strings.Cut(rest, "?")
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("ICE server URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
