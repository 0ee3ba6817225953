package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	MaxChannelNameBytes = 64
	MaxTokenBytes       = 2048
	MaxAppIDBytes       = 64
)

var (
	// ChannelNameRegex lists the characters a routing service accepts in a channel name
	ChannelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9 !#$%&()+\-:;<=.>?@\[\]^_{}|~,]+$`)

	// AppIDRegex validates app id format
	AppIDRegex = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// ValidateChannelName validates a channel name
func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("channel name is required")
	}
	if len(name) > MaxChannelNameBytes {
		return fmt.Errorf("channel name is too long (max %d bytes)", MaxChannelNameBytes)
	}
	if !ChannelNameRegex.MatchString(name) {
		return fmt.Errorf("channel name contains invalid characters")
	}
	return nil
}

// ValidateAppID validates an app id
func ValidateAppID(appID string) error {
	if appID == "" {
		return fmt.Errorf("app id is required")
	}
	if len(appID) > MaxAppIDBytes {
		return fmt.Errorf("app id is too long (max %d bytes)", MaxAppIDBytes)
	}
	if !AppIDRegex.MatchString(appID) {
		return fmt.Errorf("invalid app id format")
	}
	return nil
}

// ValidateToken validates the shape of an access token. Its signature is the
// routing service's business.
func ValidateToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token is required")
	}
	if len(token) > MaxTokenBytes {
		return fmt.Errorf("token is too long (max %d bytes)", MaxTokenBytes)
	}
	for _, r := range token {
		if r <= ' ' || r > '~' {
			return fmt.Errorf("token contains invalid characters")
		}
	}
	return nil
}

// ValidateSignalURL validates a signaling endpoint URL
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
