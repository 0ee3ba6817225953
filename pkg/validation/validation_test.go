package validation

import (
	"strings"
	"testing"
)

func TestValidateChannelName(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		wantErr bool
	}{
		{"simple", "lobby", false},
		{"with punctuation", "room-1_a:b@c", false},
		{"with space", "team sync", false},
		{"max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 65), true},
		{"non ascii", "café", true},
		{"slash", "a/b", true},
		{"quote", `a"b`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelName(tt.channel)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChannelName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAppID(t *testing.T) {
	tests := []struct {
		name    string
		appID   string
		wantErr bool
	}{
		{"hex id", "0123456789abcdef0123456789abcdef", false},
		{"empty", "", true},
		{"dash", "abc-def", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAppID(tt.appID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAppID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"opaque", "006abcDEF==", false},
		{"jwt", "eyJhbGciOiJIUzI1NiJ9.eyJleHAiOjF9.sig", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"inner space", "abc def", true},
		{"too long", strings.Repeat("a", 2049), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSignalURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8081/ws", false},
		{"wss", "wss://edge.example.com/ws", false},
		{"http", "http://localhost:8081", true},
		{"empty", "", true},
		{"no host", "ws:///ws", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSignalURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
