package limits

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextMessage is the longest free-text message, in runes.
	MaxTextMessage = 4000

	// MaxFrameSize is the largest single transport frame accepted (1MB).
	MaxFrameSize = 1024 * 1024

	// DefaultPageSize is the number of messages requested per history page.
	DefaultPageSize = 30

	// MaxPageSize is the largest page a client may request.
	MaxPageSize = 100

	// DefaultSendQuota is the number of sends allowed per rate-limit window.
	DefaultSendQuota = 10

	// MaxSendQuota bounds the quota a server may advertise.
	MaxSendQuota = 1000

	// DefaultRateLimitWindow is the length of one send window.
	DefaultRateLimitWindow = 60 * time.Second

	// DefaultQueueMaxAge is how long an unacknowledged entry is kept.
	DefaultQueueMaxAge = 72 * time.Hour
)

var (
	// ErrMessageEmpty indicates an empty or whitespace-only message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidLimit indicates a page limit outside [1, MaxPageSize]
	ErrInvalidLimit = errors.New("invalid page limit")
)

// ValidateText validates a free-text message against MaxTextMessage.
// Returns an error with context if the text is blank or exceeds the limit.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrMessageEmpty
	}
	if n := utf8.RuneCountInString(text); n > MaxTextMessage {
		return fmt.Errorf("%w: %d runes exceeds limit %d", ErrMessageTooLarge, n, MaxTextMessage)
	}
	return nil
}

// ValidateFrame validates raw transport data against MaxFrameSize.
func ValidateFrame(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxFrameSize)
	}
	return nil
}

// ClampPageLimit returns DefaultPageSize for a zero request and rejects
// negative or oversized requests.
func ClampPageLimit(requested int) (int, error) {
	switch {
	case requested == 0:
		return DefaultPageSize, nil
	case requested < 0 || requested > MaxPageSize:
		return 0, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidLimit, requested, MaxPageSize)
	default:
		return requested, nil
	}
}
