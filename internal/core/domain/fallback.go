package domain

import "fmt"

// FallbackOption selects how far a stream may degrade under poor network conditions.
type FallbackOption int

const (
	FallbackDisabled FallbackOption = iota
	FallbackAudioOnly
	FallbackAudioOnlyAndReducedBitrate
)

func (o FallbackOption) String() string {
	switch o {
	case FallbackDisabled:
		return "disabled"
	case FallbackAudioOnly:
		return "audio_only"
	case FallbackAudioOnlyAndReducedBitrate:
		return "audio_only_and_reduced_bitrate"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

func (o FallbackOption) Valid() bool {
	return o >= FallbackDisabled && o <= FallbackAudioOnlyAndReducedBitrate
}

// FallbackLevel is the delivery level currently requested for a stream.
type FallbackLevel int

const (
	LevelFull FallbackLevel = iota
	LevelReduced
	LevelAudioOnly
)

func (l FallbackLevel) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelReduced:
		return "reduced"
	case LevelAudioOnly:
		return "audio_only"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Floor returns the lowest level the option permits.
func (o FallbackOption) Floor() FallbackLevel {
	switch o {
	case FallbackAudioOnly, FallbackAudioOnlyAndReducedBitrate:
		return LevelAudioOnly
	default:
		return LevelFull
	}
}

// Down returns the next lower level allowed by the option, or the same level
// when it cannot degrade further.
func (o FallbackOption) Down(l FallbackLevel) FallbackLevel {
	switch o {
	case FallbackAudioOnly:
		return LevelAudioOnly
	case FallbackAudioOnlyAndReducedBitrate:
		if l == LevelFull {
			return LevelReduced
		}
		return LevelAudioOnly
	default:
		return l
	}
}

// Up returns the next higher level on the option's ladder.
func (o FallbackOption) Up(l FallbackLevel) FallbackLevel {
	switch {
	case l == LevelAudioOnly && o == FallbackAudioOnlyAndReducedBitrate:
		return LevelReduced
	default:
		return LevelFull
	}
}

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}
