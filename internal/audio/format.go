package audio

import (
	"strconv"
	"strings"
)

// Format describes the audio an adapter is producing.
type Format struct {
	SampleRate int    `json:"sampleRate"`
	BitDepth   int    `json:"bitDepth,omitempty"`
	Channels   int    `json:"channels"`
	Codec      string `json:"codec"` // "MP3", "PCM", "DSD64", ...
	Backend    string `json:"backend"`
}

// String renders the format as e.g. "MP3 44.1kHz 16-bit stereo".
func (f *Format) String() string {
	if f == nil {
		return ""
	}
	parts := []string{f.Codec, FormatSampleRate(f.SampleRate)}
	if f.BitDepth > 0 {
		parts = append(parts, FormatBitDepth(f.BitDepth))
	}
	switch f.Channels {
	case 1:
		parts = append(parts, "mono")
	case 2:
		parts = append(parts, "stereo")
	default:
		parts = append(parts, strconv.Itoa(f.Channels)+"ch")
	}
	return strings.Join(parts, " ")
}

// ParseMPDAudio parses MPD's "samplerate:bits:channels" audio field.
// DSD is reported by MPD as "dsd64:2" etc.
func ParseMPDAudio(audio string) *Format {
	parts := strings.Split(audio, ":")
	if len(parts) < 2 {
		return nil
	}

	if strings.HasPrefix(parts[0], "dsd") {
		mult, err := strconv.Atoi(strings.TrimPrefix(parts[0], "dsd"))
		if err != nil {
			return nil
		}
		ch, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil
		}
		rate := mult * 44100
		return &Format{SampleRate: rate, BitDepth: 1, Channels: ch, Codec: codecName(rate, 1), Backend: "mpd"}
	}

	sampleRate, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil
	}

	// "f" marks 32-bit float samples.
	bitDepth := 32
	if parts[1] != "f" {
		bitDepth, err = strconv.Atoi(parts[1])
		if err != nil {
			return nil
		}
	}

	channels := 2
	if len(parts) >= 3 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			channels = ch
		}
	}

	return &Format{
		SampleRate: sampleRate,
		BitDepth:   bitDepth,
		Channels:   channels,
		Codec:      codecName(sampleRate, bitDepth),
		Backend:    "mpd",
	}
}

// codecName returns "DSDxx" for DSD rates and "PCM" otherwise.
func codecName(sampleRate, bitDepth int) string {
	if bitDepth == 1 || sampleRate >= 1000000 {
		switch sampleRate {
		case 2822400:
			return "DSD64"
		case 5644800:
			return "DSD128"
		case 11289600:
			return "DSD256"
		case 22579200:
			return "DSD512"
		}
		return "DSD"
	}
	return "PCM"
}

// FormatSampleRate returns a human-readable sample rate string.
func FormatSampleRate(sampleRate int) string {
	if sampleRate >= 1000000 {
		return codecName(sampleRate, 1)
	}
	if sampleRate >= 1000 {
		return strconv.FormatFloat(float64(sampleRate)/1000, 'f', -1, 64) + "kHz"
	}
	return strconv.Itoa(sampleRate) + "Hz"
}

// FormatBitDepth returns a human-readable bit depth string.
func FormatBitDepth(bitDepth int) string {
	return strconv.Itoa(bitDepth) + "-bit"
}
