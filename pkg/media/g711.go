package media

// G.711 μ-law encoding for the default microphone path. 16-bit PCM in,
// one byte per sample out, matching the PCMU track payload.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodePCMU converts little-endian S16 PCM to μ-law.
func EncodePCMU(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		out[i/2] = linearToUlaw(sample)
	}
	return out
}

func linearToUlaw(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> uint(exponent+3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}
