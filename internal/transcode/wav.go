package transcode

import (
	"bytes"
	"encoding/binary"

	"github.com/go-audio/wav"
)

// decodeWAV returns the PCM payload of a WAV body that already matches target.
// ok is false when the body is not a valid WAV file or needs resampling.
func decodeWAV(data []byte, target Format) (PCMStream, bool) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, false
	}
	if int(dec.SampleRate) != target.SampleRate || int(dec.NumChans) != target.Channels || int(dec.BitDepth) != target.SampleWidth*8 {
		return nil, false
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil || len(buf.Data) == 0 {
		return nil, false
	}
	return NewMemoryStream(samplesToPCM(buf.Data, target.SampleWidth)), true
}

func samplesToPCM(samples []int, width int) []byte {
	out := make([]byte, len(samples)*width)
	for i, s := range samples {
		o := out[i*width:]
		switch width {
		case 1:
			o[0] = byte(s)
		case 2:
			binary.LittleEndian.PutUint16(o, uint16(int16(s)))
		case 3:
			v := uint32(int32(s))
			o[0], o[1], o[2] = byte(v), byte(v>>8), byte(v>>16)
		case 4:
			binary.LittleEndian.PutUint32(o, uint32(int32(s)))
		}
	}
	return out
}

type memoryStream struct {
	*bytes.Reader
}

// NewMemoryStream wraps already decoded PCM, e.g. a cache hit.
func NewMemoryStream(pcm []byte) PCMStream {
	return memoryStream{Reader: bytes.NewReader(pcm)}
}

func (memoryStream) Close() error { return nil }
