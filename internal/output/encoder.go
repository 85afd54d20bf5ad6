package output

import (
	"fmt"
	"strings"
)

// EncoderType identifies the kind of samples an encoder produces.
type EncoderType uint32

const (
	EncoderVideo EncoderType = 1
	EncoderAudio EncoderType = 2
)

// encoderTypes lists every type an output can require, in binding order.
var encoderTypes = []EncoderType{EncoderVideo, EncoderAudio}

// Valid reports whether t is one of the known encoder types.
func (t EncoderType) Valid() bool {
	return t == EncoderVideo || t == EncoderAudio
}

func (t EncoderType) String() string {
	switch t {
	case EncoderVideo:
		return "video"
	case EncoderAudio:
		return "audio"
	default:
		return fmt.Sprintf("encoder_type(%d)", uint32(t))
	}
}

// ParseEncoderType maps "video" / "audio" to an EncoderType.
func ParseEncoderType(s string) (EncoderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video":
		return EncoderVideo, nil
	case "audio":
		return EncoderAudio, nil
	default:
		return 0, fmt.Errorf("unknown encoder type %q", s)
	}
}

// EncoderMask is the set of encoder types an output requires before it can
// start. Only 0, Video, Audio and Video|Audio are valid.
type EncoderMask uint32

const (
	MaskNone  EncoderMask = 0
	MaskVideo EncoderMask = EncoderMask(EncoderVideo)
	MaskAudio EncoderMask = EncoderMask(EncoderAudio)
	MaskAV    EncoderMask = MaskVideo | MaskAudio
)

// Valid reports whether m only carries known bits.
func (m EncoderMask) Valid() bool {
	return m&^MaskAV == 0
}

// Has reports whether m requires an encoder of type t.
func (m EncoderMask) Has(t EncoderType) bool {
	return m&EncoderMask(t) != 0
}

// Types returns the encoder types in m, video first.
func (m EncoderMask) Types() []EncoderType {
	var out []EncoderType
	for _, t := range encoderTypes {
		if m.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m EncoderMask) String() string {
	if m == MaskNone {
		return "none"
	}
	if !m.Valid() {
		return fmt.Sprintf("invalid(%d)", uint32(m))
	}
	names := make([]string, 0, 2)
	for _, t := range m.Types() {
		names = append(names, t.String())
	}
	return strings.Join(names, "|")
}

// Encoder is an engine-owned encoder context. Concrete codecs live outside
// this package; outputs only see this handle.
type Encoder interface {
	Name() string
	Type() EncoderType
	Codec() string
}

// StaticEncoder is an Encoder handle declared in configuration.
type StaticEncoder struct {
	EncoderName  string
	EncoderType  EncoderType
	EncoderCodec string
}

func (e StaticEncoder) Name() string      { return e.EncoderName }
func (e StaticEncoder) Type() EncoderType { return e.EncoderType }
func (e StaticEncoder) Codec() string     { return e.EncoderCodec }
