package gateway

import "unicode/utf8"

const (
	gsmSingle  = 160
	gsmPart    = 153
	ucs2Single = 70
	ucs2Part   = 67
)

const gsmBasic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Extension table characters take an escape plus the character.
const gsmExtended = "^{}\\[~]|€\f"

var (
	basicSet    = runeSet(gsmBasic)
	extendedSet = runeSet(gsmExtended)
)

func runeSet(s string) map[rune]struct{} {
	m := make(map[rune]struct{}, utf8.RuneCountInString(s))
	for _, r := range s {
		m[r] = struct{}{}
	}
	return m
}

type Encoding string

const (
	EncodingGSM7 Encoding = "gsm7"
	EncodingUCS2 Encoding = "ucs2"
)

type SegmentInfo struct {
	Encoding   Encoding `json:"encoding"`
	Characters int      `json:"characters"`
	Segments   int      `json:"segments"`
}

// Segments reports how many concatenated SMS parts body needs.
// An empty body still costs one segment if sent.
func Segments(body string) SegmentInfo {
	units, gsm := 0, true
	for _, r := range body {
		if _, ok := basicSet[r]; ok {
			units++
			continue
		}
		if _, ok := extendedSet[r]; ok {
			units += 2
			continue
		}
		gsm = false
		break
	}

	if gsm {
		return SegmentInfo{Encoding: EncodingGSM7, Characters: units, Segments: parts(units, gsmSingle, gsmPart)}
	}

	// UCS-2 counts UTF-16 code units; runes outside the BMP take two.
	units = 0
	for _, r := range body {
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	return SegmentInfo{Encoding: EncodingUCS2, Characters: units, Segments: parts(units, ucs2Single, ucs2Part)}
}

func parts(units, single, multi int) int {
	if units <= single {
		return 1
	}
	return (units + multi - 1) / multi
}
