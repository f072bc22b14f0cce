package gate

import "encoding/binary"

// probeDimensions reads image dimensions straight from format headers.
// Header inspection (rather than a full decode) keeps the gate cheap and
// byte-level auditable. Returns ok=false for anything it cannot parse.
func probeDimensions(data []byte) (width, height int, contentType string, ok bool) {
	switch {
	case len(data) >= 24 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return probePNG(data)
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return probeJPEG(data)
	case len(data) >= 10 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return probeGIF(data)
	case len(data) >= 30 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return probeWebP(data)
	}
	return 0, 0, "", false
}

func probePNG(data []byte) (int, int, string, bool) {
	// IHDR must be the first chunk, so width/height sit at fixed offsets.
	if string(data[12:16]) != "IHDR" {
		return 0, 0, "", false
	}
	w := int(binary.BigEndian.Uint32(data[16:20]))
	h := int(binary.BigEndian.Uint32(data[20:24]))
	if w <= 0 || h <= 0 {
		return 0, 0, "", false
	}
	return w, h, "image/png", true
}

func probeJPEG(data []byte) (int, int, string, bool) {
	i := 2
	for i+9 < len(data) {
		if data[i] != 0xFF {
			return 0, 0, "", false
		}
		marker := data[i+1]
		if marker == 0xFF { // fill byte
			i++
			continue
		}
		// Standalone markers carry no length segment.
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 {
			i += 2
			continue
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if length < 2 {
			return 0, 0, "", false
		}
		if isSOFMarker(marker) {
			if i+9 > len(data) {
				return 0, 0, "", false
			}
			h := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			w := int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			if w <= 0 || h <= 0 {
				return 0, 0, "", false
			}
			return w, h, "image/jpeg", true
		}
		i += 2 + length
	}
	return 0, 0, "", false
}

// isSOFMarker reports start-of-frame markers (C0–CF minus DHT, JPG, DAC).
func isSOFMarker(m byte) bool {
	if m < 0xC0 || m > 0xCF {
		return false
	}
	return m != 0xC4 && m != 0xC8 && m != 0xCC
}

func probeGIF(data []byte) (int, int, string, bool) {
	w := int(binary.LittleEndian.Uint16(data[6:8]))
	h := int(binary.LittleEndian.Uint16(data[8:10]))
	if w <= 0 || h <= 0 {
		return 0, 0, "", false
	}
	return w, h, "image/gif", true
}

func probeWebP(data []byte) (int, int, string, bool) {
	switch string(data[12:16]) {
	case "VP8 ":
		if len(data) < 30 || data[23] != 0x9D || data[24] != 0x01 || data[25] != 0x2A {
			return 0, 0, "", false
		}
		w := int(binary.LittleEndian.Uint16(data[26:28]) & 0x3FFF)
		h := int(binary.LittleEndian.Uint16(data[28:30]) & 0x3FFF)
		if w <= 0 || h <= 0 {
			return 0, 0, "", false
		}
		return w, h, "image/webp", true
	case "VP8L":
		if len(data) < 25 || data[20] != 0x2F {
			return 0, 0, "", false
		}
		b := data[21:25]
		w := 1 + (int(b[0]) | int(b[1]&0x3F)<<8)
		h := 1 + (int(b[1]>>6) | int(b[2])<<2 | int(b[3]&0x0F)<<10)
		return w, h, "image/webp", true
	case "VP8X":
		if len(data) < 30 {
			return 0, 0, "", false
		}
		w := 1 + (int(data[24]) | int(data[25])<<8 | int(data[26])<<16)
		h := 1 + (int(data[27]) | int(data[28])<<8 | int(data[29])<<16)
		return w, h, "image/webp", true
	}
	return 0, 0, "", false
}
