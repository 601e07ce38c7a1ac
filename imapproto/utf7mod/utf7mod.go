// Package utf7mod implements the modified UTF-7 encoding IMAP uses for
// international mailbox names, described in RFC 3501 section 5.1.3 and
// based on the original UTF-7 of RFC 2152.
//
// Decoding relaxes several of the spec's MUST requirements: there is no
// good recovery from bad UTF-7, so the decoder accepts what it can and
// errors only on structurally broken input.
package utf7mod

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

var ErrInvalidUTF7 = errors.New("utf7mod: invalid UTF-7")

// Modified base64: the RFC 2152 alphabet with ',' in place of '/', and
// no padding.
const modB64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var b64 = base64.NewEncoding(modB64Alphabet).WithPadding(base64.NoPadding)

// AppendDecode decodes modified UTF-7 src and appends the UTF-8 result
// to dst. The escape "&-" denotes a literal '&'; any other "&...-" run
// is base64-encoded UTF-16BE.
func AppendDecode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		c := src[0]
		src = src[1:]
		if c != '&' {
			dst = append(dst, c)
			continue
		}
		i := bytes.IndexByte(src, '-')
		switch i {
		case -1:
			return nil, ErrInvalidUTF7
		case 0:
			src = src[1:]
			dst = append(dst, '&')
			continue
		}
		var err error
		dst, err = appendDecodedSegment(dst, src[:i])
		if err != nil {
			return nil, err
		}
		src = src[i+1:]
	}
	return dst, nil
}

// appendDecodedSegment decodes one base64 run (the bytes between '&'
// and '-') and appends its UTF-8 form to dst.
func appendDecodedSegment(dst, seg []byte) ([]byte, error) {
	u16 := make([]byte, b64.DecodedLen(len(seg)))
	n, err := b64.Decode(u16, seg)
	if err != nil {
		return nil, fmt.Errorf("utf7mod: decode: %v", err)
	}
	u16 = u16[:n]
	if len(u16)%2 == 1 {
		return nil, ErrInvalidUTF7
	}
	for len(u16) > 0 {
		r := rune(u16[0])<<8 | rune(u16[1])
		u16 = u16[2:]
		if utf16.IsSurrogate(r) {
			if len(u16) == 0 {
				return nil, ErrInvalidUTF7
			}
			r2 := rune(u16[0])<<8 | rune(u16[1])
			u16 = u16[2:]
			r = utf16.DecodeRune(r, r2)
		}
		var b [4]byte
		dst = append(dst, b[:utf8.EncodeRune(b[:], r)]...)
	}
	return dst, nil
}

// AppendEncode encodes UTF-8 src as modified UTF-7 and appends the
// result to dst. Printable ASCII passes through; '&' becomes "&-"; each
// maximal run of non-ASCII becomes one "&...-" base64 segment.
func AppendEncode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		r, _ := utf8.DecodeRune(src)
		if r == '&' {
			dst = append(dst, '&', '-')
			src = src[1:]
			continue
		}
		if r < utf8.RuneSelf {
			dst = append(dst, byte(r))
			src = src[1:]
			continue
		}

		// Gather the run of non-ASCII runes as UTF-16BE.
		u16 := make([]byte, 0, 64)
		for len(src) > 0 {
			r, sz := utf8.DecodeRune(src)
			if r < utf8.RuneSelf {
				break
			}
			src = src[sz:]
			if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
				u16 = append(u16, byte(r1>>8), byte(r1))
				r = r2
			}
			u16 = append(u16, byte(r>>8), byte(r))
		}

		n := b64.EncodedLen(len(u16))
		dst = append(dst, '&')
		dst = append(dst, make([]byte, n)...)
		b64.Encode(dst[len(dst)-n:], u16)
		dst = append(dst, '-')
	}
	return dst, nil
}
