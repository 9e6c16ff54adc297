// Package estimator approximates provider token counts for chat text
// without access to the provider's tokenizer.
package estimator

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/theirongolddev/tokmon/internal/config"
)

// Breakdown describes how an estimate was reached.
type Breakdown struct {
	Tokens        int     `json:"tokens"`
	Chars         int     `json:"chars"`
	Words         int     `json:"words"`
	Numbers       int     `json:"numbers"`
	Punctuation   int     `json:"punctuation"`
	Newlines      int     `json:"newlines"`
	Dense         int     `json:"dense"`
	Emoji         int     `json:"emoji"`
	CharsPerToken float64 `json:"chars_per_token"`
	Fallback      bool    `json:"fallback"`
}

// commonWords always cost one token regardless of length.
var commonWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an the this that these those
		i me my mine we us our ours you your yours he him his she her hers
		it its they them their theirs who whom whose which what
		myself yourself himself herself itself ourselves themselves
		and or but nor so yet because although though while whereas unless
		if then than when where whether
		of in on at to for from by with about into onto over under
		after before between through without within against during
		is am are was were be been being do does did have has had
		will would shall should can could may might must not no`) {
		commonWords[w] = struct{}{}
	}
}

// Estimate returns the approximate token count of text for the provider.
// It never panics and is deterministic for a given text and profile.
func Estimate(text string, profile config.ProviderProfile) int {
	return Detail(text, profile).Tokens
}

// Detail runs the estimate and reports the segment counts behind it.
func Detail(text string, profile config.ProviderProfile) (b Breakdown) {
	if strings.TrimSpace(text) == "" {
		return Breakdown{}
	}

	chars := utf8.RuneCountInString(text)
	defer func() {
		if r := recover(); r != nil {
			b = fallback(chars, profile)
		}
	}()

	if !utf8.ValidString(text) {
		return fallback(chars, profile)
	}

	b = scan(text, punctuationWeight(profile))
	b.Chars = chars
	b.Tokens = clamp(b.Tokens, chars)
	b.CharsPerToken = float64(chars) / float64(b.Tokens)
	return b
}

// scan segments text in a single pass and sums per-segment costs.
// b.Tokens carries the unclamped ceil of the raw estimate.
func scan(text string, punct float64) Breakdown {
	var (
		b      Breakdown
		raw    float64
		word   strings.Builder
		digits int
	)

	flushWord := func() {
		if word.Len() == 0 {
			return
		}
		raw += float64(wordTokens(word.String()))
		b.Words++
		word.Reset()
	}
	flushDigits := func() {
		if digits == 0 {
			return
		}
		raw += math.Ceil(float64(digits) / 2.5)
		b.Numbers++
		digits = 0
	}

	for _, r := range text {
		switch {
		case isDense(r):
			flushWord()
			flushDigits()
			raw++
			b.Dense++
		case isEmoji(r):
			flushWord()
			flushDigits()
			raw += 2
			b.Emoji++
		case r == '\u200d' || unicode.Is(unicode.Variation_Selector, r):
			// joiners and selectors are part of the preceding emoji
		case unicode.IsDigit(r):
			flushWord()
			digits++
		case unicode.IsLetter(r) || unicode.IsMark(r) || r == '_':
			flushDigits()
			word.WriteRune(r)
		case r == '\n':
			flushWord()
			flushDigits()
			raw++
			b.Newlines++
		case unicode.IsSpace(r):
			flushWord()
			flushDigits()
		default:
			flushWord()
			flushDigits()
			b.Punctuation++
		}
	}
	flushWord()
	flushDigits()

	raw += float64(b.Punctuation) * punct
	// Shave float noise so 0.9*10 doesn't round up to 10.
	b.Tokens = int(math.Ceil(raw - 1e-9))
	return b
}

func wordTokens(w string) int {
	if _, ok := commonWords[strings.ToLower(w)]; ok {
		return 1
	}
	n := utf8.RuneCountInString(w)
	switch {
	case n <= 4:
		return 1
	case n <= 8:
		return 2
	default:
		return (n + 3) / 4
	}
}

// clamp bounds a raw estimate to [max(ceil(chars/6), 1), chars].
func clamp(tokens, chars int) int {
	floor := (chars + 5) / 6
	if floor < 1 {
		floor = 1
	}
	if tokens < floor {
		tokens = floor
	}
	if tokens > chars {
		tokens = chars
	}
	return tokens
}

func fallback(chars int, profile config.ProviderProfile) Breakdown {
	ratio := profile.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	tokens := clamp(int(math.Ceil(float64(chars)/ratio)), chars)
	return Breakdown{
		Tokens:        tokens,
		Chars:         chars,
		CharsPerToken: float64(chars) / float64(tokens),
		Fallback:      true,
	}
}

func punctuationWeight(p config.ProviderProfile) float64 {
	if p.PunctuationWeight <= 0 {
		return config.DefaultPunctuationWeight
	}
	return p.PunctuationWeight
}

func isDense(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, transport, supplemental
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	}
	return false
}
