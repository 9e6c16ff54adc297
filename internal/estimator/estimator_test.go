package estimator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tokmon/internal/config"
)

func generic() config.ProviderProfile {
	return config.GenericProfile("test")
}

func TestEstimate_BlankIsZero(t *testing.T) {
	for _, s := range []string{"", " ", "\n", "\t \r\n  ", " "} {
		assert.Equal(t, 0, Estimate(s, generic()), "input %q", s)
	}
}

func TestEstimate_HelloWorld(t *testing.T) {
	// Hello(2) + world(2) + ",!"(2*0.9) + newline(1) = 6.8
	assert.Equal(t, 7, Estimate("Hello, world!\n", generic()))

	d := Detail("Hello, world!\n", generic())
	assert.Equal(t, 14, d.Chars)
	assert.Equal(t, 2, d.Words)
	assert.Equal(t, 2, d.Punctuation)
	assert.Equal(t, 1, d.Newlines)
	assert.False(t, d.Fallback)
}

func TestEstimate_WordLengths(t *testing.T) {
	p := generic()
	assert.Equal(t, 1, Estimate("cat", p))
	assert.Equal(t, 2, Estimate("kitten", p))
	// ceil(12/4) = 3
	assert.Equal(t, 3, Estimate("extraordinar", p))
	// common words cost one token even when long
	assert.Equal(t, 1, Estimate("themselves", p))
	assert.Equal(t, 1, Estimate("Because", p))
}

func TestEstimate_Numbers(t *testing.T) {
	p := generic()
	// ceil(5/2.5) = 2
	assert.Equal(t, 2, Estimate("12345", p))
	// ceil(6/2.5) = 3
	assert.Equal(t, 3, Estimate("123456", p))
}

func TestEstimate_PunctuationNoise(t *testing.T) {
	// 10 * 0.9 must be 9, not 10
	assert.Equal(t, 9, Estimate(strings.Repeat("!", 10), generic()))
}

func TestEstimate_PunctuationWeightPerProvider(t *testing.T) {
	text := strings.Repeat(";", 20)
	heavy := generic()
	heavy.PunctuationWeight = 0.9
	light := generic()
	light.PunctuationWeight = 0.8
	assert.Equal(t, 18, Estimate(text, heavy))
	assert.Equal(t, 16, Estimate(text, light))
}

func TestEstimate_DenseScripts(t *testing.T) {
	p := generic()
	assert.Equal(t, 5, Estimate("こんにちは", p))
	assert.Equal(t, 4, Estimate("你好世界", p))
	assert.Equal(t, 2, Estimate("안녕", p))
}

func TestEstimate_Emoji(t *testing.T) {
	p := generic()
	// 2 tokens per code point, capped at one per char
	assert.Equal(t, 1, Estimate("😀", p))
	// hi(1) + 😀(2) = 3 over 4 chars
	assert.Equal(t, 3, Estimate("hi 😀", p))

	d := Detail("👍🏽 ok", p)
	assert.Equal(t, 2, d.Emoji)
}

func TestEstimate_Bounds(t *testing.T) {
	inputs := []string{
		"a",
		"Hello, world!\n",
		strings.Repeat("a", 10_000),
		strings.Repeat("word ", 500),
		strings.Repeat("!", 333),
		strings.Repeat("\n", 50) + "x",
		"func main() {\n\tfmt.Println(\"hi\")\n}\n",
		"混合 mixed テキスト 123 🚀🚀",
		strings.Repeat("9", 1000),
		"\u200d\u200d\u200d",
		"I'm  going\tto the café — naïve résumé.",
	}
	p := generic()
	for _, in := range inputs {
		got := Estimate(in, p)
		chars := len([]rune(in))
		floor := (chars + 5) / 6
		assert.GreaterOrEqual(t, got, floor, "input %.30q", in)
		assert.LessOrEqual(t, got, chars, "input %.30q", in)
		assert.GreaterOrEqual(t, got, 1, "input %.30q", in)
	}
}

func TestEstimate_LongWordNotAbsurd(t *testing.T) {
	// ceil(10000/4) = 2500, inside [1667, 10000]
	assert.Equal(t, 2500, Estimate(strings.Repeat("a", 10_000), generic()))
}

func TestEstimate_FloorAppliesToSparseText(t *testing.T) {
	// 59 spaces and one letter: raw is 1 but the floor is ceil(60/6) = 10
	assert.Equal(t, 10, Estimate(strings.Repeat(" ", 59)+"x", generic()))
}

func TestEstimate_InvalidUTF8UsesFallback(t *testing.T) {
	p := generic()
	p.CharsPerToken = 3.0
	text := "\xff\xfe abcdef"
	d := Detail(text, p)
	require.True(t, d.Fallback)
	// 9 runes / 3.0
	assert.Equal(t, 3, d.Tokens)
	assert.Equal(t, 9, d.Chars)
}

func TestEstimate_FallbackZeroRatio(t *testing.T) {
	p := generic()
	p.CharsPerToken = 0
	// 8 runes / default ratio 4
	assert.Equal(t, 2, Estimate("\xffabcdefg", p))
}

func TestEstimate_Deterministic(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog. 42 times!\n这是测试 🎉"
	p := generic()
	first := Estimate(text, p)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Estimate(text, p))
	}
}

func TestEstimate_ProfilesDiffer(t *testing.T) {
	r := config.DefaultRegistry()
	claude := r.Profile("claude.ai")
	gemini := r.Profile("gemini.google.com")
	text := strings.Repeat("a, b; c. ", 40)
	assert.Greater(t, Estimate(text, claude), Estimate(text, gemini))
}

func FuzzEstimate(f *testing.F) {
	f.Add("Hello, world!\n")
	f.Add("\xff")
	f.Add("\U0001F3F3\uFE0F\u200d\U0001F308")
	f.Fuzz(func(t *testing.T, s string) {
		got := Estimate(s, generic())
		if strings.TrimSpace(s) == "" {
			if got != 0 {
				t.Fatalf("blank input %q estimated %d", s, got)
			}
			return
		}
		chars := len([]rune(s))
		if got < 1 || got > chars || got < (chars+5)/6 {
			t.Fatalf("estimate %d out of bounds for %d chars (%q)", got, chars, s)
		}
	})
}
