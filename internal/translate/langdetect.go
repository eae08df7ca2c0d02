package translate

import "unicode"

// Language is the result of DetectPrimaryLanguage.
type Language string

const (
	LangChinese Language = "chinese"
	LangEnglish Language = "english"
	LangMixed   Language = "mixed"
	LangUnknown Language = "unknown"
)

// Detection thresholds. Chinese text tends to be denser per rune, so its
// threshold is lower than the English one.
const (
	chineseRatioThreshold = 0.30
	englishRatioThreshold = 0.50
)

// LanguageStats holds the rune counts behind a detection decision.
type LanguageStats struct {
	Chinese       int     // Runes in the CJK Unified basic range.
	English       int     // ASCII letters.
	NonWhitespace int     // Denominator for both ratios.
	ChineseRatio  float64
	EnglishRatio  float64
}

// isChineseRune reports whether r falls in the CJK Unified Ideographs
// basic range (U+4E00..U+9FA5). Heuristic only — extension planes are
// rare in chat prompts and not worth the table.
func isChineseRune(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FA5
}

func isEnglishRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// AnalyzeLanguage counts Chinese and English runes in text and computes
// their ratios over the non-whitespace rune count.
func AnalyzeLanguage(text string) LanguageStats {
	var stats LanguageStats
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		stats.NonWhitespace++
		switch {
		case isChineseRune(r):
			stats.Chinese++
		case isEnglishRune(r):
			stats.English++
		}
	}
	if stats.NonWhitespace > 0 {
		stats.ChineseRatio = float64(stats.Chinese) / float64(stats.NonWhitespace)
		stats.EnglishRatio = float64(stats.English) / float64(stats.NonWhitespace)
	}
	return stats
}

// ContainsChinese reports whether text has at least one Chinese rune.
// Used as the cheap ingress guard: English-only prompts skip translation
// without touching the cache or the upstream translator.
func ContainsChinese(text string) bool {
	for _, r := range text {
		if isChineseRune(r) {
			return true
		}
	}
	return false
}

// IsPrimarilyChinese reports whether more than 30% of the non-whitespace
// runes are Chinese.
func IsPrimarilyChinese(text string) bool {
	s := AnalyzeLanguage(text)
	return s.NonWhitespace > 0 && s.ChineseRatio > chineseRatioThreshold
}

// IsPrimarilyEnglish reports whether more than half of the non-whitespace
// runes are ASCII letters.
func IsPrimarilyEnglish(text string) bool {
	s := AnalyzeLanguage(text)
	return s.NonWhitespace > 0 && s.EnglishRatio > englishRatioThreshold
}

// DetectPrimaryLanguage classifies text as chinese, english, mixed, or
// unknown. Empty input is unknown.
func DetectPrimaryLanguage(text string) Language {
	s := AnalyzeLanguage(text)
	switch {
	case s.NonWhitespace > 0 && s.ChineseRatio > chineseRatioThreshold:
		return LangChinese
	case s.NonWhitespace > 0 && s.EnglishRatio > englishRatioThreshold:
		return LangEnglish
	case s.Chinese > 0 && s.English > 0:
		return LangMixed
	default:
		return LangUnknown
	}
}
