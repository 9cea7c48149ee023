package worker

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Sentiment 是基于词表的情感判断结果。
type Sentiment struct {
	Label         string  `json:"label"`
	Score         float64 `json:"score"`
	Positive      int     `json:"positive"`
	Negative      int     `json:"negative"`
	WordsAnalyzed int     `json:"words_analyzed"`
}

var (
	positiveWords = map[string]struct{}{
		"good": {}, "excellent": {}, "great": {}, "amazing": {},
		"positive": {}, "successful": {}, "beneficial": {}, "effective": {},
	}
	negativeWords = map[string]struct{}{
		"bad": {}, "poor": {}, "terrible": {}, "negative": {},
		"failed": {}, "problem": {}, "issue": {}, "challenge": {},
	}

	// 顺序决定 KeyTopics 的输出顺序。
	topicKeywords = []struct {
		topic    string
		keywords []string
	}{
		{"technology", []string{"ai", "artificial", "intelligence", "machine", "learning", "algorithm"}},
		{"business", []string{"market", "investment", "revenue", "profit", "strategy"}},
		{"health", []string{"medical", "healthcare", "treatment", "patient", "clinical"}},
		{"education", []string{"learning", "teaching", "student", "curriculum", "knowledge"}},
	}

	findingMarkers = []string{"key finding", "important", "significant", "major"}

	sentenceSplit = regexp.MustCompile(`[.!?]+`)
)

// AnalyzeSentiment 统计正负面词，得分为正面词占比，无命中时为 0.5。
func AnalyzeSentiment(text string) Sentiment {
	words := strings.Fields(strings.ToLower(text))
	var pos, neg int
	for _, w := range words {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	out := Sentiment{Label: "neutral", Score: 0.5, Positive: pos, Negative: neg, WordsAnalyzed: len(words)}
	if total := pos + neg; total > 0 {
		out.Score = round2(float64(pos) / float64(total))
		switch {
		case out.Score > 0.6:
			out.Label = "positive"
		case out.Score < 0.4:
			out.Label = "negative"
		}
	}
	return out
}

// Readability 返回 [0, 1] 的可读性得分：长词越少、句子越短得分越高。
func Readability(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	sentences := len(sentenceSplit.Split(text, -1))
	if sentences < 1 {
		sentences = 1
	}
	wordsPerSentence := float64(len(words)) / float64(sentences)

	longWords := 0
	for _, w := range words {
		if utf8.RuneCountInString(w) > 6 {
			longWords++
		}
	}
	ratio := float64(longWords) / float64(len(words))
	score := 1 - ratio + (30/wordsPerSentence)/100
	return round2(math.Max(0, math.Min(1, score)))
}

// KeyTopics 按关键词分组识别主题，未命中时返回 general。
func KeyTopics(text string) []string {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[w] = struct{}{}
	}
	var topics []string
	for _, group := range topicKeywords {
		for _, kw := range group.keywords {
			if _, ok := words[kw]; ok {
				topics = append(topics, group.topic)
				break
			}
		}
	}
	if len(topics) == 0 {
		return []string{"general"}
	}
	return topics
}

// WordCount 返回以空白分隔的词数。
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// ExtractKeyFindings 取出包含结论标记的行，最多 5 条。
func ExtractKeyFindings(content string) []string {
	var findings []string
	for _, line := range strings.Split(content, "\n") {
		lower := strings.ToLower(line)
		for _, marker := range findingMarkers {
			if strings.Contains(lower, marker) {
				findings = append(findings, strings.TrimSpace(line))
				break
			}
		}
		if len(findings) == 5 {
			break
		}
	}
	if len(findings) == 0 {
		return []string{"Analysis completed successfully"}
	}
	return findings
}

var professionalReplacer = strings.NewReplacer(
	" kinda ", " kind of ",
	" gonna ", " going to ",
	" yeah ", " yes ",
)

// Polish 按内容类型与语气整理草稿：文章去除空段落，专业语气替换口语词。
func Polish(content, contentType, tone string) string {
	if contentType == "article" {
		parts := strings.Split(content, "\n\n")
		kept := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				kept = append(kept, p)
			}
		}
		content = strings.Join(kept, "\n\n")
	}
	if tone == "professional" {
		content = professionalReplacer.Replace(content)
	}
	return content
}

// TargetWords 返回篇幅对应的目标词数。
func TargetWords(length string) int {
	switch length {
	case "short":
		return 300
	case "long":
		return 1500
	default:
		return 800
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
