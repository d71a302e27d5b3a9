package worker

import (
	"regexp"
	"strings"
)

var (
	wordRE     = regexp.MustCompile(`[\w']+`)
	sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]`)
	spaceRE    = regexp.MustCompile(`\s+`)
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about after against an and any are as at be because been before
		being between both but by can could did do does doing during each either few for from had has have
		having he her here hers herself him himself his how i if in into is it its itself just may me might
		more most my myself no nor not of off on once only or other our ours ourselves out over own same she
		should so some such than that the their theirs them themselves then there these they this those
		through to too under until up very was we were what when where which while who whom why will with
		within without would you your yours yourself yourselves`) {
		stopwords[w] = struct{}{}
	}
}

func isStopword(token string) bool {
	_, ok := stopwords[token]
	return ok
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRE.ReplaceAllString(s, " "))
}

// splitSentences breaks text on terminal punctuation, keeping the
// punctuation with each sentence.
func splitSentences(text string) []string {
	var out []string
	for _, m := range sentenceRE.FindAllString(text, -1) {
		if s := normalizeSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// singularize applies light plural stripping so tokens line up with
// vocabulary keys.
func singularize(token string) string {
	switch {
	case strings.HasSuffix(token, "ies") && len(token) > 3:
		return token[:len(token)-3] + "y"
	case strings.HasSuffix(token, "ses") && len(token) > 3:
		return token[:len(token)-2]
	case strings.HasSuffix(token, "s") && len(token) > 3 && !strings.HasSuffix(token, "ss"):
		return token[:len(token)-1]
	}
	return token
}

func ensureSentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return s
	}
	return s + "."
}
