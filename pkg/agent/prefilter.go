package agent

import (
	"regexp"
	"strings"
)

// Prefilters run before any model or tool call. They are deterministic
// keyword/regex checks: cheap, explainable, and safe to run on every
// request.

// refusalText is the fixed out-of-domain response. It is persisted as
// a normal assistant turn so the conversation record shows what the
// user was told.
const refusalText = "I can only help with Indonesian legal, visa, tax, company and real-estate matters. For other topics, please consult an appropriate service."

// offDomainPatterns match requests clearly outside the service's
// mandate. The list is intentionally conservative: a miss costs one
// model call, a false positive refuses a paying user.
var offDomainPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(write|debug|fix)\b.{0,20}\b(code|program|script|function)\b`),
	regexp.MustCompile(`(?i)\b(medical|doctor|diagnos\w+|prescri\w+)\b.{0,30}\b(advice|help|symptom)\b`),
	regexp.MustCompile(`(?i)\bweather (today|tomorrow|forecast)\b`),
	regexp.MustCompile(`(?i)\b(recipe|cook|bake)\b.{0,20}\b(for|me|how)\b`),
	regexp.MustCompile(`(?i)\b(football|soccer|basketball|nba|premier league) (score|match|result)s?\b`),
	regexp.MustCompile(`(?i)\bwho (won|wins|win)\b.{0,40}\b(cup|league|match|game|tournament|championship|election|award|medal|oscar|grammy)s?\b`),
	regexp.MustCompile(`(?i)\b(world cup|olympics|super bowl|champions league|euro \d{4})\b`),
	regexp.MustCompile(`(?i)\b(write|compose)\b.{0,20}\b(poem|song|story|novel)\b`),
	regexp.MustCompile(`(?i)\bdating (advice|app|profile)\b`),
}

// domainKeywords rescue borderline queries: any hit keeps the query in
// scope even when an off-domain pattern fired.
var domainKeywords = []string{
	"visa", "kitas", "kitap", "voa", "imigrasi", "immigration", "passport", "paspor",
	"pajak", "tax", "npwp", "pph", "ppn", "coretax",
	"pt pma", "pt ", "company", "perusahaan", "kbli", "oss", "nib", "bkpm",
	"notaris", "notary", "akta", "deed", "kontrak", "contract", "hukum", "legal",
	"property", "properti", "tanah", "land", "leasehold", "freehold", "hak pakai", "hgb",
	"sponsor", "permit", "izin", "bali", "indonesia",
}

// isOffDomain reports whether the query should get the fixed refusal.
func isOffDomain(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range domainKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	for _, p := range offDomainPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// identityPatterns match questions about the user themselves, answered
// from the profile without any tool call.
var identityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(who am i|what('?s| is) my name)\b`),
	regexp.MustCompile(`(?i)\bwhat do you (know|remember) about me\b`),
	regexp.MustCompile(`(?i)^\s*siapa (saya|aku)\b`),
	regexp.MustCompile(`(?i)\bapa yang kamu (tahu|ingat) tentang (saya|aku)\b`),
	regexp.MustCompile(`(?i)\bdo you remember (me|my)\b`),
}

// isIdentityQuestion reports whether the query asks about the user's
// own identity or stored profile.
func isIdentityQuestion(query string) bool {
	for _, p := range identityPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}
