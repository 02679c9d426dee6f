package mailsync

import (
	"strings"

	"github.com/mmdatafocus/tms_backend/utils"
)

var promoSubjectKeywords = []string{
	"newsletter", "unsubscribe", "webinar", "special offer", "% off", "black friday",
	"naujienlaiškis", "akcija", "nuolaida", "išpardavimas", "pasiūlymas tik",
}

var promoBodyKeywords = []string{
	"unsubscribe", "view in browser", "view this email in your browser",
	"atsisakyti prenumeratos", "atsisakyti naujienlaiškio", "peržiūrėti naršyklėje",
}

var promoSenderLocalParts = []string{"newsletter", "marketing", "promo", "news", "offers", "mailer"}

type ClassifyInput struct {
	SenderEmail string
	Subject     string
	Body        string
	Headers     map[string]string
	// Trusted wins over every other signal
	Trusted           bool
	PromotionalDomain bool
}

// IsPromotional decides whether a message is marketing mail.
func IsPromotional(in ClassifyInput) bool {
	if in.Trusted {
		return false
	}
	if in.PromotionalDomain {
		return true
	}
	if in.Headers["List-Unsubscribe"] != "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(in.Headers["Precedence"])) {
	case "bulk", "list", "junk":
		return true
	}

	local, _, _ := strings.Cut(utils.NormalizeEmail(in.SenderEmail), "@")
	for _, p := range promoSenderLocalParts {
		if local == p || strings.HasPrefix(local, p+".") || strings.HasPrefix(local, p+"-") {
			return true
		}
	}
	if containsAny(strings.ToLower(in.Subject), promoSubjectKeywords) {
		return true
	}
	return containsAny(strings.ToLower(in.Body), promoBodyKeywords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
