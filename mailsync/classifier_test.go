package mailsync

import "testing"

func TestIsPromotional(t *testing.T) {
	cases := []struct {
		name     string
		in       ClassifyInput
		expected bool
	}{
		{"plain business mail", ClassifyInput{SenderEmail: "ops@carrier.lt", Subject: "Sąskaita TRP00042", Body: "Sveiki"}, false},
		{"list-unsubscribe header", ClassifyInput{SenderEmail: "ops@carrier.lt", Headers: map[string]string{"List-Unsubscribe": "<mailto:x@y.lt>"}}, true},
		{"bulk precedence", ClassifyInput{SenderEmail: "ops@carrier.lt", Headers: map[string]string{"Precedence": " Bulk "}}, true},
		{"promotional domain", ClassifyInput{SenderEmail: "a@shop.lt", PromotionalDomain: true}, true},
		{"newsletter sender", ClassifyInput{SenderEmail: "Newsletter@shop.lt", Subject: "Hello"}, true},
		{"subject keyword lt", ClassifyInput{SenderEmail: "info@shop.lt", Subject: "Didžioji AKCIJA šiandien"}, true},
		{"body keyword", ClassifyInput{SenderEmail: "info@shop.lt", Body: "Click to unsubscribe"}, true},
		{"news prefix needs separator", ClassifyInput{SenderEmail: "newsroom@paper.lt", Subject: "Quote"}, false},
		{"trusted overrides everything", ClassifyInput{
			SenderEmail:       "newsletter@partner.lt",
			Subject:           "newsletter",
			Headers:           map[string]string{"List-Unsubscribe": "<x>"},
			PromotionalDomain: true,
			Trusted:           true,
		}, false},
	}
	for _, tc := range cases {
		if got := IsPromotional(tc.in); got != tc.expected {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.expected, got)
		}
	}
}
