package actions

import (
	"regexp"
	"strings"

	"github.com/basket/tgbridge/internal/persistence"
)

var urlRe = regexp.MustCompile(`https?://[^\s)>"]+`)

// BuildSummaryPrompt asks the agent for a user-facing recap of the
// conversation so far.
func BuildSummaryPrompt(session *persistence.Session, originTurn, latestTurn *persistence.Turn) string {
	latestAssistant := ""
	if latestTurn != nil {
		latestAssistant = strings.TrimSpace(latestTurn.AssistantText)
	}
	return "You are helping in Telegram. Create a concise Korean summary for the user.\n" +
		"Output format:\n" +
		"1) 핵심 요약 (5-8줄)\n" +
		"2) 다음 액션 3개\n" +
		"3) 주의할 점 1-2개\n\n" +
		"[Rolling Summary]\n" + orNone(session.RollingSummaryMD) + "\n\n" +
		"[Origin User Request]\n" + orNone(originTurn.UserText) + "\n\n" +
		"[Origin Assistant Response]\n" + orNone(originTurn.AssistantText) + "\n\n" +
		"[Latest Assistant Response]\n" + orNone(latestAssistant) + "\n"
}

// BuildRegenPrompt asks the agent to answer the origin request again
// with a different approach.
func BuildRegenPrompt(session *persistence.Session, originTurn *persistence.Turn) string {
	return "Regenerate an alternative answer for the same request.\n" +
		"Constraints:\n" +
		"- Use a different approach.\n" +
		"- Be more concise and structured.\n" +
		"- Keep practical and actionable style.\n\n" +
		"[Rolling Summary]\n" + orNone(session.RollingSummaryMD) + "\n\n" +
		"[Original User Request]\n" + orNone(originTurn.UserText) + "\n\n" +
		"[Previous Assistant Response]\n" + orNone(originTurn.AssistantText) + "\n"
}

// BuildNextPrompt asks the agent for follow-up recommendations, feeding
// it any links detected in the latest assistant output.
func BuildNextPrompt(session *persistence.Session, originTurn *persistence.Turn, latestAssistantText string) string {
	source := latestAssistantText
	if source == "" {
		source = originTurn.AssistantText
	}
	urls := ExtractURLs(source)
	urlBlock := "(none)"
	if len(urls) > 0 {
		if len(urls) > 6 {
			urls = urls[:6]
		}
		lines := make([]string, 0, len(urls))
		for _, url := range urls {
			lines = append(lines, "- "+url)
		}
		urlBlock = strings.Join(lines, "\n")
	}
	return "Suggest 3 next recommendations for Telegram user.\n" +
		"Output format for each item:\n" +
		"- title\n" +
		"- why (one line)\n" +
		"- optional link\n\n" +
		"[Rolling Summary]\n" + orNone(session.RollingSummaryMD) + "\n\n" +
		"[User Request]\n" + orNone(originTurn.UserText) + "\n\n" +
		"[Assistant Context]\n" + orNone(originTurn.AssistantText) + "\n\n" +
		"[Detected Links]\n" + urlBlock + "\n"
}

// ExtractURLs finds http(s) links in text, trims trailing punctuation,
// and dedupes keeping first-seen order.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	seen := map[string]bool{}
	var urls []string
	for _, match := range urlRe.FindAllString(text, -1) {
		normalized := strings.TrimRight(match, ".,;!?)")
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		urls = append(urls, normalized)
	}
	return urls
}

func orNone(text string) string {
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return trimmed
	}
	return "(none)"
}
