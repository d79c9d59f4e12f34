package ai

import (
	"fmt"
	"strings"
)

const maxTokens = 2048

const systemPrompt = `You are an end-to-end test author. Your task is to turn a natural language description of a user flow into a YAML scenario for a browser test runner.

You will receive:
1. A page map containing the URL, title, and available interactive elements, each with ranked selector candidates
2. The named targets and reusable flows already available to the scenario
3. A user prompt describing the flow and the outcome that proves it worked

Output ONE YAML document with these keys:
- "name": short identifier, e.g. TC101
- "title": one line describing the flow
- "intent": what the user is trying to achieve, lowercase
- "actions": ordered list, each item has exactly one of:
  - "navigate: <path>" for a route relative to the base URL
  - "fill: <target>" plus "text: <value>"
  - "click: <target>"
  - "wait_for_load_state: domcontentloaded" (or load, networkidle)
  - "wait_for_text: <visible text>"
  - "pause: <duration>" such as 500ms
  - "use: <flow>" to splice a reusable flow
  Any action may carry "timeout: <duration>".
- "assert": with "text": the confirmation text that must become visible, and optionally "timeout"

IMPORTANT - Commits:
Set "commit: true" on the action that submits data to the server (saving a form, confirming a dialog, signing in). Such actions are never replayed when the runner recovers from a stuck page.

Guidelines:
- Reference targets only by the names listed; never invent selectors
- Start with "use: login" when the flow needs an authenticated user and that flow is listed
- Follow every navigate with "wait_for_load_state: domcontentloaded"
- Add "wait_for_text" after navigation when a heading proves the page rendered
- Keep the sequence minimal but complete

Respond ONLY with the YAML document, no explanation.`

const repairPrompt = `Your previous scenario could not be used:

%s

Error: %s

Return the corrected YAML document only. Use only the listed target and flow names.`

func buildUserPrompt(pageMapJSON string, targets, flows []string, userPrompt string) string {
	var b strings.Builder
	b.WriteString("Page map:\n")
	b.WriteString(pageMapJSON)
	b.WriteString("\n\nTargets: ")
	b.WriteString(strings.Join(targets, ", "))
	if len(flows) > 0 {
		b.WriteString("\nFlows: ")
		b.WriteString(strings.Join(flows, ", "))
	}
	b.WriteString("\n\nUser request: ")
	b.WriteString(userPrompt)
	return b.String()
}

func buildRepairPrompt(userPrompt, previous string, err error) string {
	return userPrompt + "\n\n" + fmt.Sprintf(repairPrompt, previous, err)
}
