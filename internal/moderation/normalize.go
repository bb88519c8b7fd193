package moderation

import "strings"

// NormalizeText lowercases text, trims surrounding whitespace, and collapses
// internal whitespace runs to single spaces. Both the rule classifier and the
// remote classifier receive this form, so keyword lists and the model see the
// same input.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
