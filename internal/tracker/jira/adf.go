package jira

import (
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// flattenADF concatenates every text-typed leaf of an Atlassian Document
// Format node tree into plain text, appending a newline after each
// paragraph/heading node (§4.3) — unlike the teacher's jira/adf.go, which
// renders to Markdown, this is a plain-text flatten: no fences, no link
// syntax, just readable prose for the evaluator prompt.
func flattenADF(node *models.CommentNodeScheme) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	flattenNode(&b, node)
	return strings.TrimRight(b.String(), "\n")
}

func flattenNode(b *strings.Builder, node *models.CommentNodeScheme) {
	if node == nil {
		return
	}
	switch node.Type {
	case "text":
		b.WriteString(node.Text)
	case "paragraph", "heading":
		for _, child := range node.Content {
			flattenNode(b, child)
		}
		b.WriteString("\n")
	case "hardBreak":
		b.WriteString("\n")
	default:
		for _, child := range node.Content {
			flattenNode(b, child)
		}
	}
}
