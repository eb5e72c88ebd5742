package balancer

import (
	"strings"

	"github.com/loomworks/loom/pkg/types"
)

// Fixed vocabularies for keyword classification of task content. A task
// matching one vocabulary more strongly than the other is routed with
// affinity to nodes of that domain.
var (
	businessKeywords = []string{
		"billing", "invoice", "payment", "customer", "order", "sales",
		"revenue", "forecast", "report", "compliance", "contract",
		"campaign", "crm", "lead", "quote",
	}

	technicalKeywords = []string{
		"deploy", "build", "database", "migration", "api", "server",
		"refactor", "bug", "incident", "pipeline", "kubernetes",
		"infra", "code", "test", "release",
	}
)

// ClassifyDomain inspects task content and returns the matching node
// domain, or empty when the content matches neither vocabulary (or both
// equally).
func ClassifyDomain(content string) types.NodeDomain {
	lower := strings.ToLower(content)

	business := 0
	for _, kw := range businessKeywords {
		if strings.Contains(lower, kw) {
			business++
		}
	}
	technical := 0
	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			technical++
		}
	}

	switch {
	case business > technical:
		return types.DomainBusiness
	case technical > business:
		return types.DomainTechnical
	default:
		return ""
	}
}
