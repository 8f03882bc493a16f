package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RouteID identifies one of the backend's processing strategies.
type RouteID string

const (
	// RouteReport is the direct report-generation strategy: the backend writes a full
	// analysis report without invoking tools.
	RouteReport RouteID = "report"
	// RouteTool is the tool-invocation strategy: the backend calls data tools, possibly
	// repeatedly, before answering.
	RouteTool RouteID = "tool"
)

// Classification is the result of routing one user utterance. Reason is a human-readable
// description of which rule fired, surfaced in the UI and asserted in tests.
type Classification struct {
	Route  RouteID
	Reason string
}

// ClassifierConfig holds the keyword tables and thresholds of the route classifier. The
// exact fallback thresholds are heuristic, so they are carried as data rather than code.
type ClassifierConfig struct {
	ReportKeywords []string `yaml:"reportKeywords"`
	ToolKeywords   []string `yaml:"toolKeywords"`
	ReasoningWords []string `yaml:"reasoningWords"`

	// LengthThreshold is the rune count above which a keyword-less utterance is routed to
	// the report strategy.
	LengthThreshold int `yaml:"lengthThreshold"`
}

// DefaultClassifierConfig returns the keyword tables observed to match the backend's own
// routing behavior.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		ReportKeywords: []string{
			"报告", "总结", "汇总", "综述", "概述",
			"report", "summary", "summarize", "overview",
		},
		ToolKeywords: []string{
			"绘制", "可视化", "热力图", "柱状图", "折线图", "散点图", "饼图",
			"图表", "计算", "统计", "筛选", "过滤", "相关性", "分布",
			"chart", "plot", "visualize", "histogram", "scatter", "filter", "compute",
		},
		ReasoningWords: []string{
			"为什么", "如何", "怎么", "why", "how",
		},
		LengthThreshold: 100,
	}
}

// Classify routes a user utterance to a processing strategy. It is pure and deterministic:
// the same utterance always yields the same classification. It must run once per utterance,
// never mid-stream.
func (c ClassifierConfig) Classify(utterance string) Classification {
	lowered := strings.ToLower(utterance)

	reportHits := matchKeywords(lowered, c.ReportKeywords)
	toolHits := matchKeywords(lowered, c.ToolKeywords)

	switch {
	case len(reportHits) > 0 && len(toolHits) == 0:
		return Classification{
			Route:  RouteReport,
			Reason: fmt.Sprintf("matched report keywords: %s", strings.Join(reportHits, ", ")),
		}
	case len(toolHits) > 0 && len(reportHits) == 0:
		return Classification{
			Route:  RouteTool,
			Reason: fmt.Sprintf("matched tool keywords: %s", strings.Join(toolHits, ", ")),
		}
	case len(reportHits) > 0 && len(toolHits) > 0:
		// Both sets matched; the literal word for "report" wins the tie.
		if strings.Contains(lowered, "报告") || strings.Contains(lowered, "report") {
			return Classification{
				Route:  RouteReport,
				Reason: fmt.Sprintf("both keyword sets matched, utterance names a 报告/report explicitly (report: %s; tool: %s)",
					strings.Join(reportHits, ", "), strings.Join(toolHits, ", ")),
			}
		}
		return Classification{
			Route:  RouteTool,
			Reason: fmt.Sprintf("both keyword sets matched without naming a report (report: %s; tool: %s)",
				strings.Join(reportHits, ", "), strings.Join(toolHits, ", ")),
		}
	}

	// Neither set matched: long or reasoning-flavored utterances read like report requests,
	// short imperative ones like tool requests.
	if utf8.RuneCountInString(utterance) > c.LengthThreshold {
		return Classification{
			Route:  RouteReport,
			Reason: fmt.Sprintf("no keywords matched, utterance longer than %d runes", c.LengthThreshold),
		}
	}
	if hits := matchKeywords(lowered, c.ReasoningWords); len(hits) > 0 {
		return Classification{
			Route:  RouteReport,
			Reason: fmt.Sprintf("no keywords matched, utterance contains reasoning words: %s", strings.Join(hits, ", ")),
		}
	}
	return Classification{
		Route:  RouteTool,
		Reason: "no keywords matched, short utterance defaults to the tool route",
	}
}

func matchKeywords(lowered string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}
