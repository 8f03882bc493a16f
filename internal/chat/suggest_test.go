package chat_test

import (
	"slices"
	"testing"

	"github.com/firelion/insight-web-ui/internal/chat"
)

func TestExtractSuggestions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "Labeled section with colon-truncated items",
			text: "分析完成。\n**下一步建议**：\n1. 检查缺失值：说明文字\n2. 绘制相关性图：说明\n\n结束",
			want: []string{"检查缺失值", "绘制相关性图"},
		},
		{
			name: "No suggestion section",
			text: "普通回复，没有建议部分",
			want: nil,
		},
		{
			name: "Stops at first non-numbered line",
			text: "下一步建议：\n1. 查看分布\n补充说明\n2. 不应出现",
			want: []string{"查看分布"},
		},
		{
			name: "Heading without colon",
			text: "## 下一步建议\n1. 对比两组数据\n2. 导出结果",
			want: []string{"对比两组数据", "导出结果"},
		},
		{
			name: "English heading",
			text: "Done.\n**Next Steps**:\n1. Inspect outliers\n2. Re-run the model",
			want: []string{"Inspect outliers", "Re-run the model"},
		},
		{
			name: "Markup stripped from items",
			text: "下一步建议：\n1. **检查缺失值**：有些列不完整",
			want: []string{"检查缺失值"},
		},
		{
			name: "Heading directly at end of text",
			text: "**下一步建议**：",
			want: nil,
		},
		{
			name: "Empty input",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chat.ExtractSuggestions(tt.text)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ExtractSuggestions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractSuggestionsIdempotent(t *testing.T) {
	text := "**下一步建议**：\n1. 检查缺失值：说明\n2. 查看分布：说明"

	first := chat.ExtractSuggestions(text)
	second := chat.ExtractSuggestions(text)

	if !slices.Equal(first, second) {
		t.Errorf("ExtractSuggestions() is not idempotent: %v vs %v", first, second)
	}
}

func TestCleanSuggestionLabel(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "Full-width colon truncation",
			line: "检查缺失值：部分列存在空值",
			want: "检查缺失值",
		},
		{
			name: "Emphasis markup removed",
			line: "**绘制散点图**",
			want: "绘制散点图",
		},
		{
			name: "Plain label untouched",
			line: "导出清洗后的数据",
			want: "导出清洗后的数据",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chat.CleanSuggestionLabel(tt.line); got != tt.want {
				t.Errorf("CleanSuggestionLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}
