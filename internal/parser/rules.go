package parser

import (
	"regexp"
	"strings"
)

// Rules 描述一个来源的列表页结构。
//
// 每个字段都是有序的候选选择器列表，第一个取到非空值的候选生效。候选语法：
//
//	"css"        取匹配元素的文本
//	"css@attr"   取匹配元素的属性
//	"@attr"      取卡片自身的属性
type Rules struct {
	Card              []string            `json:"card" yaml:"card"`
	ExternalID        []string            `json:"external_id" yaml:"external_id"`
	ExternalIDPattern string              `json:"external_id_pattern" yaml:"external_id_pattern"` // 从链接中提取 ID 的正则（第一个捕获组）
	Title             []string            `json:"title" yaml:"title"`
	URL               []string            `json:"url" yaml:"url"`
	Price             []string            `json:"price" yaml:"price"`
	Address           []string            `json:"address" yaml:"address"`
	Description       []string            `json:"description" yaml:"description"`
	PreviewImage      []string            `json:"preview_image" yaml:"preview_image"`
	PublishedAt       []string            `json:"published_at" yaml:"published_at"`
	Metadata          map[string][]string `json:"metadata" yaml:"metadata"`
	NextPage          []string            `json:"next_page" yaml:"next_page"`
}

var attrNameRe = regexp.MustCompile(`^[a-zA-Z_:][-a-zA-Z0-9_:.]*$`)

// candidate 是解析后的单个候选选择器。
type candidate struct {
	css  string
	attr string
}

func parseCandidate(raw string) candidate {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndex(raw, "@")
	if idx < 0 {
		return candidate{css: raw}
	}
	attr := raw[idx+1:]
	if !attrNameRe.MatchString(attr) {
		return candidate{css: raw}
	}
	return candidate{css: strings.TrimSpace(raw[:idx]), attr: attr}
}

func parseCandidates(raws []string) []candidate {
	out := make([]candidate, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		out = append(out, parseCandidate(raw))
	}
	return out
}
