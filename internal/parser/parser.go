package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/andr-235/parseVK-sub000/internal/model"
	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"

	"github.com/PuerkitoBio/goquery"
)

// Page 是单个列表页的解析结果。
type Page struct {
	Listings    []model.RawListing
	HasNextPage bool
	Skipped     int // 缺少 ID 或标题而被跳过的卡片数
}

// Parser 将来源的列表页 HTML 转换为原始列表项。
type Parser interface {
	Parse(html, pageURL string) (*Page, error)
}

// RuleParser 是基于 Rules 的 goquery 实现。
type RuleParser struct {
	source    model.Source
	logger    *slog.Logger
	card      []candidate
	id        []candidate
	idPattern *regexp.Regexp
	title     []candidate
	link      []candidate
	price     []candidate
	address   []candidate
	desc      []candidate
	image     []candidate
	published []candidate
	metadata  map[string][]candidate
	next      []candidate
}

// New 根据规则创建解析器。
//
// 参数:
//
//	source: 来源名称（用于日志与指标）
//	rules: 选择器规则，Card 不能为空
//	logger: 日志记录器
//
// 返回值:
//
//	*RuleParser: 解析器
//	error: 规则无效时返回错误
func New(source model.Source, rules Rules, logger *slog.Logger) (*RuleParser, error) {
	if len(rules.Card) == 0 {
		return nil, fmt.Errorf("source %s: card selector is required", source)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &RuleParser{
		source:    source,
		logger:    logger,
		card:      parseCandidates(rules.Card),
		id:        parseCandidates(rules.ExternalID),
		title:     parseCandidates(rules.Title),
		link:      parseCandidates(rules.URL),
		price:     parseCandidates(rules.Price),
		address:   parseCandidates(rules.Address),
		desc:      parseCandidates(rules.Description),
		image:     parseCandidates(rules.PreviewImage),
		published: parseCandidates(rules.PublishedAt),
		next:      parseCandidates(rules.NextPage),
	}
	if rules.ExternalIDPattern != "" {
		re, err := regexp.Compile(rules.ExternalIDPattern)
		if err != nil {
			return nil, fmt.Errorf("source %s: external id pattern: %w", source, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("source %s: external id pattern needs a capture group", source)
		}
		p.idPattern = re
	}
	if len(rules.Metadata) > 0 {
		p.metadata = make(map[string][]candidate, len(rules.Metadata))
		for key, sels := range rules.Metadata {
			p.metadata[key] = parseCandidates(sels)
		}
	}
	return p, nil
}

// Parse 解析列表页。
//
// 没有匹配到任何卡片不是错误，返回空列表。
func (p *RuleParser) Parse(html, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	page := &Page{}
	cards := selectCards(doc.Selection, p.card)
	cards.Each(func(_ int, card *goquery.Selection) {
		raw, err := p.extract(card, base)
		if err != nil {
			page.Skipped++
			p.logger.Debug("listing card skipped",
				slog.String("source", p.source.String()),
				slog.String("reason", err.Error()))
			return
		}
		page.Listings = append(page.Listings, raw)
	})
	page.HasNextPage = hasNext(doc.Selection, p.next)

	metrics.ListingsParsedTotal.WithLabelValues(p.source.String()).Add(float64(len(page.Listings)))
	if page.Skipped > 0 {
		metrics.CardsSkippedTotal.WithLabelValues(p.source.String()).Add(float64(page.Skipped))
	}
	return page, nil
}

var (
	errMissingID    = errors.New("missing external id")
	errMissingTitle = errors.New("missing title")
)

func (p *RuleParser) extract(card *goquery.Selection, base *url.URL) (model.RawListing, error) {
	link := firstValue(card, p.link)

	id := firstValue(card, p.id)
	if id == "" && p.idPattern != nil && link != "" {
		if m := p.idPattern.FindStringSubmatch(link); len(m) > 1 {
			id = m[1]
		}
	}
	if id == "" {
		return model.RawListing{}, errMissingID
	}
	title := firstValue(card, p.title)
	if title == "" {
		return model.RawListing{}, errMissingTitle
	}

	raw := model.RawListing{
		ExternalID:  id,
		Title:       title,
		URL:         resolveURL(base, link),
		PriceText:   firstValue(card, p.price),
		Address:     firstValue(card, p.address),
		PublishedAt: firstValue(card, p.published),
	}
	if v := firstValue(card, p.desc); v != "" {
		raw.Description = &v
	}
	if v := resolveURL(base, firstValue(card, p.image)); v != "" {
		raw.PreviewImage = &v
	}
	for key, cands := range p.metadata {
		if v := firstValue(card, cands); v != "" {
			if raw.Metadata == nil {
				raw.Metadata = make(map[string]string, len(p.metadata))
			}
			raw.Metadata[key] = v
		}
	}
	return raw, nil
}

// selectCards 返回第一个能匹配到卡片的候选选择器的结果。
func selectCards(root *goquery.Selection, cands []candidate) *goquery.Selection {
	for _, c := range cands {
		if c.css == "" {
			continue
		}
		if found := root.Find(c.css); found.Length() > 0 {
			return found
		}
	}
	return root.Find("__no_cards__")
}

// firstValue 依次尝试候选，返回第一个非空值。
func firstValue(scope *goquery.Selection, cands []candidate) string {
	for _, c := range cands {
		target := scope
		if c.css != "" {
			target = scope.Find(c.css).First()
		}
		if target.Length() == 0 {
			continue
		}
		var v string
		if c.attr != "" {
			v = target.AttrOr(c.attr, "")
			if c.attr == "srcset" {
				v = firstSrcset(v)
			}
		} else {
			v = target.Text()
		}
		if v = cleanText(v); v != "" {
			return v
		}
	}
	return ""
}

// hasNext 判断页面上是否存在可用的“下一页”控件。
func hasNext(root *goquery.Selection, cands []candidate) bool {
	for _, c := range cands {
		if c.css == "" {
			continue
		}
		found := false
		root.Find(c.css).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if isDisabled(s) {
				return true
			}
			if c.attr != "" && strings.TrimSpace(s.AttrOr(c.attr, "")) == "" {
				return true
			}
			found = true
			return false
		})
		if found {
			return true
		}
	}
	return false
}

func isDisabled(s *goquery.Selection) bool {
	if _, ok := s.Attr("disabled"); ok {
		return true
	}
	if strings.EqualFold(s.AttrOr("aria-disabled", ""), "true") {
		return true
	}
	for _, class := range strings.Fields(s.AttrOr("class", "")) {
		if strings.Contains(strings.ToLower(class), "disabled") {
			return true
		}
	}
	return false
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstSrcset(v string) string {
	first, _, _ := strings.Cut(v, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// resolveURL 将相对链接补全为绝对地址。
func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() || base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
