package parser

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/andr-235/parseVK-sub000/internal/model"

	"github.com/araddon/dateparse"
)

var (
	priceNumberRe   = regexp.MustCompile(`\d[\d.,]*`)
	priceFractionRe = regexp.MustCompile(`^(.*\d)[.,](\d{1,2})$`)

	relativeAgoRe = regexp.MustCompile(`^(?:(\d+)\s*)?([\p{L}.]+)\s+(?:назад|ago)$`)
	clockRe       = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	ruDateRe      = regexp.MustCompile(`^(\d{1,2})\s+(\p{L}+)\.?(?:\s+(\d{4}))?(?:\s*(?:г\.)?[\s,]+(?:в\s+)?(\d{1,2}):(\d{2}))?$`)
	numericDateRe = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{4})(?:[\s,]+(?:в\s+)?(\d{1,2}):(\d{2}))?$`)
	epochRe       = regexp.MustCompile(`^\d{10}(\d{3})?$`)
)

var freePriceWords = []string{"бесплатно", "даром", "free"}

// ErrNoPublishDate 表示列表项没有可解析的发布时间。
var ErrNoPublishDate = errors.New("publish date is empty")

// Normalize 将原始列表项转换为可入库的形式。
//
// 价格无法解析时 Price 为 nil；发布时间无法解析时返回错误，调用方应丢弃该项。
// 相对时间（"5 минут назад"、"вчера в 14:30"）以 now 及其时区为基准。
func Normalize(source model.Source, raw model.RawListing, pageURL string, now time.Time) (model.NormalizedListing, error) {
	published, err := ParsePublishedAt(raw.PublishedAt, now)
	if err != nil {
		return model.NormalizedListing{}, fmt.Errorf("listing %s: %w", raw.ExternalID, err)
	}

	var price *int64
	if v, err := parsePrice(raw.PriceText); err == nil {
		price = &v
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	var meta map[string]string
	if len(raw.Metadata) > 0 {
		meta = make(map[string]string, len(raw.Metadata))
		for k, v := range raw.Metadata {
			meta[k] = v
		}
	}

	return model.NormalizedListing{
		Source:       source,
		ExternalID:   raw.ExternalID,
		Title:        raw.Title,
		URL:          resolveURL(base, raw.URL),
		Price:        price,
		PriceText:    raw.PriceText,
		Address:      raw.Address,
		Description:  raw.Description,
		PreviewImage: raw.PreviewImage,
		PublishedAt:  published.Truncate(time.Second),
		Metadata:     meta,
	}, nil
}

// parsePrice 从价格文本中提取整数金额。
//
// 它会移除空白（含不间断空格）和货币符号，识别 "тыс"/"млн" 倍数，
// 舍弃一到两位的小数部分。
//
// 参数:
//
//	txt: 原始价格字符串，如 "12 500 ₽"、"1,5 млн руб."
//
// 返回值:
//
//	int64: 解析后的数值
//	error: 解析失败返回错误（例如 "Договорная"）
func parsePrice(txt string) (int64, error) {
	lower := strings.ToLower(strings.TrimSpace(txt))
	if lower == "" {
		return 0, fmt.Errorf("empty price")
	}
	for _, w := range freePriceWords {
		if strings.Contains(lower, w) {
			return 0, nil
		}
	}

	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, lower)

	multiplier := 1.0
	switch {
	case strings.Contains(cleaned, "млрд"):
		multiplier = 1e9
	case strings.Contains(cleaned, "млн"):
		multiplier = 1e6
	case strings.Contains(cleaned, "тыс"):
		multiplier = 1e3
	}

	matches := priceNumberRe.FindAllString(cleaned, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("no digits")
	}
	// 与按长度择优的策略一致：取最长的数字片段
	best := ""
	for _, m := range matches {
		m = strings.TrimRight(m, ".,")
		if len(m) > len(best) {
			best = m
		}
	}

	if multiplier > 1 {
		f, err := strconv.ParseFloat(strings.ReplaceAll(best, ",", "."), 64)
		if err != nil {
			return 0, fmt.Errorf("parse price %q: %w", best, err)
		}
		return int64(math.Round(f * multiplier)), nil
	}

	if m := priceFractionRe.FindStringSubmatch(best); m != nil {
		best = m[1]
	}
	best = strings.NewReplacer(".", "", ",", "").Replace(best)
	val, err := strconv.ParseInt(best, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", best, err)
	}
	return val, nil
}

// ParsePublishedAt 解析列表卡片上的发布时间。
//
// 支持相对时间（RU/EN）、"сегодня/вчера [в] HH:MM"、"12 марта [2024] [в] 14:30"、
// 日在前的 "12.03.2024 [в] 14:30"、Unix 时间戳，以及 dateparse 能识别的其他绝对格式。
func ParsePublishedAt(text string, now time.Time) (time.Time, error) {
	s := strings.ToLower(cleanText(text))
	if s == "" {
		return time.Time{}, ErrNoPublishDate
	}
	loc := now.Location()

	if epochRe.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			if len(s) == 13 {
				return time.UnixMilli(n).In(loc), nil
			}
			return time.Unix(n, 0).In(loc), nil
		}
	}

	if s == "только что" || s == "just now" {
		return truncateTo(now, time.Minute), nil
	}

	if t, ok := parseDayWord(s, now); ok {
		return t, nil
	}

	if m := relativeAgoRe.FindStringSubmatch(s); m != nil {
		n := 1
		if m[1] != "" {
			v, err := strconv.Atoi(m[1])
			if err != nil {
				return time.Time{}, fmt.Errorf("relative date %q: %w", text, err)
			}
			n = v
		}
		if t, ok := subtractUnit(now, n, m[2]); ok {
			return t, nil
		}
	}

	if m := ruDateRe.FindStringSubmatch(s); m != nil {
		if month, ok := ruMonth(m[2]); ok {
			day, _ := strconv.Atoi(m[1])
			year := now.Year()
			explicitYear := m[3] != ""
			if explicitYear {
				year, _ = strconv.Atoi(m[3])
			}
			hour, minute := 0, 0
			if m[4] != "" {
				hour, _ = strconv.Atoi(m[4])
				minute, _ = strconv.Atoi(m[5])
			}
			t := time.Date(year, month, day, hour, minute, 0, 0, loc)
			if !explicitYear && t.After(now.Add(24*time.Hour)) {
				t = t.AddDate(-1, 0, 0)
			}
			return t, nil
		}
	}

	if m := numericDateRe.FindStringSubmatch(s); m != nil {
		return parseNumericDate(text, m, loc)
	}

	t, err := dateparse.ParseIn(strings.TrimSpace(text), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized publish date %q: %w", text, err)
	}
	return t, nil
}

// parseNumericDate 按 DD.MM.YYYY 解析，不交给 dateparse，后者把点分日期当作月在前。
func parseNumericDate(text string, m []string, loc *time.Location) (time.Time, error) {
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, minute := 0, 0
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("unrecognized publish date %q: field out of range", text)
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("unrecognized publish date %q: day out of range", text)
	}
	return t, nil
}

// parseDayWord 处理 "сегодня"/"вчера"/"позавчера"（及英文）开头的日期。
// 没有具体时刻时取当天零点，保证多次抓取得到相同结果。
func parseDayWord(s string, now time.Time) (time.Time, bool) {
	offset := -1
	switch {
	case strings.HasPrefix(s, "позавчера"):
		offset = 2
	case strings.HasPrefix(s, "сегодня"), strings.HasPrefix(s, "today"):
		offset = 0
	case strings.HasPrefix(s, "вчера"), strings.HasPrefix(s, "yesterday"):
		offset = 1
	}
	if offset < 0 {
		return time.Time{}, false
	}
	day := now.AddDate(0, 0, -offset)
	hour, minute := 0, 0
	if m := clockRe.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location()), true
}

// subtractUnit 计算 "N <单位> назад"，结果截断到该单位的粒度。
func subtractUnit(now time.Time, n int, unit string) (time.Time, bool) {
	unit = strings.TrimSuffix(unit, ".")
	switch {
	case hasAnyPrefix(unit, "сек", "sec"):
		return truncateTo(now.Add(-time.Duration(n)*time.Second), time.Second), true
	case hasAnyPrefix(unit, "мин", "min"):
		return truncateTo(now.Add(-time.Duration(n)*time.Minute), time.Minute), true
	case hasAnyPrefix(unit, "час", "hour", "hr") || unit == "ч":
		return truncateTo(now.Add(-time.Duration(n)*time.Hour), time.Hour), true
	case hasAnyPrefix(unit, "дн", "день", "day", "сут"):
		return startOfDay(now.AddDate(0, 0, -n)), true
	case hasAnyPrefix(unit, "недел", "week"):
		return startOfDay(now.AddDate(0, 0, -7*n)), true
	case hasAnyPrefix(unit, "месяц", "month"):
		return startOfDay(now.AddDate(0, -n, 0)), true
	case hasAnyPrefix(unit, "год", "лет", "year"):
		return startOfDay(now.AddDate(-n, 0, 0)), true
	}
	return time.Time{}, false
}

var ruMonths = []struct {
	prefix string
	month  time.Month
}{
	{"янв", time.January},
	{"фев", time.February},
	{"мар", time.March},
	{"апр", time.April},
	{"мая", time.May},
	{"май", time.May},
	{"июн", time.June},
	{"июл", time.July},
	{"авг", time.August},
	{"сен", time.September},
	{"окт", time.October},
	{"ноя", time.November},
	{"дек", time.December},
}

func ruMonth(word string) (time.Month, bool) {
	for _, m := range ruMonths {
		if strings.HasPrefix(word, m.prefix) {
			return m.month, true
		}
	}
	return 0, false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func truncateTo(t time.Time, unit time.Duration) time.Time {
	switch unit {
	case time.Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case time.Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, t.Location())
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
