package config

import (
	"fmt"
	"os"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/parser"

	"gopkg.in/yaml.v3"
)

// SourceConfig 描述一个分类信息来源。
type SourceConfig struct {
	Name      string       `json:"name" yaml:"name"`
	BaseURLs  []string     `json:"base_urls" yaml:"base_urls"`   // 默认采集的列表页（按顺序抓取并汇总）
	PageParam string       `json:"page_param" yaml:"page_param"` // 分页查询参数名
	MaxPages  int          `json:"max_pages" yaml:"max_pages"`   // 覆盖 crawl.max_pages（0 表示沿用）
	Rules     parser.Rules `json:"rules" yaml:"rules"`

	RequestDelay time.Duration `json:"-" yaml:"-"`
}

type sourcesFile struct {
	Sources []yamlSource `yaml:"sources"`
}

type yamlSource struct {
	SourceConfig `yaml:",inline"`
	RequestDelay string `yaml:"request_delay"`
}

// mergeSourcesFile 读取 YAML 来源文件，同名来源整体替换，新来源追加。
func mergeSourcesFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sources file: %w", err)
	}
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse sources file: %w", err)
	}

	for _, ys := range file.Sources {
		src := ys.SourceConfig
		if ys.RequestDelay != "" {
			d, err := time.ParseDuration(ys.RequestDelay)
			if err != nil {
				return fmt.Errorf("source %q: invalid request_delay: %w", src.Name, err)
			}
			src.RequestDelay = d
		}
		if src.PageParam == "" {
			src.PageParam = "page"
		}

		replaced := false
		for i := range cfg.Sources {
			if cfg.Sources[i].Name == src.Name {
				cfg.Sources[i] = src
				replaced = true
				break
			}
		}
		if !replaced {
			cfg.Sources = append(cfg.Sources, src)
		}
	}
	return nil
}

// DefaultSources 返回内置的来源定义。
//
// 选择器按从新到旧的页面版本排列，站点改版时在列表前面追加新候选即可。
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			Name:      "avito",
			BaseURLs:  []string{"https://www.avito.ru/all/kvartiry/prodam-ASgBAgICAUSSA8YQ?s=104"},
			PageParam: "p",
			Rules: parser.Rules{
				Card:              []string{`[data-marker="item"]`, `div.iva-item-root`, `div[data-marker="item-card"]`},
				ExternalID:        []string{"@data-item-id", "@id"},
				ExternalIDPattern: `_(\d+)(?:\?.*)?$`,
				Title:             []string{`[itemprop="name"]`, `[data-marker="item-title"] h3`, `[data-marker="item-title"]`},
				URL:               []string{`a[data-marker="item-title"]@href`, `a[itemprop="url"]@href`, `a@href`},
				Price:             []string{`[data-marker="item-price"]`, `meta[itemprop="price"]@content`, `span.price`},
				Address:           []string{`[data-marker="item-address"]`, `div[class*="geo-root"]`, `span[class*="geo-address"]`},
				Description:       []string{`div[class*="item-description"]`, `meta[itemprop="description"]@content`},
				PreviewImage:      []string{`img[itemprop="image"]@src`, `img@src`, `img@srcset`},
				PublishedAt:       []string{`[data-marker="item-date"]`, `[data-marker="item-date/tooltip/reference"]`},
				Metadata: map[string][]string{
					"badge":  {`[data-marker="badge-title"]`},
					"seller": {`[data-marker="item-line"] a`, `div[class*="style-root"] p`},
				},
				NextPage: []string{
					`[data-marker="pagination-button/nextPage"]`,
					`[data-marker="pagination-button/next"]`,
					`a[aria-label="Следующая страница"]`,
				},
			},
		},
		{
			Name: "farpost",
			BaseURLs: []string{
				"https://www.farpost.ru/vladivostok/realty/sell_flats/",
				"https://www.farpost.ru/vladivostok/realty/rent_flats/",
			},
			PageParam: "page",
			Rules: parser.Rules{
				Card:              []string{`tr.bull-list-item-js`, `div.bull-item`, `[data-doc-id]`},
				ExternalID:        []string{"@data-doc-id", "@data-bulletin-id"},
				ExternalIDPattern: `-(\d+)\.html`,
				Title:             []string{`a.bulletinLink`, `.bull-item__self-link`, `.bull-item__subject`},
				URL:               []string{`a.bulletinLink@href`, `.bull-item__self-link@href`, `a@href`},
				Price:             []string{`.price-block__price`, `.finalPrice`, `.price`},
				Address:           []string{`.bull-item__annotation-row`, `.bull-delivery__city`},
				Description:       []string{`.bull-item__annotation-row:nth-of-type(2)`, `.annotation`},
				PreviewImage:      []string{`.bull-image img@data-src`, `.bull-image img@src`, `img@src`},
				PublishedAt:       []string{`.date`, `.bull-item__date`, `[data-role="date"]`},
				// 元数据参与变化检测，只收集不随浏览变化的字段（浏览数等计数器不收集）
				Metadata: map[string][]string{
					"delivery": {`.bull-delivery__label`, `.bull-item__delivery`},
				},
				NextPage: []string{`a.pagination__link_next`, `a[rel="next"]`, `.pager a.next`},
			},
		},
	}
}
