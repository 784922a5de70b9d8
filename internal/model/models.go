package model

import (
	"fmt"
	"strings"
	"time"
)

// Source 标识一个分类信息网站。
type Source string

const (
	SourceAvito   Source = "avito"
	SourceFarpost Source = "farpost"
)

func (s Source) String() string { return string(s) }

// ParseSource 规范化来源名称（去空白、转小写）。
func ParseSource(v string) (Source, error) {
	name := strings.ToLower(strings.TrimSpace(v))
	if name == "" {
		return "", fmt.Errorf("source name is empty")
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return "", fmt.Errorf("invalid source name %q", v)
		}
	}
	return Source(name), nil
}

// RawListing 是从列表卡片中提取出的原始字段。
//
// ExternalID 与 Title 必须非空，缺失任一字段的卡片由解析器丢弃。
type RawListing struct {
	ExternalID   string
	Title        string
	URL          string
	PriceText    string
	Address      string
	Description  *string
	PreviewImage *string
	PublishedAt  string
	Metadata     map[string]string
}

// NormalizedListing 是经过规范化、可以入库的列表项。
type NormalizedListing struct {
	Source       Source
	ExternalID   string
	Title        string
	URL          string // 绝对地址
	Price        *int64 // 无法解析时为 nil
	PriceText    string
	Address      string
	Description  *string
	PreviewImage *string
	PublishedAt  time.Time
	Metadata     map[string]string
}

// Listing 表示持久化的列表项。
//
// (Source, ExternalID) 唯一；FirstSeenAt 创建后不再修改；记录不会被引擎删除。
type Listing struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 入库时间
	UpdatedAt time.Time // 跟踪字段最后一次变化的时间

	Source       Source            `gorm:"type:varchar(32);not null;uniqueIndex:idx_listings_source_external,priority:1"`
	ExternalID   string            `gorm:"type:varchar(128);not null;uniqueIndex:idx_listings_source_external,priority:2"`
	Title        string            `gorm:"type:varchar(512);not null"`
	URL          string            `gorm:"type:varchar(1024)"`
	Price        *int64            // 价格（整数货币单位）
	PriceText    string            `gorm:"type:varchar(128)"`
	Address      string            `gorm:"type:varchar(512)"`
	Description  *string           `gorm:"type:text"`
	PreviewImage *string           `gorm:"type:varchar(1024)"`
	PublishedAt  time.Time         `gorm:"index"`
	Metadata     map[string]string `gorm:"type:text;serializer:json"`

	FirstSeenAt time.Time // 首次发现时间
	LastSeenAt  time.Time `gorm:"index"` // 最近一次出现在抓取结果中的时间
}

// TableName 固定表名。
func (Listing) TableName() string { return "listings" }
