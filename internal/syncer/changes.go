package syncer

import (
	"time"

	"github.com/andr-235/parseVK-sub000/internal/model"
)

// applyChanges 将 item 中有变化的跟踪字段写入 current，返回变化的列名。
//
// 跟踪字段：title, price, price_text, address, description, preview_image,
// published_at（按时间点比较）, metadata（按内容比较，nil 与空 map 视为相同）。
// URL 不在跟踪范围内。
func applyChanges(current *model.Listing, item model.NormalizedListing) []string {
	var columns []string

	if current.Title != item.Title {
		current.Title = item.Title
		columns = append(columns, "title")
	}
	if !equalInt64Ptr(current.Price, item.Price) {
		current.Price = item.Price
		columns = append(columns, "price")
	}
	if current.PriceText != item.PriceText {
		current.PriceText = item.PriceText
		columns = append(columns, "price_text")
	}
	if current.Address != item.Address {
		current.Address = item.Address
		columns = append(columns, "address")
	}
	if !equalStringPtr(current.Description, item.Description) {
		current.Description = item.Description
		columns = append(columns, "description")
	}
	if !equalStringPtr(current.PreviewImage, item.PreviewImage) {
		current.PreviewImage = item.PreviewImage
		columns = append(columns, "preview_image")
	}
	if !sameInstant(current.PublishedAt, item.PublishedAt) {
		current.PublishedAt = item.PublishedAt
		columns = append(columns, "published_at")
	}
	if !equalMetadata(current.Metadata, item.Metadata) {
		current.Metadata = item.Metadata
		columns = append(columns, "metadata")
	}
	return columns
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// sameInstant 以毫秒精度比较，MySQL datetime(3) 不保存更细的精度。
func sameInstant(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli()
}

func equalMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
