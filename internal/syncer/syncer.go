package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/model"
	"github.com/andr-235/parseVK-sub000/internal/pkg/metrics"

	"gorm.io/gorm"
)

// ErrSyncConflict 表示并发写入导致唯一键冲突，整个批次已回滚，可以重试。
var ErrSyncConflict = errors.New("sync conflict")

const defaultChunkSize = 500

// Diff 是一次同步的结果。
type Diff struct {
	Created []model.Listing
	Updated []model.Listing
	Touched int // 只刷新了 LastSeenAt 的记录数
}

// Engine 将一批列表项同步到数据库。
type Engine struct {
	db        *gorm.DB
	logger    *slog.Logger
	now       func() time.Time
	chunkSize int
}

func NewEngine(db *gorm.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        db,
		logger:    logger,
		now:       time.Now,
		chunkSize: defaultChunkSize,
	}
}

// Sync 在单个事务中完成创建、更新与刷新。
//
// 批次内同一 ExternalID 以最后一次出现为准。新记录 FirstSeenAt = LastSeenAt = now；
// 跟踪字段有变化的记录更新这些字段与 LastSeenAt；无变化的记录只刷新 LastSeenAt。
// 同样的输入重复执行只会刷新 LastSeenAt。
//
// 参数:
//
//	ctx: 上下文
//	source: 来源
//	listings: 规范化后的列表项
//
// 返回值:
//
//	*Diff: 新建与更新的记录
//	error: 任何写入失败都会回滚整个事务
func (e *Engine) Sync(ctx context.Context, source model.Source, listings []model.NormalizedListing) (*Diff, error) {
	diff := &Diff{}
	if len(listings) == 0 {
		return diff, nil
	}

	batch := dedupLastWins(listings)
	ids := make([]string, 0, len(batch))
	for _, item := range batch {
		ids = append(ids, item.ExternalID)
	}
	now := e.now()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := e.loadExisting(tx, source, ids)
		if err != nil {
			return err
		}

		var created []model.Listing
		var touched []uint
		for _, item := range batch {
			current, ok := existing[item.ExternalID]
			if !ok {
				created = append(created, newRecord(source, item, now))
				continue
			}

			columns := applyChanges(&current, item)
			if len(columns) == 0 {
				touched = append(touched, current.ID)
				continue
			}
			current.LastSeenAt = now
			columns = append(columns, "last_seen_at")
			if err := tx.Model(&current).Select(columns).Updates(&current).Error; err != nil {
				return fmt.Errorf("update listing %s: %w", item.ExternalID, err)
			}
			diff.Updated = append(diff.Updated, current)
		}

		if len(created) > 0 {
			if err := tx.CreateInBatches(&created, 100).Error; err != nil {
				return fmt.Errorf("create listings: %w", err)
			}
			diff.Created = created
		}

		for start := 0; start < len(touched); start += e.chunkSize {
			end := min(start+e.chunkSize, len(touched))
			// UpdateColumn 不触发钩子，也不修改 updated_at
			if err := tx.Model(&model.Listing{}).
				Where("id IN ?", touched[start:end]).
				UpdateColumn("last_seen_at", now).Error; err != nil {
				return fmt.Errorf("touch listings: %w", err)
			}
		}
		diff.Touched = len(touched)
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %v", ErrSyncConflict, err)
		}
		return nil, err
	}

	label := source.String()
	metrics.SyncRecordsTotal.WithLabelValues(label, "created").Add(float64(len(diff.Created)))
	metrics.SyncRecordsTotal.WithLabelValues(label, "updated").Add(float64(len(diff.Updated)))
	metrics.SyncRecordsTotal.WithLabelValues(label, "touched").Add(float64(diff.Touched))
	e.logger.Info("listings synced",
		slog.String("source", label),
		slog.Int("batch", len(batch)),
		slog.Int("created", len(diff.Created)),
		slog.Int("updated", len(diff.Updated)),
		slog.Int("touched", diff.Touched))
	return diff, nil
}

// loadExisting 按 ExternalID 批量查询已有记录（常见批次只需一次查询）。
func (e *Engine) loadExisting(tx *gorm.DB, source model.Source, ids []string) (map[string]model.Listing, error) {
	existing := make(map[string]model.Listing, len(ids))
	for start := 0; start < len(ids); start += e.chunkSize {
		end := min(start+e.chunkSize, len(ids))
		var rows []model.Listing
		if err := tx.Where("source = ? AND external_id IN ?", source, ids[start:end]).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("load existing listings: %w", err)
		}
		for _, row := range rows {
			existing[row.ExternalID] = row
		}
	}
	return existing, nil
}

// dedupLastWins 保留每个 ExternalID 的最后一次出现，顺序按首次出现的位置。
func dedupLastWins(listings []model.NormalizedListing) []model.NormalizedListing {
	index := make(map[string]int, len(listings))
	out := make([]model.NormalizedListing, 0, len(listings))
	for _, item := range listings {
		if i, ok := index[item.ExternalID]; ok {
			out[i] = item
			continue
		}
		index[item.ExternalID] = len(out)
		out = append(out, item)
	}
	return out
}

func newRecord(source model.Source, item model.NormalizedListing, now time.Time) model.Listing {
	return model.Listing{
		Source:       source,
		ExternalID:   item.ExternalID,
		Title:        item.Title,
		URL:          item.URL,
		Price:        item.Price,
		PriceText:    item.PriceText,
		Address:      item.Address,
		Description:  item.Description,
		PreviewImage: item.PreviewImage,
		PublishedAt:  item.PublishedAt,
		Metadata:     item.Metadata,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
}
