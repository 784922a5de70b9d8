package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/model"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"rubles with nbsp", "12 500 ₽", 12500, false},
		{"rubles with spaces", "3 200 000 руб.", 3200000, false},
		{"thin space", "45 000 ₽", 45000, false},
		{"comma thousands", "12,500", 12500, false},
		{"dot thousands", "1.200.000 ₽", 1200000, false},
		{"kopecks dropped", "1 200,50 ₽", 1200, false},
		{"from prefix", "от 990 ₽ за сутки", 990, false},
		{"million", "1,5 млн ₽", 1500000, false},
		{"thousand", "35 тыс. ₽", 35000, false},
		{"free", "Бесплатно", 0, false},
		{"negotiable", "Договорная", 0, true},
		{"empty", "   ", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePrice(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("parsePrice(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParsePublishedAt(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)
	now := time.Date(2024, time.March, 15, 12, 34, 56, 789, loc)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"5 минут назад", time.Date(2024, 3, 15, 12, 29, 0, 0, loc)},
		{"минуту назад", time.Date(2024, 3, 15, 12, 33, 0, 0, loc)},
		{"2 часа назад", time.Date(2024, 3, 15, 10, 0, 0, 0, loc)},
		{"3 hours ago", time.Date(2024, 3, 15, 9, 0, 0, 0, loc)},
		{"2 дня назад", time.Date(2024, 3, 13, 0, 0, 0, 0, loc)},
		{"1 неделю назад", time.Date(2024, 3, 8, 0, 0, 0, 0, loc)},
		{"Сегодня в 09:15", time.Date(2024, 3, 15, 9, 15, 0, 0, loc)},
		{"сегодня", time.Date(2024, 3, 15, 0, 0, 0, 0, loc)},
		{"Вчера, 23:59", time.Date(2024, 3, 14, 23, 59, 0, 0, loc)},
		{"yesterday 08:00", time.Date(2024, 3, 14, 8, 0, 0, 0, loc)},
		{"позавчера", time.Date(2024, 3, 13, 0, 0, 0, 0, loc)},
		{"12 марта 14:30", time.Date(2024, 3, 12, 14, 30, 0, 0, loc)},
		{"12 марта, 14:30", time.Date(2024, 3, 12, 14, 30, 0, 0, loc)},
		{"1 мая в 10:00", time.Date(2023, 5, 1, 10, 0, 0, 0, loc)},
		{"28 декабря 2023", time.Date(2023, 12, 28, 0, 0, 0, 0, loc)},
		{"12.03.2024", time.Date(2024, 3, 12, 0, 0, 0, 0, loc)},
		{"25.03.2024", time.Date(2024, 3, 25, 0, 0, 0, 0, loc)},
		{"12.03.2024 14:30", time.Date(2024, 3, 12, 14, 30, 0, 0, loc)},
		{"01.02.2024, в 09:05", time.Date(2024, 2, 1, 9, 5, 0, 0, loc)},
		{"1710496496", time.Unix(1710496496, 0).In(loc)},
		{"2024-03-10T08:00:00+03:00", time.Date(2024, 3, 10, 8, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePublishedAt(tt.input, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParsePublishedAt(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParsePublishedAtStableAcrossCalls(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)
	a, err := ParsePublishedAt("2 часа назад", time.Date(2024, 3, 15, 12, 10, 0, 0, loc))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParsePublishedAt("2 часа назад", time.Date(2024, 3, 15, 12, 40, 0, 0, loc))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatalf("hour-granularity phrase drifted: %v vs %v", a, b)
	}
}

func TestParsePublishedAtErrors(t *testing.T) {
	now := time.Now()
	if _, err := ParsePublishedAt("", now); !errors.Is(err, ErrNoPublishDate) {
		t.Fatalf("expected ErrNoPublishDate, got %v", err)
	}
	if _, err := ParsePublishedAt("давным-давно", now); err == nil {
		t.Fatalf("expected error for garbage date")
	}
	for _, in := range []string{"31.02.2024", "12.13.2024", "12.03.2024 25:00"} {
		if _, err := ParsePublishedAt(in, now); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestNormalize(t *testing.T) {
	loc := time.FixedZone("MSK", 3*3600)
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, loc)
	desc := "текст"
	raw := model.RawListing{
		ExternalID:  "42",
		Title:       "Дом",
		URL:         "/item/42",
		PriceText:   "Цена договорная",
		Description: &desc,
		PublishedAt: "вчера в 18:00",
		Metadata:    map[string]string{"rooms": "3"},
	}

	got, err := Normalize(model.SourceFarpost, raw, "https://www.farpost.ru/vladivostok/realty/?page=2", now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Source != model.SourceFarpost || got.ExternalID != "42" {
		t.Fatalf("identity fields wrong: %+v", got)
	}
	if got.URL != "https://www.farpost.ru/item/42" {
		t.Fatalf("url = %q", got.URL)
	}
	if got.Price != nil {
		t.Fatalf("price should be nil, got %d", *got.Price)
	}
	if !got.PublishedAt.Equal(time.Date(2024, 3, 14, 18, 0, 0, 0, loc)) {
		t.Fatalf("published = %v", got.PublishedAt)
	}

	raw.Metadata["rooms"] = "4"
	if got.Metadata["rooms"] != "3" {
		t.Fatalf("metadata must be copied")
	}

	raw.PublishedAt = ""
	if _, err := Normalize(model.SourceFarpost, raw, "https://www.farpost.ru/", now); err == nil {
		t.Fatalf("expected listing without date to be rejected")
	}
}
