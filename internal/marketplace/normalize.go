package marketplace

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultProductName = "Unknown product"
	DefaultRegion      = "Unknown region"

	// minorUnitThreshold separates major-unit prices from values sent in
	// kopecks/cents by endpoints that do not say which they use.
	minorUnitThreshold = 10000
)

// NormalizeAmount converts amounts above the threshold from minor units
func NormalizeAmount(v float64) float64 {
	if v > minorUnitThreshold {
		return v / 100
	}
	return v
}

func ProductNameOrDefault(name string) string {
	if strings.TrimSpace(name) == "" {
		return DefaultProductName
	}
	return name
}

func RegionOrDefault(region string) string {
	if strings.TrimSpace(region) == "" {
		return DefaultRegion
	}
	return region
}

// RequirePrice dereferences a sale price that must be present
func RequirePrice(marketplace Type, record string, price *float64) (float64, error) {
	if price == nil {
		return 0, &NormalizationError{Marketplace: marketplace, Record: record, Field: "price"}
	}
	return *price, nil
}

// ParseAmount parses decimal strings such as "1234.50"; empty is zero
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-01-2006 15:04:05",
	"02-01-2006",
}

// ParseTime accepts the timestamp layouts used across marketplace APIs.
// Layouts without a zone are read as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// AggregateRegions folds orders into per-region buckets for one period
func AggregateRegions(orders []Order, from, to time.Time) []RegionalBucket {
	index := make(map[string]int)
	var buckets []RegionalBucket
	for _, o := range orders {
		region := RegionOrDefault(o.Region)
		i, ok := index[region]
		if !ok {
			i = len(buckets)
			index[region] = i
			buckets = append(buckets, RegionalBucket{
				Region:      region,
				PeriodStart: from,
				PeriodEnd:   to,
				Currency:    o.Currency,
			})
		}
		buckets[i].Quantity += o.Quantity
		buckets[i].OrderCount++
		buckets[i].Revenue += o.TotalAmount
	}
	return buckets
}
