package market

import (
	"os"
	"path/filepath"
	"testing"
)

func testListings() []Listing {
	return []Listing{
		{AssetID: "asset-pop", Title: "霓虹波普", Tags: []string{"neo-pop", "image"}, Popularity: 0.9},
		{AssetID: "asset-ink", Title: "水墨山水", Tags: []string{"ink", "image"}, Popularity: 0.8},
		{AssetID: "asset-noise", Title: "故障艺术", Tags: []string{"glitch"}, Popularity: 0.2},
		{AssetID: "asset-plain", Title: "无标签清单", Popularity: 0.9},
	}
}

func TestScanRanksByAffinityAndPopularity(t *testing.T) {
	m := NewStaticMarket(testListings(), 0.5, 3)

	candidates := m.Scan("neo-pop", "image")
	if len(candidates) != 2 {
		t.Fatalf("期望 2 条命中，实际 %d", len(candidates))
	}
	if candidates[0].Listing.AssetID != "asset-pop" {
		t.Fatalf("完全匹配的清单应排第一，实际 %s", candidates[0].Listing.AssetID)
	}
	if candidates[1].Listing.AssetID != "asset-ink" {
		t.Fatalf("部分匹配的清单应排第二，实际 %s", candidates[1].Listing.AssetID)
	}
	if candidates[0].Score <= candidates[1].Score {
		t.Fatalf("得分应严格降序: %f vs %f", candidates[0].Score, candidates[1].Score)
	}
}

func TestScanFiltersBelowThreshold(t *testing.T) {
	m := NewStaticMarket(testListings(), 0.9, 3)

	candidates := m.Scan("glitch", "video")
	if len(candidates) != 0 {
		t.Fatalf("低分清单应被过滤，实际 %d 条", len(candidates))
	}
}

func TestScanLimitsResults(t *testing.T) {
	m := NewStaticMarket(testListings(), 0.1, 1)

	candidates := m.Scan("neo-pop ink", "image")
	if len(candidates) != 1 {
		t.Fatalf("应只返回 1 条，实际 %d", len(candidates))
	}
}

func TestLoadStaticMarket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	payload := `listings:
  - asset_id: asset-pop
    title: 霓虹波普
    tags: [neo-pop, image]
    popularity: 0.9
  - asset_id: asset-ink
    title: 水墨山水
    tags: [ink, image]
    popularity: 0.8
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	m, err := LoadStaticMarket(path, 0.5, 3)
	if err != nil {
		t.Fatalf("加载市场清单失败: %v", err)
	}
	candidates := m.Scan("neo-pop", "image")
	if len(candidates) == 0 || candidates[0].Listing.AssetID != "asset-pop" {
		t.Fatalf("加载后的清单检索异常: %+v", candidates)
	}
}

func TestLoadStaticMarketRejectsMissingFile(t *testing.T) {
	if _, err := LoadStaticMarket("", 0.5, 3); err == nil {
		t.Fatal("空路径应报错")
	}
	if _, err := LoadStaticMarket(filepath.Join(t.TempDir(), "missing.yaml"), 0.5, 3); err == nil {
		t.Fatal("文件不存在应报错")
	}
}
