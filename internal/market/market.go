package market

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Listing 描述市场上一个可授权的目标资产。
type Listing struct {
	AssetID    string   `yaml:"asset_id" json:"asset_id"`
	Title      string   `yaml:"title" json:"title"`
	Tags       []string `yaml:"tags" json:"tags"`
	Popularity float64  `yaml:"popularity" json:"popularity"`
}

// Candidate 是一次扫描命中的授权目标及其匹配得分。
type Candidate struct {
	Listing Listing `json:"listing"`
	Score   float64 `json:"score"`
}

// Scanner 定义授权目标的检索接口。
type Scanner interface {
	Scan(style, contentType string) []Candidate
}

// StaticMarket 从 YAML 文件加载市场清单，按标签匹配度与热度打分。
type StaticMarket struct {
	listings   []Listing
	threshold  float64
	maxResults int
}

// NewStaticMarket 创建静态市场实例。
func NewStaticMarket(listings []Listing, threshold float64, maxResults int) *StaticMarket {
	if threshold <= 0 {
		threshold = 0.7
	}
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticMarket{
		listings:   listings,
		threshold:  threshold,
		maxResults: maxResults,
	}
}

// LoadStaticMarket 从 YAML 文件加载市场清单。
func LoadStaticMarket(path string, threshold float64, maxResults int) (*StaticMarket, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("市场清单文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析市场清单路径失败: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取市场清单文件失败: %w", err)
	}

	var doc struct {
		Listings []Listing `yaml:"listings"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析市场清单文件失败: %w", err)
	}

	return NewStaticMarket(doc.Listings, threshold, maxResults), nil
}

// Scan 返回与给定风格和内容类型匹配度不低于阈值的授权目标，
// 按得分降序最多返回 maxResults 条。
func (m *StaticMarket) Scan(style, contentType string) []Candidate {
	if m == nil {
		return nil
	}

	style = strings.ToLower(strings.TrimSpace(style))
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	candidates := make([]Candidate, 0, m.maxResults)
	for _, listing := range m.listings {
		score := score(listing, style, contentType)
		if score < m.threshold {
			continue
		}
		candidates = append(candidates, Candidate{Listing: listing, Score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].Listing.AssetID < candidates[j].Listing.AssetID
		}
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > m.maxResults {
		candidates = candidates[:m.maxResults]
	}
	return candidates
}

// score 结合标签匹配度与热度给出 0~1 的得分。无标签的清单只按热度计分。
func score(listing Listing, style, contentType string) float64 {
	popularity := listing.Popularity
	if popularity < 0 {
		popularity = 0
	}
	if popularity > 1 {
		popularity = 1
	}
	if len(listing.Tags) == 0 {
		return popularity * 0.5
	}

	matched := 0
	for _, tag := range listing.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if strings.Contains(style, normalized) || strings.Contains(contentType, normalized) {
			matched++
		}
	}
	affinity := float64(matched) / float64(len(listing.Tags))
	return affinity*0.6 + popularity*0.4
}

var _ Scanner = (*StaticMarket)(nil)
