// Package knowledge 提供研究阶段可引用的本地参考资料。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
)

// Provider 定义参考资料检索的通用接口。
type Provider interface {
	Query(topic string) []Snippet
}

// Snippet 描述可供大模型引用的一段资料。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Source   string   `json:"source,omitempty" yaml:"source,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// StaticProvider 基于关键词匹配检索静态资料。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态资料库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载资料条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "资料库文件路径不能为空")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取资料库文件失败", xerrors.WithMetadata("path", path))
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	case ".json":
		err = json.Unmarshal(data, &entries)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的资料库格式: %s", filepath.Ext(path)))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析资料库文件失败", xerrors.WithMetadata("path", path))
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Len 返回资料条目数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Query 返回关键词出现在主题中的资料，按文件顺序取前 maxResults 条。
// 未配置关键词的条目视为通用资料，总是匹配。
func (p *StaticProvider) Query(topic string) []Snippet {
	if p == nil {
		return nil
	}
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		return nil
	}

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !matches(item, topic) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func matches(snippet Snippet, topic string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(topic, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
