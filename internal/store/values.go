package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

type serverTimestamp struct{}

type increment struct {
	n float64
}

// ServerTimestamp 写入时由存储填充为接收时间
func ServerTimestamp() any {
	return serverTimestamp{}
}

// Increment 在 Update 中对数值字段做原子增量，字段不存在时视为 0
func Increment(n int) any {
	return increment{n: float64(n)}
}

// FormatTime 存储中时间字段的统一格式
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// resolvePut 替换哨兵值并规范化为 JSON 数据模型
func resolvePut(data map[string]any, now time.Time) (map[string]any, error) {
	resolved, err := resolveSentinels(data, now)
	if err != nil {
		return nil, err
	}
	return normalizeMap(resolved)
}

func resolveSentinels(data map[string]any, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case serverTimestamp:
			out[k] = FormatTime(now)
		case increment:
			out[k] = val.n
		case map[string]any:
			nested, err := resolveSentinels(val, now)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

// applyUpdate 在 current 的副本上合并 fields，key 可以是 a.b 路径
func applyUpdate(current map[string]any, fields map[string]any, now time.Time) (map[string]any, error) {
	next := deepCopyMap(current)
	for path, v := range fields {
		switch val := v.(type) {
		case serverTimestamp:
			setPath(next, path, FormatTime(now))
		case increment:
			base, _ := toFloat(getPath(next, path))
			setPath(next, path, base+val.n)
		default:
			normalized, err := normalizeValue(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", path, err)
			}
			setPath(next, path, normalized)
		}
	}
	return next, nil
}

func normalizeMap(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func getPath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func setPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// compareValues 返回 -1/0/1，ok=false 表示两个值不可比较
// 两个字符串都能解析为时间时按时间比较
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return cmpOrdered(af, bf), true
	}
	as, ok := a.(string)
	if !ok {
		if ab, ok := a.(bool); ok {
			bb, ok := b.(bool)
			if !ok {
				return 0, false
			}
			return cmpBool(ab, bb), true
		}
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	if at, err := time.Parse(time.RFC3339Nano, as); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, bs); err == nil {
			return at.Compare(bt), true
		}
	}
	return strings.Compare(as, bs), true
}

func cmpOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func valuesEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// normalizePredicates 让谓词值和文档值处于同一数据模型
func normalizePredicates(preds []Predicate) ([]Predicate, error) {
	out := make([]Predicate, len(preds))
	for i, p := range preds {
		v, err := normalizeValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("predicate %s: %w", p.Field, err)
		}
		out[i] = Predicate{Field: p.Field, Op: p.Op, Value: v}
	}
	return out, nil
}

// Matches 判断文档是否满足全部谓词
func Matches(data map[string]any, preds []Predicate) bool {
	for _, p := range preds {
		v := getPath(data, p.Field)
		switch p.Op {
		case OpEq:
			if v == nil || !valuesEqual(v, p.Value) {
				return false
			}
		case OpArrayContains:
			arr, ok := v.([]any)
			if !ok {
				return false
			}
			found := false
			for _, item := range arr {
				if valuesEqual(item, p.Value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case OpGte, OpLte:
			c, ok := compareValues(v, p.Value)
			if !ok {
				return false
			}
			if p.Op == OpGte && c < 0 {
				return false
			}
			if p.Op == OpLte && c > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// SortDocuments 按 orders 排序，最后按文档 ID 升序保证确定性，然后截断到 limit
// 缺少排序字段的文档排在升序的最前面
func SortDocuments(docs []Document, orders []Order, limit int) []Document {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range orders {
			c := compareField(getPath(docs[i].Data, o.Field), getPath(docs[j].Data, o.Field))
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}

func compareField(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, _ := compareValues(a, b)
	return c
}
