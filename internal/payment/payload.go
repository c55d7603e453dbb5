package payment

import (
	"fmt"
	"strings"
)

// Payload 调用方附带的扩展参数，合并进服务商请求体，同名键覆盖构造值。
type Payload map[string]interface{}

// Has 判断点分路径是否存在，例如 "scene_info.store_info"。
func (p Payload) Has(path string) bool {
	_, ok := p.lookup(path)
	return ok
}

// Get 读取点分路径，不存在时返回 fallback。
func (p Payload) Get(path string, fallback interface{}) interface{} {
	if value, ok := p.lookup(path); ok {
		return value
	}
	return fallback
}

// String 以字符串读取点分路径。
func (p Payload) String(path string) string {
	value, ok := p.lookup(path)
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// Merge 将扩展参数写入 target，返回 target。
func (p Payload) Merge(target map[string]interface{}) map[string]interface{} {
	if target == nil {
		target = make(map[string]interface{}, len(p))
	}
	for key, value := range p {
		target[key] = value
	}
	return target
}

func (p Payload) lookup(path string) (interface{}, bool) {
	path = strings.TrimSpace(path)
	if len(p) == 0 || path == "" {
		return nil, false
	}
	var current interface{} = map[string]interface{}(p)
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case Payload:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		default:
			return nil, false
		}
	}
	return current, true
}
