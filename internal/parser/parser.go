// internal/parser/parser.go
package parser

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Logger 解析器只依赖这个窄接口，由调用方注入具体实现
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ResponseParser 把模型返回的随机文本转换为结构化数据。
// 这是全仓库唯一的解析入口：所有期望结构化输出的调用方都经过这里，
// 并且必须把返回值当作"可能只是兜底形态"来处理。
type ResponseParser struct {
	logger Logger
}

// NewResponseParser 创建解析器
func NewResponseParser(logger Logger) *ResponseParser {
	return &ResponseParser{logger: logger}
}

// Parse 分层解析模型输出：
//  1. 清洗后整体按JSON对象解析；
//  2. 失败且存在多行时，只取首行再试一次（模型常在JSON后追加散文）；
//  3. 仍失败则返回 {fallbackKey: 原文}。
//
// Parse 本身永不失败；每一层的失败都记录到错误日志。
func (p *ResponseParser) Parse(raw string, fallbackKey string) map[string]interface{} {
	if fallbackKey == "" {
		fallbackKey = "text"
	}

	cleaned := CleanJSONString(raw)

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result
	} else if p.logger != nil {
		p.logger.Errorf("整体JSON解析失败: %v (原文前128字符: %.128s)", err, raw)
	}

	// 首行恢复：模型先输出一行JSON再补充说明时生效
	if idx := strings.IndexByte(strings.TrimSpace(raw), '\n'); idx > 0 {
		firstLine := strings.TrimSpace(strings.TrimSpace(raw)[:idx])
		var lineResult map[string]interface{}
		if err := json.Unmarshal([]byte(CleanJSONString(firstLine)), &lineResult); err == nil {
			return lineResult
		} else if p.logger != nil {
			p.logger.Errorf("首行JSON解析失败: %v (首行: %.128s)", err, firstLine)
		}
	}

	if p.logger != nil {
		p.logger.Errorf("JSON解析全部失败，退回原文兜底 (key=%s)", fallbackKey)
	}
	return map[string]interface{}{fallbackKey: raw}
}

// GetString 从解析结果中取字符串字段（缺失或类型不符时返回空串）
func GetString(record map[string]interface{}, key string) string {
	if v, ok := record[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetBool 从解析结果中取布尔字段，第二个返回值表示字段是否存在且类型正确
func GetBool(record map[string]interface{}, key string) (bool, bool) {
	if v, ok := record[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

// GetStringSlice 从解析结果中取字符串数组（过滤非字符串元素）
func GetStringSlice(record map[string]interface{}, key string) []string {
	v, ok := record[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var dialoguePattern = regexp.MustCompile(`"dialogue"\s*:\s*"((?:[^"\\]|\\.)*)"`)
var behaviorPattern = regexp.MustCompile(`"behavior"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// ExtractDialogue 正则兜底：JSON解析失败时从原文中抢救dialogue/behavior字段。
// 这是角色回复专用的最后一道恢复手段，集中放在解析器里避免各调用点各写一份。
func (p *ResponseParser) ExtractDialogue(raw string) (dialogue string, behavior string, ok bool) {
	m := dialoguePattern.FindStringSubmatch(raw)
	if m == nil {
		return "", "", false
	}
	dialogue = unescapeJSONString(m[1])

	if bm := behaviorPattern.FindStringSubmatch(raw); bm != nil {
		behavior = unescapeJSONString(bm[1])
	}

	if p.logger != nil {
		p.logger.Debugf("通过正则从非法JSON中恢复dialogue字段 (%d字符)", len(dialogue))
	}
	return dialogue, behavior, true
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

// 清理JSON字符串，去除前后非JSON内容
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\ufeff", "",
	"\u00a0", " ",
	"\u2028", "\n",
	"\u2029", "\n",
)

var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'，': ',',
	'；': ';',
	'【': '[',
	'】': ']',
	'｛': '{',
	'｝': '}',
}

var quotePairs = map[rune]rune{
	'"': '"',
	'“': '”',
	'”': '”',
	'「': '」',
	'」': '」',
}

func normalizeJSONStructure(s string) string {
	if s == "" {
		return s
	}

	var builder strings.Builder
	builder.Grow(len(s))
	inString := false
	escaped := false
	currentClosing := '"'

	for _, r := range s {
		if inString {
			if !escaped && r == '\\' {
				escaped = true
				builder.WriteRune(r)
				continue
			}

			if escaped {
				escaped = false
				builder.WriteRune(r)
				continue
			}

			if r == currentClosing || r == '"' {
				inString = false
				currentClosing = '"'
				builder.WriteRune('"')
				continue
			}

			builder.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuationMap[r]; ok {
			r = replacement
		} else if closing, ok := quotePairs[r]; ok {
			inString = true
			currentClosing = closing
			builder.WriteRune('"')
			continue
		} else if r == '"' {
			inString = true
			currentClosing = '"'
			builder.WriteRune(r)
			continue
		} else if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			// 丢弃出现在字符串外的异常Unicode字符
			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}

// CleanJSONString 清洗模型输出中的Markdown标记、零宽字符和前后缀散文，
// 并通过括号配对截取出完整的JSON对象/数组。
func CleanJSONString(s string) string {
	if s == "" {
		return s
	}

	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	// 查找第一个 { 或 [，将其之前的内容全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	s = normalizeJSONStructure(s)

	isArray := len(s) > 0 && s[0] == '['

	// 简单的括号计数匹配
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 没找到匹配的结束符时回退到最后一个闭合符号
	end := -1
	if isArray {
		end = strings.LastIndex(s, "]")
	} else {
		end = strings.LastIndex(s, "}")
	}

	if end != -1 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}
