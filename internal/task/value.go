package task

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Kind 标识 Value 当前承载的类型。
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindString
	KindBytes
	KindAddress
	KindList
)

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindInt:     "int",
	KindString:  "string",
	KindBytes:   "bytes",
	KindAddress: "address",
	KindList:    "list",
}

// String 返回类型名称，与 JSON 编码中的 type 字段一致。
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

func parseKind(name string) (Kind, error) {
	for kind, candidate := range kindNames {
		if candidate == name {
			return kind, nil
		}
	}
	return KindInvalid, fmt.Errorf("未知的参数类型 %q", name)
}

// Value 是任务参数的不透明载荷，引擎只负责原样传递。
// 零值为 KindInvalid，不能被编码。
type Value struct {
	kind Kind
	b    bool
	i    *big.Int
	s    string
	raw  []byte
	list []Value
}

// Bool 构造布尔值。
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int 构造整数值。
func Int(v int64) Value { return Value{kind: KindInt, i: big.NewInt(v)} }

// BigInt 构造任意精度整数值，nil 视为 0。
func BigInt(v *big.Int) Value {
	if v == nil {
		return Value{kind: KindInt, i: new(big.Int)}
	}
	return Value{kind: KindInt, i: new(big.Int).Set(v)}
}

// String 构造字符串值。
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bytes 构造字节串值。
func Bytes(v []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte{}, v...)}
}

// Address 构造宿主环境中的身份标识值。
func Address(v string) Value { return Value{kind: KindAddress, s: v} }

// List 构造嵌套序列值。
func List(values ...Value) Value {
	items := make([]Value, len(values))
	for i, v := range values {
		items[i] = v.Clone()
	}
	return Value{kind: KindList, list: items}
}

// Kind 返回值类型。
func (v Value) Kind() Kind { return v.kind }

// AsBool 在值为布尔类型时返回其内容。
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsInt 返回整数的副本。
func (v Value) AsInt() (*big.Int, bool) {
	if v.kind != KindInt {
		return nil, false
	}
	return new(big.Int).Set(v.i), true
}

// AsString 返回字符串内容。
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsBytes 返回字节串副本。
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte{}, v.raw...), true
}

// AsAddress 返回身份标识。
func (v Value) AsAddress() (string, bool) {
	if v.kind != KindAddress {
		return "", false
	}
	return v.s, true
}

// AsList 返回序列元素的副本。
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return CloneValues(v.list), true
}

// Clone 深拷贝一个值。
func (v Value) Clone() Value {
	out := Value{kind: v.kind, b: v.b, s: v.s}
	if v.i != nil {
		out.i = new(big.Int).Set(v.i)
	}
	if v.raw != nil {
		out.raw = append([]byte{}, v.raw...)
	}
	if v.list != nil {
		out.list = CloneValues(v.list)
	}
	return out
}

// Equal 比较两个值的类型与内容。
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == other.b
	case KindInt:
		return v.i.Cmp(other.i) == 0
	case KindString, KindAddress:
		return v.s == other.s
	case KindBytes:
		return bytes.Equal(v.raw, other.raw)
	case KindList:
		return ValuesEqual(v.list, other.list)
	default:
		return true
	}
}

// String 以便于日志阅读的形式输出值。
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return v.i.String()
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return "0x" + hex.EncodeToString(v.raw)
	case KindAddress:
		return "@" + v.s
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "<invalid>"
	}
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON 将值编码为 {"type": ..., "value": ...}。
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindBool:
		payload = v.b
	case KindInt:
		payload = v.i.String()
	case KindString, KindAddress:
		payload = v.s
	case KindBytes:
		payload = "0x" + hex.EncodeToString(v.raw)
	case KindList:
		items := v.list
		if items == nil {
			items = []Value{}
		}
		payload = items
	default:
		return nil, fmt.Errorf("无法编码无效的参数值")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.kind.String(), Value: raw})
}

// UnmarshalJSON 解析 MarshalJSON 生成的格式。
func (v *Value) UnmarshalJSON(data []byte) error {
	var envelope valueJSON
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("解析参数值失败: %w", err)
	}
	kind, err := parseKind(envelope.Type)
	if err != nil {
		return err
	}
	if len(envelope.Value) == 0 {
		return fmt.Errorf("参数值缺少 value 字段")
	}

	switch kind {
	case KindBool:
		var b bool
		if err := json.Unmarshal(envelope.Value, &b); err != nil {
			return fmt.Errorf("解析 bool 参数失败: %w", err)
		}
		*v = Bool(b)
	case KindInt:
		n, err := decodeJSONInt(envelope.Value)
		if err != nil {
			return err
		}
		*v = Value{kind: KindInt, i: n}
	case KindString, KindAddress:
		var s string
		if err := json.Unmarshal(envelope.Value, &s); err != nil {
			return fmt.Errorf("解析 %s 参数失败: %w", kind, err)
		}
		*v = Value{kind: kind, s: s}
	case KindBytes:
		var s string
		if err := json.Unmarshal(envelope.Value, &s); err != nil {
			return fmt.Errorf("解析 bytes 参数失败: %w", err)
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
		if err != nil {
			return fmt.Errorf("bytes 参数不是合法的十六进制: %w", err)
		}
		*v = Value{kind: KindBytes, raw: raw}
	case KindList:
		var items []Value
		if err := json.Unmarshal(envelope.Value, &items); err != nil {
			return err
		}
		if items == nil {
			items = []Value{}
		}
		*v = Value{kind: KindList, list: items}
	}
	return nil
}

// decodeJSONInt 同时接受十进制字符串与 JSON 数字，十六进制必须显式带 0x 前缀。
func decodeJSONInt(raw json.RawMessage) (*big.Int, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("解析 int 参数失败: %w", err)
		}
	}
	sign, digits, base := "", text, 10
	if rest, ok := strings.CutPrefix(digits, "-"); ok {
		sign, digits = "-", rest
	}
	if len(digits) > 2 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		digits, base = digits[2:], 16
	}
	if digits == "" || digits[0] == '+' || digits[0] == '-' {
		return nil, fmt.Errorf("int 参数 %q 不是合法的整数", text)
	}
	n, ok := new(big.Int).SetString(sign+digits, base)
	if !ok {
		return nil, fmt.Errorf("int 参数 %q 不是合法的整数", text)
	}
	return n, nil
}

// CloneValues 深拷贝参数序列，nil 保持为 nil。
func CloneValues(values []Value) []Value {
	if values == nil {
		return nil
	}
	out := make([]Value, len(values))
	for i, v := range values {
		out[i] = v.Clone()
	}
	return out
}

// ValuesEqual 按顺序比较两个参数序列。
func ValuesEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
