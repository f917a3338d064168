package manifest

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

var (
	addressType = cty.Capsule("address", reflect.TypeOf(""))
	bytesType   = cty.Capsule("bytes", reflect.TypeOf([]byte(nil)))
)

// addressFunc 将字符串标记为合约地址参数。
var addressFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "value", Type: cty.String}},
	Type:   function.StaticReturnType(addressType),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		s := strings.TrimSpace(args[0].AsString())
		if s == "" {
			return cty.NilVal, fmt.Errorf("address 不能为空")
		}
		return cty.CapsuleVal(addressType, &s), nil
	},
})

// bytesFunc 将十六进制字符串解码为字节参数。
var bytesFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "hex", Type: cty.String}},
	Type:   function.StaticReturnType(bytesType),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		s := strings.TrimSpace(args[0].AsString())
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		raw, err := hex.DecodeString(s)
		if err != nil {
			return cty.NilVal, fmt.Errorf("bytes 参数不是合法的十六进制: %w", err)
		}
		return cty.CapsuleVal(bytesType, &raw), nil
	},
})

func functions() map[string]function.Function {
	return map[string]function.Function{
		"address": addressFunc,
		"bytes":   bytesFunc,
	}
}
