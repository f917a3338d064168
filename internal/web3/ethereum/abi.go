package ethereum

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"SoroTask/internal/task"
	"SoroTask/internal/web3"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// parseSignature 将 "name(type1,type2)" 形式的函数签名解析为 ABI 方法。
func parseSignature(signature string, outputs ...string) (abi.Method, error) {
	signature = strings.ReplaceAll(strings.TrimSpace(signature), " ", "")
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return abi.Method{}, fmt.Errorf("函数签名 %q 格式错误，应为 name(type,...)", signature)
	}
	name := signature[:open]
	inputs, err := buildArguments(splitTypes(signature[open+1 : len(signature)-1]))
	if err != nil {
		return abi.Method{}, fmt.Errorf("解析 %s 的参数类型失败: %w", name, err)
	}
	outs, err := buildArguments(outputs)
	if err != nil {
		return abi.Method{}, err
	}
	return abi.NewMethod(name, name, abi.Function, "nonpayable", false, false, inputs, outs), nil
}

func splitTypes(list string) []string {
	if list == "" {
		return nil
	}
	var (
		types []string
		depth int
		start int
	)
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				types = append(types, list[start:i])
				start = i + 1
			}
		}
	}
	return append(types, list[start:])
}

func buildArguments(types []string) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(types))
	for i, raw := range types {
		if strings.HasPrefix(raw, "(") {
			return nil, fmt.Errorf("暂不支持 tuple 参数 %s", raw)
		}
		typ, err := abi.NewType(raw, "", nil)
		if err != nil {
			return nil, err
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: typ})
	}
	return args, nil
}

// packCall 按方法参数类型转换任务参数并生成调用数据。
func packCall(method abi.Method, args []task.Value) ([]byte, error) {
	if len(args) != len(method.Inputs) {
		return nil, fmt.Errorf("%s 需要 %d 个参数，实际为 %d", method.Sig, len(method.Inputs), len(args))
	}
	converted := make([]any, len(args))
	for i, arg := range args {
		v, err := convertValue(arg, method.Inputs[i].Type)
		if err != nil {
			return nil, fmt.Errorf("参数 %d: %w", i, err)
		}
		converted[i] = v
	}
	packed, err := method.Inputs.Pack(converted...)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, method.ID...), packed...), nil
}

// convertValue 将任务参数转换为 go-ethereum 编码器期望的 Go 类型。
func convertValue(v task.Value, typ abi.Type) (any, error) {
	switch typ.T {
	case abi.BoolTy:
		b, ok := v.AsBool()
		if !ok {
			return nil, kindMismatch(v, typ)
		}
		return b, nil
	case abi.IntTy, abi.UintTy:
		n, ok := v.AsInt()
		if !ok {
			return nil, kindMismatch(v, typ)
		}
		return convertInt(n, typ)
	case abi.StringTy:
		s, ok := v.AsString()
		if !ok {
			return nil, kindMismatch(v, typ)
		}
		return s, nil
	case abi.AddressTy:
		return convertAddress(v)
	case abi.BytesTy:
		b, ok := v.AsBytes()
		if !ok {
			return nil, kindMismatch(v, typ)
		}
		return b, nil
	case abi.FixedBytesTy:
		b, ok := v.AsBytes()
		if !ok {
			return nil, kindMismatch(v, typ)
		}
		if len(b) != typ.Size {
			return nil, fmt.Errorf("%s 需要 %d 字节，实际为 %d", typ.String(), typ.Size, len(b))
		}
		out := reflect.New(typ.GetType()).Elem()
		reflect.Copy(out, reflect.ValueOf(b))
		return out.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.AsList()
		if !ok {
			return nil, kindMismatch(v, typ)
		}
		var out reflect.Value
		if typ.T == abi.SliceTy {
			out = reflect.MakeSlice(typ.GetType(), len(items), len(items))
		} else {
			if len(items) != typ.Size {
				return nil, fmt.Errorf("%s 需要 %d 个元素，实际为 %d", typ.String(), typ.Size, len(items))
			}
			out = reflect.New(typ.GetType()).Elem()
		}
		for i, item := range items {
			elem, err := convertValue(item, *typ.Elem)
			if err != nil {
				return nil, fmt.Errorf("元素 %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("暂不支持的 ABI 类型 %s", typ.String())
	}
}

func convertInt(n *big.Int, typ abi.Type) (any, error) {
	if typ.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > typ.Size {
			return nil, fmt.Errorf("%s 超出 %s 的范围", n, typ.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(typ.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s 超出 %s 的范围", n, typ.String())
		}
	}
	target := typ.GetType()
	if target == bigIntType {
		return new(big.Int).Set(n), nil
	}
	out := reflect.New(target).Elem()
	if typ.T == abi.UintTy {
		out.SetUint(n.Uint64())
	} else {
		out.SetInt(n.Int64())
	}
	return out.Interface(), nil
}

func convertAddress(v task.Value) (common.Address, error) {
	raw, ok := v.AsAddress()
	if !ok {
		raw, ok = v.AsString()
	}
	if !ok {
		return common.Address{}, fmt.Errorf("%s 不能作为 address 参数", v.Kind())
	}
	id, err := web3.ParseIdentity(raw)
	if err != nil {
		return common.Address{}, err
	}
	return id.Address, nil
}

func kindMismatch(v task.Value, typ abi.Type) error {
	return fmt.Errorf("%s 类型的值不能编码为 %s", v.Kind(), typ.String())
}

// naturalType 返回任务参数在没有目标类型时使用的 ABI 类型。
func naturalType(v task.Value) (string, error) {
	switch v.Kind() {
	case task.KindBool:
		return "bool", nil
	case task.KindInt:
		return "int256", nil
	case task.KindString:
		return "string", nil
	case task.KindBytes:
		return "bytes", nil
	case task.KindAddress:
		return "address", nil
	case task.KindList:
		items, _ := v.AsList()
		if len(items) == 0 {
			return "", errors.New("无法推断空列表的元素类型")
		}
		elem, err := naturalType(items[0])
		if err != nil {
			return "", err
		}
		for _, item := range items[1:] {
			other, err := naturalType(item)
			if err != nil {
				return "", err
			}
			if other != elem {
				return "", fmt.Errorf("列表元素类型不一致: %s 与 %s", elem, other)
			}
		}
		return elem + "[]", nil
	default:
		return "", fmt.Errorf("无法推断 %s 的 ABI 类型", v.Kind())
	}
}

// encodeNatural 将参数序列按各自的自然类型编码为一个 ABI tuple，
// 与 Solidity 中 abi.encode(a, b, ...) 的结果一致。
func encodeNatural(values []task.Value) ([]byte, error) {
	types := make([]string, len(values))
	for i, v := range values {
		typ, err := naturalType(v)
		if err != nil {
			return nil, fmt.Errorf("参数 %d: %w", i, err)
		}
		types[i] = typ
	}
	args, err := buildArguments(types)
	if err != nil {
		return nil, err
	}
	converted := make([]any, len(values))
	for i, v := range values {
		c, err := convertValue(v, args[i].Type)
		if err != nil {
			return nil, fmt.Errorf("参数 %d: %w", i, err)
		}
		converted[i] = c
	}
	return args.Pack(converted...)
}
